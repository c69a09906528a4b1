// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package logpb holds the core value types shared by every layer of the
// record write pipeline: Address, locations, shard identifiers and node
// configuration. It is the leaf package in this module's dependency order
// (spec.md §2), the way roachpb is the leaf of the teacher's dependency
// graph: nothing in logpb imports rpc, sender, bufwriter, nodes or admin.
package logpb

import "fmt"

// AddressKind discriminates the two members of the Address tagged union
// (spec.md §3 Address).
type AddressKind int8

const (
	// AddressKindNode identifies a cluster peer.
	AddressKindNode AddressKind = iota
	// AddressKindClient identifies an inbound client session.
	AddressKindClient
)

// NodeIndex identifies a slot in the cluster's node configuration.
type NodeIndex uint16

// Generation distinguishes successive occupancies of one NodeIndex slot
// (spec.md §3 Address, GLOSSARY "Generation").
type Generation uint32

// ClientID identifies an inbound session, unique within one worker's
// lifetime (spec.md §3 Address, GLOSSARY "ClientID").
type ClientID int32

// Address is the tagged union described in spec.md §3: either a cluster
// peer (NodeIndex, Generation) or an inbound client session (ClientID).
// Equality and hashing are by the full tagged contents, which is exactly
// what comparing two Address values with == already gives in Go since
// every field is comparable.
type Address struct {
	Kind       AddressKind
	NodeIndex  NodeIndex
	Generation Generation
	ClientID   ClientID
}

// NodeAddress constructs a cluster-peer Address.
func NodeAddress(index NodeIndex, generation Generation) Address {
	return Address{Kind: AddressKindNode, NodeIndex: index, Generation: generation}
}

// ClientAddress constructs an inbound-session Address.
func ClientAddress(id ClientID) Address {
	return Address{Kind: AddressKindClient, ClientID: id}
}

// IsNode reports whether a is a cluster-peer address.
func (a Address) IsNode() bool { return a.Kind == AddressKindNode }

// IsClient reports whether a is a client-session address.
func (a Address) IsClient() bool { return a.Kind == AddressKindClient }

// String implements the "Nk"/"Ck" serialized node identity format named in
// spec.md §6.
func (a Address) String() string {
	switch a.Kind {
	case AddressKindNode:
		return fmt.Sprintf("N%d", a.NodeIndex)
	case AddressKindClient:
		return fmt.Sprintf("C%d", a.ClientID)
	default:
		return "?"
	}
}
