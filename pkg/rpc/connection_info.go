// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rpc

import (
	"net"
	"sync/atomic"

	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/google/uuid"
)

// ConnectionType distinguishes how bytes are protected on the wire
// (spec.md §3 ConnectionInfo).
type ConnectionType int8

const (
	ConnectionTypeNone ConnectionType = iota
	ConnectionTypePlain
	ConnectionTypeSSL
)

// PrincipalIdentity is the authenticated identity associated with a
// Connection, shared (copy-on-write) across ConnectionInfo snapshots the
// way spec.md §3 describes "principal: shared PrincipalIdentity". The real
// certificate/ACL machinery is out of scope; this carries just enough to
// drive DSCP selection and audit logging.
type PrincipalIdentity struct {
	Name string
	DSCP int
}

// ConnectionInfo is the immutable, copy-on-write descriptor of a live
// connection (spec.md §3). Mutation happens only by constructing a new
// value (WithPrincipal, WithProtocol), never in place. Sender has no method
// to install a new value; Connection replaces its own copy only when the
// handshake completes.
type ConnectionInfo struct {
	PeerName         logpb.Address
	PeerAddress      net.Addr
	ConnectionType   ConnectionType
	PeerType         logpb.PeerType
	Protocol         *uint16
	Principal        *PrincipalIdentity
	CSID             uuid.UUID
	ClientLocation   *string
	PeerNodeIndex    *logpb.NodeIndex
	OurNameAtPeer    *logpb.ClientID

	// isActive is shared across every copy of this ConnectionInfo the way
	// spec.md §3 specifies ("is_active: shared<AtomicBool>"): flipping it
	// on one copy is visible through every other copy derived from it.
	isActive *atomic.Bool
}

// NewConnectionInfo constructs a ConnectionInfo for a freshly accepted or
// dialed connection.
func NewConnectionInfo(peerName logpb.Address, peerAddr net.Addr, peerType logpb.PeerType) ConnectionInfo {
	active := &atomic.Bool{}
	active.Store(true)
	return ConnectionInfo{
		PeerName:    peerName,
		PeerAddress: peerAddr,
		PeerType:    peerType,
		CSID:        uuid.New(),
		isActive:    active,
	}
}

// IsActive reports whether the connection is still considered live.
func (ci ConnectionInfo) IsActive() bool {
	if ci.isActive == nil {
		return false
	}
	return ci.isActive.Load()
}

// SetActive flips the shared is_active flag. Every ConnectionInfo value
// derived (via withXxx below) from the same origin observes the change.
func (ci ConnectionInfo) SetActive(active bool) {
	if ci.isActive != nil {
		ci.isActive.Store(active)
	}
}

// WithPrincipal returns a copy of ci with a new principal installed,
// adjusting DSCP the way spec.md §3 describes ("may adjust DSCP from the
// new principal"). The shared is_active flag is preserved across the copy.
func (ci ConnectionInfo) WithPrincipal(p *PrincipalIdentity) ConnectionInfo {
	next := ci
	next.Principal = p
	return next
}

// WithProtocol returns a copy of ci with the negotiated protocol version
// set, used once handshake completes.
func (ci ConnectionInfo) WithProtocol(version uint16) ConnectionInfo {
	next := ci
	next.Protocol = &version
	return next
}

// DSCP returns the differentiated-services code point to apply to outgoing
// packets for this connection's principal, defaulting to 0 (best effort).
func (ci ConnectionInfo) DSCP() int {
	if ci.Principal == nil {
		return 0
	}
	return ci.Principal.DSCP
}
