// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package nodes implements the versioned, immutable cluster-membership
// snapshot described in spec.md §3/§4.4: NodesConfiguration, and the
// all-or-nothing applyUpdate state machine that produces new snapshots.
package nodes

import (
	"time"

	"github.com/cockroachdb/logflow/pkg/logpb"
)

// StorageMembership is the per-shard state of every node's storage role
// (spec.md §3 "Storage membership").
type StorageMembership struct {
	Version       uint64
	Bootstrapping bool
	Shards        map[logpb.ShardID]logpb.ShardState
}

func (m StorageMembership) clone() StorageMembership {
	shards := make(map[logpb.ShardID]logpb.ShardState, len(m.Shards))
	for k, v := range m.Shards {
		shards[k] = v
	}
	return StorageMembership{Version: m.Version, Bootstrapping: m.Bootstrapping, Shards: shards}
}

// SequencerMembership is the per-node sequencer eligibility state.
type SequencerMembership struct {
	Version       uint64
	Bootstrapping bool
	Nodes         map[logpb.NodeIndex]logpb.SequencerAttributes
}

func (m SequencerMembership) clone() SequencerMembership {
	nodes := make(map[logpb.NodeIndex]logpb.SequencerAttributes, len(m.Nodes))
	for k, v := range m.Nodes {
		nodes[k] = v
	}
	return SequencerMembership{Version: m.Version, Bootstrapping: m.Bootstrapping, Nodes: nodes}
}

// MetadataReplicationProperty names the replication factor applied to the
// metadata log, set once at bootstrap (spec.md §4.4.3 bootstrapCluster).
type MetadataReplicationProperty struct {
	ReplicationFactor int32
}

// NodesConfiguration is the immutable, versioned cluster membership
// snapshot named throughout spec.md §3/§4.4. Every mutation goes through
// applyUpdate, which returns a new value rather than mutating this one; a
// *NodesConfiguration is therefore safe to share across workers without
// locking, matching the "immutable snapshot via shared ownership" sharing
// model in spec.md §5.
type NodesConfiguration struct {
	Version               uint64
	ServiceDiscovery      map[logpb.NodeIndex]logpb.NodeServiceDiscovery
	StorageAttributes     map[logpb.NodeIndex]logpb.StorageAttributes
	SequencerMembership   SequencerMembership
	StorageMembership     StorageMembership
	MetadataReplication   MetadataReplicationProperty
	LastChangeTimestamp   time.Time
}

// Empty returns a zero-value NodesConfiguration at version 0 with both
// memberships bootstrapping, matching a freshly initialized cluster before
// bootstrapCluster runs.
func Empty() *NodesConfiguration {
	return &NodesConfiguration{
		Version:          0,
		ServiceDiscovery: make(map[logpb.NodeIndex]logpb.NodeServiceDiscovery),
		StorageAttributes: make(map[logpb.NodeIndex]logpb.StorageAttributes),
		SequencerMembership: SequencerMembership{
			Bootstrapping: true,
			Nodes:         make(map[logpb.NodeIndex]logpb.SequencerAttributes),
		},
		StorageMembership: StorageMembership{
			Bootstrapping: true,
			Shards:        make(map[logpb.ShardID]logpb.ShardState),
		},
		LastChangeTimestamp: time.Unix(0, 0).UTC(),
	}
}

// clone produces a deep copy suitable as the starting point for
// applyUpdate, so a failed update never mutates the receiver (spec.md §4.4:
// "applyUpdate is an all-or-nothing semantic").
func (nc *NodesConfiguration) clone() *NodesConfiguration {
	sd := make(map[logpb.NodeIndex]logpb.NodeServiceDiscovery, len(nc.ServiceDiscovery))
	for k, v := range nc.ServiceDiscovery {
		sd[k] = v
	}
	sa := make(map[logpb.NodeIndex]logpb.StorageAttributes, len(nc.StorageAttributes))
	for k, v := range nc.StorageAttributes {
		sa[k] = v
	}
	return &NodesConfiguration{
		Version:             nc.Version,
		ServiceDiscovery:    sd,
		StorageAttributes:   sa,
		SequencerMembership: nc.SequencerMembership.clone(),
		StorageMembership:   nc.StorageMembership.clone(),
		MetadataReplication: nc.MetadataReplication,
		LastChangeTimestamp: nc.LastChangeTimestamp,
	}
}

// NodeConfig assembles the flattened NodeConfig view for one node, the
// shape returned by getNodesConfig and the addNodes/updateNodes responses
// (spec.md §6).
func (nc *NodesConfiguration) NodeConfig(idx logpb.NodeIndex) (logpb.NodeConfig, bool) {
	sd, ok := nc.ServiceDiscovery[idx]
	if !ok {
		return logpb.NodeConfig{}, false
	}
	cfg := logpb.NodeConfig{
		NodeIndex:        idx,
		ServiceDiscovery: sd,
	}
	if sa, ok := nc.StorageAttributes[idx]; ok {
		saCopy := sa
		cfg.Storage = &saCopy
		cfg.Generation = sa.Generation
	}
	if seq, ok := nc.SequencerMembership.Nodes[idx]; ok {
		seqCopy := seq
		cfg.Sequencer = &seqCopy
	}
	return cfg, true
}

// AllNodeIndices returns every node index present in service discovery,
// sorted ascending.
func (nc *NodesConfiguration) AllNodeIndices() []logpb.NodeIndex {
	out := make([]logpb.NodeIndex, 0, len(nc.ServiceDiscovery))
	for idx := range nc.ServiceDiscovery {
		out = append(out, idx)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// ShardsForNode returns every ShardID belonging to idx, sorted by shard
// index.
func (nc *NodesConfiguration) ShardsForNode(idx logpb.NodeIndex) []logpb.ShardID {
	var out []logpb.ShardID
	for id := range nc.StorageMembership.Shards {
		if id.NodeIndex == idx {
			out = append(out, id)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ShardIndex > out[j].ShardIndex; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// IsBootstrapping reports whether either membership still has its
// bootstrapping flag set (spec.md §4.4.3 bootstrapCluster idempotence
// check).
func (nc *NodesConfiguration) IsBootstrapping() bool {
	return nc.SequencerMembership.Bootstrapping || nc.StorageMembership.Bootstrapping
}
