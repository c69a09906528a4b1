// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package nodes

import (
	"time"

	"github.com/cockroachdb/logflow/pkg/lferrors"
	"github.com/cockroachdb/logflow/pkg/logpb"
)

// ShardTransition is one of the named storage-membership transitions from
// spec.md §4.4.1.
type ShardTransition int8

const (
	TransitionProvisionShard ShardTransition = iota
	TransitionMarkShardProvisioned
	TransitionBootstrapEnableShard
	TransitionEnablingRead
	TransitionEnableWrite
	TransitionDisablingWrite
	TransitionStartDataMigration
	TransitionDataMigrationCompleted
	TransitionDisablingRead
	TransitionRemoveEmptyShard
)

// ShardUpdate names one shard transition within a StorageMembershipUpdate.
type ShardUpdate struct {
	Shard      logpb.ShardID
	Transition ShardTransition
}

// StorageMembershipUpdate is one sub-update kind named in spec.md §4.4.1.
type StorageMembershipUpdate struct {
	BaseVersion uint64
	Transitions []ShardUpdate
}

// SequencerNodeUpdate adds, removes or reconfigures one node's sequencer
// attributes.
type SequencerNodeUpdate struct {
	NodeIndex logpb.NodeIndex
	Remove    bool
	Attrs     logpb.SequencerAttributes
}

// SequencerMembershipUpdate is one sub-update kind named in spec.md §4.4.1.
type SequencerMembershipUpdate struct {
	BaseVersion uint64
	Nodes       []SequencerNodeUpdate
}

// ServiceDiscoveryEntryUpdate adds, removes or reconfigures one node's
// service discovery record.
type ServiceDiscoveryEntryUpdate struct {
	NodeIndex logpb.NodeIndex
	Remove    bool
	Discovery logpb.NodeServiceDiscovery
	Storage   *logpb.StorageAttributes
}

// ServiceDiscoveryUpdate is one sub-update kind named in spec.md §4.4.1.
type ServiceDiscoveryUpdate struct {
	Entries []ServiceDiscoveryEntryUpdate
}

// Update is the all-or-nothing mutation request consumed by applyUpdate
// (spec.md §4.4). Every field is optional; a fully empty Update is
// rejected with lferrors.ErrInvalidParam since it is always a caller bug.
type Update struct {
	SequencerMembershipUpdate   *SequencerMembershipUpdate
	StorageMembershipUpdate     *StorageMembershipUpdate
	ServiceDiscoveryUpdate      *ServiceDiscoveryUpdate
	MetadataReplicationProperty *MetadataReplicationProperty
	FinalizeBootstrapping       bool
}

// ApplyUpdate produces a new NodesConfiguration reflecting u, or returns an
// error and leaves nc untouched (spec.md §4.4: "all-or-nothing semantic: if
// any sub-update fails validation, the whole update is rejected with the
// first error. On success the returned configuration has version =
// old.version + 1").
func (nc *NodesConfiguration) ApplyUpdate(u Update) (*NodesConfiguration, error) {
	if u.SequencerMembershipUpdate == nil && u.StorageMembershipUpdate == nil &&
		u.ServiceDiscoveryUpdate == nil && u.MetadataReplicationProperty == nil && !u.FinalizeBootstrapping {
		return nil, lferrors.Mark(lferrors.ErrInvalidParam, "empty update")
	}

	next := nc.clone()

	if u.ServiceDiscoveryUpdate != nil {
		if err := next.applyServiceDiscoveryUpdate(*u.ServiceDiscoveryUpdate); err != nil {
			return nil, err
		}
	}
	if u.SequencerMembershipUpdate != nil {
		if err := next.applySequencerMembershipUpdate(*u.SequencerMembershipUpdate); err != nil {
			return nil, err
		}
	}
	if u.StorageMembershipUpdate != nil {
		if err := next.applyStorageMembershipUpdate(*u.StorageMembershipUpdate); err != nil {
			return nil, err
		}
	}
	if u.MetadataReplicationProperty != nil {
		next.MetadataReplication = *u.MetadataReplicationProperty
	}
	if u.FinalizeBootstrapping {
		if !next.SequencerMembership.Bootstrapping || !next.StorageMembership.Bootstrapping {
			return nil, lferrors.Mark(lferrors.ErrInvalidParam, "finalize_bootstrapping requires both memberships still bootstrapping")
		}
		next.SequencerMembership.Bootstrapping = false
		next.StorageMembership.Bootstrapping = false
	}

	next.Version = nc.Version + 1
	next.LastChangeTimestamp = time.Now()
	return next, nil
}

func (nc *NodesConfiguration) applyServiceDiscoveryUpdate(u ServiceDiscoveryUpdate) error {
	for _, e := range u.Entries {
		_, exists := nc.ServiceDiscovery[e.NodeIndex]
		if e.Remove {
			if !exists {
				return lferrors.Mark(lferrors.ErrNoMatchInConfig, "node %d not found", e.NodeIndex)
			}
			delete(nc.ServiceDiscovery, e.NodeIndex)
			delete(nc.StorageAttributes, e.NodeIndex)
			continue
		}
		if exists {
			prior := nc.ServiceDiscovery[e.NodeIndex]
			if prior.Location != e.Discovery.Location {
				return lferrors.Mark(lferrors.ErrInvalidParam, "location is immutable for node %d", e.NodeIndex)
			}
		}
		nc.ServiceDiscovery[e.NodeIndex] = e.Discovery
		if e.Storage != nil {
			nc.StorageAttributes[e.NodeIndex] = *e.Storage
		}
	}
	return nil
}

func (nc *NodesConfiguration) applySequencerMembershipUpdate(u SequencerMembershipUpdate) error {
	if u.BaseVersion != nc.SequencerMembership.Version {
		return lferrors.Mark(lferrors.ErrVersionMismatch, "sequencer membership base version %d != current %d", u.BaseVersion, nc.SequencerMembership.Version)
	}
	for _, n := range u.Nodes {
		if n.Remove {
			delete(nc.SequencerMembership.Nodes, n.NodeIndex)
			continue
		}
		nc.SequencerMembership.Nodes[n.NodeIndex] = n.Attrs
	}
	nc.SequencerMembership.Version++
	return nil
}

func (nc *NodesConfiguration) applyStorageMembershipUpdate(u StorageMembershipUpdate) error {
	if u.BaseVersion != nc.StorageMembership.Version {
		return lferrors.Mark(lferrors.ErrVersionMismatch, "storage membership base version %d != current %d", u.BaseVersion, nc.StorageMembership.Version)
	}
	for _, t := range u.Transitions {
		if err := nc.applyShardTransition(t); err != nil {
			return err
		}
	}
	nc.StorageMembership.Version++
	return nil
}

func (nc *NodesConfiguration) applyShardTransition(t ShardUpdate) error {
	cur, exists := nc.StorageMembership.Shards[t.Shard]

	switch t.Transition {
	case TransitionProvisionShard:
		if exists {
			return lferrors.Mark(lferrors.ErrAlreadyExists, "shard %+v already provisioned", t.Shard)
		}
		nc.StorageMembership.Shards[t.Shard] = logpb.ShardState{
			StorageState: logpb.StorageStateProvisioning,
			SinceVersion: nc.StorageMembership.Version + 1,
		}
		return nil
	}

	if !exists {
		return lferrors.Mark(lferrors.ErrNoMatchInConfig, "shard %+v not found", t.Shard)
	}

	next := cur
	switch t.Transition {
	case TransitionMarkShardProvisioned:
		if cur.StorageState != logpb.StorageStateProvisioning {
			return lferrors.Mark(lferrors.ErrUptodate, "shard %+v already provisioned", t.Shard)
		}
		next.StorageState = logpb.StorageStateNone
	case TransitionBootstrapEnableShard:
		if cur.StorageState != logpb.StorageStateNone {
			return lferrors.Mark(lferrors.ErrInvalidParam, "shard %+v not eligible for bootstrap enable", t.Shard)
		}
		next.StorageState = logpb.StorageStateReadWrite
	case TransitionEnablingRead:
		next.StorageState = logpb.StorageStateReadOnly
	case TransitionEnableWrite:
		if cur.StorageState != logpb.StorageStateReadOnly && cur.StorageState != logpb.StorageStateNone {
			return lferrors.Mark(lferrors.ErrInvalidParam, "shard %+v cannot enable write from %s", t.Shard, cur.StorageState)
		}
		next.StorageState = logpb.StorageStateReadWrite
	case TransitionDisablingWrite:
		if cur.StorageState != logpb.StorageStateReadWrite {
			return lferrors.Mark(lferrors.ErrInvalidParam, "shard %+v is not read-write", t.Shard)
		}
		next.StorageState = logpb.StorageStateReadOnly
	case TransitionStartDataMigration:
		next.StorageState = logpb.StorageStateDataMigration
	case TransitionDataMigrationCompleted:
		if cur.StorageState != logpb.StorageStateDataMigration {
			return lferrors.Mark(lferrors.ErrInvalidParam, "shard %+v is not migrating", t.Shard)
		}
		next.StorageState = logpb.StorageStateReadWrite
	case TransitionDisablingRead:
		next.StorageState = logpb.StorageStateDisabled
	case TransitionRemoveEmptyShard:
		if cur.StorageState != logpb.StorageStateNone {
			return lferrors.Mark(lferrors.ErrInvalidParam, "shard %+v is not empty", t.Shard)
		}
		delete(nc.StorageMembership.Shards, t.Shard)
		return nil
	default:
		return lferrors.Mark(lferrors.ErrInvalidParam, "unknown shard transition %d", t.Transition)
	}

	next.SinceVersion = nc.StorageMembership.Version + 1
	nc.StorageMembership.Shards[t.Shard] = next
	return nil
}
