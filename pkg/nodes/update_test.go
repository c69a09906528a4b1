// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package nodes_test

import (
	"testing"

	"github.com/cockroachdb/logflow/pkg/lferrors"
	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/nodes"
	"github.com/stretchr/testify/require"
)

func addNode(t *testing.T, nc *nodes.NodesConfiguration, idx logpb.NodeIndex, name string) *nodes.NodesConfiguration {
	t.Helper()
	next, err := nc.ApplyUpdate(nodes.Update{
		ServiceDiscoveryUpdate: &nodes.ServiceDiscoveryUpdate{
			Entries: []nodes.ServiceDiscoveryEntryUpdate{{
				NodeIndex: idx,
				Discovery: logpb.NodeServiceDiscovery{Name: name, Address: name + ":1", Roles: logpb.RoleStorage},
			}},
		},
	})
	require.NoError(t, err)
	return next
}

func TestApplyUpdateRejectsEmptyUpdate(t *testing.T) {
	nc := nodes.Empty()
	_, err := nc.ApplyUpdate(nodes.Update{})
	require.ErrorIs(t, err, lferrors.ErrInvalidParam)
}

func TestApplyUpdateIsAllOrNothingOnFailure(t *testing.T) {
	nc := addNode(t, nodes.Empty(), 1, "n1")

	_, err := nc.ApplyUpdate(nodes.Update{
		StorageMembershipUpdate: &nodes.StorageMembershipUpdate{
			BaseVersion: nc.StorageMembership.Version + 1, // deliberately wrong
		},
	})
	require.ErrorIs(t, err, lferrors.ErrVersionMismatch)

	// nc itself must be untouched by the rejected update.
	_, ok := nc.NodeConfig(1)
	require.True(t, ok)
	require.Equal(t, uint64(1), nc.Version)
}

func TestApplyUpdateBumpsVersionOnSuccess(t *testing.T) {
	nc := nodes.Empty()
	next := addNode(t, nc, 1, "n1")
	require.Equal(t, nc.Version+1, next.Version)
	require.Equal(t, uint64(0), nc.Version, "original snapshot must remain at its prior version")
}

func TestServiceDiscoveryUpdateRejectsLocationChange(t *testing.T) {
	nc := nodes.Empty()
	next, err := nc.ApplyUpdate(nodes.Update{
		ServiceDiscoveryUpdate: &nodes.ServiceDiscoveryUpdate{
			Entries: []nodes.ServiceDiscoveryEntryUpdate{{
				NodeIndex: 1,
				Discovery: logpb.NodeServiceDiscovery{Name: "n1", Address: "n1:1", Location: logpb.Location{Region: "east"}},
			}},
		},
	})
	require.NoError(t, err)

	_, err = next.ApplyUpdate(nodes.Update{
		ServiceDiscoveryUpdate: &nodes.ServiceDiscoveryUpdate{
			Entries: []nodes.ServiceDiscoveryEntryUpdate{{
				NodeIndex: 1,
				Discovery: logpb.NodeServiceDiscovery{Name: "n1", Address: "n1:2", Location: logpb.Location{Region: "west"}},
			}},
		},
	})
	require.ErrorIs(t, err, lferrors.ErrInvalidParam)
}

func TestServiceDiscoveryUpdateRemoveRequiresExistingNode(t *testing.T) {
	nc := nodes.Empty()
	_, err := nc.ApplyUpdate(nodes.Update{
		ServiceDiscoveryUpdate: &nodes.ServiceDiscoveryUpdate{
			Entries: []nodes.ServiceDiscoveryEntryUpdate{{NodeIndex: 1, Remove: true}},
		},
	})
	require.ErrorIs(t, err, lferrors.ErrNoMatchInConfig)
}

func TestShardTransitionLifecycle(t *testing.T) {
	nc := nodes.Empty()
	shard := logpb.ShardID{NodeIndex: 1, ShardIndex: 0}

	nc, err := nc.ApplyUpdate(nodes.Update{
		StorageMembershipUpdate: &nodes.StorageMembershipUpdate{
			BaseVersion: nc.StorageMembership.Version,
			Transitions: []nodes.ShardUpdate{{Shard: shard, Transition: nodes.TransitionProvisionShard}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, logpb.StorageStateProvisioning, nc.StorageMembership.Shards[shard].StorageState)

	nc, err = nc.ApplyUpdate(nodes.Update{
		StorageMembershipUpdate: &nodes.StorageMembershipUpdate{
			BaseVersion: nc.StorageMembership.Version,
			Transitions: []nodes.ShardUpdate{{Shard: shard, Transition: nodes.TransitionMarkShardProvisioned}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, logpb.StorageStateNone, nc.StorageMembership.Shards[shard].StorageState)

	nc, err = nc.ApplyUpdate(nodes.Update{
		StorageMembershipUpdate: &nodes.StorageMembershipUpdate{
			BaseVersion: nc.StorageMembership.Version,
			Transitions: []nodes.ShardUpdate{{Shard: shard, Transition: nodes.TransitionBootstrapEnableShard}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, logpb.StorageStateReadWrite, nc.StorageMembership.Shards[shard].StorageState)
}

func TestShardTransitionProvisionTwiceFails(t *testing.T) {
	nc := nodes.Empty()
	shard := logpb.ShardID{NodeIndex: 1, ShardIndex: 0}
	nc, err := nc.ApplyUpdate(nodes.Update{
		StorageMembershipUpdate: &nodes.StorageMembershipUpdate{
			Transitions: []nodes.ShardUpdate{{Shard: shard, Transition: nodes.TransitionProvisionShard}},
		},
	})
	require.NoError(t, err)

	_, err = nc.ApplyUpdate(nodes.Update{
		StorageMembershipUpdate: &nodes.StorageMembershipUpdate{
			BaseVersion: nc.StorageMembership.Version,
			Transitions: []nodes.ShardUpdate{{Shard: shard, Transition: nodes.TransitionProvisionShard}},
		},
	})
	require.ErrorIs(t, err, lferrors.ErrAlreadyExists)
}

func TestFinalizeBootstrappingRequiresBothMembershipsBootstrapping(t *testing.T) {
	nc := nodes.Empty()
	next, err := nc.ApplyUpdate(nodes.Update{FinalizeBootstrapping: true})
	require.NoError(t, err)
	require.False(t, next.IsBootstrapping())

	_, err = next.ApplyUpdate(nodes.Update{FinalizeBootstrapping: true})
	require.ErrorIs(t, err, lferrors.ErrInvalidParam)
}

func TestIsBootstrappingOnFreshConfig(t *testing.T) {
	require.True(t, nodes.Empty().IsBootstrapping())
}

func TestAllNodeIndicesSorted(t *testing.T) {
	nc := nodes.Empty()
	nc = addNode(t, nc, 5, "n5")
	nc = addNode(t, nc, 1, "n1")
	nc = addNode(t, nc, 3, "n3")

	require.Equal(t, []logpb.NodeIndex{1, 3, 5}, nc.AllNodeIndices())
}
