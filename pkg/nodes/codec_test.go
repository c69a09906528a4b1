// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package nodes_test

import (
	"testing"

	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/nodes"
	"github.com/stretchr/testify/require"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	nc := nodes.Empty()
	nc, err := nc.ApplyUpdate(nodes.Update{
		ServiceDiscoveryUpdate: &nodes.ServiceDiscoveryUpdate{
			Entries: []nodes.ServiceDiscoveryEntryUpdate{{
				NodeIndex: 1,
				Discovery: logpb.NodeServiceDiscovery{
					Name:     "n1",
					Address:  "n1:4440",
					Location: logpb.Location{Region: "east", DC: "dc1"},
					Roles:    logpb.RoleSequencer | logpb.RoleStorage,
					Tags:     map[string]string{"rack": "r1"},
				},
				Storage: &logpb.StorageAttributes{Generation: 2, NumShards: 4, Capacity: 1.5},
			}},
		},
	})
	require.NoError(t, err)

	shard := logpb.ShardID{NodeIndex: 1, ShardIndex: 0}
	nc, err = nc.ApplyUpdate(nodes.Update{
		StorageMembershipUpdate: &nodes.StorageMembershipUpdate{
			BaseVersion: nc.StorageMembership.Version,
			Transitions: []nodes.ShardUpdate{{Shard: shard, Transition: nodes.TransitionProvisionShard}},
		},
	})
	require.NoError(t, err)

	blob, err := nc.Serialize()
	require.NoError(t, err)

	got, err := nodes.Deserialize(blob)
	require.NoError(t, err)

	require.Equal(t, nc.Version, got.Version)
	require.Equal(t, nc.ServiceDiscovery, got.ServiceDiscovery)
	require.Equal(t, nc.StorageAttributes, got.StorageAttributes)
	require.Equal(t, nc.StorageMembership.Shards, got.StorageMembership.Shards)
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	_, err := nodes.Deserialize([]byte("not a valid blob"))
	require.Error(t, err)
}

func TestDeserializeRejectsTrailingBytes(t *testing.T) {
	nc := nodes.Empty()
	blob, err := nc.Serialize()
	require.NoError(t, err)

	_, err = nodes.Deserialize(append(blob, 0xff))
	require.Error(t, err)
}
