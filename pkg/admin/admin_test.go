// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package admin_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/logflow/pkg/admin"
	"github.com/cockroachdb/logflow/pkg/lferrors"
	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/nodereg"
	"github.com/cockroachdb/logflow/pkg/nodes"
	"github.com/cockroachdb/logflow/pkg/nodestore"
	"github.com/cockroachdb/logflow/pkg/settings"
	"github.com/stretchr/testify/require"
)

// alwaysDead implements admin.FailureDetector by reporting as dead exactly
// the nodes marked in its dead map, for exercising removeNodes without
// wiring a real detector.
type alwaysDead struct{ dead map[logpb.NodeIndex]bool }

func (a alwaysDead) IsDead(idx logpb.NodeIndex) bool { return a.dead[idx] }

func newAPI(t *testing.T) (*admin.API, *nodereg.Holder, *alwaysDead) {
	t.Helper()
	store := nodestore.NewMemory()
	holder := nodereg.NewHolder(nodes.Empty())
	detector := &alwaysDead{dead: map[logpb.NodeIndex]bool{}}
	overrides := settings.NewOverrides(nil)
	return admin.New(holder, store, overrides, detector), holder, detector
}

func discoveryFor(name, addr string) logpb.NodeServiceDiscovery {
	return logpb.NodeServiceDiscovery{
		Name:    name,
		Address: addr,
		Roles:   logpb.RoleSequencer | logpb.RoleStorage,
		Location: logpb.Location{Region: "east"},
	}
}

func TestAddNodesThenGetNodesConfig(t *testing.T) {
	api, _, _ := newAPI(t)
	ctx := context.Background()

	idx := logpb.NodeIndex(1)
	added, version, err := api.AddNodes(ctx, []admin.AddSingleNodeRequest{
		{
			NodeIndex: &idx,
			Config: logpb.NodeConfig{
				ServiceDiscovery: discoveryFor("n1", "10.0.0.1:4440"),
				Storage:          &logpb.StorageAttributes{NumShards: 2, Capacity: 1.0},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, added, 1)
	require.Equal(t, uint64(1), version)

	cfgs, gotVersion := api.GetNodesConfig(nil)
	require.Equal(t, uint64(1), gotVersion)
	require.Len(t, cfgs, 1)
	require.Equal(t, idx, cfgs[0].NodeIndex)
	require.Equal(t, "n1", cfgs[0].ServiceDiscovery.Name)
}

func TestAddNodesDuplicateFailsAsAlreadyExists(t *testing.T) {
	api, _, _ := newAPI(t)
	ctx := context.Background()
	idx := logpb.NodeIndex(1)

	req := admin.AddSingleNodeRequest{
		NodeIndex: &idx,
		Config: logpb.NodeConfig{
			ServiceDiscovery: discoveryFor("n1", "10.0.0.1:4440"),
			Storage:          &logpb.StorageAttributes{NumShards: 1},
		},
	}
	_, _, err := api.AddNodes(ctx, []admin.AddSingleNodeRequest{req})
	require.NoError(t, err)

	_, _, err = api.AddNodes(ctx, []admin.AddSingleNodeRequest{req})
	require.Error(t, err)
	var failed *admin.ClusterMembershipOperationFailed
	require.ErrorAs(t, err, &failed)
	require.Len(t, failed.Failures, 1)
	require.Equal(t, admin.ReasonAlreadyExists, failed.Failures[0].Reason)
}

func TestAddNodesRejectsMissingAddressAsInvalidRequest(t *testing.T) {
	api, _, _ := newAPI(t)
	ctx := context.Background()
	idx := logpb.NodeIndex(1)

	_, _, err := api.AddNodes(ctx, []admin.AddSingleNodeRequest{
		{
			NodeIndex: &idx,
			Config: logpb.NodeConfig{
				ServiceDiscovery: logpb.NodeServiceDiscovery{Name: "n1", Roles: logpb.RoleSequencer},
			},
		},
	})
	require.Error(t, err)
	var failed *admin.ClusterMembershipOperationFailed
	require.ErrorAs(t, err, &failed)
	require.Len(t, failed.Failures, 1)
	require.Equal(t, admin.ReasonInvalidRequestNodesConfig, failed.Failures[0].Reason)
}

func TestValidateBatchFlagsStorageRoleWithoutAttributes(t *testing.T) {
	ctx := context.Background()
	results := admin.ValidateBatch(ctx, []admin.AddSingleNodeRequest{
		{Config: logpb.NodeConfig{ServiceDiscovery: discoveryFor("n1", "10.0.0.1:4440")}},
		{Config: logpb.NodeConfig{ServiceDiscovery: discoveryFor("n2", "10.0.0.2:4440"), Storage: &logpb.StorageAttributes{NumShards: 1}}},
	})
	require.Len(t, results, 2)
	require.Error(t, results[0])
	require.ErrorIs(t, results[0], lferrors.ErrInvalidParam)
	require.NoError(t, results[1])
}

func TestUpdateNodesRejectsLocationChange(t *testing.T) {
	api, _, _ := newAPI(t)
	ctx := context.Background()
	idx := logpb.NodeIndex(1)

	_, _, err := api.AddNodes(ctx, []admin.AddSingleNodeRequest{{
		NodeIndex: &idx,
		Config:    logpb.NodeConfig{ServiceDiscovery: discoveryFor("n1", "10.0.0.1:4440"), Storage: &logpb.StorageAttributes{NumShards: 1}},
	}})
	require.NoError(t, err)

	moved := discoveryFor("n1", "10.0.0.1:4440")
	moved.Location = logpb.Location{Region: "west"}
	_, _, err = api.UpdateNodes(ctx, []admin.UpdateSingleNodeRequest{{
		NodeToBeUpdated: idx,
		NewConfig:       logpb.NodeConfig{NodeIndex: idx, ServiceDiscovery: moved},
	}})
	require.Error(t, err)
	require.ErrorIs(t, err, lferrors.ErrInvalidParam)
}

func TestRemoveNodesRequiresDeadAndEmpty(t *testing.T) {
	api, _, detector := newAPI(t)
	ctx := context.Background()
	idx := logpb.NodeIndex(1)

	_, _, err := api.AddNodes(ctx, []admin.AddSingleNodeRequest{{
		NodeIndex: &idx,
		Config: logpb.NodeConfig{
			ServiceDiscovery: discoveryFor("n1", "10.0.0.1:4440"),
			Storage:          &logpb.StorageAttributes{NumShards: 1},
		},
	}})
	require.NoError(t, err)

	// Not dead yet: removeNodes must fail with NOT_DEAD.
	_, _, err = api.RemoveNodes(ctx, []admin.NodeFilter{{NodeIndex: &idx}})
	require.Error(t, err)
	var failed *admin.ClusterMembershipOperationFailed
	require.ErrorAs(t, err, &failed)
	require.Equal(t, admin.ReasonNotDead, failed.Failures[0].Reason)

	// Marking dead still leaves the shard provisioning (not empty), so it
	// must fail with NOT_DISABLED until the shard is removed.
	detector.dead[idx] = true
	_, _, err = api.RemoveNodes(ctx, []admin.NodeFilter{{NodeIndex: &idx}})
	require.Error(t, err)
	require.ErrorAs(t, err, &failed)
	require.Equal(t, admin.ReasonNotDisabled, failed.Failures[0].Reason)
}

func TestBumpNodeGenerationIncrementsEveryMatch(t *testing.T) {
	api, holder, _ := newAPI(t)
	ctx := context.Background()
	idx := logpb.NodeIndex(1)

	_, _, err := api.AddNodes(ctx, []admin.AddSingleNodeRequest{{
		NodeIndex: &idx,
		Config: logpb.NodeConfig{
			ServiceDiscovery: discoveryFor("n1", "10.0.0.1:4440"),
			Storage:          &logpb.StorageAttributes{Generation: 3},
		},
	}})
	require.NoError(t, err)

	bumped, _, err := api.BumpNodeGeneration(ctx, []admin.NodeFilter{{NodeIndex: &idx}})
	require.NoError(t, err)
	require.Equal(t, []logpb.NodeIndex{idx}, bumped)

	cfg, _ := holder.Get().NodeConfig(idx)
	require.Equal(t, logpb.Generation(4), cfg.Storage.Generation)
}

func TestBootstrapClusterIsIdempotent(t *testing.T) {
	api, _, _ := newAPI(t)
	ctx := context.Background()

	version, err := api.BootstrapCluster(ctx, nodes.MetadataReplicationProperty{ReplicationFactor: 3})
	require.NoError(t, err)
	require.Equal(t, uint64(1), version)

	_, err = api.BootstrapCluster(ctx, nodes.MetadataReplicationProperty{ReplicationFactor: 3})
	require.ErrorIs(t, err, admin.ErrAlreadyBootstrapped)
}

func TestApplySettingOverrideRejectsUnknownSetting(t *testing.T) {
	api, _, _ := newAPI(t)

	err := api.ApplySettingOverride("bogus.setting.name", "1", time.Minute)
	require.Error(t, err)
}

func TestMarkShardsAsProvisionedExpandsAllShards(t *testing.T) {
	api, holder, _ := newAPI(t)
	ctx := context.Background()
	idx := logpb.NodeIndex(1)

	_, _, err := api.AddNodes(ctx, []admin.AddSingleNodeRequest{{
		NodeIndex: &idx,
		Config: logpb.NodeConfig{
			ServiceDiscovery: discoveryFor("n1", "10.0.0.1:4440"),
			Storage:          &logpb.StorageAttributes{NumShards: 3},
		},
	}})
	require.NoError(t, err)

	updated, _, err := api.MarkShardsAsProvisioned(ctx, []logpb.ShardID{{NodeIndex: idx, ShardIndex: logpb.AllShards}})
	require.NoError(t, err)
	require.Len(t, updated, 3)

	nc := holder.Get()
	for _, s := range nc.ShardsForNode(idx) {
		require.Equal(t, logpb.StorageStateNone, nc.StorageMembership.Shards[s].StorageState)
	}
}
