// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package nodereg_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/nodereg"
	"github.com/cockroachdb/logflow/pkg/nodes"
	"github.com/cockroachdb/logflow/pkg/nodestore"
	"github.com/stretchr/testify/require"
)

func TestHolderGetSetRoundTrip(t *testing.T) {
	nc := nodes.Empty()
	h := nodereg.NewHolder(nc)
	require.Same(t, nc, h.Get())

	next := nodes.Empty()
	h.Set(next)
	require.Same(t, next, h.Get())
}

func TestRegisterOrUpdateSucceedsOnFirstAttempt(t *testing.T) {
	store := nodestore.NewMemory()
	h := nodereg.NewHolder(nodes.Empty())
	handler := nodereg.New(store, h)

	nc, err := handler.RegisterOrUpdate(context.Background(), nodereg.LocalNodeSettings{
		NodeIndex: 1,
		Discovery: logpb.NodeServiceDiscovery{Name: "n1", Address: "n1:1", Roles: logpb.RoleStorage},
	})
	require.NoError(t, err)
	_, ok := nc.NodeConfig(1)
	require.True(t, ok)
	require.Same(t, nc, h.Get())
}

// stealingStore simulates a concurrent writer: the first call to
// UpdateConfigSync from the handler under test loses the race against an
// out-of-band write to the backing store, forcing a version-mismatch retry.
type stealingStore struct {
	nodestore.Store
	stolen bool
}

func (s *stealingStore) UpdateConfigSync(ctx context.Context, value []byte, baseVersion uint64) (nodestore.UpdateResult, error) {
	if !s.stolen {
		s.stolen = true
		other := nodes.Empty()
		other, err := other.ApplyUpdate(nodes.Update{
			ServiceDiscoveryUpdate: &nodes.ServiceDiscoveryUpdate{
				Entries: []nodes.ServiceDiscoveryEntryUpdate{{
					NodeIndex: 99,
					Discovery: logpb.NodeServiceDiscovery{Name: "intruder", Address: "intruder:1", Roles: logpb.RoleStorage},
				}},
			},
		})
		if err != nil {
			return nodestore.UpdateResult{}, err
		}
		blob, err := other.Serialize()
		if err != nil {
			return nodestore.UpdateResult{}, err
		}
		if _, err := s.Store.UpdateConfigSync(ctx, blob, baseVersion); err != nil {
			return nodestore.UpdateResult{}, err
		}
	}
	return s.Store.UpdateConfigSync(ctx, value, baseVersion)
}

func TestRegisterOrUpdateRetriesOnVersionMismatch(t *testing.T) {
	store := &stealingStore{Store: nodestore.NewMemory()}
	h := nodereg.NewHolder(nodes.Empty())
	handler := nodereg.New(store, h)

	nc, err := handler.RegisterOrUpdate(context.Background(), nodereg.LocalNodeSettings{
		NodeIndex: 1,
		Discovery: logpb.NodeServiceDiscovery{Name: "n1", Address: "n1:1", Roles: logpb.RoleStorage},
	})
	require.NoError(t, err)

	_, ok := nc.NodeConfig(1)
	require.True(t, ok, "the handler's own registration must survive the retry")
	_, ok = nc.NodeConfig(99)
	require.True(t, ok, "the intruder's concurrent write must be preserved across the retry")
}

