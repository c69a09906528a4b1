// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package nodestore_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/logflow/pkg/nodestore"
	"github.com/stretchr/testify/require"
)

func TestMemoryUpdateConfigSyncRejectsStaleVersion(t *testing.T) {
	m := nodestore.NewMemory()
	ctx := context.Background()

	res, err := m.UpdateConfigSync(ctx, []byte("v1"), 0)
	require.NoError(t, err)
	require.Equal(t, nodestore.StatusOK, res.Status)
	require.Equal(t, uint64(1), res.NewVersion)

	res, err = m.UpdateConfigSync(ctx, []byte("v2-stale"), 0)
	require.NoError(t, err)
	require.Equal(t, nodestore.StatusVersionMismatch, res.Status)
	require.Equal(t, []byte("v1"), res.ReadBack)
}

func TestMemoryGetConfigSyncReflectsLatestUpdate(t *testing.T) {
	m := nodestore.NewMemory()
	ctx := context.Background()

	_, err := m.UpdateConfigSync(ctx, []byte("v1"), 0)
	require.NoError(t, err)

	blob, version, err := m.GetConfigSync(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), blob)
	require.Equal(t, uint64(1), version)
}

func TestMemoryGetConfigSyncOnEmptyStore(t *testing.T) {
	m := nodestore.NewMemory()
	blob, version, err := m.GetConfigSync(context.Background())
	require.NoError(t, err)
	require.Empty(t, blob)
	require.Equal(t, uint64(0), version)
}
