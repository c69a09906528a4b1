// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package nodestore

import (
	"context"

	"github.com/cockroachdb/logflow/pkg/util/syncutil"
)

// Memory is an in-process Store, grounded on the teacher's
// pkg/settings/registry.go map-plus-version pattern (SPEC_FULL.md §3.5).
// It is used by tests and by `cmd/logflow-node -dev` single-process
// deployments that don't need a real shared store.
type Memory struct {
	mu struct {
		syncutil.Mutex
		version uint64
		value   []byte
	}
}

// NewMemory constructs an empty Memory store at version 0.
func NewMemory() *Memory {
	return &Memory{}
}

// UpdateConfigSync implements Store.
func (m *Memory) UpdateConfigSync(ctx context.Context, value []byte, baseVersion uint64) (UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if baseVersion != m.mu.version {
		return UpdateResult{Status: StatusVersionMismatch, NewVersion: m.mu.version, ReadBack: m.mu.value}, nil
	}
	m.mu.version++
	m.mu.value = append([]byte(nil), value...)
	return UpdateResult{Status: StatusOK, NewVersion: m.mu.version}, nil
}

// GetConfigSync implements Store.
func (m *Memory) GetConfigSync(ctx context.Context) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.mu.value...), m.mu.version, nil
}
