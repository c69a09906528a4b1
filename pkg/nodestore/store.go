// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package nodestore implements the VersionedConfigStore interface consumed
// by NodeRegistrationHandler (spec.md §6), standing in for the out-of-scope
// Zookeeper-backed epoch store. Store is the external collaborator
// boundary; Memory and GRPC are the two concrete implementations this
// module provides to exercise it end to end.
package nodestore

import (
	"context"

	"github.com/cockroachdb/logflow/pkg/lferrors"
)

// Status mirrors the store status enumeration named in spec.md §6
// (`OK, VERSION_MISMATCH, ACCESS, ...`).
type Status int8

const (
	StatusOK Status = iota
	StatusVersionMismatch
	StatusAccess
	StatusNotFound
	StatusAgain
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusVersionMismatch:
		return "VERSION_MISMATCH"
	case StatusAccess:
		return "ACCESS"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusAgain:
		return "AGAIN"
	default:
		return "UNKNOWN"
	}
}

// UpdateResult is the outcome of UpdateConfigSync.
type UpdateResult struct {
	Status     Status
	NewVersion uint64
	// ReadBack is populated on StatusVersionMismatch when the store can
	// cheaply return the current value alongside the rejection, letting
	// the caller skip a follow-up GetConfigSync (spec.md §6: "the store
	// *may* return the current value in read_back").
	ReadBack []byte
}

// Store is the VersionedConfigStore interface named in spec.md §6.
type Store interface {
	// UpdateConfigSync installs value as the new content if baseVersion
	// matches the store's current version, returning StatusVersionMismatch
	// otherwise.
	UpdateConfigSync(ctx context.Context, value []byte, baseVersion uint64) (UpdateResult, error)
	// GetConfigSync returns the store's current content.
	GetConfigSync(ctx context.Context) ([]byte, uint64, error)
}

// ErrAccessDenied is returned by implementations that enforce ACLs, marked
// so callers can distinguish it from a version race.
var ErrAccessDenied = lferrors.Mark(lferrors.ErrAccess, "access denied")
