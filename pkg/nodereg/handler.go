// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package nodereg implements NodeRegistrationHandler, the admin-driven
// mutator a starting server uses to self-register or self-update its
// NodesConfiguration entry under optimistic concurrency (spec.md §4.4.2).
package nodereg

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logflow/pkg/lferrors"
	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/nodes"
	"github.com/cockroachdb/logflow/pkg/nodestore"
	"github.com/cockroachdb/logflow/pkg/util/log"
	"github.com/cockroachdb/logflow/pkg/util/retry"
	"github.com/cockroachdb/logflow/pkg/util/syncutil"
)

// maxRetries bounds the version-mismatch retry loop (spec.md §4.4.2:
// "Retries are bounded (<= 10)").
const maxRetries = 10

// retryInitial and retryMax are vars rather than consts so tests can shrink
// them for the bounded-retry exhaustion path without sleeping in real time.
var (
	retryInitial = time.Second
	retryMax     = 60 * time.Second
)

const retryJitter = 0.25

// Holder is an atomically-swapped pointer to the locally cached
// NodesConfiguration, matching spec.md §9's "immutable settings snapshot
// held behind a pointer that is atomically swapped" pattern applied here
// to cluster membership instead of settings.
type Holder struct {
	mu struct {
		syncutil.RWMutex
		nc *nodes.NodesConfiguration
	}
}

// NewHolder constructs a Holder seeded with an initial snapshot.
func NewHolder(nc *nodes.NodesConfiguration) *Holder {
	h := &Holder{}
	h.mu.nc = nc
	return h
}

// Get returns the currently cached snapshot.
func (h *Holder) Get() *nodes.NodesConfiguration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mu.nc
}

// Set installs a new snapshot.
func (h *Holder) Set(nc *nodes.NodesConfiguration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mu.nc = nc
}

// LocalNodeSettings are the identity and configuration fields a starting
// server assembles locally before registering (spec.md §4.4.2 step 1).
type LocalNodeSettings struct {
	NodeIndex  logpb.NodeIndex
	Discovery  logpb.NodeServiceDiscovery
	Sequencer  *logpb.SequencerAttributes
	Storage    *logpb.StorageAttributes
}

// Handler drives the self-registration/self-update procedure against a
// Store and a local Holder.
type Handler struct {
	store  nodestore.Store
	holder *Holder
}

// New constructs a Handler.
func New(store nodestore.Store, holder *Holder) *Handler {
	return &Handler{store: store, holder: holder}
}

// RegisterOrUpdate runs the one logical operation described in spec.md
// §4.4.2: build an update from settings, apply it locally, push it to the
// store under optimistic concurrency, and retry on VERSION_MISMATCH with
// bounded exponential backoff and jitter.
func (h *Handler) RegisterOrUpdate(ctx context.Context, settings LocalNodeSettings) (*nodes.NodesConfiguration, error) {
	for attempt := 0; ; attempt++ {
		current := h.holder.Get()
		update := buildUpdate(settings, current)
		next, err := current.ApplyUpdate(update)
		if err != nil {
			return nil, errors.Wrap(err, "apply local registration update")
		}

		blob, err := next.Serialize()
		if err != nil {
			return nil, errors.Wrap(err, "serialize nodes configuration")
		}

		res, err := h.store.UpdateConfigSync(ctx, blob, current.Version)
		if err != nil {
			return nil, err
		}

		switch res.Status {
		case nodestore.StatusOK:
			h.holder.Set(next)
			return next, nil

		case nodestore.StatusVersionMismatch:
			if attempt >= maxRetries {
				return nil, lferrors.Mark(lferrors.ErrVersionMismatch, "registration exceeded %d retries", maxRetries)
			}
			fresh, err := h.refresh(ctx, res.ReadBack)
			if err != nil {
				return nil, err
			}
			h.holder.Set(fresh)

			delay := retry.JitteredDuration(backoffDelay(attempt), retryJitter)
			log.Warningf(ctx, "node registration version mismatch, retrying in %s (attempt %d/%d)", delay, attempt+1, maxRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			continue

		default:
			return nil, lferrors.Mark(lferrors.ErrAccess, "node registration store error: %s", res.Status)
		}
	}
}

// refresh installs the freshest known configuration, preferring the
// store's read_back value when it returned one to avoid a round trip
// (spec.md §4.4.2 step 4: "pull the fresh configuration (either from the
// store's read-back or by a follow-up getConfigSync)").
func (h *Handler) refresh(ctx context.Context, readBack []byte) (*nodes.NodesConfiguration, error) {
	if len(readBack) > 0 {
		nc, err := nodes.Deserialize(readBack)
		if err == nil {
			return nc, nil
		}
		log.Warningf(ctx, "discarding unreadable read_back, falling back to getConfigSync: %v", err)
	}
	blob, _, err := h.store.GetConfigSync(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "refresh nodes configuration")
	}
	return nodes.Deserialize(blob)
}

// backoffDelay returns the un-jittered exponential delay for attempt,
// doubling from retryInitial up to retryMax (spec.md §4.4.2: "exponential
// backoff (1s -> 60s)").
func backoffDelay(attempt int) time.Duration {
	d := retryInitial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= retryMax {
			return retryMax
		}
	}
	return d
}

// buildUpdate assembles a nodes.Update from LocalNodeSettings against the
// base versions read from current (spec.md §4.4.2 step 1).
func buildUpdate(settings LocalNodeSettings, current *nodes.NodesConfiguration) nodes.Update {
	u := nodes.Update{
		ServiceDiscoveryUpdate: &nodes.ServiceDiscoveryUpdate{
			Entries: []nodes.ServiceDiscoveryEntryUpdate{
				{
					NodeIndex: settings.NodeIndex,
					Discovery: settings.Discovery,
					Storage:   settings.Storage,
				},
			},
		},
	}
	if settings.Sequencer != nil {
		u.SequencerMembershipUpdate = &nodes.SequencerMembershipUpdate{
			BaseVersion: current.SequencerMembership.Version,
			Nodes: []nodes.SequencerNodeUpdate{
				{NodeIndex: settings.NodeIndex, Attrs: *settings.Sequencer},
			},
		}
	}
	return u
}
