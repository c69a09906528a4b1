// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package circuit implements a small per-peer circuit breaker, adapted from
// the teacher's pkg/util/circuit package. Each rpc.Connection holds one to
// avoid redialing a peer whose last dial failed: a failed dial trips it,
// and Connect refuses to dial while it is tripped.
package circuit

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// ErrBreakerOpen is a reference error that matches the error returned from
// Breaker.Err when tripped; errors.Is(err, ErrBreakerOpen) identifies it.
var ErrBreakerOpen = errors.New("breaker open")

// EventHandler is notified of breaker state transitions. The default
// NoopEventHandler ignores all events.
type EventHandler interface {
	OnTrip(b *Breaker, prev, cur error)
	OnReset(b *Breaker)
}

// NoopEventHandler implements EventHandler by doing nothing.
type NoopEventHandler struct{}

func (NoopEventHandler) OnTrip(*Breaker, error, error) {}
func (NoopEventHandler) OnReset(*Breaker)              {}

// Options configure a Breaker.
type Options struct {
	// Name identifies the breaker in logs, e.g. "sender/peer:n3".
	Name string
	// EventHandler receives trip/reset notifications. Defaults to
	// NoopEventHandler if nil.
	EventHandler EventHandler
}

// Breaker is a circuit breaker. Before initiating an operation protected by
// the Breaker, call Err(); a non-nil return means the breaker is tripped and
// the operation should be short-circuited. Report trips the breaker; Reset
// un-trips it.
//
// Unlike the teacher's async-probing breaker, this Breaker does not launch
// background probes itself: rpc.Connection calls Reset after a successful
// dial and from ResetConnectThrottle.
type Breaker struct {
	name string
	eh   EventHandler

	mu struct {
		sync.Mutex
		err error
	}
}

// NewBreaker constructs a Breaker with the given options.
func NewBreaker(opts Options) *Breaker {
	eh := opts.EventHandler
	if eh == nil {
		eh = NoopEventHandler{}
	}
	return &Breaker{name: opts.Name, eh: eh}
}

// Err returns the error that tripped the breaker, or nil if it is closed.
func (b *Breaker) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.err
}

// Report trips the breaker with the given (non-nil) cause.
func (b *Breaker) Report(cause error) {
	if cause == nil {
		return
	}
	stored := errors.Mark(errors.Wrapf(cause, "circuit breaker %s tripped", redact.SafeString(b.name)), ErrBreakerOpen)
	b.mu.Lock()
	prev := b.mu.err
	b.mu.err = stored
	b.mu.Unlock()
	b.eh.OnTrip(b, prev, stored)
}

// Reset un-trips the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	wasTripped := b.mu.err != nil
	b.mu.err = nil
	b.mu.Unlock()
	if wasTripped {
		b.eh.OnReset(b)
	}
}

// String implements fmt.Stringer.
func (b *Breaker) String() string {
	return b.name
}
