// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rpc

import (
	"container/list"
	"time"

	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/util/syncutil"
	"golang.org/x/time/rate"
)

// Envelope is an outbound message paired with its recorded serialized
// cost, priority and registration time (spec.md §3 Connection: "a FIFO of
// Envelope"). It is the unit FlowGroup admits or defers.
type Envelope struct {
	id        envelopeID
	msg       Message
	cost      int
	priority  Priority
	created   registrationTime
	onBWAvail OnBandwidthAvailableCallback
}

// Msg returns the wrapped message.
func (e *Envelope) Msg() Message { return e.msg }

// Cost returns the recorded serialized cost in bytes.
func (e *Envelope) Cost() int { return e.cost }

// Priority returns the envelope's shaping priority.
func (e *Envelope) Priority() Priority { return e.priority }

// FlowGroup is a per-priority token bucket admission gate keyed by a
// LocationScope (spec.md §3 FlowGroup). SPEC_FULL.md §3.2 resolves the
// spec's "token-bucket-like" wording concretely onto
// golang.org/x/time/rate: one *rate.Limiter per priority, refilled from a
// per-priority byte budget.
type FlowGroup struct {
	scope logpb.LocationScope

	mu struct {
		syncutil.Mutex
		limiters [numPriorities]*rate.Limiter
		deferredEnvelopes *list.List // of *Envelope
		deferredCallbacks *list.List // of deferredCB
	}
}

type deferredCB struct {
	cb       OnBandwidthAvailableCallback
	priority Priority
}

// Budget configures one priority's steady-state byte rate and burst size.
type Budget struct {
	BytesPerSecond float64
	Burst          int
}

// NewFlowGroup constructs a FlowGroup for the given scope with the
// supplied per-priority budgets. A zero Budget for a priority means
// unlimited (rate.Inf), matching priorities that are exempt from shaping
// (e.g. handshakes, which bypass FlowGroup entirely per spec.md §4.1.2).
func NewFlowGroup(scope logpb.LocationScope, budgets [numPriorities]Budget) *FlowGroup {
	fg := &FlowGroup{scope: scope}
	fg.mu.deferredEnvelopes = list.New()
	fg.mu.deferredCallbacks = list.New()
	for p := range budgets {
		b := budgets[p]
		if b.BytesPerSecond <= 0 {
			fg.mu.limiters[p] = rate.NewLimiter(rate.Inf, 0)
			continue
		}
		fg.mu.limiters[p] = rate.NewLimiter(rate.Limit(b.BytesPerSecond), b.Burst)
	}
	return fg
}

// Scope returns the location scope this FlowGroup shapes traffic for.
func (fg *FlowGroup) Scope() logpb.LocationScope { return fg.scope }

// CanDrain reports whether cost bytes can be admitted right now at
// priority. It is not side-effect free: when it returns true, cost tokens
// have been deducted from the priority's bucket.
func (fg *FlowGroup) CanDrain(priority Priority, cost int) bool {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return fg.mu.limiters[priority].AllowN(time.Now(), cost)
}

// Drain deducts an envelope's cost from its priority's bucket if enough
// tokens are available, reporting whether it did. It makes the same
// deducting check as CanDrain, so calling both for one envelope charges
// its cost twice.
func (fg *FlowGroup) Drain(e *Envelope) bool {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return fg.mu.limiters[e.priority].AllowN(time.Now(), e.cost)
}

// Push enqueues an envelope that could not be drained immediately; it is
// re-offered when tokens replenish (spec.md §3 "push(envelope) enqueues
// for later").
func (fg *FlowGroup) Push(e *Envelope) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.mu.deferredEnvelopes.PushBack(e)
}

// PushCallback enqueues a bandwidth-available callback for priority
// (spec.md §3 "push(cb, priority) enqueues a callback to fire when tokens
// become available").
func (fg *FlowGroup) PushCallback(cb OnBandwidthAvailableCallback, priority Priority) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.mu.deferredCallbacks.PushBack(deferredCB{cb: cb, priority: priority})
}

// DrainDeferred re-offers every deferred envelope and callback against the
// current token state, returning the envelopes that are now admitted (for
// the caller to actually send) and firing bandwidth-available callbacks
// whose priority now has headroom. It is invoked periodically by the
// ShapingContainer owner loop (SPEC_FULL.md §3.2).
func (fg *FlowGroup) DrainDeferred() []*Envelope {
	fg.mu.Lock()
	defer fg.mu.Unlock()

	var ready []*Envelope
	for e := fg.mu.deferredEnvelopes.Front(); e != nil; {
		next := e.Next()
		env := e.Value.(*Envelope)
		if fg.mu.limiters[env.priority].AllowN(time.Now(), env.cost) {
			ready = append(ready, env)
			fg.mu.deferredEnvelopes.Remove(e)
		}
		e = next
	}

	for c := fg.mu.deferredCallbacks.Front(); c != nil; {
		next := c.Next()
		dcb := c.Value.(deferredCB)
		if fg.mu.limiters[dcb.priority].AllowN(time.Now(), 0) {
			fg.mu.deferredCallbacks.Remove(c)
			cb := dcb.cb
			fg.mu.Unlock()
			cb()
			fg.mu.Lock()
		}
		c = next
	}
	return ready
}

// ShapingContainer owns one FlowGroup per LocationScope and resolves a
// starting scope to the most specific configured FlowGroup, walking toward ROOT
// the way spec.md's FlowGroup keying implies (SPEC_FULL.md §3.1).
type ShapingContainer struct {
	mu struct {
		syncutil.RWMutex
		groups map[logpb.LocationScope]*FlowGroup
	}
}

// NewShapingContainer constructs an empty ShapingContainer.
func NewShapingContainer() *ShapingContainer {
	sc := &ShapingContainer{}
	sc.mu.groups = make(map[logpb.LocationScope]*FlowGroup)
	return sc
}

// SetFlowGroup installs (or replaces) the FlowGroup for scope.
func (sc *ShapingContainer) SetFlowGroup(scope logpb.LocationScope, fg *FlowGroup) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.mu.groups[scope] = fg
}

// scopeOrder lists scopes from most to least specific, matching
// LocationScope's declared order.
var scopeOrder = []logpb.LocationScope{
	logpb.ScopeNode, logpb.ScopeRack, logpb.ScopeRow,
	logpb.ScopeCluster, logpb.ScopeDataCenter, logpb.ScopeRegion, logpb.ScopeRoot,
}

// Select returns the first FlowGroup configured at startScope or a less
// specific scope, walking toward ROOT. Groups are keyed by scope alone;
// loc is not consulted.
func (sc *ShapingContainer) Select(loc logpb.Location, startScope logpb.LocationScope) *FlowGroup {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	start := 0
	for i, s := range scopeOrder {
		if s == startScope {
			start = i
			break
		}
	}
	for _, s := range scopeOrder[start:] {
		if fg, ok := sc.mu.groups[s]; ok {
			return fg
		}
	}
	return nil
}

// All returns every configured FlowGroup, used by the owner loop to drain
// deferred work across all scopes each tick.
func (sc *ShapingContainer) All() []*FlowGroup {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	out := make([]*FlowGroup, 0, len(sc.mu.groups))
	for _, fg := range sc.mu.groups {
		out = append(out, fg)
	}
	return out
}
