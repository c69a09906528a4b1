// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package retry provides the exponential-backoff-with-jitter timer used by
// BufferedWriter batch retries (spec.md §4.3.5) and held by rpc.Connection
// as its connect backoff, built on github.com/cenkalti/backoff/v4 the way
// the teacher's pkg/rpc/nodedialer builds its dial retries on a shared
// backoff primitive. NodeRegistrationHandler's version-mismatch retry loop
// (spec.md §4.4.2) uses only JitteredDuration.
package retry

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ExponentialBackoffTimer models the timer named in spec.md §4.3.5: it
// arms itself with a randomized duration derived from an exponential
// sequence bounded by [initial, max], matching "randomised on first arm".
type ExponentialBackoffTimer struct {
	b       *backoff.ExponentialBackOff
	armed   bool
	initial time.Duration
}

// NewExponentialBackoffTimer constructs a timer whose delays grow
// geometrically from initial to max, each randomized by +/-25% by
// backoff.ExponentialBackOff (RandomizationFactor 0.25).
func NewExponentialBackoffTimer(initial, max time.Duration) *ExponentialBackoffTimer {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0 // never give up on elapsed time; retry_count governs termination
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.Reset()
	return &ExponentialBackoffTimer{b: b, initial: initial}
}

// NextDelay returns the delay before the next attempt, advancing the
// internal exponential sequence. The very first call is itself randomized
// around initial, matching "randomised on first arm" in spec.md.
func (t *ExponentialBackoffTimer) NextDelay() time.Duration {
	t.armed = true
	d := t.b.NextBackOff()
	if d == backoff.Stop {
		// MaxElapsedTime is disabled above, so this should not happen; fall
		// back to the configured ceiling defensively.
		return t.b.MaxInterval
	}
	return d
}

// Reset rearms the timer at its initial delay.
func (t *ExponentialBackoffTimer) Reset() {
	t.armed = false
	t.b.Reset()
}

// Armed reports whether the timer has produced at least one delay since
// the last Reset.
func (t *ExponentialBackoffTimer) Armed() bool {
	return t.armed
}

// JitteredDuration returns d randomized by +/- factor, used by
// NodeRegistrationHandler's retry loop (spec.md §4.4.2: "bounded (<=10)
// with exponential backoff (1s -> 60s) and +/-25% jitter") where a
// standalone jitter computation (rather than the full ExponentialBackoffTimer
// state machine) is more direct.
func JitteredDuration(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	delta := float64(d) * factor
	min := float64(d) - delta
	max := float64(d) + delta
	return time.Duration(min + rand.Float64()*(max-min))
}
