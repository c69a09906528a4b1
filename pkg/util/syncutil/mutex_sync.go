// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package syncutil

import "sync"

// A Mutex is a mutual exclusion lock. It embeds sync.Mutex and adds
// AssertHeld, which documents lock discipline at call sites without
// the cost of a full deadlock detector.
type Mutex struct {
	sync.Mutex
}

// AssertHeld may panic if the mutex is not locked (but it is not required
// to do so). Functions which require that their callers hold a particular
// lock may use this to enforce the requirement more directly than relying
// on the race detector.
func (m *Mutex) AssertHeld() {
}

// An RWMutex is a reader/writer mutual exclusion lock.
type RWMutex struct {
	sync.RWMutex
}

// AssertHeld may panic if the mutex is not locked for writing (but it is
// not required to do so).
func (rw *RWMutex) AssertHeld() {
}

// AssertRHeld may panic if the mutex is not locked for reading (but it is
// not required to do so). If the mutex is locked for writing it is also
// considered locked for reading.
func (rw *RWMutex) AssertRHeld() {
}
