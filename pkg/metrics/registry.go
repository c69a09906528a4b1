// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package metrics holds the in-process counters spec.md names for Sender
// sockets and BufferedWriter flush behavior. No exporter is wired (metrics
// sinks are an explicit Non-goal); the counters exist so the numbers are
// assertable from tests and from an operator attached with a debugger or a
// future exporter.
package metrics

import (
	"sync/atomic"

	"github.com/cockroachdb/logflow/pkg/util/syncutil"
)

// Registry is a fixed set of named counters embedded by one Sender or one
// BufferedWriter. Fields are plain int64 under sync/atomic rather than a
// generic map, so every counter a caller can read is visible at the call
// site and cannot be typo'd into a name that doesn't exist.
type Registry struct {
	numSockets            int64
	sockActive            int64
	sockStalled           int64
	sockAppLimited        int64
	sockReceiverThrottled int64
	sockNetworkThrottled  int64
	sockIdle              int64
	sockHealthUnknown     int64

	bufferedWriterSizeTriggerFlush int64
	bufferedWriterMaxPayloadFlush  int64
	clientConnectionCloseBacklog   int64
	bytesPendingTotal              int64

	mu struct {
		syncutil.Mutex
		bytesPendingByPeerType map[string]*int64
	}
}

// NewRegistry returns an empty counter set.
func NewRegistry() *Registry {
	r := &Registry{}
	r.mu.bytesPendingByPeerType = make(map[string]*int64)
	return r
}

func (r *Registry) IncNumSockets()            { atomic.AddInt64(&r.numSockets, 1) }
func (r *Registry) DecNumSockets()            { atomic.AddInt64(&r.numSockets, -1) }
func (r *Registry) NumSockets() int64         { return atomic.LoadInt64(&r.numSockets) }

func (r *Registry) IncSockActive()    { atomic.AddInt64(&r.sockActive, 1) }
func (r *Registry) DecSockActive()    { atomic.AddInt64(&r.sockActive, -1) }
func (r *Registry) SockActive() int64 { return atomic.LoadInt64(&r.sockActive) }

func (r *Registry) IncSockStalled()    { atomic.AddInt64(&r.sockStalled, 1) }
func (r *Registry) SockStalled() int64 { return atomic.LoadInt64(&r.sockStalled) }

func (r *Registry) IncSockAppLimited()    { atomic.AddInt64(&r.sockAppLimited, 1) }
func (r *Registry) SockAppLimited() int64 { return atomic.LoadInt64(&r.sockAppLimited) }

func (r *Registry) IncSockReceiverThrottled()    { atomic.AddInt64(&r.sockReceiverThrottled, 1) }
func (r *Registry) SockReceiverThrottled() int64 { return atomic.LoadInt64(&r.sockReceiverThrottled) }

func (r *Registry) IncSockNetworkThrottled()    { atomic.AddInt64(&r.sockNetworkThrottled, 1) }
func (r *Registry) SockNetworkThrottled() int64 { return atomic.LoadInt64(&r.sockNetworkThrottled) }

func (r *Registry) IncSockIdle()    { atomic.AddInt64(&r.sockIdle, 1) }
func (r *Registry) SockIdle() int64 { return atomic.LoadInt64(&r.sockIdle) }

func (r *Registry) IncSockHealthUnknown()    { atomic.AddInt64(&r.sockHealthUnknown, 1) }
func (r *Registry) SockHealthUnknown() int64 { return atomic.LoadInt64(&r.sockHealthUnknown) }

func (r *Registry) IncBufferedWriterSizeTriggerFlush() {
	atomic.AddInt64(&r.bufferedWriterSizeTriggerFlush, 1)
}
func (r *Registry) BufferedWriterSizeTriggerFlush() int64 {
	return atomic.LoadInt64(&r.bufferedWriterSizeTriggerFlush)
}

func (r *Registry) IncBufferedWriterMaxPayloadFlush() {
	atomic.AddInt64(&r.bufferedWriterMaxPayloadFlush, 1)
}
func (r *Registry) BufferedWriterMaxPayloadFlush() int64 {
	return atomic.LoadInt64(&r.bufferedWriterMaxPayloadFlush)
}

func (r *Registry) IncClientConnectionCloseBacklog() {
	atomic.AddInt64(&r.clientConnectionCloseBacklog, 1)
}
func (r *Registry) DecClientConnectionCloseBacklog() {
	atomic.AddInt64(&r.clientConnectionCloseBacklog, -1)
}
func (r *Registry) ClientConnectionCloseBacklog() int64 {
	return atomic.LoadInt64(&r.clientConnectionCloseBacklog)
}

// AddBytesPending adjusts both the total and the per-peer-type breakdown
// named in spec.md's §4.1.4 counter table (bytes_pending[peer_type]).
func (r *Registry) AddBytesPending(peerType string, delta int64) {
	atomic.AddInt64(&r.bytesPendingTotal, delta)
	r.peerCounter(peerType).add(delta)
}

func (r *Registry) BytesPendingTotal() int64 { return atomic.LoadInt64(&r.bytesPendingTotal) }

func (r *Registry) BytesPendingByPeerType(peerType string) int64 {
	return r.peerCounter(peerType).get()
}

type peerCounter int64

func (c *peerCounter) add(delta int64) { atomic.AddInt64((*int64)(c), delta) }
func (c *peerCounter) get() int64      { return atomic.LoadInt64((*int64)(c)) }

func (r *Registry) peerCounter(peerType string) *peerCounter {
	// mu guards only map lookup/insertion; the counters themselves are
	// read and written with atomics, the same "lock only shapes, atomic
	// values" split the teacher's pkg/util/metric aggmetric uses.
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.mu.bytesPendingByPeerType[peerType]; ok {
		return (*peerCounter)(c)
	}
	c := new(int64)
	r.mu.bytesPendingByPeerType[peerType] = c
	return (*peerCounter)(c)
}
