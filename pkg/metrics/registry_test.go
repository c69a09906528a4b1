// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package metrics_test

import (
	"sync"
	"testing"

	"github.com/cockroachdb/logflow/pkg/metrics"
	"github.com/stretchr/testify/require"
)

func TestCountersStartAtZero(t *testing.T) {
	r := metrics.NewRegistry()
	require.Zero(t, r.NumSockets())
	require.Zero(t, r.SockActive())
	require.Zero(t, r.BufferedWriterMaxPayloadFlush())
	require.Zero(t, r.BytesPendingTotal())
}

func TestIncDecPairsNetOutCorrectly(t *testing.T) {
	r := metrics.NewRegistry()
	r.IncNumSockets()
	r.IncNumSockets()
	r.DecNumSockets()
	require.Equal(t, int64(1), r.NumSockets())

	r.IncClientConnectionCloseBacklog()
	r.IncClientConnectionCloseBacklog()
	r.DecClientConnectionCloseBacklog()
	require.Equal(t, int64(1), r.ClientConnectionCloseBacklog())
}

func TestMonotonicCounters(t *testing.T) {
	r := metrics.NewRegistry()
	r.IncSockStalled()
	r.IncSockAppLimited()
	r.IncSockReceiverThrottled()
	r.IncSockNetworkThrottled()
	r.IncSockIdle()
	r.IncSockHealthUnknown()
	r.IncBufferedWriterSizeTriggerFlush()

	require.Equal(t, int64(1), r.SockStalled())
	require.Equal(t, int64(1), r.SockAppLimited())
	require.Equal(t, int64(1), r.SockReceiverThrottled())
	require.Equal(t, int64(1), r.SockNetworkThrottled())
	require.Equal(t, int64(1), r.SockIdle())
	require.Equal(t, int64(1), r.SockHealthUnknown())
	require.Equal(t, int64(1), r.BufferedWriterSizeTriggerFlush())
}

func TestAddBytesPendingTracksTotalAndPerPeerType(t *testing.T) {
	r := metrics.NewRegistry()
	r.AddBytesPending("sequencer", 100)
	r.AddBytesPending("storage", 50)
	r.AddBytesPending("sequencer", -40)

	require.Equal(t, int64(110), r.BytesPendingTotal())
	require.Equal(t, int64(60), r.BytesPendingByPeerType("sequencer"))
	require.Equal(t, int64(50), r.BytesPendingByPeerType("storage"))
	require.Zero(t, r.BytesPendingByPeerType("never-seen"))
}

func TestAddBytesPendingConcurrentPeerTypesIsRaceFree(t *testing.T) {
	r := metrics.NewRegistry()
	var wg sync.WaitGroup
	peerTypes := []string{"sequencer", "storage", "gossip"}
	for _, pt := range peerTypes {
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(pt string) {
				defer wg.Done()
				r.AddBytesPending(pt, 1)
			}(pt)
		}
	}
	wg.Wait()

	for _, pt := range peerTypes {
		require.Equal(t, int64(100), r.BytesPendingByPeerType(pt))
	}
	require.Equal(t, int64(300), r.BytesPendingTotal())
}
