// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package bufwriter

import (
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/logflow/pkg/bufwriter/compress"
	"github.com/cockroachdb/logflow/pkg/lferrors"
	"github.com/cockroachdb/logflow/pkg/util/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestSend = errors.New("send failed")

func alwaysRetry(error) bool { return true }

func newTestBatch(mode Mode, maxRetries int) *Batch {
	return NewBatch(mode, maxRetries, retry.NewExponentialBackoffTimer(time.Millisecond, time.Second))
}

func TestBatchAppendAfterFlushPanics(t *testing.T) {
	b := newTestBatch(ModeIndependent, 1)
	b.StartConstruction()
	require.Panics(t, func() { b.Append(Record{Payload: []byte("x")}) })
}

func TestBatchFinishConstructionProducesReadyBlob(t *testing.T) {
	b := newTestBatch(ModeIndependent, 1)
	b.Append(Record{Payload: []byte("hello")})
	b.StartConstruction()
	require.NoError(t, b.FinishConstruction(compress.CodecNone, 1<<20))
	require.Equal(t, BatchReadyToSend, b.State())
	require.NotEmpty(t, b.Blob())
}

func TestBatchSucceedResolvesEveryRecord(t *testing.T) {
	b := newTestBatch(ModeIndependent, 1)
	var results []error
	b.Append(Record{Payload: []byte("a"), OnDone: func(err error) { results = append(results, err) }})
	b.Append(Record{Payload: []byte("b"), OnDone: func(err error) { results = append(results, err) }})
	b.StartConstruction()
	require.NoError(t, b.FinishConstruction(compress.CodecNone, 1<<20))
	b.MarkInflight()
	b.Succeed()

	require.Equal(t, BatchFinished, b.State())
	require.Len(t, results, 2)
	for _, err := range results {
		require.NoError(t, err)
	}
}

func TestBatchSucceedPartialLeavesUnackedRecordsPending(t *testing.T) {
	b := newTestBatch(ModeOneAtATime, 3)
	var acked, pending int
	b.Append(Record{Payload: []byte("a"), OnDone: func(err error) { acked++ }})
	b.Append(Record{Payload: []byte("b"), OnDone: func(err error) { pending++ }})
	b.StartConstruction()
	require.NoError(t, b.FinishConstruction(compress.CodecNone, 1<<20))
	b.MarkInflight()

	b.SucceedPartial([]int{0})

	require.Equal(t, 1, acked)
	require.Equal(t, 0, pending)
	require.Equal(t, 1, b.Count())
	require.Equal(t, BatchBuilding, b.State())
}

func TestBatchSucceedPartialFinishesWhenAllAcked(t *testing.T) {
	b := newTestBatch(ModeOneAtATime, 3)
	b.Append(Record{Payload: []byte("a")})
	b.StartConstruction()
	require.NoError(t, b.FinishConstruction(compress.CodecNone, 1<<20))
	b.MarkInflight()

	b.SucceedPartial([]int{0})
	require.Equal(t, BatchFinished, b.State())
}

func TestBatchScheduleRetryExhaustsAfterMaxRetries(t *testing.T) {
	b := newTestBatch(ModeIndependent, 2)
	var gotErr error
	b.Append(Record{Payload: []byte("a"), OnDone: func(err error) { gotErr = err }})
	b.StartConstruction()
	require.NoError(t, b.FinishConstruction(compress.CodecNone, 1<<20))
	b.MarkInflight()

	require.True(t, b.ScheduleRetry(errTestSend, alwaysRetry))
	b.ReadyForRetry()
	require.Equal(t, BatchInflight, b.State())

	require.True(t, b.ScheduleRetry(errTestSend, alwaysRetry))
	b.ReadyForRetry()
	require.Equal(t, BatchInflight, b.State())

	require.False(t, b.ScheduleRetry(errTestSend, alwaysRetry))
	require.Equal(t, BatchFinished, b.State())
	require.Error(t, gotErr)
}

func TestBatchScheduleRetryFailsImmediatelyWhenShouldRetryRefuses(t *testing.T) {
	b := newTestBatch(ModeIndependent, 5)
	var gotErr error
	b.Append(Record{Payload: []byte("a"), OnDone: func(err error) { gotErr = err }})
	b.StartConstruction()
	require.NoError(t, b.FinishConstruction(compress.CodecNone, 1<<20))
	b.MarkInflight()

	permanent := lferrors.Mark(lferrors.ErrInvalidParam, "bad batch")
	require.False(t, b.ScheduleRetry(permanent, func(error) bool { return false }))
	require.Equal(t, BatchFinished, b.State())
	require.ErrorIs(t, gotErr, lferrors.ErrInvalidParam)
}

func TestBatchReadyForRetryPanicsOutsideRetryPending(t *testing.T) {
	b := newTestBatch(ModeIndependent, 1)
	require.Panics(t, b.ReadyForRetry)
}

func TestBatchMarkInflightPanicsFromRetryPending(t *testing.T) {
	b := newTestBatch(ModeIndependent, 1)
	b.Append(Record{Payload: []byte("a")})
	b.StartConstruction()
	require.NoError(t, b.FinishConstruction(compress.CodecNone, 1<<20))
	b.MarkInflight()
	b.ScheduleRetry(errTestSend, alwaysRetry)

	require.Panics(t, b.MarkInflight)
}

func TestBatchAppendMergesFindKeyAndCounters(t *testing.T) {
	b := newTestBatch(ModeIndependent, 1)
	b.Append(Record{Payload: []byte("a"), Attributes: Attributes{FindKey: "zeta", Counters: map[string]int64{"writes": 1, "bytes": 10}}})
	b.Append(Record{Payload: []byte("b"), Attributes: Attributes{FindKey: "alpha", Counters: map[string]int64{"writes": 1, "bytes": 20}}})
	b.Append(Record{Payload: []byte("c")})

	key, ok := b.FindKey()
	require.True(t, ok)
	require.Equal(t, "alpha", key)

	counters := b.Counters()
	require.Equal(t, int64(2), counters["writes"])
	require.Equal(t, int64(30), counters["bytes"])
}

func TestBatchEncodesPayloadGroupsWhenAnyRecordHasGroup(t *testing.T) {
	b := newTestBatch(ModeIndependent, 1)
	b.Append(Record{Group: map[string][]byte{"b": []byte("2"), "a": []byte("1")}})
	b.StartConstruction()
	require.NoError(t, b.FinishConstruction(compress.CodecNone, 1<<20))

	blob := b.Blob()
	require.NotEmpty(t, blob)
	// 1-byte codec tag, then the 4-byte sub-key count, then "a"=1 before
	// "b"=2 in sorted order.
	require.Equal(t, []byte{0, 0, 0, 2}, blob[1:5])
}

func TestBatchFailResolvesEveryRecordWithCause(t *testing.T) {
	b := newTestBatch(ModeIndependent, 1)
	var gotErr error
	b.Append(Record{Payload: []byte("a"), OnDone: func(err error) { gotErr = err }})
	cause := assert.AnError
	b.Fail(cause)

	require.Equal(t, BatchFinished, b.State())
	require.Equal(t, cause, gotErr)
}
