// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package bufwriter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/logflow/pkg/bufwriter"
	"github.com/cockroachdb/logflow/pkg/bufwriter/compress"
	"github.com/cockroachdb/logflow/pkg/lferrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu      sync.Mutex
	sends   int
	fail    bool
	acked   []int
	failN   int
}

func (tr *recordingTransport) Send(ctx context.Context, blob []byte, codec compress.Codec) ([]int, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sends++
	if tr.fail && tr.sends <= tr.failN {
		return tr.acked, assert.AnError
	}
	return nil, nil
}

func (tr *recordingTransport) sendCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.sends
}

func testConfig() bufwriter.Config {
	cfg := bufwriter.DefaultConfig()
	cfg.MaxBatchAge = 20 * time.Millisecond
	cfg.MaxBatchRecords = 2
	cfg.MaxBatchBytes = 1 << 20
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 10 * time.Millisecond
	return cfg
}

func TestBufferedWriterFlushesOnCountTrigger(t *testing.T) {
	tr := &recordingTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := bufwriter.New(ctx, testConfig(), tr)
	defer w.Close(context.Background())

	var done sync.WaitGroup
	done.Add(2)
	w.Append(ctx, []byte("a"), func(error) { done.Done() })
	w.Append(ctx, []byte("b"), func(error) { done.Done() })

	waitWithTimeout(t, &done, time.Second)
	require.Equal(t, int64(1), w.Metrics.BufferedWriterMaxPayloadFlush())
}

func TestBufferedWriterFlushesOnTimer(t *testing.T) {
	tr := &recordingTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := bufwriter.New(ctx, testConfig(), tr)
	defer w.Close(context.Background())

	var done sync.WaitGroup
	done.Add(1)
	w.Append(ctx, []byte("solo"), func(error) { done.Done() })

	waitWithTimeout(t, &done, time.Second)
	require.GreaterOrEqual(t, tr.sendCount(), 1)
}

func TestBufferedWriterCloseDrainsPartialBatch(t *testing.T) {
	tr := &recordingTransport{}
	ctx := context.Background()
	w := bufwriter.New(ctx, testConfig(), tr)

	var done sync.WaitGroup
	done.Add(1)
	w.Append(ctx, []byte("partial"), func(error) { done.Done() })

	require.NoError(t, w.Close(context.Background()))
	waitWithTimeout(t, &done, time.Second)
}

func TestBufferedWriterRetriesOnSendFailure(t *testing.T) {
	tr := &recordingTransport{fail: true, failN: 1}
	ctx := context.Background()
	w := bufwriter.New(ctx, testConfig(), tr)

	var done sync.WaitGroup
	done.Add(1)
	var gotErr error
	w.Append(ctx, []byte("retry-me"), func(err error) {
		gotErr = err
		done.Done()
	})

	require.NoError(t, w.Close(context.Background()))
	waitWithTimeout(t, &done, time.Second)
	require.NoError(t, gotErr)
	require.GreaterOrEqual(t, tr.sendCount(), 2)
}

func TestBufferedWriterOneAtATimeQueuesBlockedAppendsWhileInflight(t *testing.T) {
	release := make(chan struct{})
	tr := &blockingTransport{release: release}
	cfg := testConfig()
	cfg.Mode = bufwriter.ModeOneAtATime
	cfg.MaxBatchRecords = 1
	ctx := context.Background()
	w := bufwriter.New(ctx, cfg, tr)

	var firstDone, secondDone sync.WaitGroup
	firstDone.Add(1)
	secondDone.Add(1)

	w.Append(ctx, []byte("first"), func(error) { firstDone.Done() })
	// Give the flush goroutine a chance to mark the writer inflight before
	// the second append arrives, so it is forced onto blocked_appends.
	time.Sleep(20 * time.Millisecond)
	w.Append(ctx, []byte("second"), func(error) { secondDone.Done() })
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 1, tr.sendCount())
	close(release)

	waitWithTimeout(t, &firstDone, time.Second)
	waitWithTimeout(t, &secondDone, time.Second)
	require.NoError(t, w.Close(context.Background()))
	require.Equal(t, 2, tr.sendCount())
}

func TestBufferedWriterCloseFailsBlockedAppends(t *testing.T) {
	release := make(chan struct{})
	tr := &blockingTransport{release: release}
	cfg := testConfig()
	cfg.Mode = bufwriter.ModeOneAtATime
	cfg.MaxBatchRecords = 1
	ctx := context.Background()
	w := bufwriter.New(ctx, cfg, tr)

	var firstDone sync.WaitGroup
	firstDone.Add(1)
	w.Append(ctx, []byte("first"), func(error) { firstDone.Done() })
	time.Sleep(20 * time.Millisecond)

	var secondErr error
	w.Append(ctx, []byte("second"), func(err error) { secondErr = err })
	time.Sleep(20 * time.Millisecond)

	closeDone := make(chan error, 1)
	go func() { closeDone <- w.Close(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	waitWithTimeout(t, &firstDone, time.Second)
	select {
	case err := <-closeDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the inflight send unblocked")
	}
	require.ErrorIs(t, secondErr, lferrors.ErrShutdown)
}

func TestBufferedWriterCloseFailsInflightBatchOnContextCancel(t *testing.T) {
	release := make(chan struct{})
	tr := &ctxAwareBlockingTransport{release: release}
	ctx, cancel := context.WithCancel(context.Background())
	w := bufwriter.New(ctx, testConfig(), tr)
	defer w.Close(context.Background())

	var gotErr error
	var done sync.WaitGroup
	done.Add(1)
	w.Append(ctx, []byte("x"), func(err error) {
		gotErr = err
		done.Done()
	})

	// Let the age-based flush dispatch the batch and block in Send before
	// cancelling, so the cancellation is observed mid-send rather than
	// before the batch was ever dispatched.
	time.Sleep(30 * time.Millisecond)
	cancel()

	waitWithTimeout(t, &done, time.Second)
	require.ErrorIs(t, gotErr, lferrors.ErrShutdown)
}

// ctxAwareBlockingTransport blocks until either release closes or the send's
// ctx is cancelled, whichever comes first, mimicking a real transport that
// respects caller cancellation.
type ctxAwareBlockingTransport struct {
	release chan struct{}
}

func (tr *ctxAwareBlockingTransport) Send(ctx context.Context, blob []byte, codec compress.Codec) ([]int, error) {
	select {
	case <-tr.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// blockingTransport blocks its first Send until release is closed, so tests
// can assert a second batch never overlaps it under ModeOneAtATime.
type blockingTransport struct {
	mu      sync.Mutex
	sends   int
	release chan struct{}
}

func (tr *blockingTransport) Send(ctx context.Context, blob []byte, codec compress.Codec) ([]int, error) {
	tr.mu.Lock()
	first := tr.sends == 0
	tr.sends++
	tr.mu.Unlock()
	if first {
		<-tr.release
	}
	return nil, nil
}

func (tr *blockingTransport) sendCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.sends
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	c := make(chan struct{})
	go func() {
		wg.Wait()
		close(c)
	}()
	select {
	case <-c:
	case <-time.After(d):
		t.Fatal("timed out waiting for completion callbacks")
	}
}
