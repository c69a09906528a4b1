// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package bufwriter implements the client-side batching and retry pipeline
// described in spec.md §4.3: records are accumulated into a Batch, flushed
// on a size/count/time trigger, compressed into a single blob and handed to
// a transport, with bounded retry on failure.
package bufwriter

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logflow/pkg/bufwriter/compress"
	"github.com/cockroachdb/logflow/pkg/lferrors"
	"github.com/cockroachdb/logflow/pkg/metrics"
	"github.com/cockroachdb/logflow/pkg/util/log"
	"github.com/cockroachdb/logflow/pkg/util/retry"
	"golang.org/x/sync/errgroup"
)

var errRetriesExhausted = lferrors.Mark(lferrors.ErrAborted, "batch retries exhausted")

// Transport sends a finished batch blob to its destination and reports the
// outcome. BufferedWriter is transport-agnostic; production wiring passes a
// transport backed by pkg/sender.Sender.SendMessage.
type Transport interface {
	// Send transmits blob and blocks until the send either succeeds,
	// fails outright, or (under ModeOneAtATime) partially succeeds, in
	// which case ackedIndices names which of the batch's records (by
	// position at send time) were acknowledged.
	Send(ctx context.Context, blob []byte, codec compress.Codec) (ackedIndices []int, err error)
}

// Config holds the trigger thresholds and policy knobs for a
// BufferedWriter (spec.md §4.3.1 "flushed on a size/count/time trigger").
type Config struct {
	MaxBatchBytes   int
	MaxBatchRecords int
	MaxBatchAge     time.Duration

	Mode            Mode
	PreferredCodec  compress.Codec
	MinCompressSize int

	MaxRetries       int
	RetryInitial     time.Duration
	RetryMax         time.Duration

	// ShouldRetry is consulted by ScheduleRetry before a failed send
	// consumes retry budget (spec.md §4.3.5: "ask the user-provided retry
	// callback for permission"). It should return false for the permanent
	// status codes spec.md §7 says fail a batch immediately
	// (lferrors.ErrShutdown, ErrInvalidParam, ErrTooBig) and true for
	// transient ones. A nil ShouldRetry defaults to defaultShouldRetry.
	ShouldRetry func(err error) bool
}

// defaultShouldRetry implements spec.md §7's propagation policy: permanent
// failures fail the batch immediately, everything else is retried.
func defaultShouldRetry(err error) bool {
	switch {
	case errors.Is(err, lferrors.ErrShutdown),
		errors.Is(err, lferrors.ErrInvalidParam),
		errors.Is(err, lferrors.ErrTooBig):
		return false
	default:
		return true
	}
}

// DefaultConfig returns reasonable defaults grounded in spec.md §4.3's
// named constants.
func DefaultConfig() Config {
	return Config{
		MaxBatchBytes:   1 << 20,
		MaxBatchRecords: 1000,
		MaxBatchAge:     100 * time.Millisecond,
		Mode:            ModeIndependent,
		PreferredCodec:  compress.CodecLZ4,
		MinCompressSize: 256,
		MaxRetries:      5,
		RetryInitial:    50 * time.Millisecond,
		RetryMax:        5 * time.Second,
		ShouldRetry:     defaultShouldRetry,
	}
}

// shouldRetry returns cfg.ShouldRetry, falling back to defaultShouldRetry
// for a BufferedWriter constructed with a zero-value Config.
func (w *BufferedWriter) shouldRetry(err error) bool {
	if w.cfg.ShouldRetry != nil {
		return w.cfg.ShouldRetry(err)
	}
	return defaultShouldRetry(err)
}

// BufferedWriter accumulates Records into Batches and drives each through
// construction, transmission and retry (spec.md §4.3). One BufferedWriter
// serves one destination; callers needing fan-out to many destinations run
// one BufferedWriter per destination.
type BufferedWriter struct {
	cfg       Config
	transport Transport

	mu struct {
		sync.Mutex
		current        *Batch
		lastFlush      time.Time
		inflight       bool
		blockedAppends []Record
	}

	flushSignal chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once

	group *errgroup.Group

	// Metrics holds the spec.md §4.1.4 flush-trigger counters (SPEC_FULL.md
	// §3.7). No exporter reads it; it exists so flush behavior is
	// assertable from tests.
	Metrics *metrics.Registry
}

// New constructs a BufferedWriter over transport with cfg, and starts its
// background flush-timer and executor goroutines (spec.md §4.3's
// "background executor dispatch").
func New(ctx context.Context, cfg Config, transport Transport) *BufferedWriter {
	w := &BufferedWriter{
		cfg:         cfg,
		transport:   transport,
		flushSignal: make(chan struct{}, 1),
		closed:      make(chan struct{}),
		Metrics:     metrics.NewRegistry(),
	}
	w.mu.current = NewBatch(cfg.Mode, cfg.MaxRetries, retry.NewExponentialBackoffTimer(cfg.RetryInitial, cfg.RetryMax))
	w.mu.lastFlush = time.Now()

	g, gctx := errgroup.WithContext(ctx)
	w.group = g
	g.Go(func() error { return w.timerLoop(gctx) })
	return w
}

// Append enqueues payload on the writer's current batch, flushing
// immediately if the size or count trigger fires (spec.md §4.3.1).
func (w *BufferedWriter) Append(ctx context.Context, payload []byte, onDone func(error)) {
	w.AppendRecord(ctx, Record{Payload: payload, OnDone: onDone})
}

// AppendRecord enqueues r on the writer's current batch, unless cfg.Mode is
// ModeOneAtATime and a batch is already inflight, in which case r is parked
// on blocked_appends until that batch resolves (spec.md §4.3.1: "at most
// one batch inflight" under ONE_AT_A_TIME).
func (w *BufferedWriter) AppendRecord(ctx context.Context, r Record) {
	w.mu.Lock()
	if w.cfg.Mode == ModeOneAtATime && w.mu.inflight {
		w.mu.blockedAppends = append(w.mu.blockedAppends, r)
		w.mu.Unlock()
		return
	}
	w.mu.current.Append(r)
	sizeTrigger := w.mu.current.Size() >= w.cfg.MaxBatchBytes
	countTrigger := w.mu.current.Count() >= w.cfg.MaxBatchRecords
	w.mu.Unlock()

	if sizeTrigger {
		w.Metrics.IncBufferedWriterSizeTriggerFlush()
	}
	if countTrigger {
		w.Metrics.IncBufferedWriterMaxPayloadFlush()
	}
	if sizeTrigger || countTrigger {
		w.signalFlush()
	}
}

func (w *BufferedWriter) signalFlush() {
	select {
	case w.flushSignal <- struct{}{}:
	default:
	}
}

// timerLoop flushes on MaxBatchAge or on an explicit signal, running the
// construction/send pipeline for each flushed batch as its own goroutine so
// a slow send does not delay accumulation of the next batch (spec.md
// §4.3's "background executor dispatch").
func (w *BufferedWriter) timerLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.MaxBatchAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.closed:
			return nil
		case <-ticker.C:
			w.maybeFlush(ctx, false)
		case <-w.flushSignal:
			w.maybeFlush(ctx, false)
		}
	}
}

// maybeFlush swaps out the current batch for a fresh one if it has any
// records, and dispatches the swapped-out batch through the send pipeline.
// force bypasses the "has any records" check, used by Close to drain a
// final partial batch.
func (w *BufferedWriter) maybeFlush(ctx context.Context, force bool) {
	w.mu.Lock()
	if w.cfg.Mode == ModeOneAtATime && w.mu.inflight {
		w.mu.Unlock()
		return
	}
	if w.mu.current.Count() == 0 && !force {
		w.mu.Unlock()
		return
	}
	batch := w.mu.current
	w.mu.current = NewBatch(w.cfg.Mode, w.cfg.MaxRetries, retry.NewExponentialBackoffTimer(w.cfg.RetryInitial, w.cfg.RetryMax))
	w.mu.lastFlush = time.Now()
	if batch.Count() > 0 && w.cfg.Mode == ModeOneAtATime {
		w.mu.inflight = true
	}
	w.mu.Unlock()

	if batch.Count() == 0 {
		return
	}
	w.group.Go(func() error {
		w.runPipeline(ctx, batch)
		return nil
	})
}

// onBatchDone clears the inflight marker and replays any records parked on
// blocked_appends while the batch was inflight (spec.md §4.3.1).
func (w *BufferedWriter) onBatchDone(ctx context.Context) {
	if w.cfg.Mode != ModeOneAtATime {
		return
	}
	w.mu.Lock()
	w.mu.inflight = false
	blocked := w.mu.blockedAppends
	w.mu.blockedAppends = nil
	w.mu.Unlock()

	for _, r := range blocked {
		w.AppendRecord(ctx, r)
	}
	if len(blocked) > 0 {
		w.signalFlush()
	}
}

// runPipeline drives one batch through ConstructingBlob -> ReadyToSend ->
// Inflight, retrying on failure up to cfg.MaxRetries times (spec.md
// §4.3.2-§4.3.5). The blob is built once up front; a plain transient-failure
// retry resends that same blob (ReadyForRetry goes straight to Inflight), and
// only a ModeOneAtATime partial ack rebuilds the blob, since the record set
// it covers actually changed.
func (w *BufferedWriter) runPipeline(ctx context.Context, batch *Batch) {
	defer w.onBatchDone(ctx)

	if !w.constructAndMarkInflight(ctx, batch) {
		return
	}

	for {
		acked, err := w.transport.Send(ctx, batch.Blob(), batch.Codec())
		if err == nil {
			batch.Succeed()
			return
		}

		log.Warningf(ctx, "batch send failed, will retry if budget remains: %v", err)

		if ctx.Err() != nil {
			batch.Fail(lferrors.Mark(lferrors.ErrShutdown, "buffered writer closed while batch was inflight"))
			return
		}

		if len(acked) > 0 && w.cfg.Mode == ModeOneAtATime {
			batch.SucceedPartial(acked)
			if batch.State() == BatchFinished {
				return
			}
			if !w.constructAndMarkInflight(ctx, batch) {
				return
			}
			continue
		}

		if !batch.ScheduleRetry(err, w.shouldRetry) {
			return
		}
		delay := batch.RetryDelay()
		select {
		case <-ctx.Done():
			batch.Fail(lferrors.Mark(lferrors.ErrShutdown, "buffered writer closed while batch awaited retry"))
			return
		case <-time.After(delay):
		}
		batch.ReadyForRetry()
	}
}

// constructAndMarkInflight drives batch from Building through ReadyToSend to
// Inflight, failing the batch and returning false if blob construction
// errors.
func (w *BufferedWriter) constructAndMarkInflight(ctx context.Context, batch *Batch) bool {
	batch.StartConstruction()
	if err := batch.FinishConstruction(w.cfg.PreferredCodec, w.cfg.MinCompressSize); err != nil {
		log.Errorf(ctx, "batch construction failed: %v", err)
		batch.Fail(errors.Wrap(err, "construct batch blob"))
		return false
	}
	batch.MarkInflight()
	return true
}

// Close flushes any partial batch (sending it under ctx), waits for every
// in-flight send to finish (the wait does not end early when ctx is
// cancelled), then fails every record
// left stranded on blocked_appends or the current (never-dispatched) batch
// with lferrors.ErrShutdown (spec.md §5: "shutdown cancels all timers and
// invokes callbacks with Shutdown for all non-Finished batches and all
// blocked chunks"). The final pass runs after group.Wait rather than
// before, because a ModeOneAtATime pipeline finishing concurrently with
// Close replays its blocked_appends into the current batch as it exits
// (onBatchDone), and with the timer loop already stopped nothing else
// would ever flush or fail them.
func (w *BufferedWriter) Close(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.closed) })
	w.maybeFlush(ctx, true)
	err := w.group.Wait()
	w.failRemaining()
	return err
}

// failRemaining resolves every record left on blocked_appends or the
// current, never-dispatched batch with lferrors.ErrShutdown (spec.md §7:
// "every record eventually receives exactly one callback invocation").
func (w *BufferedWriter) failRemaining() {
	w.mu.Lock()
	blocked := w.mu.blockedAppends
	w.mu.blockedAppends = nil
	current := w.mu.current
	w.mu.current = NewBatch(w.cfg.Mode, w.cfg.MaxRetries, retry.NewExponentialBackoffTimer(w.cfg.RetryInitial, w.cfg.RetryMax))
	w.mu.Unlock()

	cause := lferrors.Mark(lferrors.ErrShutdown, "buffered writer closed with appends unresolved")
	for _, r := range blocked {
		if r.OnDone != nil {
			r.OnDone(cause)
		}
	}
	if current.Count() > 0 {
		current.Fail(cause)
	}
}
