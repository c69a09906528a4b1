// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package bufwriter

import (
	"sort"
	"time"

	"github.com/cockroachdb/logflow/pkg/bufwriter/compress"
	"github.com/cockroachdb/logflow/pkg/util/retry"
)

// BatchState is the state machine named in spec.md §4.3: Building ->
// ConstructingBlob -> ReadyToSend -> Inflight -> {Finished | RetryPending
// -> Inflight}.
type BatchState int8

const (
	BatchBuilding BatchState = iota
	BatchConstructingBlob
	BatchReadyToSend
	BatchInflight
	BatchRetryPending
	BatchFinished
)

func (s BatchState) String() string {
	switch s {
	case BatchBuilding:
		return "BUILDING"
	case BatchConstructingBlob:
		return "CONSTRUCTING_BLOB"
	case BatchReadyToSend:
		return "READY_TO_SEND"
	case BatchInflight:
		return "INFLIGHT"
	case BatchRetryPending:
		return "RETRY_PENDING"
	case BatchFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Attributes carries the per-record metadata that merges across an entire
// batch rather than riding along per-record in the encoded blob (spec.md
// §4.3.4 step 4): FINDKEY keeps the lexicographically smallest key seen,
// and Counters accumulate key-wise across every record in the batch.
type Attributes struct {
	FindKey  string
	Counters map[string]int64
}

// Record is one caller-supplied payload appended to a Batch, carrying its
// own completion callback so Append/reply handling can resolve records
// individually under ONE_AT_A_TIME mode (spec.md §4.3.1). A record may
// carry either a flat Payload or a Group of sub-key payloads (spec.md
// §4.3.6's payload-group encoder); it is a caller bug to set both.
type Record struct {
	Payload    []byte
	Group      map[string][]byte
	Attributes Attributes
	OnDone     func(err error)
	enqueued   time.Time
}

func (r Record) size() int {
	if r.Group != nil {
		n := 0
		for k, v := range r.Group {
			n += len(k) + len(v)
		}
		return n
	}
	return len(r.Payload)
}

// Mode selects how a failed or partially-acknowledged batch is resolved,
// matching spec.md §4.3.4's "INDEPENDENT vs ONE_AT_A_TIME modes".
type Mode int8

const (
	// ModeIndependent resolves every record in a batch with the same
	// outcome: the whole batch succeeds or the whole batch fails together.
	ModeIndependent Mode = iota
	// ModeOneAtATime resolves records individually as the server
	// acknowledges them, best-effort, matching spec.md §9's Open Question
	// decision (see DESIGN.md): partial progress is preserved but the
	// bookkeeping is intentionally racy under concurrent retries, as the
	// spec explicitly permits.
	ModeOneAtATime
)

// Batch accumulates Records until it is flushed, then tracks it through
// construction, transmission and retry.
type Batch struct {
	state   BatchState
	mode    Mode
	records []Record

	uncompressedSize int
	blob             []byte
	codec            compress.Codec

	retryCount int
	maxRetries int
	backoff    *retry.ExponentialBackoffTimer

	createdAt time.Time

	hasFindKey     bool
	mergedFindKey  string
	mergedCounters map[string]int64
}

// NewBatch constructs an empty Batch in the Building state.
func NewBatch(mode Mode, maxRetries int, backoff *retry.ExponentialBackoffTimer) *Batch {
	return &Batch{
		state:      BatchBuilding,
		mode:       mode,
		maxRetries: maxRetries,
		backoff:    backoff,
		createdAt:  time.Now(),
	}
}

// Append adds a record to the batch. It panics if the batch has already
// left the Building state, since append-after-flush is a caller bug, not a
// runtime condition (spec.md §4.3.1 invariant: "a batch accepts appends
// only while Building").
func (b *Batch) Append(r Record) {
	if b.state != BatchBuilding {
		panic("bufwriter: Append called on a batch that has left the Building state")
	}
	r.enqueued = time.Now()
	b.records = append(b.records, r)
	b.uncompressedSize += r.size()
	b.mergeAttributes(r.Attributes)
}

// mergeAttributes folds one record's Attributes into the batch-wide merged
// state (spec.md §4.3.4 step 4): FINDKEY keeps the lexicographically
// smallest non-empty key seen across the whole batch, and Counters
// accumulate key-wise.
func (b *Batch) mergeAttributes(a Attributes) {
	if a.FindKey != "" {
		if !b.hasFindKey || a.FindKey < b.mergedFindKey {
			b.mergedFindKey = a.FindKey
			b.hasFindKey = true
		}
	}
	for k, v := range a.Counters {
		if b.mergedCounters == nil {
			b.mergedCounters = make(map[string]int64, len(a.Counters))
		}
		b.mergedCounters[k] += v
	}
}

// FindKey returns the lexicographically smallest FINDKEY attribute merged
// into the batch so far, and whether any record carried one.
func (b *Batch) FindKey() (string, bool) {
	return b.mergedFindKey, b.hasFindKey
}

// Counters returns the key-wise sum of every Counters attribute merged into
// the batch so far.
func (b *Batch) Counters() map[string]int64 {
	return b.mergedCounters
}

// Size returns the total uncompressed payload size accumulated so far.
func (b *Batch) Size() int { return b.uncompressedSize }

// Count returns the number of records accumulated so far.
func (b *Batch) Count() int { return len(b.records) }

// State returns the batch's current state.
func (b *Batch) State() BatchState { return b.state }

// StartConstruction transitions Building -> ConstructingBlob, freezing the
// record set (spec.md §4.3.2: "once flushed, a batch's record set is
// immutable").
func (b *Batch) StartConstruction() {
	if b.state != BatchBuilding {
		panic("bufwriter: StartConstruction called outside Building")
	}
	b.state = BatchConstructingBlob
}

// FinishConstruction compresses the accumulated records into a single blob
// and transitions ConstructingBlob -> ReadyToSend (spec.md §4.3.2).
func (b *Batch) FinishConstruction(preferred compress.Codec, minCompressSize int) error {
	if b.state != BatchConstructingBlob {
		panic("bufwriter: FinishConstruction called outside ConstructingBlob")
	}
	payload := b.encodeRecords()
	codec := compress.Select(preferred, len(payload), minCompressSize)
	blob, err := compress.Compress(codec, payload)
	if err != nil {
		return err
	}
	b.codec = codec
	b.blob = blob
	b.state = BatchReadyToSend
	return nil
}

// hasPayloadGroups reports whether any record in the batch carries a
// sub-key Group rather than a flat Payload, selecting which of the two
// encoders in spec.md §4.3.6 applies. A batch mixes the two only if the
// caller mixes record shapes, which is otherwise unconstrained; the
// payload-group encoder handles a flat Payload as a single record with no
// sub-keys, so mixing is safe.
func (b *Batch) hasPayloadGroups() bool {
	for _, r := range b.records {
		if r.Group != nil {
			return true
		}
	}
	return false
}

// encodeRecords selects and runs the encoder matching the record shapes in
// the batch (spec.md §4.3.6).
func (b *Batch) encodeRecords() []byte {
	if b.hasPayloadGroups() {
		return b.encodePayloadGroups()
	}
	return b.encodeSinglePayloads()
}

// encodeSinglePayloads concatenates records with a length prefix per record
// so the server-side decoder can split the blob back into individual
// records after decompression (spec.md §4.3.6's single-payload encoder).
func (b *Batch) encodeSinglePayloads() []byte {
	total := 0
	for _, r := range b.records {
		total += 4 + len(r.Payload)
	}
	out := make([]byte, 0, total)
	for _, r := range b.records {
		n := len(r.Payload)
		out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		out = append(out, r.Payload...)
	}
	return out
}

// encodePayloadGroups encodes each record as a map of sub-key payloads
// (spec.md §4.3.6's payload-group encoder): a record with a nil Group is
// treated as a single-entry group keyed by the empty string, so the two
// encoders agree on how a plain Payload round-trips. Sub-keys are written
// in sorted order so the encoding is deterministic regardless of Go's
// randomized map iteration.
func (b *Batch) encodePayloadGroups() []byte {
	out := make([]byte, 0, b.uncompressedSize+len(b.records)*8)
	for _, r := range b.records {
		group := r.Group
		if group == nil {
			group = map[string][]byte{"": r.Payload}
		}
		keys := make([]string, 0, len(group))
		for k := range group {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		n := len(keys)
		out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		for _, k := range keys {
			v := group[k]
			kl := len(k)
			out = append(out, byte(kl>>8), byte(kl))
			out = append(out, k...)
			vl := len(v)
			out = append(out, byte(vl>>24), byte(vl>>16), byte(vl>>8), byte(vl))
			out = append(out, v...)
		}
	}
	return out
}

// Blob returns the compressed, wire-ready payload. Valid only once State is
// ReadyToSend or later.
func (b *Batch) Blob() []byte { return b.blob }

// Codec returns the compression codec used for Blob.
func (b *Batch) Codec() compress.Codec { return b.codec }

// MarkInflight transitions ReadyToSend -> Inflight when the batch is handed
// to the transport.
func (b *Batch) MarkInflight() {
	if b.state != BatchReadyToSend {
		panic("bufwriter: MarkInflight called outside ReadyToSend")
	}
	b.state = BatchInflight
}

// Succeed resolves every record with a nil error and transitions to
// Finished (spec.md §4.3.4 ModeIndependent success path, and the common
// case for ModeOneAtATime when the server acks the whole batch).
func (b *Batch) Succeed() {
	for _, r := range b.records {
		if r.OnDone != nil {
			r.OnDone(nil)
		}
	}
	b.state = BatchFinished
}

// SucceedPartial resolves only the records at the given indices with a nil
// error, used by ModeOneAtATime when a server reply acknowledges a strict
// prefix of the batch (spec.md §4.3.4). Unacknowledged records remain
// pending in the batch for the next retry attempt.
func (b *Batch) SucceedPartial(acked []int) {
	ackedSet := make(map[int]bool, len(acked))
	for _, i := range acked {
		ackedSet[i] = true
	}
	remaining := b.records[:0]
	for i, r := range b.records {
		if ackedSet[i] {
			if r.OnDone != nil {
				r.OnDone(nil)
			}
			continue
		}
		remaining = append(remaining, r)
	}
	b.records = remaining
	if len(b.records) == 0 {
		b.state = BatchFinished
		return
	}
	// Recompute size so a subsequent retry reconstructs a smaller blob; the
	// batch returns to Building briefly so Append's state assertion
	// continues to hold for the retry's StartConstruction call.
	b.uncompressedSize = 0
	for _, r := range b.records {
		b.uncompressedSize += r.size()
	}
	b.state = BatchBuilding
}

// Fail resolves the batch's outcome after an unretryable failure (for
// instance, blob construction itself failing): every record fails together
// regardless of Mode, since there is no blob to have partially sent.
// Transmission failures instead go through ScheduleRetry, which the mode
// governs only insofar as ModeOneAtATime may have already resolved some
// records via SucceedPartial before the remainder reach ScheduleRetry.
func (b *Batch) Fail(cause error) {
	for _, r := range b.records {
		if r.OnDone != nil {
			r.OnDone(cause)
		}
	}
	b.state = BatchFinished
}

// ScheduleRetry asks shouldRetry for permission before consuming retry
// budget (spec.md §4.3.5: "ask the user-provided retry callback for
// permission"), then transitions Inflight -> RetryPending if permitted and
// retries remain. It fails the batch immediately, without scheduling a
// retry, when shouldRetry refuses sendErr (spec.md §7's propagation policy:
// permanent status codes such as Shutdown, InvalidParam and TooBig fail the
// batch immediately rather than consuming retry budget) or when retries are
// exhausted.
func (b *Batch) ScheduleRetry(sendErr error, shouldRetry func(error) bool) bool {
	if shouldRetry != nil && !shouldRetry(sendErr) {
		b.Fail(sendErr)
		return false
	}
	if b.retryCount >= b.maxRetries {
		for _, r := range b.records {
			if r.OnDone != nil {
				r.OnDone(errRetriesExhausted)
			}
		}
		b.state = BatchFinished
		return false
	}
	b.retryCount++
	b.state = BatchRetryPending
	return true
}

// RetryDelay returns how long to wait before the next retry attempt.
func (b *Batch) RetryDelay() time.Duration {
	return b.backoff.NextDelay()
}

// ReadyForRetry transitions RetryPending -> Inflight directly once the
// backoff timer fires, so a plain transient-failure retry resends the blob
// already built by FinishConstruction rather than reconstructing it
// (spec.md §4.3.2; testable property #2 in spec.md §8 forbids a
// RetryPending -> Building edge).
func (b *Batch) ReadyForRetry() {
	if b.state != BatchRetryPending {
		panic("bufwriter: ReadyForRetry called outside RetryPending")
	}
	b.state = BatchInflight
}
