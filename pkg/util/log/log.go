// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package log provides a small, leveled, context-scoped logging shim in the
// shape of the teacher corpus's util/log package (Infof/Errorf taking a
// context.Context first, V(n) verbosity gating) without the file rotation
// and reporting machinery that the real implementation carries, which is
// out of scope for this module.
package log

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/logtags"
)

// Severity mirrors the teacher's Severity enum, trimmed to what this module
// emits.
type Severity int32

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "I"
	case SeverityWarning:
		return "W"
	case SeverityError:
		return "E"
	case SeverityFatal:
		return "F"
	default:
		return "?"
	}
}

var stdLogger = log.New(os.Stderr, "", log.Lmicroseconds|log.Lshortfile)

// verbosity is the process-wide V() threshold, adjusted the way the
// teacher's vmodule flag would be, but as a single global level.
var verbosity int32

// SetVerbosity sets the global verbosity threshold used by V().
func SetVerbosity(level int32) {
	atomic.StoreInt32(&verbosity, level)
}

// V returns true if logging at the given verbosity level is enabled.
// Callers gate expensive log argument construction with it:
//
//	if log.V(2) { log.Infof(ctx, "expensive: %s", compute()) }
func V(level int32) bool {
	return atomic.LoadInt32(&verbosity) >= level
}

type tagsKey struct{}

// WithLogTags attaches structured tags to ctx that subsequent log calls
// will render as a bracketed prefix, mirroring the teacher's
// logtags.AddTag/WithTags convention for per-worker and per-peer context.
func WithLogTags(ctx context.Context, tags *logtags.Buffer) context.Context {
	return context.WithValue(ctx, tagsKey{}, tags)
}

func tagsFromContext(ctx context.Context) *logtags.Buffer {
	b, _ := ctx.Value(tagsKey{}).(*logtags.Buffer)
	return b
}

func formatWithTags(ctx context.Context, format string, args []interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if tags := tagsFromContext(ctx); tags != nil && len(tags.Get()) > 0 {
		return "[" + tags.String() + "] " + msg
	}
	return msg
}

func output(sev Severity, msg string) {
	stdLogger.Output(3, sev.String()+" "+msg) //nolint:errcheck
}

// Infof logs at SeverityInfo.
func Infof(ctx context.Context, format string, args ...interface{}) {
	output(SeverityInfo, formatWithTags(ctx, format, args))
}

// Warningf logs at SeverityWarning.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	output(SeverityWarning, formatWithTags(ctx, format, args))
}

// Errorf logs at SeverityError.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	output(SeverityError, formatWithTags(ctx, format, args))
}

// Error logs its arguments at SeverityError.
func Error(ctx context.Context, args ...interface{}) {
	output(SeverityError, formatWithTags(ctx, fmt.Sprint(args...), nil))
}

// VEventf logs at SeverityInfo if V(level) is enabled, the way the teacher's
// log.VEventf gates tracing-integrated log lines by verbosity.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		Infof(ctx, format, args...)
	}
}

// Fatalf logs at SeverityFatal and terminates the process, matching the
// teacher's log.Fatalf contract used for unrecoverable invariant breaks.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	output(SeverityFatal, formatWithTags(ctx, format, args))
	os.Exit(1)
}
