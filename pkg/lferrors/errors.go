// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package lferrors collects the flat error enumeration described in
// spec.md §7 as package-level sentinels. Every returned error that
// represents one of these conditions is produced with errors.Mark(cause,
// sentinel) so callers can test with errors.Is(err, lferrors.ErrNotConn) etc.,
// the same discipline the teacher's pkg/util/circuit uses for
// ErrBreakerOpen.
package lferrors

import "github.com/cockroachdb/errors"

// Transport errors.
var (
	ErrNotConn         = errors.New("not connected")
	ErrUnreachable     = errors.New("unreachable")
	ErrUnroutable      = errors.New("unroutable")
	ErrTimedout        = errors.New("timed out")
	ErrPeerClosed      = errors.New("peer closed")
	ErrShutdown        = errors.New("shutting down")
	ErrSSLRequired     = errors.New("ssl required")
	ErrNoSSLConfig     = errors.New("no ssl configuration")
	ErrProtoNoSupport  = errors.New("protocol not supported")
	ErrConnFailed      = errors.New("connection failed")
	ErrDisabled        = errors.New("disabled")
	ErrSysLimit        = errors.New("system resource limit reached")
	ErrAlready         = errors.New("already connecting")
	ErrIsConn          = errors.New("already connected")
	ErrNoMem           = errors.New("out of memory")
)

// Backpressure errors.
var (
	ErrNoBufs      = errors.New("no buffer space")
	ErrCbRegistered = errors.New("callback registered, retry on bandwidth availability")
)

// Protocol/data errors.
var (
	ErrBadMsg   = errors.New("bad message")
	ErrInvalid  = errors.New("invalid")
	ErrInternal = errors.New("internal error")
	ErrTooBig   = errors.New("too big")
	ErrExists   = errors.New("already exists locally")
)

// Config/membership errors.
var (
	ErrNotInConfig      = errors.New("not in configuration")
	ErrNoMatchInConfig  = errors.New("no match in configuration")
	ErrAlreadyExists    = errors.New("already exists")
	ErrVersionMismatch  = errors.New("version mismatch")
	ErrInvalidParam     = errors.New("invalid parameter")
	ErrUptodate         = errors.New("already up to date")
	ErrAccess           = errors.New("access denied")
	ErrNotSupported     = errors.New("not supported")
	ErrInvalidConfig    = errors.New("invalid configuration bytes")
)

// Application errors.
var (
	ErrPreempted  = errors.New("preempted")
	ErrRedirected = errors.New("redirected")
	ErrNotReady   = errors.New("not ready")
	ErrStale      = errors.New("stale version")
	ErrAborted    = errors.New("aborted")
	ErrAgain      = errors.New("retry later")
)

// Mark wraps cause with a sentinel, matching the teacher's
// errors.Mark(err, ErrBreakerOpen) idiom so downstream errors.Is checks
// work regardless of how much additional context has been wrapped in.
func Mark(sentinel error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), sentinel)
}
