// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package base holds process-wide configuration shared by the rpc, sender
// and admin layers, mirroring the teacher's pkg/base package: a small,
// dependency-free struct that higher layers embed or reference rather than
// re-deriving from flags in every package.
package base

import "time"

// Context holds the security and addressing configuration shared by every
// worker's Sender and by the admin control plane's outbound calls.
type Context struct {
	// Addr is this process's own advertised address, used to recognize
	// loopback sends and to populate outgoing handshakes.
	Addr string
	// Insecure disables TLS entirely; only appropriate for local
	// development and tests, matching the teacher's base.Context.Insecure.
	Insecure bool
	// RequireTLSForGossip mirrors spec.md §4.1.1's "policy now demands TLS"
	// check for gossip sockets specifically.
	RequireTLSForGossip bool
}

// Default timing constants referenced throughout the rpc and sender
// packages, named the way spec.md §4.1.4 names them.
const (
	DefaultSocketHealthCheckPeriod = 10 * time.Second
	DefaultIdleConnectionKeepAlive = 10 * time.Minute
	DefaultHeartbeatInterval       = 3 * time.Second
	DefaultHeartbeatTimeout        = 2 * DefaultHeartbeatInterval
)
