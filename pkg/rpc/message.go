// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package rpc implements the per-peer connection primitives described in
// spec.md §4.2 and §3 (ConnectionInfo, Connection, FlowGroup/
// ShapingContainer): one framed, flow-controlled, optionally TLS transport
// per peer. The Sender (pkg/sender) multiplexes many Connections; this
// package owns exactly one.
package rpc

import (
	"time"

	"github.com/google/uuid"
)

// MessageType tags the known wire message kinds, modeled as the tagged
// variant design note in spec.md §9 ("Dynamic dispatch on message
// types"): a closed enumeration with a shared prelude rather than open
// dynamic dispatch.
type MessageType int32

const (
	MessageTypeUnknown MessageType = iota
	MessageTypeHandshake
	MessageTypeHeartbeat
	MessageTypeAppend
	MessageTypeAppended
	MessageTypeGossip
	MessageTypeShutdown
)

// Message is the shared prelude every wire message carries (spec.md §9):
// a type tag, a size once serialized, a priority and a handshake flag,
// plus the payload. The payload checksum travels in the frame header that
// Connection writes, not in the Message. Concrete message types implement
// this interface directly; a frame whose MessageType is outside the known
// set surfaces as lferrors.ErrBadMsg at decode time rather than panicking.
type Message interface {
	// Type returns the message's wire type.
	Type() MessageType
	// SerializedSize estimates the on-wire size in bytes; Connection uses
	// this to account pending bytes and to enforce Message::MAX_LEN
	// (spec.md §3 Connection invariants).
	SerializedSize() int
	// Priority returns the traffic-shaping priority to admit this message
	// under (spec.md §3 FlowGroup).
	Priority() Priority
	// IsHandshake reports whether this message bypasses the outbound
	// buffer limit check (spec.md §4.1.2 step 2).
	IsHandshake() bool
	// Payload returns the message's on-wire body. releaseMessage writes
	// this, framed by HeaderLen, to the socket (spec.md §4.1.2 step 6:
	// "performs actual serialization").
	Payload() []byte
}

// MaxMessageLen bounds a single message's serialized size, matching the
// Connection invariant in spec.md §3 ("pending bytes never exceed
// Message::MAX_LEN + header").
const MaxMessageLen = 16 << 20 // 16 MiB

// HeaderLen is the fixed framing header size prefixed to every message on
// the wire: a 4-byte length, a 4-byte MessageType tag and an 8-byte
// checksum (or, for a handshake frame, a 2-byte protocol version in place
// of the checksum).
const HeaderLen = 16

// CurrentProtocolVersion is the handshake protocol version this build
// speaks, written into a handshake frame's header bytes [8:10] in place of
// the checksum every other message type carries there.
const CurrentProtocolVersion uint16 = 1

// handshakeMessage is the empty-payload message each side of a Connection
// sends immediately once its transport is established (spec.md §4.2: the
// handshake that drives Handshaking -> Active). Its header carries the
// protocol version rather than a payload checksum, since it has no
// payload.
type handshakeMessage struct{}

func (handshakeMessage) Type() MessageType   { return MessageTypeHandshake }
func (handshakeMessage) SerializedSize() int { return 0 }
func (handshakeMessage) Priority() Priority  { return PriorityMax }
func (handshakeMessage) IsHandshake() bool   { return true }
func (handshakeMessage) Payload() []byte     { return nil }

// OnSentStatus is the status delivered to an onSent completion callback
// (spec.md §4.1.3).
type OnSentStatus int32

const (
	OnSentOK OnSentStatus = iota
	OnSentError
)

// OnSentCallback is invoked exactly once per message that was accepted by
// sendMessage, with the final delivery status (spec.md §7 "User-visible
// failures").
type OnSentCallback func(msg Message, status OnSentStatus, err error)

// OnBandwidthAvailableCallback fires once the FlowGroup that deferred a
// send has tokens available again (spec.md §4.1.2 step 8).
type OnBandwidthAvailableCallback func()

// OnCloseCallback fires when the owning Connection closes, in registration
// order (spec.md §4.2 "Close semantics").
type OnCloseCallback func(reason error)

// envelopeID is an opaque unique identifier minted for each registered
// envelope, used only for tracing/log correlation.
type envelopeID = uuid.UUID

func newEnvelopeID() envelopeID {
	return uuid.New()
}

// Priority selects a FlowGroup's token bucket (spec.md §3 FlowGroup).
type Priority int8

const (
	PriorityMax Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityIdle
	numPriorities
)

// registrationTime stamps when an Envelope was created, used by
// Sender metrics (spec.md §4.1.3 Completion.enqueue_time).
type registrationTime = time.Time
