// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rpc

import (
	"container/list"
	"context"
	"crypto/tls"
	"hash/crc64"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logflow/pkg/base"
	"github.com/cockroachdb/logflow/pkg/lferrors"
	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/util/circuit"
	"github.com/cockroachdb/logflow/pkg/util/log"
	"github.com/cockroachdb/logflow/pkg/util/retry"
	"github.com/cockroachdb/logflow/pkg/util/syncutil"
)

// connState is Connection's lifecycle state machine (spec.md §4.2 "Close
// semantics" and the handshake/TLS/zombie states it names).
type connState int8

const (
	stateNone connState = iota
	stateConnecting
	stateHandshaking
	stateActive
	stateClosing
	stateClosed
	stateZombie
)

// Dialer abstracts outbound connection establishment so tests can substitute
// an in-memory pipe instead of a real socket, the way the teacher's
// pkg/rpc.Context accepts a custom dialer for testing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type netDialer struct {
	d net.Dialer
}

func (n netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, address)
}

// DefaultDialer dials real TCP sockets.
var DefaultDialer Dialer = netDialer{}

// Connection owns a single framed, optionally TLS-wrapped transport to one
// peer (spec.md §4.2). Its outbound side is an Envelope FIFO drained through
// a FlowGroup; its inbound side decodes frames and dispatches them through
// onMessage. One Sender worker owns many Connections, each single-owner
// except for the fields explicitly documented as shared.
type Connection struct {
	ctx      *base.Context
	peerName logpb.Address
	peerAddr string
	dialer   Dialer
	tlsConf  *tls.Config
	shaping  *ShapingContainer
	onMessage func(Message)

	breaker     *circuit.Breaker
	connectBackoff *retry.ExponentialBackoffTimer

	// writeMu serializes writeEnvelope calls so concurrent ReleaseMessage
	// callers never interleave a header with another envelope's payload.
	writeMu sync.Mutex

	mu struct {
		syncutil.Mutex

		state connState
		conn  net.Conn
		info  ConnectionInfo

		// outbound is the FIFO of envelopes registered but not yet written to
		// the socket (spec.md §3 Connection: "a FIFO of Envelope").
		outbound *list.List // of *Envelope

		pendingBytes int
		handshaken   bool
		peerShuttingDown bool
		lastActivity time.Time

		onClose []OnCloseCallback

		// bytesPendingHook, when set by the owning Sender, is invoked with
		// the signed change in pendingBytes on every register/release/
		// discard/close, feeding metrics.Registry.AddBytesPending (spec.md
		// §4.1.4's "Σ conn.bytes_pending = sender.bytes_pending_total").
		bytesPendingHook func(delta int)

		// zombie connections have failed irrecoverably but are kept around
		// briefly so in-flight callers observe a consistent error rather than
		// a nil-pointer Connection disappearing out from under them
		// (spec.md §4.2 zombie state).
		zombieSince time.Time
	}
}

// SetBytesPendingHook installs hook to be called with the signed delta of
// accounted outbound bytes on every register/release/discard/close. Intended
// for the owning Sender to forward into metrics.Registry.AddBytesPending.
func (c *Connection) SetBytesPendingHook(hook func(delta int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.bytesPendingHook = hook
}

// NewConnection constructs a Connection to peerName at peerAddr. It does not
// dial; call Connect to establish the transport.
func NewConnection(
	ctx *base.Context,
	peerName logpb.Address,
	peerAddr string,
	dialer Dialer,
	tlsConf *tls.Config,
	shaping *ShapingContainer,
	onMessage func(Message),
) *Connection {
	if dialer == nil {
		dialer = DefaultDialer
	}
	c := &Connection{
		ctx:            ctx,
		peerName:       peerName,
		peerAddr:       peerAddr,
		dialer:         dialer,
		tlsConf:        tlsConf,
		shaping:        shaping,
		onMessage:      onMessage,
		breaker:        circuit.NewBreaker(circuit.Options{Name: "conn/" + peerName.String()}),
		connectBackoff: retry.NewExponentialBackoffTimer(100*time.Millisecond, 30*time.Second),
	}
	c.mu.state = stateNone
	c.mu.outbound = list.New()
	return c
}

// Connect establishes the transport and, for node-to-node peers, performs
// the handshake. Calling Connect on an already-Active or Connecting
// Connection is a no-op returning nil, matching the teacher's rpc.Context
// dial dedup: repeated connect() calls from overlapping callers must not
// race two dials for the same peer (spec.md §9 Open Question: defensive,
// not required, since a correct caller never does this on purpose, but
// concurrent callers racing to establish the same peer connection are
// expected and must be handled gracefully rather than asserted against).
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.mu.state {
	case stateActive, stateConnecting, stateHandshaking:
		c.mu.Unlock()
		return nil
	case stateClosed, stateZombie:
		c.mu.Unlock()
		return lferrors.Mark(lferrors.ErrNotConn, "connection to %s is closed", c.peerName)
	}
	if err := c.breaker.Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.state = stateConnecting
	c.mu.Unlock()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.peerAddr)
	if err != nil {
		c.breaker.Report(err)
		c.mu.Lock()
		c.mu.state = stateNone
		c.mu.Unlock()
		return lferrors.Mark(lferrors.ErrConnFailed, "dial %s: %v", c.peerAddr, err)
	}

	if c.tlsConf != nil {
		conn = tls.Client(conn, c.tlsConf)
	} else if c.ctx != nil && c.ctx.RequireTLSForGossip && c.peerName.IsNode() {
		conn.Close()
		return lferrors.Mark(lferrors.ErrSSLRequired, "tls required for peer %s", c.peerName)
	}

	c.mu.Lock()
	c.mu.conn = conn
	c.mu.state = stateHandshaking
	c.mu.info = NewConnectionInfo(c.peerName, conn.RemoteAddr(), logpb.PeerTypeNode)
	if c.tlsConf != nil {
		c.mu.info.ConnectionType = ConnectionTypeSSL
	} else {
		c.mu.info.ConnectionType = ConnectionTypePlain
	}
	c.mu.lastActivity = time.Now()
	c.mu.Unlock()

	c.connectBackoff.Reset()
	c.breaker.Reset()

	go c.readLoop()
	go c.sendHandshake()
	return nil
}

// NewAcceptedConnection wraps an already-accepted inbound net.Conn, skipping
// the dial step Connect performs (spec.md §4.1.1 addClient: "wraps fd...
// socket_type/connection_type describe an already-established transport").
// The handshake is expected to arrive on conn the same as for a dialed peer.
func NewAcceptedConnection(
	ctx *base.Context,
	peerName logpb.Address,
	conn net.Conn,
	connType ConnectionType,
	shaping *ShapingContainer,
	onMessage func(Message),
) *Connection {
	c := &Connection{
		ctx:            ctx,
		peerName:       peerName,
		peerAddr:       conn.RemoteAddr().String(),
		dialer:         DefaultDialer,
		shaping:        shaping,
		onMessage:      onMessage,
		breaker:        circuit.NewBreaker(circuit.Options{Name: "conn/" + peerName.String()}),
		connectBackoff: retry.NewExponentialBackoffTimer(100*time.Millisecond, 30*time.Second),
	}
	c.mu.outbound = list.New()
	c.mu.conn = conn
	c.mu.state = stateHandshaking
	c.mu.info = NewConnectionInfo(peerName, conn.RemoteAddr(), logpb.PeerTypeClient)
	c.mu.info.ConnectionType = connType
	c.mu.lastActivity = time.Now()
	go c.readLoop()
	go c.sendHandshake()
	return c
}

// sendHandshake writes this side's handshake frame, the counterpart to the
// one readLoop expects from the peer before marking the connection
// handshaken (spec.md §4.2). It runs on its own goroutine so a peer that is
// slow to start reading cannot stall Connect/NewAcceptedConnection.
func (c *Connection) sendHandshake() {
	re, err := c.RegisterMessage(handshakeMessage{}, PriorityMax, nil)
	if err != nil {
		return
	}
	_ = c.ReleaseMessage(re)
}

// registeredEnvelope is returned by RegisterMessage so callers can later
// DiscardEnvelope it if the message becomes moot before it is sent.
type registeredEnvelope struct {
	env *Envelope
}

// RegisterMessage enqueues msg for transmission (spec.md §4.1.2's wording
// "register the envelope with the destination Connection"). It enforces the
// outbound buffer limit (step 2) unless the message IsHandshake.
func (c *Connection) RegisterMessage(msg Message, priority Priority, cb OnBandwidthAvailableCallback) (*registeredEnvelope, error) {
	if msg.SerializedSize() > MaxMessageLen {
		return nil, lferrors.Mark(lferrors.ErrTooBig, "message of %d bytes exceeds MAX_LEN", msg.SerializedSize())
	}

	c.mu.Lock()

	if c.mu.state == stateClosed || c.mu.state == stateZombie {
		c.mu.Unlock()
		return nil, lferrors.Mark(lferrors.ErrNotConn, "connection to %s is closed", c.peerName)
	}
	if c.mu.peerShuttingDown && !msg.IsHandshake() {
		c.mu.Unlock()
		return nil, lferrors.Mark(lferrors.ErrShutdown, "peer %s is shutting down", c.peerName)
	}

	const maxOutboundBytes = 32 << 20 // matches spec.md §4.1.2's fixed-capacity wording
	if !msg.IsHandshake() && c.mu.pendingBytes+msg.SerializedSize() > maxOutboundBytes {
		c.mu.Unlock()
		return nil, lferrors.Mark(lferrors.ErrNoBufs, "connection to %s has no buffer space", c.peerName)
	}

	env := &Envelope{
		id:        newEnvelopeID(),
		msg:       msg,
		cost:      msg.SerializedSize() + HeaderLen,
		priority:  priority,
		created:   time.Now(),
		onBWAvail: cb,
	}
	c.mu.outbound.PushBack(env)
	c.mu.pendingBytes += env.cost
	hook := c.mu.bytesPendingHook
	cost := env.cost
	c.mu.Unlock()

	if hook != nil {
		hook(cost)
	}
	return &registeredEnvelope{env: env}, nil
}

// ReleaseMessage performs the actual wire send for a registered envelope
// (spec.md §4.1.2 step 6: "call releaseMessage(envelope), which performs
// actual serialization (may fail late...)"), then removes the envelope and
// decrements accounted pending bytes. A write failure closes the connection
// and is returned to the caller so Sender can deliver an onSent failure.
func (c *Connection) ReleaseMessage(re *registeredEnvelope) error {
	c.mu.Lock()
	if c.mu.state != stateActive && c.mu.state != stateHandshaking {
		c.mu.Unlock()
		return lferrors.Mark(lferrors.ErrNotConn, "connection to %s is not connected", c.peerName)
	}
	conn := c.mu.conn
	c.mu.Unlock()

	writeErr := c.writeEnvelope(conn, re.env)

	c.mu.Lock()
	for e := c.mu.outbound.Front(); e != nil; e = e.Next() {
		if e.Value.(*Envelope) == re.env {
			c.mu.outbound.Remove(e)
			c.mu.pendingBytes -= re.env.cost
			break
		}
	}
	hook := c.mu.bytesPendingHook
	cost := re.env.cost
	c.mu.Unlock()

	if hook != nil {
		hook(-cost)
	}
	if writeErr != nil {
		c.Close(errors.Wrap(writeErr, "write frame"))
		return writeErr
	}
	return nil
}

// writeEnvelope serializes env's header and payload to conn. Header bytes
// [8:16] carry a CRC-64 (ISO polynomial) checksum of the payload for every
// message type (spec.md §9: "8-byte checksum") except a handshake frame,
// which has no payload to checksum and instead carries the 2-byte
// CurrentProtocolVersion at [8:10] -- the same layout readLoop decodes a
// handshake frame's header with. Concurrent callers are serialized through
// writeMu so frames are never interleaved.
func (c *Connection) writeEnvelope(conn net.Conn, env *Envelope) error {
	if conn == nil {
		return lferrors.Mark(lferrors.ErrNotConn, "connection to %s has no socket", c.peerName)
	}
	payload := env.msg.Payload()
	header := make([]byte, HeaderLen)
	copy(header[0:4], encodeUint32(uint32(len(payload))))
	copy(header[4:8], encodeUint32(uint32(env.msg.Type())))
	if env.msg.Type() == MessageTypeHandshake {
		copy(header[8:10], encodeUint16(CurrentProtocolVersion))
	} else {
		copy(header[8:16], encodeUint64(checksumPayload(payload)))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(header); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return errors.Wrap(err, "write frame payload")
		}
	}
	c.mu.Lock()
	c.mu.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

var crc64Table = crc64.MakeTable(crc64.ISO)

func checksumPayload(payload []byte) uint64 {
	return crc64.Checksum(payload, crc64Table)
}

// DiscardEnvelope removes a still-queued envelope without sending it and
// releases its accounted bytes. cause is not used and no callback is
// invoked; an Envelope carries no onSent callback.
func (c *Connection) DiscardEnvelope(re *registeredEnvelope, cause error) {
	c.mu.Lock()
	var removed bool
	for e := c.mu.outbound.Front(); e != nil; e = e.Next() {
		if e.Value.(*Envelope) == re.env {
			c.mu.outbound.Remove(e)
			c.mu.pendingBytes -= re.env.cost
			removed = true
			break
		}
	}
	hook := c.mu.bytesPendingHook
	cost := re.env.cost
	c.mu.Unlock()

	if removed && hook != nil {
		hook(-cost)
	}
}

// GetBytesPending returns the number of bytes queued but not yet written.
func (c *Connection) GetBytesPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.pendingBytes
}

// GetTcpSendBufSize stands in for the kernel send buffer size used by the
// socket health metrics named in spec.md §4.1.4. It always returns 0.
func (c *Connection) GetTcpSendBufSize() int {
	c.mu.Lock()
	tc, ok := c.mu.conn.(*net.TCPConn)
	c.mu.Unlock()
	if !ok || tc == nil {
		return 0
	}
	// Go's net package does not expose SO_SNDBUF directly without syscall
	// access to the raw fd; returning 0 here is a deliberate simplification
	// rather than reaching for platform-specific syscalls in a generic
	// transport layer.
	return 0
}

// GetTcpSendBufOccupancy approximates kernel-level send buffer occupancy by
// pending bytes, since the real ioctl is unavailable portably.
func (c *Connection) GetTcpSendBufOccupancy() int {
	return c.GetBytesPending()
}

// IsClosed reports whether the connection has fully closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.state == stateClosed
}

// IsZombie reports whether the connection is a zombie awaiting final
// teardown (spec.md §4.2).
func (c *Connection) IsZombie() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.state == stateZombie
}

// IsSSL reports whether this connection negotiated TLS.
func (c *Connection) IsSSL() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.info.ConnectionType == ConnectionTypeSSL
}

// IsHandshaken reports whether the initial protocol handshake completed.
func (c *Connection) IsHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.handshaken
}

// IsIdleAfter reports whether the connection has been idle (no activity)
// for at least d, used by the idle-connection reaper (spec.md §4.1.4).
func (c *Connection) IsIdleAfter(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.pendingBytes == 0 && time.Since(c.mu.lastActivity) >= d
}

// SetPeerShuttingDown records that the peer announced a graceful shutdown
// (MessageTypeShutdown), so subsequent non-handshake sends fail fast
// instead of queuing behind a connection about to die.
func (c *Connection) SetPeerShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.peerShuttingDown = true
}

// ResetConnectThrottle clears the connect backoff and circuit breaker,
// allowing an immediate reconnect attempt after an operator-triggered
// config refresh (spec.md §4.4's membership update path wants fast
// reconvergence after bumpNodeGeneration rather than waiting out backoff).
func (c *Connection) ResetConnectThrottle() {
	c.connectBackoff.Reset()
	c.breaker.Reset()
}

// SendShutdown best-effort notifies the peer this side is going away. It
// does not wait for delivery.
func (c *Connection) SendShutdown(msg Message) {
	re, err := c.RegisterMessage(msg, PriorityMax, nil)
	if err != nil {
		return
	}
	_ = c.ReleaseMessage(re)
}

// IsNodeConnectionAddressOrGenerationOutdated reports whether current, the
// latest known NodeServiceDiscovery address/generation for this peer, no
// longer matches what this Connection was dialed against -- the trigger for
// tearing down and redialing named in spec.md §4.4.1 ("connections to nodes
// whose generation changed must be torn down").
func (c *Connection) IsNodeConnectionAddressOrGenerationOutdated(currentAddr string, currentGen logpb.Generation) bool {
	if !c.peerName.IsNode() {
		return false
	}
	if currentAddr != "" && currentAddr != c.peerAddr {
		return true
	}
	return currentGen != 0 && currentGen != c.peerName.Generation
}

// PushOnCloseCallback registers cb to run when the connection closes, in
// registration order (spec.md §4.2).
func (c *Connection) PushOnCloseCallback(cb OnCloseCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.state == stateClosed {
		c.mu.Unlock()
		cb(lferrors.Mark(lferrors.ErrNotConn, "connection to %s already closed", c.peerName))
		c.mu.Lock()
		return
	}
	c.mu.onClose = append(c.mu.onClose, cb)
}

// PushOnBandwidthAvailableCallback queues cb on the FlowGroup most specific
// to this peer's location once its priority has headroom again.
func (c *Connection) PushOnBandwidthAvailableCallback(loc logpb.Location, priority Priority, cb OnBandwidthAvailableCallback) {
	if c.shaping == nil {
		cb()
		return
	}
	fg := c.shaping.Select(loc, logpb.ScopeNode)
	if fg == nil {
		cb()
		return
	}
	fg.PushCallback(cb, priority)
}

// CheckSocketHealth runs the periodic liveness probe described in spec.md
// §4.1.4: if an Active connection has had no frame read from or written to
// it within timeout (the Sender passes base.DefaultHeartbeatTimeout), Close
// is invoked with lferrors.ErrTimedout.
func (c *Connection) CheckSocketHealth(now time.Time, timeout time.Duration) {
	c.mu.Lock()
	if c.mu.state != stateActive {
		c.mu.Unlock()
		return
	}
	stale := now.Sub(c.mu.lastActivity) > timeout
	c.mu.Unlock()
	if stale {
		c.Close(lferrors.Mark(lferrors.ErrTimedout, "no activity from %s within %s", c.peerName, timeout))
	}
}

// Close tears the connection down, running registered onClose callbacks and
// dropping every still-queued envelope (spec.md §4.2 "Close semantics").
func (c *Connection) Close(cause error) {
	c.mu.Lock()
	if c.mu.state == stateClosed || c.mu.state == stateZombie {
		c.mu.Unlock()
		return
	}
	c.mu.state = stateClosed
	conn := c.mu.conn
	callbacks := c.mu.onClose
	c.mu.onClose = nil
	// Queued envelopes are simply dropped; their senders observe the
	// failure through the Sender-level completion path, not through
	// Connection's own onClose callbacks.
	droppedBytes := c.mu.pendingBytes
	hook := c.mu.bytesPendingHook
	c.mu.outbound = list.New()
	c.mu.pendingBytes = 0
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if droppedBytes != 0 && hook != nil {
		hook(-droppedBytes)
	}
	if cause == nil {
		cause = lferrors.ErrPeerClosed
	}
	for _, cb := range callbacks {
		cb(cause)
	}
}

// FlushOutputAndClose drains whatever is currently queued before closing,
// giving a best-effort graceful shutdown rather than discarding in-flight
// writes (spec.md §4.2).
func (c *Connection) FlushOutputAndClose(ctx context.Context, deadline time.Duration, cause error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			if c.GetBytesPending() == 0 {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(deadline):
	}
	if cause == nil {
		cause = lferrors.ErrShutdown
	}
	c.Close(cause)
}

// Info returns the current ConnectionInfo snapshot.
func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.info
}

// markHandshaken records that the handshake completed and installs the
// negotiated protocol version, transitioning Handshaking -> Active.
func (c *Connection) markHandshaken(protocolVersion uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.handshaken = true
	c.mu.info = c.mu.info.WithProtocol(protocolVersion)
	c.mu.state = stateActive
}

// readLoop decodes frames off the socket until it errors or the connection
// closes, dispatching each decoded Message to onMessage.
func (c *Connection) readLoop() {
	c.mu.Lock()
	conn := c.mu.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	header := make([]byte, HeaderLen)
	for {
		if _, err := readFull(conn, header); err != nil {
			log.VEventf(context.Background(), 2, "connection %s: read frame header: %v", c.peerName, err)
			c.Close(errors.Wrap(err, "read frame header"))
			return
		}
		length := decodeUint32(header[0:4])
		typ := MessageType(decodeUint32(header[4:8]))
		if int(length) > MaxMessageLen {
			c.Close(lferrors.Mark(lferrors.ErrBadMsg, "frame length %d exceeds MAX_LEN", length))
			return
		}
		if typ <= MessageTypeUnknown || typ > MessageTypeShutdown {
			c.Close(lferrors.Mark(lferrors.ErrBadMsg, "unknown frame type %d from %s", typ, c.peerName))
			return
		}
		payload := make([]byte, length)
		if _, err := readFull(conn, payload); err != nil {
			c.Close(errors.Wrap(err, "read frame payload"))
			return
		}

		c.mu.Lock()
		c.mu.lastActivity = time.Now()
		c.mu.Unlock()

		if typ == MessageTypeHandshake && !c.IsHandshaken() {
			c.markHandshaken(decodeUint16(header[8:10]))
			continue
		}
		if typ != MessageTypeHandshake {
			if want, got := decodeUint64(header[8:16]), checksumPayload(payload); want != got {
				c.Close(lferrors.Mark(lferrors.ErrBadMsg, "checksum mismatch for frame type %d from %s", typ, c.peerName))
				return
			}
		}
		if typ == MessageTypeShutdown {
			c.SetPeerShuttingDown()
		}
		if c.onMessage != nil {
			c.onMessage(decodedFrame{typ: typ, payload: payload})
		}
	}
}

// decodedFrame is a minimal Message implementation for bytes read off the
// wire before higher layers (sender/bufwriter) interpret the payload.
type decodedFrame struct {
	typ     MessageType
	payload []byte
}

func (d decodedFrame) Type() MessageType    { return d.typ }
func (d decodedFrame) SerializedSize() int  { return len(d.payload) }
func (d decodedFrame) Priority() Priority   { return PriorityNormal }
func (d decodedFrame) IsHandshake() bool    { return d.typ == MessageTypeHandshake }
func (d decodedFrame) Payload() []byte      { return d.payload }

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func decodeUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func decodeUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func encodeUint16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func encodeUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func encodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}
