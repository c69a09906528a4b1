// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package sender implements the per-worker connection registry and message
// dispatch algorithm described in spec.md §4.1: one Sender per worker
// thread, holding every Connection that worker currently owns, deciding
// which Connection (or FlowGroup queue) an outbound Envelope lands in, and
// reclaiming resources for peers that disconnect or go idle.
package sender

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logflow/pkg/base"
	"github.com/cockroachdb/logflow/pkg/lferrors"
	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/metrics"
	"github.com/cockroachdb/logflow/pkg/nodes"
	"github.com/cockroachdb/logflow/pkg/rpc"
	"github.com/cockroachdb/logflow/pkg/util/log"
	"github.com/cockroachdb/logflow/pkg/util/syncutil"
)

// HealthState classifies a Connection for the periodic health sweep named
// in spec.md §4.1.4.
type HealthState int8

const (
	HealthUnknown HealthState = iota
	HealthActive
	HealthUnhealthy
	HealthClosing
)

// completion records one delivered callback queued for the worker's event
// loop to drain, matching spec.md §4.1.3's "Completion delivery must not
// run on the Connection's own read/write path".
type completion struct {
	msg         rpc.Message
	status      rpc.OnSentStatus
	err         error
	cb          rpc.OnSentCallback
	enqueueTime time.Time
}

// GossipAllowedTypes is the allow-list a gossip Sender enforces against
// every outbound message (SPEC_FULL.md §4 item 1): a gossip socket carries
// only membership chatter, never application appends.
var GossipAllowedTypes = map[rpc.MessageType]bool{
	rpc.MessageTypeHandshake: true,
	rpc.MessageTypeHeartbeat: true,
	rpc.MessageTypeGossip:    true,
	rpc.MessageTypeShutdown:  true,
}

// defaultFlushDeadline bounds how long FlushOutputAndClose waits for a
// single Connection to drain its outbound queue before closing it anyway.
const defaultFlushDeadline = 5 * time.Second

// peerTypeForAddress names the metrics.Registry.AddBytesPending bucket for
// an Address, distinguishing gossip sockets from ordinary server/client
// sockets the way spec.md §4.1.4's counter table breaks bytes_pending out
// by peer_type.
func peerTypeForAddress(dest logpb.Address, isGossipSender bool) string {
	switch {
	case isGossipSender:
		return "gossip"
	case dest.IsClient():
		return "client"
	default:
		return "server"
	}
}

// Sender is the per-worker registry of live connections (spec.md §4.1.1):
// "server_conns" keyed by peer NodeIndex for connections this worker
// accepted or dialed to cluster peers, and "client_conns" keyed by ClientID
// for inbound client sessions.
type Sender struct {
	ctx     *base.Context
	shaping *rpc.ShapingContainer

	// Dialer constructs transports for dialServerConnection; tests
	// substitute an in-memory Dialer the way rpc.Connection's tests do.
	Dialer rpc.Dialer

	// isGossipSender marks a Sender instance dedicated to the gossip socket,
	// which rejects any message type outside GossipAllowedTypes
	// (spec.md §4.1.2 step 1: "If the sender is a gossip sender and
	// msg.type is not in the gossip-allowed allow-list: fail Internal").
	isGossipSender bool

	mu struct {
		syncutil.RWMutex

		serverConns map[logpb.NodeIndex]*rpc.Connection
		clientConns map[logpb.ClientID]*rpc.Connection

		// completedMessages is the queue described in spec.md §4.1.3: onSent
		// callbacks accumulate here rather than firing inline on the
		// connection's I/O goroutine, so the worker's own event loop governs
		// when user callbacks run.
		completedMessages []completion

		// nc is the most recent cluster membership snapshot installed via
		// NoteConfigurationChanged; dialServerConnection resolves peer
		// addresses against it (spec.md §4.1.1 noteConfigurationChanged).
		nc *nodes.NodesConfiguration

		// onMessage dispatches inbound frames from both dialed server
		// connections and accepted client connections to one handler,
		// installed via SetInboundHandler.
		onMessage func(logpb.Address, rpc.Message)

		shuttingDown bool
		shutdownDone bool
	}

	nextClientID int32
	clientIDMu   sync.Mutex

	healthPeriod time.Duration
	heartbeatTTL time.Duration

	// Metrics holds the spec.md §4.1.4 socket counters for this worker's
	// connections (SPEC_FULL.md §3.7). No exporter reads it; it exists so
	// the counts are assertable and inspectable.
	Metrics *metrics.Registry
}

// New constructs a Sender for one worker.
func New(ctx *base.Context, shaping *rpc.ShapingContainer) *Sender {
	s := &Sender{
		ctx:          ctx,
		shaping:      shaping,
		Dialer:       rpc.DefaultDialer,
		healthPeriod: base.DefaultSocketHealthCheckPeriod,
		heartbeatTTL: base.DefaultHeartbeatTimeout,
		Metrics:      metrics.NewRegistry(),
	}
	s.mu.serverConns = make(map[logpb.NodeIndex]*rpc.Connection)
	s.mu.clientConns = make(map[logpb.ClientID]*rpc.Connection)
	return s
}

// NewGossipSender constructs a Sender dedicated to the gossip socket, whose
// SendMessage rejects any type outside GossipAllowedTypes.
func NewGossipSender(ctx *base.Context, shaping *rpc.ShapingContainer) *Sender {
	s := New(ctx, shaping)
	s.isGossipSender = true
	return s
}

// SetInboundHandler installs the callback invoked for every frame decoded
// off a Connection this Sender dials or accepts.
func (s *Sender) SetInboundHandler(h func(logpb.Address, rpc.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.onMessage = h
}

func (s *Sender) dispatch(dest logpb.Address) func(rpc.Message) {
	return func(msg rpc.Message) {
		s.mu.RLock()
		h := s.mu.onMessage
		s.mu.RUnlock()
		if h != nil {
			h(dest, msg)
		}
	}
}

// AllocateClientID hands out a ClientID unique within this worker's
// lifetime (spec.md §5: "ClientId allocator with scoped acquisition/
// release"). IDs are never reused while the worker lives, avoiding
// ABA confusion between an old session's straggling messages and a new
// session that happens to reuse the same ID.
func (s *Sender) AllocateClientID() logpb.ClientID {
	s.clientIDMu.Lock()
	defer s.clientIDMu.Unlock()
	s.nextClientID++
	return logpb.ClientID(s.nextClientID)
}

// ReleaseClientID removes the bookkeeping for a disconnected client session.
// It does not recycle the ID (see AllocateClientID).
func (s *Sender) ReleaseClientID(id logpb.ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mu.clientConns, id)
}

// RegisterServerConnection installs a Connection to a cluster peer, closing
// and replacing any stale prior Connection for the same NodeIndex the way
// spec.md §4.4.1 requires when a node's generation changes.
func (s *Sender) RegisterServerConnection(idx logpb.NodeIndex, conn *rpc.Connection) {
	s.mu.Lock()
	prev := s.mu.serverConns[idx]
	s.mu.serverConns[idx] = conn
	s.mu.Unlock()
	if prev == nil {
		s.Metrics.IncNumSockets()
		s.Metrics.IncSockActive()
	}
	if prev != nil && prev != conn {
		prev.Close(lferrors.Mark(lferrors.ErrStale, "superseded by new connection to node %d", idx))
	}
}

// RegisterClientConnection installs a Connection for a freshly accepted
// inbound session.
func (s *Sender) RegisterClientConnection(id logpb.ClientID, conn *rpc.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.clientConns[id] = conn
}

// ServerConnection returns the Connection for a cluster peer, if any.
func (s *Sender) ServerConnection(idx logpb.NodeIndex) (*rpc.Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.mu.serverConns[idx]
	return c, ok
}

// ClientConnection returns the Connection for an inbound session, if any.
func (s *Sender) ClientConnection(id logpb.ClientID) (*rpc.Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.mu.clientConns[id]
	return c, ok
}

// AddClient implements spec.md §4.1.1 addClient: installs a Connection
// wrapping an already-accepted inbound socket, rejecting a duplicate
// ClientID as a programmer error (spec.md: "a duplicate fd/ClientID is a
// caller bug, not a runtime condition to recover from").
func (s *Sender) AddClient(conn net.Conn, connType rpc.ConnectionType) (logpb.ClientID, *rpc.Connection, error) {
	s.mu.Lock()
	if s.mu.shuttingDown {
		s.mu.Unlock()
		return 0, nil, lferrors.Mark(lferrors.ErrShutdown, "sender is shutting down")
	}
	s.mu.Unlock()

	id := s.AllocateClientID()

	s.mu.Lock()
	if _, exists := s.mu.clientConns[id]; exists {
		s.mu.Unlock()
		return 0, nil, lferrors.Mark(lferrors.ErrExists, "client %d already registered", id)
	}
	s.mu.Unlock()

	addr := logpb.ClientAddress(id)
	c := rpc.NewAcceptedConnection(s.ctx, addr, conn, connType, s.shaping, s.dispatch(addr))
	c.SetBytesPendingHook(func(delta int) {
		s.Metrics.AddBytesPending(peerTypeForAddress(addr, s.isGossipSender), int64(delta))
	})

	s.RegisterClientConnection(id, c)
	s.Metrics.IncNumSockets()
	s.Metrics.IncSockActive()

	c.PushOnCloseCallback(func(error) {
		s.Metrics.IncClientConnectionCloseBacklog()
	})

	return id, c, nil
}

// lookupConnection returns the Connection already registered for dest,
// without dialing. Used by CanSendTo (which must not have dial side
// effects) and as resolveConnection's fast path.
func (s *Sender) lookupConnection(dest logpb.Address) (*rpc.Connection, error) {
	if dest.IsClient() {
		conn, ok := s.ClientConnection(dest.ClientID)
		if !ok {
			return nil, lferrors.Mark(lferrors.ErrUnreachable, "no connection for client %s", dest)
		}
		return conn, nil
	}
	conn, ok := s.ServerConnection(dest.NodeIndex)
	if !ok {
		return nil, lferrors.Mark(lferrors.ErrNotConn, "no connection to node %s", dest)
	}
	return conn, nil
}

// CanSendTo implements spec.md §4.1.1 canSendTo: predicts whether a send to
// dest would currently succeed without causing a dial or a send. Per spec,
// "NotConn is returned as true" since an absent Connection just means the
// send path will dial one lazily.
func (s *Sender) CanSendTo(dest logpb.Address, loc logpb.Location, priority rpc.Priority, onBWAvail rpc.OnBandwidthAvailableCallback) (bool, error) {
	conn, err := s.lookupConnection(dest)
	if err != nil {
		if errors.Is(err, lferrors.ErrNotConn) || errors.Is(err, lferrors.ErrUnreachable) {
			return true, nil
		}
		return false, err
	}
	if s.shaping == nil {
		return true, nil
	}
	fg := s.shaping.Select(loc, logpb.ScopeNode)
	if fg == nil || fg.CanDrain(priority, 0) {
		return true, nil
	}
	if onBWAvail != nil {
		conn.PushOnBandwidthAvailableCallback(loc, priority, onBWAvail)
	}
	return false, nil
}

// SendMessage implements the dispatch algorithm of spec.md §4.1.2:
//  1. resolve dest to a Connection (dialing lazily for server peers),
//  2. reject if the outbound buffer is full and msg is not a handshake,
//  3. admit through the peer's FlowGroup at msg's priority: if shaped and
//     onBWAvail is nil, defer internally and retry once tokens free up; if
//     onBWAvail is non-nil, register it and return ownership of msg to the
//     caller as ErrCbRegistered (spec.md §4.1.2 steps 7-8),
//  4. register and release the envelope, which performs the actual write,
//  5. queue onSent (if non-nil) for delivery on the worker's own schedule
//     rather than inline on the I/O path (spec.md §4.1.3).
func (s *Sender) SendMessage(
	ctx context.Context,
	dest logpb.Address,
	msg rpc.Message,
	loc logpb.Location,
	onBWAvail rpc.OnBandwidthAvailableCallback,
	onSent rpc.OnSentCallback,
) error {
	if s.isGossipSender && !GossipAllowedTypes[msg.Type()] {
		err := lferrors.Mark(lferrors.ErrInternal, "message type %d not permitted on gossip sender", msg.Type())
		s.queueCompletionIfSet(onSent, msg, err)
		return err
	}

	conn, err := s.resolveConnection(ctx, dest)
	if err != nil {
		s.queueCompletionIfSet(onSent, msg, err)
		return err
	}

	priority := msg.Priority()
	if !msg.IsHandshake() && s.shaping != nil {
		fg := s.shaping.Select(loc, logpb.ScopeNode)
		if fg != nil && !fg.CanDrain(priority, msg.SerializedSize()) {
			if onBWAvail != nil {
				conn.PushOnBandwidthAvailableCallback(loc, priority, onBWAvail)
				return lferrors.Mark(lferrors.ErrCbRegistered, "bandwidth callback registered for send to %s", dest)
			}
			conn.PushOnBandwidthAvailableCallback(loc, priority, func() {
				if err := s.SendMessage(ctx, dest, msg, loc, nil, onSent); err != nil {
					log.Warningf(ctx, "deferred send to %s failed: %v", dest, err)
				}
			})
			return nil
		}
	}

	re, err := conn.RegisterMessage(msg, priority, nil)
	if err != nil {
		s.queueCompletionIfSet(onSent, msg, err)
		return err
	}
	if err := conn.ReleaseMessage(re); err != nil {
		s.queueCompletionIfSet(onSent, msg, err)
		return err
	}

	if onSent != nil {
		s.queueCompletion(completion{msg: msg, status: rpc.OnSentOK, cb: onSent, enqueueTime: time.Now()})
	}
	return nil
}

func (s *Sender) queueCompletionIfSet(cb rpc.OnSentCallback, msg rpc.Message, err error) {
	if cb != nil {
		s.queueCompletion(completion{msg: msg, status: rpc.OnSentError, err: err, cb: cb})
	}
}

// resolveConnection maps an Address to its Connection, dialing a fresh
// Connection to a cluster peer on first use (spec.md §4.1.2 step 1: "if no
// Connection exists for dest, and dest is a node, initiate one").
func (s *Sender) resolveConnection(ctx context.Context, dest logpb.Address) (*rpc.Connection, error) {
	conn, err := s.lookupConnection(dest)
	if err == nil {
		return conn, nil
	}
	if dest.IsClient() {
		return nil, err
	}
	return s.dialServerConnection(ctx, dest)
}

// dialServerConnection constructs and connects a fresh Connection to a
// cluster peer resolved against the most recently installed
// NodesConfiguration, implementing the lazy-dial half of spec.md §4.1.2
// step 1.
func (s *Sender) dialServerConnection(ctx context.Context, dest logpb.Address) (*rpc.Connection, error) {
	s.mu.RLock()
	shuttingDown := s.mu.shuttingDown
	nc := s.mu.nc
	s.mu.RUnlock()
	if shuttingDown {
		return nil, lferrors.Mark(lferrors.ErrShutdown, "sender is shutting down")
	}
	if nc == nil {
		return nil, lferrors.Mark(lferrors.ErrNotInConfig, "no cluster configuration installed; cannot dial %s", dest)
	}
	cfg, ok := nc.NodeConfig(dest.NodeIndex)
	if !ok {
		return nil, lferrors.Mark(lferrors.ErrNotInConfig, "node %s not present in cluster configuration", dest)
	}
	if dest.Generation != 0 && cfg.Generation != 0 && dest.Generation != cfg.Generation {
		return nil, lferrors.Mark(lferrors.ErrNotInConfig, "node %s generation mismatch: want %d, have %d", dest, dest.Generation, cfg.Generation)
	}

	addr := cfg.ServiceDiscovery.Address
	if s.isGossipSender && cfg.ServiceDiscovery.GossipAddr != "" {
		addr = cfg.ServiceDiscovery.GossipAddr
	}
	var tlsConf *tls.Config
	if s.ctx != nil && s.ctx.RequireTLSForGossip && cfg.ServiceDiscovery.SSLAddr != "" {
		addr = cfg.ServiceDiscovery.SSLAddr
		tlsConf = &tls.Config{}
	}
	if addr == "" {
		return nil, lferrors.Mark(lferrors.ErrNotInConfig, "node %s has no usable address", dest)
	}

	target := logpb.NodeAddress(dest.NodeIndex, cfg.Generation)
	c := rpc.NewConnection(s.ctx, target, addr, s.Dialer, tlsConf, s.shaping, s.dispatch(target))
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.SetBytesPendingHook(func(delta int) {
		s.Metrics.AddBytesPending(peerTypeForAddress(target, s.isGossipSender), int64(delta))
	})

	s.RegisterServerConnection(dest.NodeIndex, c)
	return c, nil
}

// CloseConnection implements spec.md §4.1.1 closeConnection.
func (s *Sender) CloseConnection(dest logpb.Address, reason error) {
	conn, err := s.lookupConnection(dest)
	if err != nil {
		return
	}
	conn.Close(reason)
}

func (s *Sender) connectionsSnapshot() []*rpc.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*rpc.Connection, 0, len(s.mu.serverConns)+len(s.mu.clientConns))
	for _, c := range s.mu.serverConns {
		conns = append(conns, c)
	}
	for _, c := range s.mu.clientConns {
		conns = append(conns, c)
	}
	return conns
}

// CloseAllSockets implements spec.md §4.1.1 closeAllSockets.
func (s *Sender) CloseAllSockets() {
	for _, c := range s.connectionsSnapshot() {
		c.Close(lferrors.ErrShutdown)
	}
}

// FlushOutputAndClose implements spec.md §4.1.1 flushOutputAndClose: drains
// every Connection's outbound queue before closing it, bounded by
// defaultFlushDeadline per connection.
func (s *Sender) FlushOutputAndClose(ctx context.Context, reason error) {
	conns := s.connectionsSnapshot()
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *rpc.Connection) {
			defer wg.Done()
			c.FlushOutputAndClose(ctx, defaultFlushDeadline, reason)
		}(c)
	}
	wg.Wait()
}

// BeginShutdown implements spec.md §4.1.1 beginShutdown: marks the Sender
// unavailable for new sends/dials and asynchronously flushes and closes
// every Connection.
func (s *Sender) BeginShutdown(ctx context.Context) {
	s.mu.Lock()
	if s.mu.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.mu.shuttingDown = true
	s.mu.Unlock()

	go func() {
		s.FlushOutputAndClose(ctx, lferrors.ErrShutdown)
		s.mu.Lock()
		s.mu.shutdownDone = true
		s.mu.Unlock()
	}()
}

// ForceShutdown implements spec.md §4.1.1 forceShutdown: closes every
// Connection immediately, without waiting for queued bytes to drain.
func (s *Sender) ForceShutdown() {
	s.mu.Lock()
	s.mu.shuttingDown = true
	s.mu.Unlock()

	for _, c := range s.connectionsSnapshot() {
		c.Close(lferrors.ErrShutdown)
	}

	s.mu.Lock()
	s.mu.shutdownDone = true
	s.mu.Unlock()
}

// IsShutdownCompleted implements spec.md §4.1.1 isShutdownCompleted.
func (s *Sender) IsShutdownCompleted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mu.shutdownDone
}

// NoteConfigurationChanged implements spec.md §4.1.1 noteConfigurationChanged:
// installs nc as the snapshot dialServerConnection resolves against, and
// closes every server Connection whose peer address or generation no
// longer matches nc. The stale set is collected and removed from the map
// before Close is invoked on any of them, since Close may run callbacks
// that rehash the map (spec.md: "Iteration-safe: the Connection is moved
// out of the map before close is invoked").
func (s *Sender) NoteConfigurationChanged(nc *nodes.NodesConfiguration) {
	s.mu.Lock()
	s.mu.nc = nc

	stale := make(map[logpb.NodeIndex]*rpc.Connection)
	for idx, c := range s.mu.serverConns {
		sd, ok := nc.ServiceDiscovery[idx]
		if !ok || c.IsNodeConnectionAddressOrGenerationOutdated(sd.Address, nc.StorageAttributes[idx].Generation) {
			stale[idx] = c
		}
	}
	for idx := range stale {
		delete(s.mu.serverConns, idx)
	}
	s.mu.Unlock()

	for idx, c := range stale {
		c.Close(lferrors.Mark(lferrors.ErrNotInConfig, "node %d no longer matches cluster configuration", idx))
	}
}

func (s *Sender) queueCompletion(c completion) {
	s.mu.Lock()
	s.mu.completedMessages = append(s.mu.completedMessages, c)
	s.mu.Unlock()
}

// DrainCompletions delivers every queued completion to its onSent callback
// and returns how many were delivered. The worker event loop calls this on
// its own schedule (spec.md §4.1.3), never from the Connection's I/O path.
func (s *Sender) DrainCompletions() int {
	s.mu.Lock()
	pending := s.mu.completedMessages
	s.mu.completedMessages = nil
	s.mu.Unlock()

	for _, c := range pending {
		c.cb(c.msg, c.status, c.err)
	}
	return len(pending)
}

// classify determines a Connection's health by socket staleness (spec.md
// §4.1.4's health classification loop).
func classify(conn *rpc.Connection, timeout time.Duration) HealthState {
	if conn.IsClosed() {
		return HealthClosing
	}
	if conn.IsZombie() {
		return HealthUnhealthy
	}
	if conn.IsIdleAfter(timeout) {
		return HealthUnhealthy
	}
	return HealthActive
}

// RunHealthSweep executes one pass of spec.md §4.1.4's periodic health
// check: every Connection is probed, unhealthy ones are closed (which in
// turn triggers the reclaim path via their onClose callbacks registered at
// connection-accept time), and idle-too-long connections above
// DefaultIdleConnectionKeepAlive are proactively closed to bound resource
// usage.
func (s *Sender) RunHealthSweep(now time.Time) {
	s.mu.RLock()
	serverConns := make([]*rpc.Connection, 0, len(s.mu.serverConns))
	for _, c := range s.mu.serverConns {
		serverConns = append(serverConns, c)
	}
	clientConns := make([]*rpc.Connection, 0, len(s.mu.clientConns))
	for _, c := range s.mu.clientConns {
		clientConns = append(clientConns, c)
	}
	s.mu.RUnlock()

	for _, c := range serverConns {
		c.CheckSocketHealth(now, s.heartbeatTTL)
		switch classify(c, s.heartbeatTTL) {
		case HealthUnhealthy:
			s.Metrics.IncSockStalled()
		case HealthUnknown:
			s.Metrics.IncSockHealthUnknown()
		}
		if c.IsIdleAfter(base.DefaultIdleConnectionKeepAlive) {
			s.Metrics.IncSockIdle()
			c.Close(errors.New("idle connection reclaimed"))
		}
	}
	for _, c := range clientConns {
		c.CheckSocketHealth(now, s.heartbeatTTL)
	}
}

// ReclaimDisconnected removes registry entries for connections that have
// fully closed, implementing the disconnected-client reclamation described
// in spec.md §4.1.5. It only removes registry entries; envelopes that were
// still queued on those connections were already dropped by their Close.
func (s *Sender) ReclaimDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx, c := range s.mu.serverConns {
		if c.IsClosed() {
			delete(s.mu.serverConns, idx)
			s.Metrics.DecNumSockets()
			s.Metrics.DecSockActive()
		}
	}
	for id, c := range s.mu.clientConns {
		if c.IsClosed() {
			delete(s.mu.clientConns, id)
		}
	}
}
