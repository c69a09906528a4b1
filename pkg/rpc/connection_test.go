// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rpc_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cockroachdb/logflow/pkg/base"
	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/rpc"
	"github.com/stretchr/testify/require"
)

// testDialer hands out one preconnected net.Pipe end, so tests can drive
// the other end directly instead of opening a real socket, mirroring the
// teacher's pattern of substituting an in-memory pipe for rpc.Context's
// dialer in unit tests.
type testDialer struct {
	clientEnd net.Conn
}

func (d *testDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.clientEnd, nil
}

func writeHandshakeFrame(t *testing.T, conn net.Conn, protocolVersion uint16) {
	t.Helper()
	header := make([]byte, rpc.HeaderLen)
	binary.BigEndian.PutUint32(header[0:4], 0)
	binary.BigEndian.PutUint32(header[4:8], uint32(rpc.MessageTypeHandshake))
	binary.BigEndian.PutUint16(header[8:10], protocolVersion)
	_, err := conn.Write(header)
	require.NoError(t, err)
}

func newTestConnection(t *testing.T) (*rpc.Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	dialer := &testDialer{clientEnd: client}
	conn := rpc.NewConnection(&base.Context{}, logpb.NodeAddress(1, 0), "peer:1", dialer, nil, nil, nil)
	require.NoError(t, conn.Connect(context.Background()))
	drainHandshake(t, server)
	return conn, server
}

// drainHandshake reads the handshake frame Connect/NewAcceptedConnection
// sends asynchronously as soon as the transport is established, so tests
// driving the rest of the protocol over the same pipe see only the frames
// they expect.
func drainHandshake(t *testing.T, conn net.Conn) {
	t.Helper()
	header := make([]byte, rpc.HeaderLen)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	require.Equal(t, uint32(rpc.MessageTypeHandshake), binary.BigEndian.Uint32(header[4:8]))
	if length := binary.BigEndian.Uint32(header[0:4]); length > 0 {
		body := make([]byte, length)
		_, err := io.ReadFull(conn, body)
		require.NoError(t, err)
	}
}

func TestConnectHandshakeTransitionsToActive(t *testing.T) {
	conn, server := newTestConnection(t)
	defer server.Close()

	require.False(t, conn.IsHandshaken())
	writeHandshakeFrame(t, server, 3)
	require.Eventually(t, conn.IsHandshaken, time.Second, time.Millisecond)
	require.Equal(t, rpc.ConnectionTypePlain, conn.Info().ConnectionType)
}

func TestConnectIsIdempotentWhileConnecting(t *testing.T) {
	conn, server := newTestConnection(t)
	defer server.Close()

	// A second Connect call on an already-handshaking connection must not
	// race a second dial; it is a documented no-op (spec.md §9 Open
	// Question (a)).
	require.NoError(t, conn.Connect(context.Background()))
}

func TestRegisterMessageRejectsOversizeMessage(t *testing.T) {
	conn, server := newTestConnection(t)
	defer server.Close()

	_, err := conn.RegisterMessage(fakeSizedMessage{size: rpc.MaxMessageLen + 1}, rpc.PriorityNormal, nil)
	require.Error(t, err)
}

func TestRegisterMessageTracksPendingBytes(t *testing.T) {
	conn, server := newTestConnection(t)
	defer server.Close()

	before := conn.GetBytesPending()
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	msg := fakeSizedMessage{size: len(payload), payload: payload}
	re, err := conn.RegisterMessage(msg, rpc.PriorityNormal, nil)
	require.NoError(t, err)
	require.Greater(t, conn.GetBytesPending(), before)

	type readResult struct {
		header  []byte
		payload []byte
	}
	readCh := make(chan readResult, 1)
	go func() {
		header := make([]byte, rpc.HeaderLen)
		if _, err := io.ReadFull(server, header); err != nil {
			readCh <- readResult{}
			return
		}
		length := binary.BigEndian.Uint32(header[0:4])
		body := make([]byte, length)
		if _, err := io.ReadFull(server, body); err != nil {
			readCh <- readResult{}
			return
		}
		readCh <- readResult{header: header, payload: body}
	}()

	require.NoError(t, conn.ReleaseMessage(re))
	require.Equal(t, before, conn.GetBytesPending())

	got := <-readCh
	require.Equal(t, uint32(rpc.MessageTypeAppend), binary.BigEndian.Uint32(got.header[4:8]))
	require.Equal(t, payload, got.payload)
}

func TestCloseRunsOnCloseCallbacksAndRejectsFurtherRegistration(t *testing.T) {
	conn, server := newTestConnection(t)
	defer server.Close()

	var gotErr error
	conn.PushOnCloseCallback(func(err error) { gotErr = err })
	conn.Close(nil)

	require.Error(t, gotErr)
	require.True(t, conn.IsClosed())

	_, err := conn.RegisterMessage(fakeSizedMessage{size: 10}, rpc.PriorityNormal, nil)
	require.Error(t, err)
}

func TestCloseOnAlreadyClosedConnectionIsNoop(t *testing.T) {
	conn, server := newTestConnection(t)
	defer server.Close()

	conn.Close(nil)
	require.NotPanics(t, func() { conn.Close(nil) })
}

type fakeSizedMessage struct {
	size    int
	payload []byte
}

func (m fakeSizedMessage) Type() rpc.MessageType  { return rpc.MessageTypeAppend }
func (m fakeSizedMessage) SerializedSize() int    { return m.size }
func (m fakeSizedMessage) Priority() rpc.Priority { return rpc.PriorityNormal }
func (m fakeSizedMessage) IsHandshake() bool      { return false }
func (m fakeSizedMessage) Payload() []byte        { return m.payload }
