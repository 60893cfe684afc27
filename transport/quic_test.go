package transport

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQUIC(t *testing.T, maxPeers int) *QUICTransport {
	t.Helper()
	opts := DefaultQUICOptions()
	opts.CloseGrace = 200 * time.Millisecond
	tr, err := NewQUICTransport(opts)
	require.NoError(t, err)
	require.NoError(t, tr.Listen(0, maxPeers))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func loopbackAddr(tr *QUICTransport) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), tr.LocalAddr().Port())
}

// nextEvent skips events of other kinds until one of kind arrives.
func nextEvent(t *testing.T, tr Transport, kind EventKind) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		m, err := tr.Receive(ctx)
		require.NoError(t, err, "waiting for %s", kind)
		if m.Kind == kind {
			return m
		}
	}
}

func TestQUICListenTwice(t *testing.T) {
	tr := newTestQUIC(t, 1)
	assert.ErrorIs(t, tr.Listen(0, 1), ErrAlreadyListening)
}

func TestQUICOperationsBeforeListen(t *testing.T) {
	tr, err := NewQUICTransport(nil)
	require.NoError(t, err)
	defer tr.Close()

	assert.ErrorIs(t, tr.Connect(netip.MustParseAddrPort("127.0.0.1:1")), ErrNotListening)
	assert.ErrorIs(t, tr.Ping(netip.MustParseAddrPort("127.0.0.1:1")), ErrNotListening)
	assert.False(t, tr.LocalAddr().IsValid())
}

func TestQUICConnectAndExchange(t *testing.T) {
	server := newTestQUIC(t, 4)
	client := newTestQUIC(t, 4)

	require.NoError(t, client.Connect(loopbackAddr(server)))

	connected := nextEvent(t, client, EventConnected)
	assert.Equal(t, server.MyGUID(), connected.GUID)

	incoming := nextEvent(t, server, EventIncomingConnection)
	assert.Equal(t, client.MyGUID(), incoming.GUID)

	for i := byte(0); i < 5; i++ {
		require.NoError(t, client.Send([]byte{0x86, i}, ReliableOrdered, connected.Addr))
	}
	for i := byte(0); i < 5; i++ {
		m := nextEvent(t, server, EventData)
		assert.Equal(t, []byte{0x86, i}, m.Data, "reliable frames arrive in order")
		assert.Equal(t, ReliableOrdered, m.Reliability)
	}

	require.NoError(t, server.Send([]byte{0x87, 0xAA}, Unreliable, incoming.Addr))
	m := nextEvent(t, client, EventData)
	assert.Equal(t, Unreliable, m.Reliability)
	assert.True(t, bytes.Equal([]byte{0x87, 0xAA}, m.Data))
}

func TestQUICGracefulCloseReportsDisconnected(t *testing.T) {
	server := newTestQUIC(t, 4)
	client := newTestQUIC(t, 4)

	require.NoError(t, client.Connect(loopbackAddr(server)))
	connected := nextEvent(t, client, EventConnected)
	nextEvent(t, server, EventIncomingConnection)

	require.NoError(t, client.Send([]byte("last words"), ReliableOrdered, connected.Addr))
	client.CloseConnection(connected.Addr)

	data := nextEvent(t, server, EventData)
	assert.Equal(t, []byte("last words"), data.Data, "queued data is delivered before the close")
	gone := nextEvent(t, server, EventDisconnected)
	assert.Equal(t, client.MyGUID(), gone.GUID)

	assert.ErrorIs(t, client.Send([]byte("x"), ReliableOrdered, connected.Addr), ErrNotConnected)
}

func TestQUICCapacity(t *testing.T) {
	server := newTestQUIC(t, 1)
	first := newTestQUIC(t, 1)
	second := newTestQUIC(t, 1)

	require.NoError(t, first.Connect(loopbackAddr(server)))
	nextEvent(t, first, EventConnected)
	nextEvent(t, server, EventIncomingConnection)

	require.NoError(t, second.Connect(loopbackAddr(server)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		m, err := second.Receive(ctx)
		require.NoError(t, err)
		// the handshake may finish before the server refuses the hello
		if m.Kind == EventConnectionFailed || m.Kind == EventDisconnected || m.Kind == EventConnectionLost {
			break
		}
	}
}

func TestQUICPingPong(t *testing.T) {
	a := newTestQUIC(t, 1)
	b := newTestQUIC(t, 1)

	require.NoError(t, a.Ping(loopbackAddr(b)))
	pong := nextEvent(t, a, EventPong)
	assert.Equal(t, b.MyGUID(), pong.GUID)
	assert.Equal(t, b.LocalAddr().Port(), pong.Addr.Port())
}

func TestQUICAdvertise(t *testing.T) {
	a := newTestQUIC(t, 1)
	b := newTestQUIC(t, 1)

	assert.ErrorIs(t, a.Advertise(loopbackAddr(b), []byte{0x02, 1}), ErrReservedTag)
	assert.ErrorIs(t, a.Advertise(loopbackAddr(b), []byte{0x86, 1}), ErrReservedTag)
	assert.Error(t, a.Advertise(loopbackAddr(b), nil))

	payload := []byte{0x1D, 'h', 'i'}
	require.NoError(t, a.Advertise(loopbackAddr(b), payload))
	m := nextEvent(t, b, EventAdvertise)
	assert.Equal(t, payload, m.Data)
	assert.Equal(t, a.LocalAddr().Port(), m.Addr.Port())
}

func TestQUICLoopbackPreservesOrder(t *testing.T) {
	tr := newTestQUIC(t, 1)
	for i := byte(0); i < 10; i++ {
		tr.SendLoopback([]byte{0xA0, i})
	}
	for i := byte(0); i < 10; i++ {
		m := nextEvent(t, tr, EventLoopback)
		assert.Equal(t, []byte{0xA0, i}, m.Data)
	}
}

func TestQUICCloseUnblocksReceive(t *testing.T) {
	tr, err := NewQUICTransport(nil)
	require.NoError(t, err)
	require.NoError(t, tr.Listen(0, 1))

	done := make(chan error, 1)
	go func() {
		_, err := tr.Receive(context.Background())
		done <- err
	}()

	require.NoError(t, tr.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
	assert.NoError(t, tr.Close(), "second Close is a no-op")
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("payload")))
	assert.Equal(t, 4+7, buf.Len())

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	assert.Error(t, writeFrame(&buf, nil))

	hostile := bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err = readFrame(hostile)
	assert.Error(t, err)
}
