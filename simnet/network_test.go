package simnet

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/linkcable/transport"
)

func listen(t *testing.T, nw *Network, ip string, port uint16, maxPeers int) *Endpoint {
	t.Helper()
	e := nw.NewEndpoint(ip)
	require.NoError(t, e.Listen(port, maxPeers))
	return e
}

func recv(t *testing.T, e *Endpoint) *transport.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := e.Receive(ctx)
	require.NoError(t, err)
	return m
}

func TestListenAllocatesPorts(t *testing.T) {
	nw := NewNetwork()
	a := listen(t, nw, "10.0.0.1", 0, 1)
	b := listen(t, nw, "10.0.0.1", 0, 1)
	assert.NotEqual(t, a.LocalAddr(), b.LocalAddr())

	c := nw.NewEndpoint("10.0.0.1")
	assert.Error(t, c.Listen(a.LocalAddr().Port(), 1), "address in use")

	nw.Refuse(netip.MustParseAddrPort("10.0.0.2:7000"))
	d := nw.NewEndpoint("10.0.0.2")
	assert.ErrorIs(t, d.Listen(7000, 1), ErrRefused)
}

func TestConnectSendClose(t *testing.T) {
	nw := NewNetwork()
	a := listen(t, nw, "10.0.0.1", 1000, 2)
	b := listen(t, nw, "10.0.0.2", 2000, 2)

	require.NoError(t, a.Connect(b.LocalAddr()))
	m := recv(t, a)
	assert.Equal(t, transport.EventConnected, m.Kind)
	assert.Equal(t, b.MyGUID(), m.GUID)
	m = recv(t, b)
	assert.Equal(t, transport.EventIncomingConnection, m.Kind)
	assert.Equal(t, a.LocalAddr(), m.Addr)

	require.NoError(t, a.Send([]byte{1, 2}, transport.ReliableOrdered, b.LocalAddr()))
	require.NoError(t, a.Send([]byte{3}, transport.Unreliable, b.LocalAddr()))
	a.CloseConnection(b.LocalAddr())

	assert.Equal(t, []byte{1, 2}, recv(t, b).Data)
	assert.Equal(t, []byte{3}, recv(t, b).Data)
	assert.Equal(t, transport.EventDisconnected, recv(t, b).Kind)

	assert.ErrorIs(t, a.Send([]byte{4}, transport.ReliableOrdered, b.LocalAddr()), transport.ErrNotConnected)
}

func TestBlockAndCapacity(t *testing.T) {
	nw := NewNetwork()
	host := listen(t, nw, "10.0.0.1", 1000, 1)
	first := listen(t, nw, "10.0.0.2", 1000, 1)
	second := listen(t, nw, "10.0.0.3", 1000, 1)

	nw.Block(first.IP(), host.IP())
	require.NoError(t, first.Connect(host.LocalAddr()))
	assert.Equal(t, transport.EventConnectionFailed, recv(t, first).Kind)

	nw.Unblock(first.IP(), host.IP())
	require.NoError(t, first.Connect(host.LocalAddr()))
	assert.Equal(t, transport.EventConnected, recv(t, first).Kind)

	require.NoError(t, second.Connect(host.LocalAddr()))
	assert.Equal(t, transport.EventConnectionFailed, recv(t, second).Kind, "host is full")
}

func TestBroadcastPing(t *testing.T) {
	nw := NewNetwork()
	client := listen(t, nw, "192.168.1.2", 5000, 1)
	host := listen(t, nw, "192.168.1.3", 6000, 1)
	listen(t, nw, "192.168.1.4", 6001, 1)

	require.NoError(t, client.Ping(netip.MustParseAddrPort("255.255.255.255:6000")))
	m := recv(t, client)
	assert.Equal(t, transport.EventPong, m.Kind)
	assert.Equal(t, host.MyGUID(), m.GUID)
	assert.Equal(t, host.LocalAddr(), m.Addr)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "only one endpoint listens on 6000")
}

func TestAdvertiseToSink(t *testing.T) {
	nw := NewNetwork()
	e := listen(t, nw, "10.0.0.1", 1000, 1)

	sinkAddr := netip.MustParseAddrPort("10.0.0.9:47624")
	var got []byte
	nw.Sink(sinkAddr, func(from netip.AddrPort, data []byte) {
		assert.Equal(t, e.LocalAddr(), from)
		got = data
	})

	require.NoError(t, e.Advertise(sinkAddr, []byte{0x1D, 7}))
	assert.Equal(t, []byte{0x1D, 7}, got)
	assert.ErrorIs(t, e.Advertise(sinkAddr, []byte{0x01}), transport.ErrReservedTag)

	log := nw.Log()
	require.Len(t, log, 1)
	assert.Equal(t, transport.EventAdvertise, log[0].Kind)
}

func TestSeverAndClose(t *testing.T) {
	nw := NewNetwork()
	a := listen(t, nw, "10.0.0.1", 1000, 2)
	b := listen(t, nw, "10.0.0.2", 1000, 2)
	c := listen(t, nw, "10.0.0.3", 1000, 2)

	require.NoError(t, a.Connect(b.LocalAddr()))
	require.NoError(t, a.Connect(c.LocalAddr()))
	recv(t, a)
	recv(t, a)
	recv(t, b)
	recv(t, c)

	nw.Sever(a.LocalAddr(), b.LocalAddr())
	assert.Equal(t, transport.EventConnectionLost, recv(t, a).Kind)
	assert.Equal(t, transport.EventConnectionLost, recv(t, b).Kind)

	require.NoError(t, a.Close())
	assert.Equal(t, transport.EventDisconnected, recv(t, c).Kind)
	assert.Nil(t, nw.Endpoint(a.LocalAddr()))

	_, err := a.Receive(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.NoError(t, a.Close())
}

func TestLoopbackOrder(t *testing.T) {
	nw := NewNetwork()
	e := listen(t, nw, "10.0.0.1", 1000, 1)
	e.SendLoopback([]byte{0xA0})
	e.SendLoopback([]byte{0xA2})
	assert.Equal(t, []byte{0xA0}, recv(t, e).Data)
	m := recv(t, e)
	assert.Equal(t, transport.EventLoopback, m.Kind)
	assert.Equal(t, []byte{0xA2}, m.Data)
}
