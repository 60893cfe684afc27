package rendezvous

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func udpSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func addrOf(conn *net.UDPConn) netip.AddrPort {
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func readFrom(t *testing.T, conn *net.UDPConn) (string, netip.AddrPort) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, from, err := conn.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	return string(buf[:n]), from
}

func TestUDPRelayForwardsBothWays(t *testing.T) {
	host := udpSocket(t)
	client := udpSocket(t)

	r := NewUDPRelay(loopback, time.Minute)
	t.Cleanup(func() { r.Close() })

	fwd, err := r.Allocate(addrOf(host), addrOf(client))
	require.NoError(t, err)
	assert.Equal(t, loopback, fwd.Addr())
	assert.Equal(t, 1, r.Active())

	// host traffic before the client arrives goes nowhere
	_, err = host.WriteToUDPAddrPort([]byte("early"), fwd)
	require.NoError(t, err)

	_, err = client.WriteToUDPAddrPort([]byte("hello host"), fwd)
	require.NoError(t, err)
	msg, from := readFrom(t, host)
	assert.Equal(t, "hello host", msg)
	assert.Equal(t, fwd, from)

	_, err = host.WriteToUDPAddrPort([]byte("hello client"), fwd)
	require.NoError(t, err)
	msg, from = readFrom(t, client)
	assert.Equal(t, "hello client", msg)
	assert.Equal(t, fwd, from)
}

func TestUDPRelayIdleTimeout(t *testing.T) {
	host := udpSocket(t)
	r := NewUDPRelay(loopback, 50*time.Millisecond)
	t.Cleanup(func() { r.Close() })

	_, err := r.Allocate(addrOf(host), netip.AddrPortFrom(loopback, 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUDPRelayClose(t *testing.T) {
	host := udpSocket(t)
	r := NewUDPRelay(loopback, time.Minute)

	_, err := r.Allocate(addrOf(host), netip.AddrPortFrom(loopback, 1))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Zero(t, r.Active())

	_, err = r.Allocate(addrOf(host), netip.AddrPortFrom(loopback, 1))
	assert.ErrorIs(t, err, ErrRelayClosed)
}
