package rendezvous

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/linkcable/simnet"
	"github.com/opd-ai/linkcable/transport"
	"github.com/opd-ai/linkcable/wire"
)

const serverIP = "10.0.0.100"

type stubRelay struct {
	addr   netip.AddrPort
	err    error
	allocs [][2]netip.AddrPort
	closed bool
}

func (r *stubRelay) Allocate(host, requester netip.AddrPort) (netip.AddrPort, error) {
	if r.err != nil {
		return netip.AddrPort{}, r.err
	}
	r.allocs = append(r.allocs, [2]netip.AddrPort{host, requester})
	return r.addr, nil
}

func (r *stubRelay) Close() error {
	r.closed = true
	return nil
}

type harness struct {
	t   *testing.T
	net *simnet.Network
	srv *Server
	ep  *simnet.Endpoint
	reg *prometheus.Registry
}

func newHarness(t *testing.T, relay Relay) *harness {
	t.Helper()
	nw := simnet.NewNetwork()
	ep := nw.NewEndpoint(serverIP)
	reg := prometheus.NewRegistry()

	cfg := NewConfig()
	cfg.Port = 7000
	cfg.Relay = relay
	cfg.Registerer = reg
	srv := NewServer(ep, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	require.Eventually(t, func() bool { return ep.LocalAddr().IsValid() }, time.Second, time.Millisecond)
	return &harness{t: t, net: nw, srv: srv, ep: ep, reg: reg}
}

// join connects a raw endpoint on ip to the server.
func (h *harness) join(ip string) *simnet.Endpoint {
	h.t.Helper()
	return h.joinAs(ip, transport.NewGUID())
}

func (h *harness) joinAs(ip string, guid transport.GUID) *simnet.Endpoint {
	h.t.Helper()
	e := h.net.NewEndpointWithGUID(ip, guid)
	require.NoError(h.t, e.Listen(0, 4))
	require.NoError(h.t, e.Connect(h.ep.LocalAddr()))
	m := next(h.t, e)
	require.Equal(h.t, transport.EventConnected, m.Kind)
	return e
}

func (h *harness) send(e *simnet.Endpoint, msg []byte) {
	h.t.Helper()
	require.NoError(h.t, e.Send(msg, transport.ReliableOrdered, h.ep.LocalAddr()))
}

func next(t *testing.T, e *simnet.Endpoint) *transport.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := e.Receive(ctx)
	require.NoError(t, err)
	return m
}

// reply returns the next data message, skipping connection events.
func reply(t *testing.T, e *simnet.Endpoint, tag wire.Tag) []byte {
	t.Helper()
	for {
		m := next(t, e)
		if m.Kind != transport.EventData {
			continue
		}
		require.Equal(t, tag, wire.Tag(m.Data[0]), "unexpected %s", wire.Tag(m.Data[0]))
		return m.Data
	}
}

// accepting registers e as a host and waits until the server saw it.
func (h *harness) accepting(e *simnet.Endpoint) {
	h.t.Helper()
	h.send(e, wire.Bare(wire.TagAcceptIncoming))
	require.Eventually(h.t, func() bool { return h.srv.Accepting(e.MyGUID()) }, time.Second, time.Millisecond)
}

func TestPunchThroughCoordination(t *testing.T) {
	h := newHarness(t, nil)
	host := h.join("10.0.0.1")
	h.accepting(host)
	client := h.join("10.0.0.2")

	h.send(client, wire.EncodeGUID(wire.TagPunchRequest, host.MyGUID()))

	guid, addr, err := wire.DecodeGUIDAddr(reply(t, client, wire.TagPunchSucceeded))
	require.NoError(t, err)
	assert.Equal(t, host.MyGUID(), guid)
	assert.Equal(t, host.LocalAddr(), addr)

	guid, addr, err = wire.DecodeGUIDAddr(reply(t, host, wire.TagPunchConnect))
	require.NoError(t, err)
	assert.Equal(t, client.MyGUID(), guid)
	assert.Equal(t, client.LocalAddr(), addr)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.punches.WithLabelValues("coordinated")))
}

func TestPunchFailures(t *testing.T) {
	h := newHarness(t, nil)
	idle := h.join("10.0.0.1")
	client := h.join("10.0.0.2")

	tests := []struct {
		name   string
		target transport.GUID
		want   wire.FailReason
	}{
		{"unknown target", transport.NewGUID(), wire.FailNotConnected},
		{"target not accepting", idle.MyGUID(), wire.FailUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.send(client, wire.EncodeGUID(wire.TagPunchRequest, tt.target))
			guid, reason, err := wire.DecodeFailure(reply(t, client, wire.TagPunchFailed))
			require.NoError(t, err)
			assert.Equal(t, tt.target, guid)
			assert.Equal(t, tt.want, reason)
		})
	}
}

func TestForwardAllocatesRelay(t *testing.T) {
	relay := &stubRelay{addr: netip.MustParseAddrPort(serverIP + ":40001")}
	h := newHarness(t, relay)
	host := h.join("10.0.0.1")
	h.accepting(host)
	client := h.join("10.0.0.2")

	h.send(client, wire.EncodeGUID(wire.TagForwardRequest, host.MyGUID()))

	guid, addr, err := wire.DecodeGUIDAddr(reply(t, client, wire.TagForwardSucceeded))
	require.NoError(t, err)
	assert.Equal(t, host.MyGUID(), guid)
	assert.Equal(t, relay.addr, addr)

	guid, addr, err = wire.DecodeGUIDAddr(reply(t, host, wire.TagForwardIncoming))
	require.NoError(t, err)
	assert.Equal(t, client.MyGUID(), guid)
	assert.Equal(t, relay.addr, addr)

	require.Len(t, relay.allocs, 1)
	assert.Equal(t, [2]netip.AddrPort{host.LocalAddr(), client.LocalAddr()}, relay.allocs[0])
}

func TestForwardFailures(t *testing.T) {
	t.Run("no relay", func(t *testing.T) {
		h := newHarness(t, nil)
		host := h.join("10.0.0.1")
		h.accepting(host)
		client := h.join("10.0.0.2")

		h.send(client, wire.EncodeGUID(wire.TagForwardRequest, host.MyGUID()))
		_, reason, err := wire.DecodeFailure(reply(t, client, wire.TagForwardFailed))
		require.NoError(t, err)
		assert.Equal(t, wire.FailNoRelay, reason)
	})

	t.Run("allocation error", func(t *testing.T) {
		h := newHarness(t, &stubRelay{err: errors.New("no ports")})
		host := h.join("10.0.0.1")
		h.accepting(host)
		client := h.join("10.0.0.2")

		h.send(client, wire.EncodeGUID(wire.TagForwardRequest, host.MyGUID()))
		_, reason, err := wire.DecodeFailure(reply(t, client, wire.TagForwardFailed))
		require.NoError(t, err)
		assert.Equal(t, wire.FailInternal, reason)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.forwards.WithLabelValues("failed")))
	})

	t.Run("target gone", func(t *testing.T) {
		h := newHarness(t, &stubRelay{})
		client := h.join("10.0.0.2")

		h.send(client, wire.EncodeGUID(wire.TagForwardRequest, transport.NewGUID()))
		_, reason, err := wire.DecodeFailure(reply(t, client, wire.TagForwardFailed))
		require.NoError(t, err)
		assert.Equal(t, wire.FailNotConnected, reason)
	})
}

func TestGUIDQueryReportsUnknown(t *testing.T) {
	h := newHarness(t, nil)
	known := h.join("10.0.0.1")
	checker := h.join("10.0.0.3")
	gone := transport.NewGUID()

	h.send(checker, wire.EncodeGUIDList(wire.TagGUIDQuery, []transport.GUID{known.MyGUID(), gone}))

	invalid, err := wire.DecodeGUIDList(reply(t, checker, wire.TagGUIDInvalid))
	require.NoError(t, err)
	assert.Equal(t, []transport.GUID{gone}, invalid)
}

func TestListingsFollowTheHost(t *testing.T) {
	h := newHarness(t, nil)
	host := h.join("10.0.0.1")
	browser := h.join("10.0.0.3")

	msg, err := wire.EncodeListingPublish(&wire.Listing{
		GUID:  transport.NewGUID(),
		Name:  "kanto",
		Hints: []string{"192.168.1.4:61000"},
	})
	require.NoError(t, err)
	h.send(host, msg)
	id, err := wire.DecodeListingAck(reply(t, host, wire.TagListingAck))
	require.NoError(t, err)

	// republishing keeps the ID
	h.send(host, msg)
	again, err := wire.DecodeListingAck(reply(t, host, wire.TagListingAck))
	require.NoError(t, err)
	assert.Equal(t, id, again)

	h.send(browser, wire.Bare(wire.TagListingQuery))
	listings, err := wire.DecodeListingResult(reply(t, browser, wire.TagListingResult))
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, id, listings[0].ID)
	assert.Equal(t, host.MyGUID(), listings[0].GUID, "sender identity wins")
	assert.Equal(t, []string{host.LocalAddr().String(), "192.168.1.4:61000"}, listings[0].Hints)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.listings))

	host.CloseConnection(h.ep.LocalAddr())
	require.Eventually(t, func() bool { return len(h.srv.Listings()) == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.srv.Peers())
}

func TestMalformedListingIgnored(t *testing.T) {
	h := newHarness(t, nil)
	host := h.join("10.0.0.1")

	h.send(host, []byte{byte(wire.TagListingPublish), 1, 2, 3})
	h.send(host, wire.Bare(wire.TagListingQuery))

	listings, err := wire.DecodeListingResult(reply(t, host, wire.TagListingResult))
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestDuplicateGUIDRejected(t *testing.T) {
	h := newHarness(t, nil)
	guid := transport.NewGUID()
	first := h.joinAs("10.0.0.1", guid)
	second := h.joinAs("10.0.0.2", guid)

	reply(t, second, wire.TagAlreadyConnected)
	m := next(t, second)
	assert.Equal(t, transport.EventDisconnected, m.Kind)

	assert.Equal(t, 1, h.srv.Peers())
	assert.True(t, first.Connected(h.ep.LocalAddr()))
}

func TestReconnectFromSameMachineReplacesLink(t *testing.T) {
	h := newHarness(t, nil)
	guid := transport.NewGUID()
	old := h.joinAs("10.0.0.1", guid)
	h.accepting(old)

	fresh := h.joinAs("10.0.0.1", guid)
	require.Eventually(t, func() bool { return !old.Connected(h.ep.LocalAddr()) }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.srv.Peers())
	assert.False(t, h.srv.Accepting(guid), "the new link has not announced itself yet")

	h.accepting(fresh)
}

func TestServeTwice(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.srv.Serve(context.Background()), ErrServing)
}

func TestPeerGauge(t *testing.T) {
	h := newHarness(t, nil)
	a := h.join("10.0.0.1")
	h.join("10.0.0.2")
	require.Eventually(t, func() bool { return h.srv.Peers() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.srv.metrics.peers))

	a.CloseConnection(h.ep.LocalAddr())
	require.Eventually(t, func() bool { return h.srv.Peers() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.peers))
}
