package session

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/linkcable/simnet"
	"github.com/opd-ai/linkcable/transport"
	"github.com/opd-ai/linkcable/wire"
)

const (
	hostIP       = "10.0.0.1"
	clientIP     = "10.0.0.2"
	rendezvousIP = "10.0.0.100"
	waitTimeout  = 3 * time.Second
	pollInterval = 5 * time.Millisecond
)

type fixture struct {
	t     *testing.T
	net   *simnet.Network
	clock *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, net: simnet.NewNetwork(), clock: clock.NewMock()}
}

// options returns LAN-only options whose transports live on ip with guid.
func (f *fixture) options(ip string, guid transport.GUID) *Options {
	opts := NewOptions()
	opts.Clock = f.clock
	opts.EnableDiscovery = false
	opts.EnablePortMapping = false
	opts.STUNServer = ""
	opts.NewTransport = func(*Options) (transport.Transport, error) {
		return f.net.NewEndpointWithGUID(ip, guid), nil
	}
	return opts
}

func (f *fixture) hostAddr() netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr(hostIP), DefaultPort)
}

func (f *fixture) startHost(opts *Options) (*Host, *recorder) {
	h, rec := f.launchHost(opts, nil)
	f.waitFor(func() bool { return h.InvitationKey() != 0 && h.State() == StateRendezvousReady })
	return h, rec
}

// launchHost starts a host on the default port without waiting for it to
// become reachable. edit may adjust the observer before Start.
func (f *fixture) launchHost(opts *Options, edit func(*Observer)) (*Host, *recorder) {
	rec := &recorder{}
	opts.Port = DefaultPort
	opts.Observer = rec.observer()
	if edit != nil {
		edit(opts.Observer)
	}
	h, err := NewHost(opts)
	require.NoError(f.t, err)
	require.True(f.t, h.Start())
	f.t.Cleanup(h.Stop)
	return h, rec
}

func (f *fixture) startClient(opts *Options) (*Client, *recorder) {
	rec := &recorder{}
	opts.Observer = rec.observer()
	c, err := NewClient(opts)
	require.NoError(f.t, err)
	require.True(f.t, c.Start())
	f.t.Cleanup(c.Stop)
	return c, rec
}

func (f *fixture) waitFor(cond func() bool) {
	f.t.Helper()
	require.Eventually(f.t, cond, waitTimeout, pollInterval)
}

// advanceUntil moves the mock clock forward one tick at a time until cond holds.
func (f *fixture) advanceUntil(cond func() bool) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		f.clock.Add(250 * time.Millisecond)
		return cond()
	}, waitTimeout, pollInterval)
}

type recorder struct {
	mu               sync.Mutex
	states           []State
	errors           []string
	rendezvousFailed []string
	rendezvousUp     int
	connected        []netip.AddrPort
	disconnected     []transport.GUID
	invitations      []uint64
	forwarded        []uint16
	invalid          []transport.GUID
	listings         []*wire.Listing
}

func (r *recorder) observer() *Observer {
	return &Observer{
		OnStateChange: func(_, to State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, to)
		},
		OnRendezvousConnected: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.rendezvousUp++
		},
		OnRendezvousFailed: func(reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.rendezvousFailed = append(r.rendezvousFailed, reason)
		},
		OnPeerConnected: func(_ transport.GUID, addr netip.AddrPort) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected = append(r.connected, addr)
		},
		OnPeerDisconnected: func(guid transport.GUID) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnected = append(r.disconnected, guid)
		},
		OnPortForwarded: func(port uint16) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.forwarded = append(r.forwarded, port)
		},
		OnInternalError: func(reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, reason)
		},
		OnInvitation: func(key uint64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.invitations = append(r.invitations, key)
		},
		OnInvalidGUIDs: func(guids []transport.GUID) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.invalid = append(r.invalid, guids...)
		},
		OnListings: func(l []*wire.Listing) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.listings = append(r.listings, l...)
		},
	}
}

func (r *recorder) sawState(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st == s {
			return true
		}
	}
	return false
}

func (r *recorder) stateLog() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) errorLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors...)
}

func (r *recorder) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnected)
}

func (r *recorder) invitationLog() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.invitations...)
}

// fakeRendezvous answers control messages with a test-supplied handler.
type fakeRendezvous struct {
	ep   *simnet.Endpoint
	addr netip.AddrPort

	mu       sync.Mutex
	received []*transport.Message
}

type rendezvousHandler func(ep *simnet.Endpoint, m *transport.Message)

func (f *fixture) startRendezvous(handle rendezvousHandler) *fakeRendezvous {
	ep := f.net.NewEndpoint(rendezvousIP)
	require.NoError(f.t, ep.Listen(7000, 16))
	r := &fakeRendezvous{ep: ep, addr: ep.LocalAddr()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			m, err := ep.Receive(ctx)
			if err != nil {
				return
			}
			r.mu.Lock()
			r.received = append(r.received, m)
			r.mu.Unlock()
			if handle != nil && m.Kind == transport.EventData {
				handle(ep, m)
			}
		}
	}()
	f.t.Cleanup(func() {
		cancel()
		_ = ep.Close()
		<-done
	})
	return r
}

// messages returns the payloads received with tag.
func (r *fakeRendezvous) messages(tag wire.Tag) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]byte
	for _, m := range r.received {
		if m.Kind == transport.EventData && len(m.Data) > 0 && wire.Tag(m.Data[0]) == tag {
			out = append(out, m.Data)
		}
	}
	return out
}

func (r *fakeRendezvous) connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.received {
		if m.Kind == transport.EventIncomingConnection {
			n++
		}
	}
	return n
}

// rawPeer is a bare endpoint speaking the peer protocol by hand.
type rawPeer struct {
	ep     *simnet.Endpoint
	events chan *transport.Message
}

func (f *fixture) newRawPeer(ip string) *rawPeer {
	ep := f.net.NewEndpoint(ip)
	require.NoError(f.t, ep.Listen(0, 4))
	p := &rawPeer{ep: ep, events: make(chan *transport.Message, 64)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			m, err := ep.Receive(ctx)
			if err != nil {
				return
			}
			p.events <- m
		}
	}()
	f.t.Cleanup(func() {
		cancel()
		_ = ep.Close()
	})
	return p
}

// next returns the next event of kind, skipping others.
func (p *rawPeer) next(t *testing.T, kind transport.EventKind) *transport.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case m := <-p.events:
			if m.Kind == kind {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return nil
		}
	}
}

func (p *rawPeer) connect(t *testing.T, addr netip.AddrPort) {
	t.Helper()
	require.NoError(t, p.ep.Connect(addr))
	p.next(t, transport.EventConnected)
}

// deliveries returns the data messages carrying tag that crossed n.
func deliveries(n *simnet.Network, tag wire.Tag) []simnet.Delivery {
	var out []simnet.Delivery
	for _, d := range n.Log() {
		if d.Kind == transport.EventData && len(d.Data) > 0 && wire.Tag(d.Data[0]) == tag {
			out = append(out, d)
		}
	}
	return out
}
