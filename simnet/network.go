package simnet

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/linkcable/limits"
	"github.com/opd-ai/linkcable/transport"
)

// firstEphemeralPort is the first port handed out for Listen(0).
const firstEphemeralPort = 49152

var broadcastIP = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// ErrRefused is returned by Listen on an address registered with Refuse.
var ErrRefused = errors.New("simnet: address refused")

// Delivery records one message moved by the network.
type Delivery struct {
	From netip.AddrPort
	To   netip.AddrPort
	Kind transport.EventKind
	Data []byte
}

// SinkFunc receives advertisements sent to an address owned by no Endpoint.
type SinkFunc func(from netip.AddrPort, data []byte)

type ipPair struct {
	a, b netip.Addr
}

// Network is a set of endpoints that can reach each other.
type Network struct {
	mu        sync.Mutex
	endpoints map[netip.AddrPort]*Endpoint
	blocked   map[ipPair]bool
	refused   map[netip.AddrPort]bool
	sinks     map[netip.AddrPort]SinkFunc
	nextPort  map[netip.Addr]uint16
	log       []Delivery
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[netip.AddrPort]*Endpoint),
		blocked:   make(map[ipPair]bool),
		refused:   make(map[netip.AddrPort]bool),
		sinks:     make(map[netip.AddrPort]SinkFunc),
		nextPort:  make(map[netip.Addr]uint16),
	}
}

// NewEndpoint creates an endpoint on ip with a random GUID. It has no address
// until Listen is called.
func (n *Network) NewEndpoint(ip string) *Endpoint {
	return n.NewEndpointWithGUID(ip, transport.NewGUID())
}

// NewEndpointWithGUID creates an endpoint with a fixed identity.
func (n *Network) NewEndpointWithGUID(ip string, guid transport.GUID) *Endpoint {
	return &Endpoint{
		net:    n,
		ip:     netip.MustParseAddr(ip),
		guid:   guid,
		conns:  make(map[netip.AddrPort]*Endpoint),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Block prevents a and b from exchanging anything outside existing
// connections, in both directions.
func (n *Network) Block(a, b netip.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[ipPair{a, b}] = true
	n.blocked[ipPair{b, a}] = true
}

// Unblock reverses Block.
func (n *Network) Unblock(a, b netip.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, ipPair{a, b})
	delete(n.blocked, ipPair{b, a})
}

// Refuse makes Listen on addr fail.
func (n *Network) Refuse(addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refused[addr] = true
}

// Sink registers fn for advertisements sent to addr.
func (n *Network) Sink(addr netip.AddrPort, fn SinkFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks[addr] = fn
}

// Sever drops the connection between a and b as if the path died. Both sides
// see EventConnectionLost.
func (n *Network) Sever(a, b netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ea, eb := n.endpoints[a], n.endpoints[b]
	if ea == nil || eb == nil {
		return
	}
	if _, ok := ea.conns[b]; !ok {
		return
	}
	delete(ea.conns, b)
	delete(eb.conns, a)
	ea.push(&transport.Message{Kind: transport.EventConnectionLost, Addr: b, GUID: eb.guid})
	eb.push(&transport.Message{Kind: transport.EventConnectionLost, Addr: a, GUID: ea.guid})
}

// Log returns a copy of every delivery so far.
func (n *Network) Log() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Delivery, len(n.log))
	copy(out, n.log)
	return out
}

// Endpoint returns the listening endpoint at addr, or nil.
func (n *Network) Endpoint(addr netip.AddrPort) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[addr]
}

func (n *Network) isBlocked(a, b netip.Addr) bool {
	return n.blocked[ipPair{a, b}]
}

func (n *Network) record(from, to netip.AddrPort, kind transport.EventKind, data []byte) {
	n.log = append(n.log, Delivery{From: from, To: to, Kind: kind, Data: append([]byte(nil), data...)})
}

func (n *Network) allocPort(ip netip.Addr) uint16 {
	port := n.nextPort[ip]
	if port == 0 {
		port = firstEphemeralPort
	}
	for n.endpoints[netip.AddrPortFrom(ip, port)] != nil {
		port++
	}
	n.nextPort[ip] = port + 1
	return port
}

// Endpoint is one simulated transport. It implements transport.Transport.
type Endpoint struct {
	net  *Network
	ip   netip.Addr
	guid transport.GUID

	// guarded by net.mu
	addr      netip.AddrPort
	listening bool
	closed    bool
	maxPeers  int
	conns     map[netip.AddrPort]*Endpoint
	queue     []*transport.Message

	notify   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

var _ transport.Transport = (*Endpoint)(nil)

// IP returns the endpoint's host address.
func (e *Endpoint) IP() netip.Addr {
	return e.ip
}

// Listen binds the endpoint. Port 0 picks a free port.
func (e *Endpoint) Listen(port uint16, maxPeers int) error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if e.closed {
		return transport.ErrClosed
	}
	if e.listening {
		return transport.ErrAlreadyListening
	}
	if port == 0 {
		port = n.allocPort(e.ip)
	}
	addr := netip.AddrPortFrom(e.ip, port)
	if n.refused[addr] {
		return fmt.Errorf("failed to bind %s: %w", addr, ErrRefused)
	}
	if n.endpoints[addr] != nil {
		return fmt.Errorf("failed to bind %s: address in use", addr)
	}

	e.addr = addr
	e.listening = true
	e.maxPeers = maxPeers
	n.endpoints[addr] = e

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.Listen",
		"addr":     addr.String(),
		"guid":     e.guid.String(),
	}).Debug("Simulated endpoint listening")
	return nil
}

// MyGUID returns the endpoint identity.
func (e *Endpoint) MyGUID() transport.GUID {
	return e.guid
}

// LocalAddr returns the bound address.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.addr
}

// Connect resolves immediately; the outcome is queued as an event.
func (e *Endpoint) Connect(addr netip.AddrPort) error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if e.closed {
		return transport.ErrClosed
	}
	if !e.listening {
		return transport.ErrNotListening
	}
	addr = transport.Canonical(addr)

	if peer, ok := e.conns[addr]; ok {
		e.push(&transport.Message{Kind: transport.EventConnected, Addr: addr, GUID: peer.guid})
		return nil
	}

	target := n.endpoints[addr]
	switch {
	case target == nil, target == e, n.isBlocked(e.ip, addr.Addr()):
		e.push(&transport.Message{Kind: transport.EventConnectionFailed, Addr: addr})
		return nil
	case full(e), full(target):
		e.push(&transport.Message{Kind: transport.EventConnectionFailed, Addr: addr})
		return nil
	}

	e.conns[addr] = target
	target.conns[e.addr] = e
	n.record(e.addr, addr, transport.EventConnected, nil)
	e.push(&transport.Message{Kind: transport.EventConnected, Addr: addr, GUID: target.guid})
	target.push(&transport.Message{Kind: transport.EventIncomingConnection, Addr: e.addr, GUID: e.guid})
	return nil
}

func full(e *Endpoint) bool {
	return e.maxPeers > 0 && len(e.conns) >= e.maxPeers
}

// CloseConnection closes the connection to addr. The remote sees
// EventDisconnected after everything sent before.
func (e *Endpoint) CloseConnection(addr netip.AddrPort) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	addr = transport.Canonical(addr)
	peer, ok := e.conns[addr]
	if !ok {
		return
	}
	delete(e.conns, addr)
	delete(peer.conns, e.addr)
	n.record(e.addr, addr, transport.EventDisconnected, nil)
	peer.push(&transport.Message{Kind: transport.EventDisconnected, Addr: e.addr, GUID: e.guid})
}

// Send delivers data to a connected peer.
func (e *Endpoint) Send(data []byte, reliability transport.Reliability, addr netip.AddrPort) error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	addr = transport.Canonical(addr)
	peer, ok := e.conns[addr]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrNotConnected, addr)
	}
	if err := limits.ValidateFrame(len(data)); err != nil {
		return err
	}
	n.record(e.addr, addr, transport.EventData, data)
	peer.push(&transport.Message{
		Kind:        transport.EventData,
		Addr:        e.addr,
		GUID:        e.guid,
		Data:        append([]byte(nil), data...),
		Reliability: reliability,
	})
	return nil
}

// Receive pops the next queued event.
func (e *Endpoint) Receive(ctx context.Context) (*transport.Message, error) {
	for {
		if m := e.pop(); m != nil {
			return m, nil
		}
		select {
		case <-e.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.done:
			return nil, transport.ErrClosed
		}
	}
}

// Ping sends an unconnected ping. A broadcast address reaches every listening
// endpoint on the port; each reachable one answers with a pong.
func (e *Endpoint) Ping(addr netip.AddrPort) error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if !e.listening {
		return transport.ErrNotListening
	}

	var targets []*Endpoint
	if addr.Addr() == broadcastIP {
		for a, ep := range n.endpoints {
			if a.Port() == addr.Port() && ep != e {
				targets = append(targets, ep)
			}
		}
	} else if ep := n.endpoints[transport.Canonical(addr)]; ep != nil && ep != e {
		targets = append(targets, ep)
	}

	for _, ep := range targets {
		if n.isBlocked(e.ip, ep.ip) {
			continue
		}
		n.record(e.addr, ep.addr, transport.EventPong, nil)
		e.push(&transport.Message{Kind: transport.EventPong, Addr: ep.addr, GUID: ep.guid})
	}
	return nil
}

// Advertise delivers data to the sink or endpoint at addr.
func (e *Endpoint) Advertise(addr netip.AddrPort, data []byte) error {
	if len(data) == 0 {
		return limits.ErrMessageEmpty
	}
	if data[0] <= 0x0F {
		return fmt.Errorf("%w: 0x%02x", transport.ErrReservedTag, data[0])
	}

	n := e.net
	n.mu.Lock()
	if !e.listening {
		n.mu.Unlock()
		return transport.ErrNotListening
	}
	addr = transport.Canonical(addr)
	if n.isBlocked(e.ip, addr.Addr()) {
		n.mu.Unlock()
		return nil
	}
	from := e.addr
	payload := append([]byte(nil), data...)
	n.record(from, addr, transport.EventAdvertise, payload)

	if sink, ok := n.sinks[addr]; ok {
		n.mu.Unlock()
		sink(from, payload)
		return nil
	}
	if ep := n.endpoints[addr]; ep != nil {
		ep.push(&transport.Message{Kind: transport.EventAdvertise, Addr: from, Data: payload})
	}
	n.mu.Unlock()
	return nil
}

// SendLoopback queues data for this endpoint.
func (e *Endpoint) SendLoopback(data []byte) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	e.push(&transport.Message{
		Kind:        transport.EventLoopback,
		Addr:        e.addr,
		GUID:        e.guid,
		Data:        append([]byte(nil), data...),
		Reliability: transport.ReliableOrdered,
	})
}

// Close removes the endpoint. Connected peers see EventDisconnected.
func (e *Endpoint) Close() error {
	n := e.net
	n.mu.Lock()
	if !e.closed {
		e.closed = true
		for addr, peer := range e.conns {
			delete(peer.conns, e.addr)
			peer.push(&transport.Message{Kind: transport.EventDisconnected, Addr: e.addr, GUID: e.guid})
			delete(e.conns, addr)
		}
		if e.listening && n.endpoints[e.addr] == e {
			delete(n.endpoints, e.addr)
		}
		e.listening = false
		e.queue = nil
	}
	n.mu.Unlock()

	e.doneOnce.Do(func() { close(e.done) })
	return nil
}

// Connected reports whether e has a connection to addr.
func (e *Endpoint) Connected(addr netip.AddrPort) bool {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	_, ok := e.conns[transport.Canonical(addr)]
	return ok
}

// ConnectionCount returns the number of open connections.
func (e *Endpoint) ConnectionCount() int {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return len(e.conns)
}

// Closed reports whether Close was called.
func (e *Endpoint) Closed() bool {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.closed
}

// push must be called with net.mu held.
func (e *Endpoint) push(m *transport.Message) {
	if e.closed {
		return
	}
	e.queue = append(e.queue, m)
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Endpoint) pop() *transport.Message {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	m := e.queue[0]
	e.queue = e.queue[1:]
	return m
}
