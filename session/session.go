package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/linkcable/limits"
	"github.com/opd-ai/linkcable/portmap"
	"github.com/opd-ai/linkcable/transport"
	"github.com/opd-ai/linkcable/wire"
)

var (
	// ErrNotConnected is returned when sending without an active peer.
	ErrNotConnected = errors.New("no active peer")
	// ErrNotStarted is returned by operations that need a running session.
	ErrNotStarted = errors.New("session not started")
)

const (
	reasonServiceUnavailable = "service unavailable, try later"
	reasonAlreadyConnected   = "already connected elsewhere"
	reasonHostUnreachable    = "host unreachable"
	reasonConnectionLost     = "connection to host lost"

	maxUnreliableQueue = 256
	eventQueueSize     = 64
)

// handlerFunc processes one message whose first byte selected it.
type handlerFunc func(m *transport.Message)

// role is the behaviour that distinguishes a host, a client and a GUID
// checker. Every method runs on the event loop goroutine.
type role interface {
	// handlers returns the tags this role processes. They are merged over the
	// session's own table once, at construction.
	handlers() map[wire.Tag]handlerFunc
	// onRendezvousReady runs when the rendezvous server can be used, or when
	// it is given up on and the session continues on the LAN only.
	onRendezvousReady()
	// onPeerEvent receives connection events for addresses other than the
	// rendezvous server.
	onPeerEvent(m *transport.Message)
	onTick()
	// reset clears role state during Stop.
	reset()
}

// Session is the connection orchestrator shared by every role. It owns the
// transport, the rendezvous link, port mapping, LAN discovery and the
// buffers between the transport and the application.
type Session struct {
	opts     *Options
	kind     Role
	role     role
	clock    clock.Clock
	observer *Observer
	metrics  *metrics
	log      *logrus.Entry
	dispatch map[wire.Tag]handlerFunc

	// mu guards everything below up to sendMu. It is never held across
	// transport I/O or observer callbacks.
	mu           sync.Mutex
	state        State
	started      bool
	starting     bool
	tr           transport.Transport
	disc         Discoverer
	cancel       context.CancelFunc
	peer         *PeerConnection
	reliableOut  []byte
	reliableIn   bytes.Buffer
	unreliableIn [][]byte

	// sendMu serialises reliable flushes so frames leave in write order.
	sendMu sync.Mutex

	wg         sync.WaitGroup
	events     chan *transport.Message
	discovered chan discoveredPeer

	// Event loop state. Only the loop goroutine touches these while the
	// session runs; Start and Stop touch them while it does not.
	ctx                context.Context
	rendezvousAddr     netip.AddrPort
	rendezvousUp       bool
	rendezvousReady    bool
	rendezvousDisabled bool
	lanOnly            bool
	rendezvousPolicy   *ReconnectionPolicy
	peerPolicy         *ReconnectionPolicy
	reconnectTimer     *clock.Timer
	reconnectPending   bool
	aux                map[netip.AddrPort]struct{}
	portmapCh          <-chan portmap.Result
	mappingDone        bool
	mapper             portmap.Mapper
	mappedPort         uint16
}

type discoveredPeer struct {
	guid transport.GUID
	addr netip.AddrPort
}

func newSession(opts *Options, kind Role, r role) (*Session, error) {
	if opts == nil {
		opts = NewOptions()
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s := &Session{
		opts:             opts,
		kind:             kind,
		role:             r,
		clock:            opts.Clock,
		observer:         opts.Observer,
		metrics:          newMetrics(opts.Registerer),
		log:              logrus.WithField("role", kind.String()),
		state:            StateCreated,
		rendezvousPolicy: NewReconnectionPolicy(opts.MaxRendezvousReconnects, 0),
		peerPolicy:       NewReconnectionPolicy(opts.MaxPeerReconnects, opts.MaxWaitDuration),
		aux:              make(map[netip.AddrPort]struct{}),
	}

	s.dispatch = map[wire.Tag]handlerFunc{
		wire.TagReliableData:     s.handleReliableData,
		wire.TagUnreliableData:   s.handleUnreliableData,
		wire.TagAlreadyConnected: s.handleAlreadyConnected,
		wire.TagReconnect:        s.handleReconnect,
	}
	for tag, h := range r.handlers() {
		s.dispatch[tag] = h
	}
	return s, nil
}

// Start creates and binds the transport, opens LAN discovery and begins
// connecting. It returns false if the transport cannot be bound or the
// session is already running. Everything after binding is asynchronous and
// reported through the Observer.
func (s *Session) Start() bool {
	s.mu.Lock()
	if s.started || s.starting {
		s.mu.Unlock()
		return false
	}
	s.starting = true
	s.mu.Unlock()

	tr, err := s.opts.NewTransport(s.opts)
	if err == nil {
		// rendezvous and relay links use slots next to the peers
		err = tr.Listen(s.opts.Port, s.opts.MaxPeers+3)
		if err != nil {
			_ = tr.Close()
		}
	}
	if err != nil {
		s.mu.Lock()
		s.starting = false
		prev := s.state
		s.state = StateStopped
		s.mu.Unlock()

		s.log.WithFields(logrus.Fields{
			"function": "Session.Start",
			"port":     s.opts.Port,
			"error":    err.Error(),
		}).Error("Failed to bind transport")
		s.observer.internalError(fmt.Sprintf("failed to bind port %d: %v", s.opts.Port, err))
		if prev != StateStopped {
			s.observer.stateChange(prev, StateStopped)
		}
		return false
	}

	log := logrus.WithFields(logrus.Fields{
		"role": s.kind.String(),
		"guid": tr.MyGUID().String(),
	})

	var disc Discoverer
	if s.opts.EnableDiscovery && s.opts.NewDiscovery != nil {
		disc = s.opts.NewDiscovery(tr.MyGUID(), tr, s.opts.DiscoveryConfig)
		if err := disc.Start(); err != nil {
			log.WithError(err).Warn("LAN discovery unavailable, continuing without multicast")
		}
		disc.OnPeer(s.onDiscovered)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.log = log
	s.tr = tr
	s.disc = disc
	s.ctx = ctx
	s.cancel = cancel
	s.starting = false
	s.started = true
	s.events = make(chan *transport.Message, eventQueueSize)
	s.discovered = make(chan discoveredPeer, eventQueueSize)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function": "Session.Start",
		"addr":     tr.LocalAddr().String(),
	}).Info("Session started")

	s.wg.Add(2)
	go s.receiveLoop(ctx, tr)
	go s.eventLoop(ctx)
	return true
}

// Stop closes the transport and discovery socket, waits for the session
// goroutines and resets all counters. A later Start begins from scratch.
// Stop is idempotent and safe from any goroutine except an Observer callback.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	tr, disc := s.tr, s.disc
	s.mu.Unlock()

	localPort := tr.LocalAddr().Port()
	if err := tr.Close(); err != nil {
		s.log.WithError(err).Debug("Transport close reported errors")
	}
	s.wg.Wait()
	if disc != nil {
		disc.Stop()
	}

	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	switch {
	case s.mappedPort != 0 && s.mapper != nil:
		releaseMapping(s.mapper, localPort, s.mappedPort, s.opts.PortMappingTimeout)
	case s.portmapCh != nil && s.mapper != nil:
		// the result was delivered or is still in flight but never read
		go releaseLateMapping(s.log, s.portmapCh, s.mapper, localPort, s.opts.PortMappingTimeout)
	}

	s.rendezvousUp = false
	s.rendezvousReady = false
	s.rendezvousDisabled = false
	s.lanOnly = false
	s.reconnectPending = false
	s.rendezvousPolicy.Reset()
	s.peerPolicy.Reset()
	s.aux = make(map[netip.AddrPort]struct{})
	s.portmapCh = nil
	s.mappingDone = false
	s.mapper = nil
	s.mappedPort = 0
	s.role.reset()

	s.mu.Lock()
	prev := s.state
	s.state = StateStopped
	s.tr = nil
	s.disc = nil
	s.peer = nil
	s.reliableOut = nil
	s.reliableIn.Reset()
	s.unreliableIn = nil
	s.mu.Unlock()

	s.log.WithField("function", "Session.Stop").Info("Session stopped")
	if prev != StateStopped {
		s.observer.stateChange(prev, StateStopped)
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns the role of the session.
func (s *Session) Role() Role {
	return s.kind
}

// MyGUID returns the transport identity, or zero when not started.
func (s *Session) MyGUID() transport.GUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil {
		return transport.UnassignedGUID
	}
	return s.tr.MyGUID()
}

// LocalAddr returns the bound address, or the zero value when not started.
func (s *Session) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		return netip.AddrPort{}
	}
	return tr.LocalAddr()
}

// Connected reports whether an active peer exists.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer != nil
}

// ActivePeer returns the active peer connection.
func (s *Session) ActivePeer() (PeerConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return PeerConnection{}, false
	}
	return *s.peer, true
}

// SendReliable buffers data for the active peer and returns the number of
// bytes accepted. A write that does not fit in the buffer flushes the
// pending frame first. Writes larger than a frame are split.
func (s *Session) SendReliable(data []byte) int {
	if len(data) == 0 || !s.Connected() {
		return 0
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	written := 0
	for len(data) > 0 {
		s.mu.Lock()
		if len(s.reliableOut)+len(data) > limits.MaxReliableFrame && len(s.reliableOut) > 0 {
			frame := s.reliableOut
			s.reliableOut = nil
			s.mu.Unlock()
			if err := s.transmitReliable(frame); err != nil {
				return written
			}
			continue
		}
		n := min(len(data), limits.MaxReliableFrame-len(s.reliableOut))
		s.reliableOut = append(s.reliableOut, data[:n]...)
		s.mu.Unlock()

		data = data[n:]
		written += n
	}
	return written
}

// FlushReliable transmits the buffered reliable data.
func (s *Session) FlushReliable() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	frame := s.reliableOut
	s.reliableOut = nil
	s.mu.Unlock()

	if len(frame) > 0 {
		_ = s.transmitReliable(frame)
	}
}

// transmitReliable must be called with sendMu held.
func (s *Session) transmitReliable(payload []byte) error {
	s.mu.Lock()
	tr, peer := s.tr, s.peer
	s.mu.Unlock()
	if tr == nil || peer == nil {
		return ErrNotConnected
	}

	if err := tr.Send(wire.EncodeData(wire.TagReliableData, payload), transport.ReliableOrdered, peer.Addr); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "Session.transmitReliable",
			"peer":     peer.Addr.String(),
			"size":     len(payload),
			"error":    err.Error(),
		}).Warn("Failed to send reliable frame")
		return err
	}
	return nil
}

// SendUnreliable sends data to the active peer immediately, without
// delivery or ordering guarantees.
func (s *Session) SendUnreliable(data []byte) (int, error) {
	if err := limits.ValidateUnreliable(data); err != nil {
		return 0, err
	}

	s.mu.Lock()
	tr, peer := s.tr, s.peer
	s.mu.Unlock()
	if tr == nil || peer == nil {
		return 0, ErrNotConnected
	}

	if err := tr.Send(wire.EncodeData(wire.TagUnreliableData, data), transport.Unreliable, peer.Addr); err != nil {
		return 0, fmt.Errorf("failed to send unreliable datagram: %w", err)
	}
	return len(data), nil
}

// ReadReliable copies received reliable bytes into p and returns how many
// were copied. The reliable stream has no message boundaries.
func (s *Session) ReadReliable(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.reliableIn.Read(p)
	return n
}

// ReadUnreliable returns the oldest received unreliable datagram.
func (s *Session) ReadUnreliable() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.unreliableIn) == 0 {
		return nil, false
	}
	d := s.unreliableIn[0]
	s.unreliableIn = s.unreliableIn[1:]
	return d, true
}

func (s *Session) receiveLoop(ctx context.Context, tr transport.Transport) {
	defer s.wg.Done()
	for {
		m, err := tr.Receive(ctx)
		if err != nil {
			return
		}
		select {
		case s.events <- m:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) eventLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.opts.TickInterval)
	defer ticker.Stop()

	s.begin()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.events:
			s.handleMessage(m)
		case p := <-s.discovered:
			if c, ok := s.role.(interface{ handleDiscovered(discoveredPeer) }); ok {
				c.handleDiscovered(p)
			}
		case <-ticker.C:
			s.role.onTick()
		case res, ok := <-s.portmapCh:
			s.portmapCh = nil
			s.handlePortMapping(res, ok)
		}
	}
}

// begin runs first on the event loop.
func (s *Session) begin() {
	s.setState(StateStarting)

	if s.opts.RendezvousAddress == "" {
		s.log.Info("No rendezvous server configured, LAN only")
		s.enterLANOnly()
		return
	}
	addr, err := resolveAddr(s.opts.RendezvousAddress)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "Session.begin",
			"address":  s.opts.RendezvousAddress,
			"error":    err.Error(),
		}).Warn("Cannot resolve rendezvous server")
		s.observer.rendezvousFailed(reasonServiceUnavailable)
		s.enterLANOnly()
		return
	}
	s.rendezvousAddr = addr
	s.connectRendezvous()
}

func resolveAddr(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return transport.Canonical(ap), nil
	}
	ua, err := net.ResolveUDPAddr("udp4", s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return transport.Canonical(ua.AddrPort()), nil
}

func (s *Session) connectRendezvous() {
	if s.rendezvousDisabled || !s.rendezvousAddr.IsValid() {
		return
	}
	s.setState(StateConnectingRendezvous)
	if err := s.transport().Connect(s.rendezvousAddr); err != nil {
		s.log.WithError(err).Warn("Failed to start rendezvous connection")
		s.onRendezvousLost()
	}
}

// restartRendezvous reconnects to the rendezvous server with a fresh
// attempt budget, or reopens LAN-only mode when there is none.
func (s *Session) restartRendezvous() {
	s.rendezvousPolicy.Reset()
	s.lanOnly = false
	if !s.rendezvousAddr.IsValid() || s.rendezvousDisabled {
		s.enterLANOnly()
		return
	}
	if s.rendezvousUp {
		s.rendezvousReadyNow()
		return
	}
	s.connectRendezvous()
}

func (s *Session) onRendezvousConnected() {
	s.rendezvousUp = true
	s.rendezvousPolicy.Reset()
	s.reconnectPending = false
	s.log.WithField("addr", s.rendezvousAddr.String()).Info("Connected to rendezvous server")
	s.observer.rendezvousConnected()

	if s.opts.EnablePortMapping && !s.mappingDone {
		s.startPortMapping()
		return
	}
	s.rendezvousReadyNow()
}

func (s *Session) rendezvousReadyNow() {
	s.rendezvousReady = true
	s.lanOnly = false
	s.setState(StateRendezvousReady)
	s.role.onRendezvousReady()
}

func (s *Session) enterLANOnly() {
	s.lanOnly = true
	s.rendezvousReady = false
	s.setState(StateRendezvousReady)
	s.role.onRendezvousReady()
}

// onRendezvousLost handles a failed, closed or lost rendezvous link.
func (s *Session) onRendezvousLost() {
	wasReady := s.rendezvousReady
	s.rendezvousUp = false
	s.rendezvousReady = false

	if s.Connected() {
		// closed while promoting; nothing to recover
		return
	}
	if s.rendezvousDisabled {
		return
	}

	if s.rendezvousPolicy.Remaining() > 0 {
		s.log.WithFields(logrus.Fields{
			"function":  "Session.onRendezvousLost",
			"remaining": s.rendezvousPolicy.Remaining(),
			"delay":     s.opts.RetryDelay.String(),
		}).Info("Rendezvous link down, scheduling reconnect")
		if !wasReady {
			s.setState(StateReconnecting)
		}
		s.scheduleReconnect()
		return
	}

	s.log.Warn("Rendezvous server unreachable, continuing on the LAN only")
	s.observer.rendezvousFailed(reasonServiceUnavailable)
	if !s.lanOnly {
		s.enterLANOnly()
	}
}

// scheduleReconnect delivers a Reconnect trigger through the transport
// loopback after RetryDelay.
func (s *Session) scheduleReconnect() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectPending = true
	tr := s.transport()
	s.reconnectTimer = s.clock.AfterFunc(s.opts.RetryDelay, func() {
		tr.SendLoopback(wire.Bare(wire.TagReconnect))
	})
}

func (s *Session) handleReconnect(m *transport.Message) {
	if !s.reconnectPending {
		return
	}
	s.reconnectPending = false
	if s.Connected() || s.rendezvousUp || s.rendezvousDisabled {
		return
	}
	if !s.rendezvousPolicy.Attempt() {
		s.onRendezvousLost()
		return
	}
	s.metrics.reconnects.WithLabelValues(s.kind.String(), "rendezvous").Inc()
	s.connectRendezvous()
}

func (s *Session) handleAlreadyConnected(m *transport.Message) {
	if m.Addr != s.rendezvousAddr {
		return
	}
	s.log.Error("Rendezvous server reports this GUID connected from another address")
	s.rendezvousDisabled = true
	s.rendezvousUp = false
	s.rendezvousReady = false
	s.reconnectPending = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.transport().CloseConnection(s.rendezvousAddr)
	s.observer.internalError(reasonAlreadyConnected)
	s.setState(StateDisconnected)
}

func (s *Session) startPortMapping() {
	s.setState(StatePortMapping)

	mapper := s.opts.PortMapper
	if mapper == nil {
		mapper = portmap.NewAutoMapper()
	}
	s.mapper = mapper
	s.portmapCh = portmap.Submit(s.ctx, portmap.Request{
		Mapper:       mapper,
		Protocol:     portmap.UDP,
		InternalPort: s.transport().LocalAddr().Port(),
		Timeout:      s.opts.PortMappingTimeout,
	})
}

// releaseMapping unmaps external in the background through the shared worker.
func releaseMapping(mapper portmap.Mapper, internal, external uint16, timeout time.Duration) {
	portmap.Submit(context.Background(), portmap.Request{
		Mapper:       mapper,
		Protocol:     portmap.UDP,
		InternalPort: internal,
		ExternalPort: external,
		Unmap:        true,
		Timeout:      timeout,
	})
}

// releaseLateMapping waits for a mapping result nobody will read and
// releases the port if the mapping succeeded.
func releaseLateMapping(log *logrus.Entry, ch <-chan portmap.Result, mapper portmap.Mapper, internal uint16, timeout time.Duration) {
	res, ok := <-ch
	if !ok || res.Err != nil || res.ExternalPort == 0 {
		return
	}
	log.WithFields(logrus.Fields{
		"function":      "releaseLateMapping",
		"external_port": res.ExternalPort,
	}).Info("Releasing port mapped after stop")
	releaseMapping(mapper, internal, res.ExternalPort, timeout)
}

func (s *Session) handlePortMapping(res portmap.Result, ok bool) {
	s.mappingDone = true
	if !ok {
		return
	}
	if res.Err != nil {
		s.metrics.portMappings.WithLabelValues("failed").Inc()
		s.log.WithError(res.Err).Info("Port mapping unavailable, continuing without it")
		if s.rendezvousUp {
			s.rendezvousReadyNow()
		}
		return
	}

	s.metrics.portMappings.WithLabelValues("mapped").Inc()
	s.mappedPort = res.ExternalPort
	s.log.WithField("external_port", res.ExternalPort).Info("Port forwarded")
	s.observer.portForwarded(res.ExternalPort)
	if s.Connected() {
		return
	}

	// reconnect so the rendezvous server observes the forwarded port
	if s.rendezvousUp {
		s.transport().CloseConnection(s.rendezvousAddr)
		s.rendezvousUp = false
	}
	s.connectRendezvous()
}

func (s *Session) onDiscovered(guid transport.GUID, addr netip.AddrPort) {
	s.mu.Lock()
	ch := s.discovered
	s.mu.Unlock()
	select {
	case ch <- discoveredPeer{guid: guid, addr: addr}:
	default:
	}
}

func (s *Session) handleMessage(m *transport.Message) {
	if m.Addr == s.rendezvousAddr && s.rendezvousAddr.IsValid() {
		switch m.Kind {
		case transport.EventConnected:
			s.onRendezvousConnected()
			return
		case transport.EventConnectionFailed, transport.EventDisconnected, transport.EventConnectionLost:
			s.onRendezvousLost()
			return
		case transport.EventIncomingConnection:
			s.transport().CloseConnection(m.Addr)
			return
		}
	}

	switch m.Kind {
	case transport.EventData, transport.EventLoopback:
		s.dispatchData(m)
	case transport.EventAdvertise:
		if s.disc != nil {
			s.disc.HandleDatagram(m.Data, m.Addr)
		}
	default:
		s.role.onPeerEvent(m)
	}
}

func (s *Session) dispatchData(m *transport.Message) {
	tag, ok := wire.TagOf(m.Data)
	if !ok {
		return
	}
	if tag.IsLoopback() != (m.Kind == transport.EventLoopback) {
		s.log.WithFields(logrus.Fields{
			"function": "Session.dispatchData",
			"tag":      tag.String(),
			"from":     m.Addr.String(),
		}).Debug("Dropping loopback tag from the network")
		return
	}
	h, ok := s.dispatch[tag]
	if !ok {
		s.log.WithFields(logrus.Fields{
			"function": "Session.dispatchData",
			"tag":      tag.String(),
			"from":     m.Addr.String(),
		}).Debug("No handler for tag")
		return
	}
	h(m)
}

func (s *Session) handleReliableData(m *transport.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil || s.peer.Addr != m.Addr {
		return
	}
	s.reliableIn.Write(m.Data[1:])
}

func (s *Session) handleUnreliableData(m *transport.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil || s.peer.Addr != m.Addr {
		return
	}
	if len(s.unreliableIn) >= maxUnreliableQueue {
		s.unreliableIn = s.unreliableIn[1:]
	}
	s.unreliableIn = append(s.unreliableIn, append([]byte(nil), m.Data[1:]...))
}

// promote makes addr the active peer. Rendezvous and relay links and any
// previous peer are closed first.
func (s *Session) promote(guid transport.GUID, addr netip.AddrPort) {
	tr := s.transport()

	if s.rendezvousUp {
		tr.CloseConnection(s.rendezvousAddr)
	}
	s.rendezvousUp = false
	s.rendezvousReady = false
	s.reconnectPending = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	for a := range s.aux {
		if a != addr {
			tr.CloseConnection(a)
		}
		delete(s.aux, a)
	}

	s.mu.Lock()
	prev := s.peer
	s.peer = &PeerConnection{GUID: guid, Addr: addr, ConnectedSince: s.clock.Now()}
	s.mu.Unlock()
	if prev != nil && prev.Addr != addr {
		tr.CloseConnection(prev.Addr)
	}

	if s.disc != nil {
		s.disc.SetResponder(false)
	}
	s.peerPolicy.Reset()
	s.metrics.promotions.WithLabelValues(s.kind.String()).Inc()

	s.log.WithFields(logrus.Fields{
		"function":  "Session.promote",
		"peer_guid": guid.String(),
		"peer_addr": addr.String(),
	}).Info("Peer connected")
	s.setState(StatePeerConnected)
	s.observer.peerConnected(guid, addr)
}

// clearPeer forgets the active peer if it is at addr.
func (s *Session) clearPeer(addr netip.AddrPort) (PeerConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil || s.peer.Addr != addr {
		return PeerConnection{}, false
	}
	p := *s.peer
	s.peer = nil
	s.reliableOut = nil
	return p, true
}

// evictPeer closes and forgets the active peer.
func (s *Session) evictPeer() (PeerConnection, bool) {
	s.mu.Lock()
	p := s.peer
	s.peer = nil
	s.reliableOut = nil
	s.mu.Unlock()
	if p == nil {
		return PeerConnection{}, false
	}
	s.transport().CloseConnection(p.Addr)
	return *p, true
}

// addAux records a relay connection to close on promotion.
func (s *Session) addAux(addr netip.AddrPort) {
	s.aux[addr] = struct{}{}
}

// sendControl sends a reliable message outside the active peer stream.
func (s *Session) sendControl(addr netip.AddrPort, msg []byte) bool {
	if err := s.transport().Send(msg, transport.ReliableOrdered, addr); err != nil {
		tag, _ := wire.TagOf(msg)
		s.log.WithFields(logrus.Fields{
			"function": "Session.sendControl",
			"tag":      tag.String(),
			"to":       addr.String(),
			"error":    err.Error(),
		}).Debug("Failed to send control message")
		return false
	}
	return true
}

// sendRendezvous sends msg to the rendezvous server if it is connected.
func (s *Session) sendRendezvous(msg []byte) bool {
	if !s.rendezvousUp {
		return false
	}
	return s.sendControl(s.rendezvousAddr, msg)
}

func (s *Session) transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}

	s.metrics.state.WithLabelValues(s.kind.String()).Set(float64(to))
	s.metrics.transitions.WithLabelValues(s.kind.String(), to.String()).Inc()
	s.log.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("State change")
	s.observer.stateChange(from, to)
}

// fail reports a terminal failure of the current attempt.
func (s *Session) fail(reason string) {
	s.log.WithField("reason", reason).Warn("Session attempt failed")
	s.observer.internalError(reason)
	s.setState(StateDisconnected)
}
