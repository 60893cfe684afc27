package transport

// This file implements the Transport interface over QUIC. A single UDP socket is
// shared by the listener and the dialer so that NAT mappings opened by pings and
// punch-through are the ones used by the connection itself.

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/linkcable/limits"
)

// Raw datagram tags sent outside QUIC. The long header bit (0x80) and the QUIC
// fixed bit (0x40) are clear on all of them so quic-go hands them to
// ReadNonQUICPacket.
const (
	rawPing byte = 0x01
	rawPong byte = 0x02

	// rawReservedMax is the last tag reserved for the transport itself.
	rawReservedMax byte = 0x0F

	quicHeaderBits byte = 0x80 | 0x40
)

// Application error codes used when closing QUIC connections.
const (
	closeNormal   quic.ApplicationErrorCode = 0
	closeCapacity quic.ApplicationErrorCode = 1
	closeProtocol quic.ApplicationErrorCode = 2
)

const (
	alpnProtocol = "linkcable"
	helloSize    = 10
	helloMagic0  = 'L'
	helloMagic1  = 'C'
)

var (
	// ErrNotListening is returned by operations that need a bound transport.
	ErrNotListening = errors.New("transport not listening")
	// ErrAlreadyListening is returned when Listen is called twice.
	ErrAlreadyListening = errors.New("transport already listening")
	// ErrNotConnected is returned when sending to an address without a connection.
	ErrNotConnected = errors.New("no connection to address")
	// ErrReservedTag is returned when an advertisement would collide with transport tags.
	ErrReservedTag = errors.New("advertisement uses a reserved tag")
	// ErrClosed is returned by Receive after Close.
	ErrClosed = errors.New("transport closed")
)

// QUICOptions configures a QUICTransport.
type QUICOptions struct {
	// ConnectTimeout bounds the QUIC handshake plus the hello exchange.
	ConnectTimeout time.Duration
	// MaxIdleTimeout is the liveness timeout after which a peer is reported lost.
	MaxIdleTimeout time.Duration
	// KeepAlivePeriod keeps NAT mappings open on idle connections.
	KeepAlivePeriod time.Duration
	// CloseGrace bounds how long a graceful close waits for queued data.
	CloseGrace time.Duration
	// EventBuffer is the capacity of the event queue.
	EventBuffer int
	// GUID overrides the random identity. Zero means random.
	GUID GUID
}

// DefaultQUICOptions returns the options used by NewQUICTransport(nil).
func DefaultQUICOptions() *QUICOptions {
	return &QUICOptions{
		ConnectTimeout:  5 * time.Second,
		MaxIdleTimeout:  10 * time.Second,
		KeepAlivePeriod: 2 * time.Second,
		CloseGrace:      time.Second,
		EventBuffer:     1024,
	}
}

// quicPeer is one established connection.
type quicPeer struct {
	addr    netip.AddrPort
	guid    GUID
	conn    *quic.Conn
	stream  *quic.Stream
	writeMu sync.Mutex
	closing atomic.Bool
	dropped atomic.Bool
}

// QUICTransport implements Transport over quic-go.
type QUICTransport struct {
	opts      *QUICOptions
	guid      GUID
	quicConf  *quic.Config
	serverTLS *tls.Config
	clientTLS *tls.Config

	mu        sync.RWMutex
	udpConn   *net.UDPConn
	tr        *quic.Transport
	listener  *quic.Listener
	localAddr netip.AddrPort
	maxPeers  int
	peers     map[netip.AddrPort]*quicPeer
	dialing   map[netip.AddrPort]struct{}

	events     chan *Message
	loopMu     sync.Mutex
	loopback   []*Message
	loopNotify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewQUICTransport creates a QUIC-backed transport. Call Listen before use.
func NewQUICTransport(opts *QUICOptions) (*QUICTransport, error) {
	if opts == nil {
		opts = DefaultQUICOptions()
	}
	serverTLS, clientTLS, err := newTLSConfigs()
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS configuration: %w", err)
	}

	guid := opts.GUID
	if guid == UnassignedGUID {
		guid = NewGUID()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &QUICTransport{
		opts:      opts,
		guid:      guid,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConf: &quic.Config{
			HandshakeIdleTimeout: opts.ConnectTimeout,
			MaxIdleTimeout:       opts.MaxIdleTimeout,
			KeepAlivePeriod:      opts.KeepAlivePeriod,
			MaxIncomingStreams:   1,
			EnableDatagrams:      true,
		},
		peers:      make(map[netip.AddrPort]*quicPeer),
		dialing:    make(map[netip.AddrPort]struct{}),
		events:     make(chan *Message, opts.EventBuffer),
		loopNotify: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Listen binds the shared UDP socket and starts accepting connections.
func (t *QUICTransport) Listen(port uint16, maxPeers int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return ErrClosed
	}
	if t.udpConn != nil {
		return ErrAlreadyListening
	}

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("failed to bind UDP port %d: %w", port, err)
	}
	tr := &quic.Transport{Conn: udpConn}
	listener, err := tr.Listen(t.serverTLS, t.quicConf)
	if err != nil {
		_ = udpConn.Close()
		return fmt.Errorf("failed to start QUIC listener: %w", err)
	}

	t.udpConn = udpConn
	t.tr = tr
	t.listener = listener
	t.localAddr = canonical(udpConn.LocalAddr().(*net.UDPAddr).AddrPort())
	t.maxPeers = maxPeers

	t.wg.Add(2)
	go t.acceptLoop()
	go t.rawLoop()

	logrus.WithFields(logrus.Fields{
		"function":  "QUICTransport.Listen",
		"addr":      t.localAddr.String(),
		"guid":      t.guid.String(),
		"max_peers": maxPeers,
	}).Info("QUIC transport listening")

	return nil
}

// MyGUID returns the identity of this endpoint.
func (t *QUICTransport) MyGUID() GUID {
	return t.guid
}

// LocalAddr returns the bound address, or the zero value before Listen.
func (t *QUICTransport) LocalAddr() netip.AddrPort {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.localAddr
}

// Connect starts an asynchronous dial to addr.
func (t *QUICTransport) Connect(addr netip.AddrPort) error {
	addr = canonical(addr)

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.tr == nil {
		t.mu.Unlock()
		return ErrNotListening
	}
	if p, ok := t.peers[addr]; ok {
		t.mu.Unlock()
		t.emit(&Message{Kind: EventConnected, Addr: addr, GUID: p.guid})
		return nil
	}
	if _, ok := t.dialing[addr]; ok {
		t.mu.Unlock()
		return nil
	}
	t.dialing[addr] = struct{}{}
	t.mu.Unlock()

	t.wg.Add(1)
	go t.dial(addr)
	return nil
}

func (t *QUICTransport) dial(addr netip.AddrPort) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.dialing, addr)
		t.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(t.ctx, t.opts.ConnectTimeout)
	defer cancel()

	conn, err := t.tr.Dial(ctx, net.UDPAddrFromAddrPort(addr), t.clientTLS, t.quicConf)
	if err != nil {
		t.connectFailed(addr, err)
		return
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(closeProtocol, "stream")
		t.connectFailed(addr, err)
		return
	}
	remote, err := t.exchangeHello(ctx, stream, true)
	if err != nil {
		_ = conn.CloseWithError(closeProtocol, "hello")
		t.connectFailed(addr, err)
		return
	}

	p := &quicPeer{addr: addr, guid: remote, conn: conn, stream: stream}
	if err := t.register(p); err != nil {
		_ = conn.CloseWithError(closeCapacity, err.Error())
		t.connectFailed(addr, err)
		return
	}
	t.emit(&Message{Kind: EventConnected, Addr: addr, GUID: remote})
	t.startPeer(p)
}

func (t *QUICTransport) connectFailed(addr netip.AddrPort, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "QUICTransport.dial",
		"addr":     addr.String(),
		"error":    err.Error(),
	}).Debug("Outbound connection failed")
	t.emit(&Message{Kind: EventConnectionFailed, Addr: addr})
}

func (t *QUICTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.acceptConn(conn)
	}
}

func (t *QUICTransport) acceptConn(conn *quic.Conn) {
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(t.ctx, t.opts.ConnectTimeout)
	defer cancel()

	addr := canonical(conn.RemoteAddr().(*net.UDPAddr).AddrPort())
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(closeProtocol, "stream")
		return
	}
	remote, err := t.exchangeHello(ctx, stream, false)
	if err != nil {
		_ = conn.CloseWithError(closeProtocol, "hello")
		return
	}

	p := &quicPeer{addr: addr, guid: remote, conn: conn, stream: stream}
	if err := t.register(p); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "QUICTransport.acceptConn",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Info("Refusing incoming connection")
		_ = conn.CloseWithError(closeCapacity, "capacity reached")
		return
	}
	t.emit(&Message{Kind: EventIncomingConnection, Addr: addr, GUID: remote})
	t.startPeer(p)
}

// exchangeHello sends our GUID and reads the remote one. The dialer writes first
// because a QUIC stream is only announced to the acceptor once it carries data.
func (t *QUICTransport) exchangeHello(ctx context.Context, stream *quic.Stream, dialer bool) (GUID, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
		defer stream.SetDeadline(time.Time{})
	}

	hello := make([]byte, helloSize)
	hello[0], hello[1] = helloMagic0, helloMagic1
	binary.BigEndian.PutUint64(hello[2:], uint64(t.guid))

	if dialer {
		if err := writeFrame(stream, hello); err != nil {
			return 0, err
		}
	}
	remote, err := readFrame(stream)
	if err != nil {
		return 0, err
	}
	if len(remote) != helloSize || remote[0] != helloMagic0 || remote[1] != helloMagic1 {
		return 0, errors.New("malformed hello")
	}
	if !dialer {
		if err := writeFrame(stream, hello); err != nil {
			return 0, err
		}
	}
	return GUID(binary.BigEndian.Uint64(remote[2:])), nil
}

func (t *QUICTransport) register(p *quicPeer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return ErrClosed
	}
	if _, exists := t.peers[p.addr]; exists {
		return fmt.Errorf("duplicate connection to %s", p.addr)
	}
	if t.maxPeers > 0 && len(t.peers) >= t.maxPeers {
		return fmt.Errorf("capacity reached (%d peers)", t.maxPeers)
	}
	t.peers[p.addr] = p
	return nil
}

func (t *QUICTransport) startPeer(p *quicPeer) {
	t.wg.Add(2)
	go t.streamLoop(p)
	go t.datagramLoop(p)
}

func (t *QUICTransport) streamLoop(p *quicPeer) {
	defer t.wg.Done()
	var err error
	for {
		var payload []byte
		payload, err = readFrame(p.stream)
		if err != nil {
			break
		}
		t.emit(&Message{
			Kind:        EventData,
			Addr:        p.addr,
			GUID:        p.guid,
			Data:        payload,
			Reliability: ReliableOrdered,
		})
	}
	t.drop(p, errors.Is(err, io.EOF))
}

func (t *QUICTransport) datagramLoop(p *quicPeer) {
	defer t.wg.Done()
	for {
		data, err := p.conn.ReceiveDatagram(p.conn.Context())
		if err != nil {
			return
		}
		t.emit(&Message{
			Kind:        EventData,
			Addr:        p.addr,
			GUID:        p.guid,
			Data:        data,
			Reliability: Unreliable,
		})
	}
}

// drop removes p after its stream ended and reports how the connection ended.
// A clean FIN from the peer is a graceful disconnect. Connections closed through
// CloseConnection or Close produce no event.
func (t *QUICTransport) drop(p *quicPeer, finished bool) {
	if !p.dropped.CompareAndSwap(false, true) {
		return
	}

	if finished {
		_ = p.conn.CloseWithError(closeNormal, "")
	} else {
		select {
		case <-p.conn.Context().Done():
		case <-time.After(t.opts.CloseGrace):
			_ = p.conn.CloseWithError(closeNormal, "")
		case <-t.ctx.Done():
		}
	}

	t.mu.Lock()
	if cur, ok := t.peers[p.addr]; ok && cur == p {
		delete(t.peers, p.addr)
	}
	t.mu.Unlock()

	if p.closing.Load() || t.closed.Load() {
		return
	}

	kind := EventConnectionLost
	var appErr *quic.ApplicationError
	if finished {
		kind = EventDisconnected
	} else if cause := context.Cause(p.conn.Context()); errors.As(cause, &appErr) && appErr.Remote {
		kind = EventDisconnected
	}

	logrus.WithFields(logrus.Fields{
		"function": "QUICTransport.drop",
		"addr":     p.addr.String(),
		"guid":     p.guid.String(),
		"event":    kind.String(),
	}).Debug("Peer connection ended")
	t.emit(&Message{Kind: kind, Addr: p.addr, GUID: p.guid})
}

// CloseConnection closes the stream first so queued reliable frames are
// delivered, then closes the connection once the peer has seen the FIN or the
// grace period expires.
func (t *QUICTransport) CloseConnection(addr netip.AddrPort) {
	addr = canonical(addr)

	t.mu.Lock()
	p, ok := t.peers[addr]
	if ok {
		delete(t.peers, addr)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	p.closing.Store(true)
	p.writeMu.Lock()
	_ = p.stream.Close()
	p.writeMu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case <-p.conn.Context().Done():
		case <-time.After(t.opts.CloseGrace):
		case <-t.ctx.Done():
		}
		_ = p.conn.CloseWithError(closeNormal, "")
	}()
}

// Send transmits data to a connected peer.
func (t *QUICTransport) Send(data []byte, reliability Reliability, addr netip.AddrPort) error {
	addr = canonical(addr)

	t.mu.RLock()
	p, ok := t.peers[addr]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, addr)
	}

	if reliability == Unreliable {
		return p.conn.SendDatagram(data)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writeFrame(p.stream, data)
}

// Receive blocks until the next event, ctx cancellation or Close.
func (t *QUICTransport) Receive(ctx context.Context) (*Message, error) {
	for {
		if m := t.popLoopback(); m != nil {
			return m, nil
		}
		select {
		case m := <-t.events:
			return m, nil
		case <-t.loopNotify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.ctx.Done():
			return nil, ErrClosed
		}
	}
}

// Ping sends an unconnected ping carrying our GUID.
func (t *QUICTransport) Ping(addr netip.AddrPort) error {
	buf := make([]byte, 17)
	buf[0] = rawPing
	binary.BigEndian.PutUint64(buf[1:9], uint64(t.guid))
	binary.BigEndian.PutUint64(buf[9:17], uint64(time.Now().UnixNano()))
	return t.writeRaw(buf, addr)
}

// Advertise sends data to addr outside of any connection.
func (t *QUICTransport) Advertise(addr netip.AddrPort, data []byte) error {
	if len(data) == 0 {
		return limits.ErrMessageEmpty
	}
	if data[0]&quicHeaderBits != 0 || data[0] <= rawReservedMax {
		return fmt.Errorf("%w: 0x%02x", ErrReservedTag, data[0])
	}
	return t.writeRaw(data, addr)
}

func (t *QUICTransport) writeRaw(data []byte, addr netip.AddrPort) error {
	t.mu.RLock()
	tr := t.tr
	t.mu.RUnlock()
	if tr == nil {
		return ErrNotListening
	}
	_, err := tr.WriteTo(data, net.UDPAddrFromAddrPort(addr))
	return err
}

func (t *QUICTransport) rawLoop() {
	defer t.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, from, err := t.tr.ReadNonQUICPacket(t.ctx, buf)
		if err != nil {
			return
		}
		udpAddr, ok := from.(*net.UDPAddr)
		if !ok || n == 0 {
			continue
		}
		t.handleRaw(append([]byte(nil), buf[:n]...), canonical(udpAddr.AddrPort()))
	}
}

func (t *QUICTransport) handleRaw(data []byte, from netip.AddrPort) {
	switch data[0] {
	case rawPing:
		if len(data) < 17 {
			return
		}
		pong := make([]byte, 17)
		pong[0] = rawPong
		binary.BigEndian.PutUint64(pong[1:9], uint64(t.guid))
		copy(pong[9:17], data[9:17])
		_ = t.writeRaw(pong, from)
	case rawPong:
		if len(data) < 17 {
			return
		}
		remote := GUID(binary.BigEndian.Uint64(data[1:9]))
		if remote == t.guid {
			return
		}
		t.emit(&Message{Kind: EventPong, Addr: from, GUID: remote, Data: data[9:17]})
	default:
		if data[0] <= rawReservedMax {
			return
		}
		t.emit(&Message{Kind: EventAdvertise, Addr: from, Data: data})
	}
}

// SendLoopback queues data for this endpoint. It never blocks.
func (t *QUICTransport) SendLoopback(data []byte) {
	m := &Message{
		Kind:        EventLoopback,
		Addr:        t.LocalAddr(),
		GUID:        t.guid,
		Data:        append([]byte(nil), data...),
		Reliability: ReliableOrdered,
	}
	t.loopMu.Lock()
	t.loopback = append(t.loopback, m)
	t.loopMu.Unlock()

	select {
	case t.loopNotify <- struct{}{}:
	default:
	}
}

func (t *QUICTransport) popLoopback() *Message {
	t.loopMu.Lock()
	defer t.loopMu.Unlock()
	if len(t.loopback) == 0 {
		return nil
	}
	m := t.loopback[0]
	t.loopback = t.loopback[1:]
	return m
}

func (t *QUICTransport) emit(m *Message) {
	select {
	case t.events <- m:
	case <-t.ctx.Done():
	}
}

// Close shuts down every connection and the socket, and waits for the
// transport's goroutines to exit.
func (t *QUICTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	peers := make([]*quicPeer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[netip.AddrPort]*quicPeer)
	listener, tr, udpConn := t.listener, t.tr, t.udpConn
	t.mu.Unlock()

	var err error
	for _, p := range peers {
		p.closing.Store(true)
		err = multierr.Append(err, p.conn.CloseWithError(closeNormal, "shutdown"))
	}
	t.cancel()
	if listener != nil {
		err = multierr.Append(err, listener.Close())
	}
	if tr != nil {
		err = multierr.Append(err, tr.Close())
	}
	if udpConn != nil {
		if cerr := udpConn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	t.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "QUICTransport.Close",
		"guid":     t.guid.String(),
	}).Debug("QUIC transport closed")
	return err
}

func writeFrame(w io.Writer, payload []byte) error {
	if err := limits.ValidateFrame(len(payload)); err != nil {
		return err
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(hdr[:]))
	if err := limits.ValidateFrame(size); err != nil {
		return nil, err
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// canonical strips IPv4-in-IPv6 mapping so map keys compare equal.
func canonical(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Canonical is the exported form of the address normalisation used as map key
// by every Transport implementation.
func Canonical(addr netip.AddrPort) netip.AddrPort {
	return canonical(addr)
}
