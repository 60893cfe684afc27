package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/linkcable/limits"
	"github.com/opd-ai/linkcable/transport"
	"github.com/opd-ai/linkcable/wire"
)

// DefaultPort is the port the server listens on when none is configured.
const DefaultPort = 61111

// DefaultForwarderIdle closes forwarders nobody has used for this long.
const DefaultForwarderIdle = 60 * time.Second

// ErrServing is returned by Serve when the server is already running.
var ErrServing = errors.New("server already serving")

// Config holds the server settings.
type Config struct {
	Port     uint16
	MaxPeers int
	// RelayIP is the routable address forwarders bind to. The zero value
	// disables relaying unless Relay is set.
	RelayIP       netip.Addr
	ForwarderIdle time.Duration
	// Relay overrides the UDP relay built from RelayIP.
	Relay      Relay
	Registerer prometheus.Registerer
}

// NewConfig returns the default configuration, without a relay.
func NewConfig() *Config {
	return &Config{
		Port:          DefaultPort,
		MaxPeers:      1024,
		ForwarderIdle: DefaultForwarderIdle,
	}
}

type peer struct {
	guid      transport.GUID
	addr      netip.AddrPort
	accepting bool
}

// Server is the rendezvous server. All protocol state is owned by the
// goroutine running Serve; the mutex only guards it for the accessors.
type Server struct {
	tr      transport.Transport
	cfg     Config
	relay   Relay
	metrics *metrics
	log     *logrus.Entry

	mu       sync.Mutex
	serving  bool
	byAddr   map[netip.AddrPort]*peer
	byGUID   map[transport.GUID]*peer
	listings map[transport.GUID]*wire.Listing
}

// NewServer creates a server on tr. Serve binds it.
func NewServer(tr transport.Transport, cfg *Config) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	c := *cfg
	if c.MaxPeers <= 0 {
		c.MaxPeers = NewConfig().MaxPeers
	}
	if c.ForwarderIdle <= 0 {
		c.ForwarderIdle = DefaultForwarderIdle
	}

	s := &Server{
		tr:       tr,
		cfg:      c,
		metrics:  newMetrics(c.Registerer),
		byAddr:   make(map[netip.AddrPort]*peer),
		byGUID:   make(map[transport.GUID]*peer),
		listings: make(map[transport.GUID]*wire.Listing),
		log:      logrus.WithField("component", "rendezvous"),
	}
	switch {
	case c.Relay != nil:
		s.relay = c.Relay
	case c.RelayIP.IsValid():
		s.relay = newUDPRelay(c.RelayIP, c.ForwarderIdle, s.metrics)
	}
	return s
}

// Serve binds the transport and handles messages until ctx is done or the
// transport fails. The relay is closed on return.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return ErrServing
	}
	s.serving = true
	s.mu.Unlock()

	if err := s.tr.Listen(s.cfg.Port, s.cfg.MaxPeers); err != nil {
		return fmt.Errorf("failed to bind rendezvous port %d: %w", s.cfg.Port, err)
	}
	s.log.WithFields(logrus.Fields{
		"function": "Server.Serve",
		"addr":     s.tr.LocalAddr().String(),
		"guid":     s.tr.MyGUID().String(),
		"relay":    s.relay != nil,
	}).Info("Rendezvous server listening")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.relay != nil {
		go serveRelay(ctx, s.relay)
	}

	for {
		m, err := s.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rendezvous receive failed: %w", err)
		}
		s.handle(m)
	}
}

// Close shuts down the transport, which ends Serve.
func (s *Server) Close() error {
	return s.tr.Close()
}

// Peers returns the number of connected sessions.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAddr)
}

// Accepting reports whether the session with guid announced it accepts
// incoming connections.
func (s *Server) Accepting(guid transport.GUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byGUID[guid]
	return ok && p.accepting
}

// Listings returns the public listings sorted by name.
func (s *Server) Listings() []*wire.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedListings()
}

func (s *Server) handle(m *transport.Message) {
	switch m.Kind {
	case transport.EventIncomingConnection:
		s.handleIncoming(m)
	case transport.EventDisconnected, transport.EventConnectionLost:
		s.handleGone(m)
	case transport.EventData:
		s.handleData(m)
	}
}

func (s *Server) handleIncoming(m *transport.Message) {
	s.mu.Lock()
	existing, dup := s.byGUID[m.GUID]
	s.mu.Unlock()

	if dup && existing.addr != m.Addr {
		if existing.addr.Addr() != m.Addr.Addr() {
			s.log.WithFields(logrus.Fields{
				"function": "Server.handleIncoming",
				"guid":     m.GUID.String(),
				"existing": existing.addr.String(),
				"addr":     m.Addr.String(),
			}).Warn("GUID already connected from another address")
			s.send(wire.Bare(wire.TagAlreadyConnected), m.Addr)
			s.tr.CloseConnection(m.Addr)
			return
		}
		// same machine reconnecting before its old link timed out
		s.tr.CloseConnection(existing.addr)
		s.remove(existing.addr, false)
	}

	s.mu.Lock()
	p := &peer{guid: m.GUID, addr: m.Addr}
	s.byAddr[m.Addr] = p
	s.byGUID[m.GUID] = p
	s.metrics.peers.Set(float64(len(s.byAddr)))
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function": "Server.handleIncoming",
		"guid":     m.GUID.String(),
		"addr":     m.Addr.String(),
	}).Debug("Session registered")
}

func (s *Server) handleGone(m *transport.Message) {
	if s.remove(m.Addr, true) {
		s.log.WithFields(logrus.Fields{
			"function": "Server.handleGone",
			"addr":     m.Addr.String(),
			"event":    m.Kind.String(),
		}).Debug("Session unregistered")
	}
}

// remove forgets the session at addr, and its listing when dropListing is set.
func (s *Server) remove(addr netip.AddrPort, dropListing bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byAddr[addr]
	if !ok {
		return false
	}
	delete(s.byAddr, addr)
	if s.byGUID[p.guid] == p {
		delete(s.byGUID, p.guid)
		if dropListing {
			delete(s.listings, p.guid)
		}
	}
	s.metrics.peers.Set(float64(len(s.byAddr)))
	s.metrics.listings.Set(float64(len(s.listings)))
	return true
}

func (s *Server) handleData(m *transport.Message) {
	tag, ok := wire.TagOf(m.Data)
	if !ok {
		return
	}
	s.mu.Lock()
	from, known := s.byAddr[m.Addr]
	s.mu.Unlock()
	if !known {
		return
	}

	switch tag {
	case wire.TagAcceptIncoming:
		s.mu.Lock()
		from.accepting = true
		s.mu.Unlock()
	case wire.TagPunchRequest:
		s.handlePunch(from, m.Data)
	case wire.TagForwardRequest:
		s.handleForward(from, m.Data)
	case wire.TagGUIDQuery:
		s.handleGUIDQuery(from, m.Data)
	case wire.TagListingPublish:
		s.handlePublish(from, m.Data)
	case wire.TagListingQuery:
		s.mu.Lock()
		result := wire.EncodeListingResult(s.sortedListings())
		s.mu.Unlock()
		s.send(result, from.addr)
	default:
		s.log.WithFields(logrus.Fields{
			"function": "Server.handleData",
			"tag":      tag.String(),
			"addr":     m.Addr.String(),
		}).Debug("Ignoring unexpected message")
	}
}

// target looks up the session a punch or forward request names.
func (s *Server) target(guid transport.GUID) (*peer, wire.FailReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byGUID[guid]
	switch {
	case !ok:
		return nil, wire.FailNotConnected
	case !p.accepting:
		return nil, wire.FailUnreachable
	}
	c := *p
	return &c, 0
}

func (s *Server) handlePunch(from *peer, msg []byte) {
	guid, err := wire.DecodeGUID(msg)
	if err != nil {
		s.log.WithError(err).Debug("Ignoring malformed punch request")
		return
	}
	to, reason := s.target(guid)
	if to == nil {
		s.metrics.punches.WithLabelValues("failed").Inc()
		s.send(wire.EncodeFailure(wire.TagPunchFailed, guid, reason), from.addr)
		return
	}

	s.send(wire.EncodeGUIDAddr(wire.TagPunchConnect, from.guid, from.addr), to.addr)
	s.send(wire.EncodeGUIDAddr(wire.TagPunchSucceeded, to.guid, to.addr), from.addr)
	s.metrics.punches.WithLabelValues("coordinated").Inc()
	s.log.WithFields(logrus.Fields{
		"function":  "Server.handlePunch",
		"requester": from.addr.String(),
		"target":    to.addr.String(),
	}).Info("Punch-through coordinated")
}

func (s *Server) handleForward(from *peer, msg []byte) {
	guid, err := wire.DecodeGUID(msg)
	if err != nil {
		s.log.WithError(err).Debug("Ignoring malformed forward request")
		return
	}
	fail := func(reason wire.FailReason) {
		s.metrics.forwards.WithLabelValues("failed").Inc()
		s.send(wire.EncodeFailure(wire.TagForwardFailed, guid, reason), from.addr)
	}
	if s.relay == nil {
		fail(wire.FailNoRelay)
		return
	}
	to, reason := s.target(guid)
	if to == nil {
		fail(reason)
		return
	}
	fwd, err := s.relay.Allocate(to.addr, from.addr)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "Server.handleForward",
			"target":   to.addr.String(),
			"error":    err.Error(),
		}).Error("Failed to allocate forwarder")
		fail(wire.FailInternal)
		return
	}

	s.send(wire.EncodeGUIDAddr(wire.TagForwardIncoming, from.guid, fwd), to.addr)
	s.send(wire.EncodeGUIDAddr(wire.TagForwardSucceeded, to.guid, fwd), from.addr)
	s.metrics.forwards.WithLabelValues("allocated").Inc()
}

func (s *Server) handleGUIDQuery(from *peer, msg []byte) {
	guids, err := wire.DecodeGUIDList(msg)
	if err != nil {
		s.log.WithError(err).Debug("Ignoring malformed GUID query")
		return
	}
	if len(guids) > limits.MaxGUIDsPerQuery {
		guids = guids[:limits.MaxGUIDsPerQuery]
	}

	var invalid []transport.GUID
	s.mu.Lock()
	for _, g := range guids {
		if _, ok := s.byGUID[g]; !ok {
			invalid = append(invalid, g)
		}
	}
	s.mu.Unlock()

	s.metrics.queries.Inc()
	s.send(wire.EncodeGUIDList(wire.TagGUIDInvalid, invalid), from.addr)
}

func (s *Server) handlePublish(from *peer, msg []byte) {
	l, err := wire.DecodeListingPublish(msg)
	if err == nil {
		err = l.Validate()
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "Server.handlePublish",
			"addr":     from.addr.String(),
			"error":    err.Error(),
		}).Debug("Rejecting listing")
		return
	}

	l.GUID = from.guid
	observed := from.addr.String()
	if len(l.Hints) < limits.MaxListingHints && !slices.Contains(l.Hints, observed) {
		l.Hints = append([]string{observed}, l.Hints...)
	}

	s.mu.Lock()
	if old, ok := s.listings[from.guid]; ok {
		l.ID = old.ID
	} else {
		l.ID = uuid.New()
	}
	s.listings[from.guid] = l
	s.metrics.listings.Set(float64(len(s.listings)))
	s.mu.Unlock()

	s.send(wire.EncodeListingAck(l.ID), from.addr)
	s.log.WithFields(logrus.Fields{
		"function": "Server.handlePublish",
		"id":       l.ID.String(),
		"name":     l.Name,
	}).Info("Listing published")
}

// sortedListings must be called with mu held.
func (s *Server) sortedListings() []*wire.Listing {
	out := make([]*wire.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		c := *l
		c.Hints = append([]string(nil), l.Hints...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].GUID < out[j].GUID
	})
	return out
}

func (s *Server) send(msg []byte, to netip.AddrPort) {
	if err := s.tr.Send(msg, transport.ReliableOrdered, to); err != nil {
		tag, _ := wire.TagOf(msg)
		s.log.WithFields(logrus.Fields{
			"function": "Server.send",
			"tag":      tag.String(),
			"to":       to.String(),
			"error":    err.Error(),
		}).Debug("Send failed")
	}
}
