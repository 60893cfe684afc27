package discovery

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/opd-ai/linkcable/transport"
	"github.com/opd-ai/linkcable/wire"
)

// ErrNotStarted is returned by Ping before Start.
var ErrNotStarted = errors.New("discovery not started")

// Advertiser sends a unicast datagram outside of any connection. A
// transport.Transport satisfies it.
type Advertiser interface {
	Advertise(addr netip.AddrPort, data []byte) error
}

// Config holds the multicast parameters.
type Config struct {
	// Group is the multicast group and port.
	Group netip.AddrPort
	// TTL is the multicast hop limit.
	TTL int
	// Loopback delivers our own multicast to local listeners, so two
	// instances on one machine find each other.
	Loopback bool
	// ReplyInterval is the minimum time between two adverts to the same address.
	ReplyInterval time.Duration
	// ReplyCacheSize bounds the number of remembered requesters.
	ReplyCacheSize int
	// Clock is the time source for reply rate limiting.
	Clock clock.Clock
}

// DefaultConfig returns the standard discovery parameters.
func DefaultConfig() *Config {
	return &Config{
		Group:          netip.MustParseAddrPort("239.255.76.67:47624"),
		TTL:            2,
		Loopback:       true,
		ReplyInterval:  500 * time.Millisecond,
		ReplyCacheSize: 256,
		Clock:          clock.New(),
	}
}

// Discovery sends discovery pings and answers them.
type Discovery struct {
	cfg  *Config
	guid transport.GUID
	adv  Advertiser

	// sockMu guards the multicast socket. It is never held while calling
	// out to the Advertiser or the peer callback.
	sockMu  sync.Mutex
	conn    net.PacketConn
	pconn   *ipv4.PacketConn
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup

	responder atomic.Bool
	cbMu      sync.RWMutex
	onPeer    func(guid transport.GUID, addr netip.AddrPort)
	replied   *lru.Cache[netip.AddrPort, time.Time]
}

// New creates a Discovery for the endpoint identified by guid. Adverts are
// sent through adv.
func New(guid transport.GUID, adv Advertiser, cfg *Config) *Discovery {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	size := cfg.ReplyCacheSize
	if size <= 0 {
		size = 256
	}
	// only fails for a non-positive size
	replied, _ := lru.New[netip.AddrPort, time.Time](size)

	return &Discovery{
		cfg:     cfg,
		guid:    guid,
		adv:     adv,
		replied: replied,
	}
}

// Start opens the multicast socket and joins the group on every
// multicast-capable interface.
func (d *Discovery) Start() error {
	d.sockMu.Lock()
	defer d.sockMu.Unlock()

	if d.started {
		return nil
	}

	conn, err := listenShared(fmt.Sprintf("0.0.0.0:%d", d.cfg.Group.Port()))
	if err != nil {
		return fmt.Errorf("failed to open discovery socket: %w", err)
	}
	pconn := ipv4.NewPacketConn(conn)

	joined := joinGroup(pconn, d.cfg.Group.Addr())
	if joined == 0 {
		_ = conn.Close()
		return fmt.Errorf("failed to join multicast group %s on any interface", d.cfg.Group.Addr())
	}
	if err := pconn.SetMulticastTTL(d.cfg.TTL); err != nil {
		logrus.WithError(err).Debug("Failed to set multicast TTL")
	}
	if err := pconn.SetMulticastLoopback(d.cfg.Loopback); err != nil {
		logrus.WithError(err).Debug("Failed to set multicast loopback")
	}

	d.conn = conn
	d.pconn = pconn
	d.started = true
	d.stop = make(chan struct{})

	d.wg.Add(1)
	go d.receiveLoop(conn, d.stop)

	logrus.WithFields(logrus.Fields{
		"function":   "Discovery.Start",
		"group":      d.cfg.Group.String(),
		"interfaces": joined,
		"ttl":        d.cfg.TTL,
	}).Info("LAN discovery started")
	return nil
}

func joinGroup(pconn *ipv4.PacketConn, group netip.Addr) int {
	groupAddr := &net.UDPAddr{IP: group.AsSlice()}

	ifaces, err := net.Interfaces()
	if err != nil {
		logrus.WithError(err).Debug("Failed to list interfaces")
	}
	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pconn.JoinGroup(ifi, groupAddr); err != nil {
			logrus.WithFields(logrus.Fields{
				"interface": ifi.Name,
				"error":     err.Error(),
			}).Debug("Failed to join multicast group")
			continue
		}
		joined++
	}
	if joined == 0 {
		if err := pconn.JoinGroup(nil, groupAddr); err == nil {
			joined = 1
		}
	}
	return joined
}

// Stop leaves the group and closes the socket. It is safe to call more than once.
func (d *Discovery) Stop() {
	d.sockMu.Lock()
	if !d.started {
		d.sockMu.Unlock()
		return
	}
	d.started = false
	close(d.stop)
	_ = d.conn.Close()
	d.conn = nil
	d.pconn = nil
	d.sockMu.Unlock()

	d.wg.Wait()
	logrus.WithField("function", "Discovery.Stop").Debug("LAN discovery stopped")
}

// OnPeer registers the callback invoked for every valid advert.
func (d *Discovery) OnPeer(fn func(guid transport.GUID, addr netip.AddrPort)) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.onPeer = fn
}

// SetResponder enables or disables answering pings.
func (d *Discovery) SetResponder(enabled bool) {
	d.responder.Store(enabled)
}

// Responding reports whether pings are answered.
func (d *Discovery) Responding() bool {
	return d.responder.Load()
}

// Ping multicasts a discovery ping to the group.
func (d *Discovery) Ping() error {
	d.sockMu.Lock()
	defer d.sockMu.Unlock()

	if !d.started {
		return ErrNotStarted
	}
	msg := wire.EncodeDiscovery(wire.TagDiscoveryPing, d.guid)
	if _, err := d.conn.WriteTo(msg, net.UDPAddrFromAddrPort(d.cfg.Group)); err != nil {
		return fmt.Errorf("failed to send discovery ping: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Discovery.Ping",
		"group":    d.cfg.Group.String(),
	}).Debug("Sent discovery ping")
	return nil
}

func (d *Discovery) receiveLoop(conn net.PacketConn, stop chan struct{}) {
	defer d.wg.Done()

	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		d.HandleDatagram(buf[:n], transport.Canonical(udpAddr.AddrPort()))
	}
}

// HandleDatagram processes a datagram received on the discovery socket or
// surfaced by the transport as an advertisement. It reports whether data was
// a discovery datagram.
func (d *Discovery) HandleDatagram(data []byte, from netip.AddrPort) bool {
	tag, sender, err := wire.DecodeDiscovery(data)
	if err != nil {
		return false
	}
	if sender == d.guid {
		return true
	}

	switch tag {
	case wire.TagDiscoveryPing:
		d.answer(sender, from)
	case wire.TagDiscoveryAdvert:
		logrus.WithFields(logrus.Fields{
			"function": "Discovery.HandleDatagram",
			"guid":     sender.String(),
			"addr":     from.String(),
		}).Info("Discovered LAN peer")

		d.cbMu.RLock()
		cb := d.onPeer
		d.cbMu.RUnlock()
		if cb != nil {
			cb(sender, from)
		}
	}
	return true
}

func (d *Discovery) answer(sender transport.GUID, from netip.AddrPort) {
	if !d.responder.Load() || d.adv == nil {
		return
	}
	now := d.cfg.Clock.Now()
	if last, ok := d.replied.Get(from); ok && now.Sub(last) < d.cfg.ReplyInterval {
		return
	}
	d.replied.Add(from, now)

	advert := wire.EncodeDiscovery(wire.TagDiscoveryAdvert, d.guid)
	if err := d.adv.Advertise(from, advert); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Discovery.answer",
			"addr":     from.String(),
			"error":    err.Error(),
		}).Debug("Failed to send discovery advert")
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":  "Discovery.answer",
		"requester": sender.String(),
		"addr":      from.String(),
	}).Debug("Answered discovery ping")
}
