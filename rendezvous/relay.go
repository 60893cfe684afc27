package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Relay allocates forwarders between a host and a client that cannot reach
// each other directly.
type Relay interface {
	// Allocate returns the address the client should connect to. Datagrams
	// from the requester's IP are relayed to host and back.
	Allocate(host, requester netip.AddrPort) (netip.AddrPort, error)
	Close() error
}

// ErrRelayClosed is returned by Allocate after Close.
var ErrRelayClosed = errors.New("relay closed")

// UDPRelay forwards raw UDP datagrams through sockets bound on one IP.
type UDPRelay struct {
	ip   netip.Addr
	idle time.Duration
	m    *metrics

	mu         sync.Mutex
	forwarders map[*forwarder]struct{}
	closed     bool
	wg         sync.WaitGroup
}

// NewUDPRelay creates a relay binding forwarders on ip. A forwarder that
// sees no traffic for idle is closed.
func NewUDPRelay(ip netip.Addr, idle time.Duration) *UDPRelay {
	return newUDPRelay(ip, idle, newMetrics(nil))
}

func newUDPRelay(ip netip.Addr, idle time.Duration, m *metrics) *UDPRelay {
	if idle <= 0 {
		idle = DefaultForwarderIdle
	}
	return &UDPRelay{
		ip:         ip,
		idle:       idle,
		m:          m,
		forwarders: make(map[*forwarder]struct{}),
	}
}

type forwarder struct {
	relay  *UDPRelay
	conn   *net.UDPConn
	host   netip.AddrPort
	client netip.AddrPort
	// clientIP restricts which source may claim the client side.
	clientIP netip.Addr
}

// Allocate implements Relay.
func (r *UDPRelay) Allocate(host, requester netip.AddrPort) (netip.AddrPort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return netip.AddrPort{}, ErrRelayClosed
	}

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(r.ip, 0)))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to bind forwarder on %s: %w", r.ip, err)
	}
	f := &forwarder{
		relay:    r,
		conn:     conn,
		host:     host,
		clientIP: requester.Addr().Unmap(),
	}
	r.forwarders[f] = struct{}{}
	r.m.forwarders.Inc()

	addr := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	logrus.WithFields(logrus.Fields{
		"function":  "UDPRelay.Allocate",
		"forwarder": addr.String(),
		"host":      host.String(),
		"requester": requester.String(),
	}).Info("Forwarder allocated")

	r.wg.Add(1)
	go f.run()
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), nil
}

// Active returns the number of open forwarders.
func (r *UDPRelay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.forwarders)
}

// Close shuts every forwarder down and waits for them.
func (r *UDPRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	var err error
	for f := range r.forwarders {
		err = multierr.Append(err, f.conn.Close())
	}
	r.mu.Unlock()

	r.wg.Wait()
	return err
}

func (r *UDPRelay) remove(f *forwarder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.forwarders[f]; ok {
		delete(r.forwarders, f)
		r.m.forwarders.Dec()
	}
}

func (f *forwarder) run() {
	defer f.relay.wg.Done()
	defer f.relay.remove(f)
	defer f.conn.Close()

	buf := make([]byte, 64*1024)
	for {
		_ = f.conn.SetReadDeadline(time.Now().Add(f.relay.idle))
		n, from, err := f.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logrus.WithField("host", f.host.String()).Debug("Forwarder idle, closing")
			}
			return
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		var to netip.AddrPort
		var direction string
		switch {
		case from == f.host:
			if !f.client.IsValid() {
				// host ping opening its NAT before the client arrives
				continue
			}
			to, direction = f.client, "to_client"
		case from.Addr() == f.clientIP:
			f.client = from
			to, direction = f.host, "to_host"
		default:
			continue
		}

		if _, err := f.conn.WriteToUDPAddrPort(buf[:n], to); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "forwarder.run",
				"to":       to.String(),
				"error":    err.Error(),
			}).Debug("Forward failed")
			continue
		}
		f.relay.m.relayed.WithLabelValues(direction).Add(float64(n))
	}
}

// serveRelay closes r when ctx ends.
func serveRelay(ctx context.Context, r Relay) {
	<-ctx.Done()
	_ = r.Close()
}
