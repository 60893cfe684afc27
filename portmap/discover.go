package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrNoGateway is returned by Discover when neither protocol finds a gateway.
var ErrNoGateway = errors.New("no port mapping gateway found")

// Discover probes UPnP and NAT-PMP concurrently and returns a mapper for the
// gateway found, preferring UPnP.
func Discover(ctx context.Context) (Mapper, error) {
	var (
		upnp            *UPnPMapper
		pmp             *NATPMPMapper
		upnpErr, pmpErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		upnp, upnpErr = DiscoverUPnP(gctx)
		return nil
	})
	g.Go(func() error {
		pmp, pmpErr = DiscoverNATPMP(gctx)
		return nil
	})
	_ = g.Wait()

	switch {
	case upnp != nil:
		return upnp, nil
	case pmp != nil:
		return pmp, nil
	}

	err := multierr.Combine(upnpErr, pmpErr)
	logrus.WithFields(logrus.Fields{
		"function": "Discover",
		"error":    err.Error(),
	}).Info("No port mapping gateway available")
	return nil, fmt.Errorf("%w: %v", ErrNoGateway, err)
}

// DefaultSTUNServer is used when no server is configured.
const DefaultSTUNServer = "stun.l.google.com:19302"

// ExternalAddress resolves the public address of this host as seen by a STUN
// server.
func ExternalAddress(ctx context.Context, server string) (netip.AddrPort, error) {
	if server == "" {
		server = DefaultSTUNServer
	}

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "udp4", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to reach STUN server %s: %w", server, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to build STUN request: %w", err)
	}
	if _, err := req.WriteTo(conn); err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to send STUN request: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return netip.AddrPort{}, ctx.Err()
		}
		return netip.AddrPort{}, fmt.Errorf("failed to read STUN response: %w", err)
	}

	res := &stun.Message{Raw: buf[:n]}
	if err := res.Decode(); err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to decode STUN response: %w", err)
	}
	if res.TransactionID != req.TransactionID {
		return netip.AddrPort{}, errors.New("STUN transaction ID mismatch")
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		return udpAddrPort(xor.IP, xor.Port)
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err != nil {
		return netip.AddrPort{}, fmt.Errorf("no mapped address in STUN response: %w", err)
	}
	return udpAddrPort(mapped.IP, mapped.Port)
}

func udpAddrPort(ip []byte, port int) (netip.AddrPort, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("invalid address %v", ip)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}

// AutoMapper discovers the gateway on first use and delegates to it. A failed
// discovery is retried by the next AddMapping.
type AutoMapper struct {
	mu    sync.Mutex
	inner Mapper
}

// NewAutoMapper returns a mapper that runs Discover lazily.
func NewAutoMapper() *AutoMapper {
	return &AutoMapper{}
}

// Name returns the discovered protocol name, or "auto" before discovery.
func (a *AutoMapper) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inner == nil {
		return "auto"
	}
	return a.inner.Name()
}

func (a *AutoMapper) mapper(ctx context.Context) (Mapper, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inner != nil {
		return a.inner, nil
	}
	m, err := Discover(ctx)
	if err != nil {
		return nil, err
	}
	a.inner = m
	return m, nil
}

// AddMapping implements Mapper.
func (a *AutoMapper) AddMapping(ctx context.Context, proto Protocol, internalPort, externalPort uint16, lifetime time.Duration) (uint16, error) {
	m, err := a.mapper(ctx)
	if err != nil {
		return 0, err
	}
	return m.AddMapping(ctx, proto, internalPort, externalPort, lifetime)
}

// DeleteMapping implements Mapper. Without a discovered gateway there is
// nothing to delete.
func (a *AutoMapper) DeleteMapping(ctx context.Context, proto Protocol, internalPort, externalPort uint16) error {
	a.mu.Lock()
	m := a.inner
	a.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.DeleteMapping(ctx, proto, internalPort, externalPort)
}
