package portmap

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"
)

// NATPMPMapper maps ports through a NAT-PMP gateway.
type NATPMPMapper struct {
	gateway net.IP
	client  *natpmp.Client
}

// DiscoverNATPMP locates the default gateway and checks that it speaks NAT-PMP.
func DiscoverNATPMP(ctx context.Context) (*NATPMPMapper, error) {
	gw, err := runCtx(ctx, gateway.DiscoverGateway)
	if err != nil {
		return nil, fmt.Errorf("failed to discover gateway: %w", err)
	}

	timeout := DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	client := natpmp.NewClientWithTimeout(gw, timeout)

	if _, err := runCtx(ctx, client.GetExternalAddress); err != nil {
		return nil, fmt.Errorf("gateway %s does not answer NAT-PMP: %w", gw, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DiscoverNATPMP",
		"gateway":  gw.String(),
	}).Info("NAT-PMP gateway discovered")
	return &NATPMPMapper{gateway: gw, client: client}, nil
}

// runCtx runs a blocking call and gives up when ctx is done. The call itself
// keeps running until its own timeout.
func runCtx[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Name returns "natpmp".
func (m *NATPMPMapper) Name() string {
	return "natpmp"
}

// AddMapping requests a mapping. The gateway may assign a different external port.
func (m *NATPMPMapper) AddMapping(ctx context.Context, proto Protocol, internalPort, externalPort uint16, lifetime time.Duration) (uint16, error) {
	if externalPort == 0 {
		externalPort = internalPort
	}
	res, err := runCtx(ctx, func() (*natpmp.AddPortMappingResult, error) {
		return m.client.AddPortMapping(string(proto), int(internalPort), int(externalPort), int(lifetime/time.Second))
	})
	if err != nil {
		return 0, fmt.Errorf("natpmp AddPortMapping: %w", err)
	}
	return res.MappedExternalPort, nil
}

// DeleteMapping releases the mapping of internalPort. NAT-PMP deletes by
// requesting a zero lifetime.
func (m *NATPMPMapper) DeleteMapping(ctx context.Context, proto Protocol, internalPort, externalPort uint16) error {
	_, err := runCtx(ctx, func() (*natpmp.AddPortMappingResult, error) {
		return m.client.AddPortMapping(string(proto), int(internalPort), 0, 0)
	})
	if err != nil {
		return fmt.Errorf("natpmp delete mapping: %w", err)
	}
	return nil
}

// ExternalIP asks the gateway for its public address.
func (m *NATPMPMapper) ExternalIP(ctx context.Context) (netip.Addr, error) {
	res, err := runCtx(ctx, m.client.GetExternalAddress)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("natpmp GetExternalAddress: %w", err)
	}
	return netip.AddrFrom4(res.ExternalIPAddress), nil
}
