package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/sirupsen/logrus"
)

// ErrNoUPnPGateway is returned when no IGD answers the SSDP search.
var ErrNoUPnPGateway = errors.New("no UPnP gateway found")

const mappingDescription = "linkcable"

// igdClient is the subset shared by the WANIPConnection and
// WANPPPConnection clients of both IGD versions.
type igdClient interface {
	AddPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string,
		internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
	GetServiceClient() *goupnp.ServiceClient
}

// UPnPMapper maps ports through a UPnP Internet Gateway Device.
type UPnPMapper struct {
	client  igdClient
	service string
	localIP string
}

// DiscoverUPnP searches for a gateway, preferring IGDv2 over IGDv1 and an IP
// connection over a PPP one.
func DiscoverUPnP(ctx context.Context) (*UPnPMapper, error) {
	type candidate struct {
		name   string
		search func(context.Context) ([]igdClient, error)
	}
	candidates := []candidate{
		{"IGDv2-WANIPConnection2", func(ctx context.Context) ([]igdClient, error) {
			cs, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx)
			return asIGD(cs), err
		}},
		{"IGDv2-WANIPConnection1", func(ctx context.Context) ([]igdClient, error) {
			cs, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx)
			return asIGD(cs), err
		}},
		{"IGDv2-WANPPPConnection1", func(ctx context.Context) ([]igdClient, error) {
			cs, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx)
			return asIGD(cs), err
		}},
		{"IGDv1-WANIPConnection1", func(ctx context.Context) ([]igdClient, error) {
			cs, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx)
			return asIGD(cs), err
		}},
		{"IGDv1-WANPPPConnection1", func(ctx context.Context) ([]igdClient, error) {
			cs, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx)
			return asIGD(cs), err
		}},
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clients, err := c.search(ctx)
		if err != nil || len(clients) == 0 {
			continue
		}
		client := clients[0]
		localIP, err := localIPFor(client.GetServiceClient())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "DiscoverUPnP",
				"service":  c.name,
				"error":    err.Error(),
			}).Debug("Gateway found but local address unknown")
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function": "DiscoverUPnP",
			"service":  c.name,
			"local_ip": localIP,
		}).Info("UPnP gateway discovered")
		return &UPnPMapper{client: client, service: c.name, localIP: localIP}, nil
	}
	return nil, ErrNoUPnPGateway
}

func asIGD[T igdClient](clients []T) []igdClient {
	out := make([]igdClient, len(clients))
	for i, c := range clients {
		out[i] = c
	}
	return out
}

// localIPFor returns the local address used to reach the gateway.
func localIPFor(sc *goupnp.ServiceClient) (string, error) {
	if sc == nil || sc.Location == nil {
		return "", errors.New("gateway location unknown")
	}
	host := sc.Location.Host
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	conn, err := net.DialTimeout("udp4", host, time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// Name returns the protocol and service in use.
func (m *UPnPMapper) Name() string {
	return "upnp/" + m.service
}

// AddMapping forwards externalPort to internalPort on this machine.
func (m *UPnPMapper) AddMapping(ctx context.Context, proto Protocol, internalPort, externalPort uint16, lifetime time.Duration) (uint16, error) {
	if externalPort == 0 {
		externalPort = internalPort
	}
	err := m.client.AddPortMappingCtx(ctx, "", externalPort, upnpProtocol(proto),
		internalPort, m.localIP, true, mappingDescription, uint32(lifetime/time.Second))
	if err != nil {
		return 0, fmt.Errorf("upnp AddPortMapping: %w", err)
	}
	return externalPort, nil
}

// DeleteMapping releases externalPort.
func (m *UPnPMapper) DeleteMapping(ctx context.Context, proto Protocol, internalPort, externalPort uint16) error {
	if externalPort == 0 {
		externalPort = internalPort
	}
	if err := m.client.DeletePortMappingCtx(ctx, "", externalPort, upnpProtocol(proto)); err != nil {
		return fmt.Errorf("upnp DeletePortMapping: %w", err)
	}
	return nil
}

// ExternalIP asks the gateway for its public address.
func (m *UPnPMapper) ExternalIP(ctx context.Context) (netip.Addr, error) {
	s, err := m.client.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("upnp GetExternalIPAddress: %w", err)
	}
	return netip.ParseAddr(s)
}

func upnpProtocol(p Protocol) string {
	return strings.ToUpper(string(p))
}
