package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/linkcable/discovery"
	"github.com/opd-ai/linkcable/portmap"
	"github.com/opd-ai/linkcable/transport"
)

// DefaultPort is the port hosts listen on when none is configured.
const DefaultPort = 61000

// TransportFactory creates the transport a session owns between Start and Stop.
type TransportFactory func(opts *Options) (transport.Transport, error)

// DiscoveryFactory creates the LAN discovery component of a session.
type DiscoveryFactory func(guid transport.GUID, adv discovery.Advertiser, cfg *discovery.Config) Discoverer

// Discoverer is the LAN discovery capability a session uses.
// *discovery.Discovery implements it.
type Discoverer interface {
	Start() error
	Stop()
	Ping() error
	SetResponder(enabled bool)
	OnPeer(fn func(guid transport.GUID, addr netip.AddrPort))
	HandleDatagram(data []byte, from netip.AddrPort) bool
}

// Options contains session configuration.
type Options struct {
	// Port is the local port. Zero picks a free port, which is what clients want.
	Port uint16
	// HostPort is the port the host listens on, used by the client for LAN broadcast pings.
	HostPort uint16
	// MaxPeers bounds the number of application peers.
	MaxPeers int

	// RendezvousAddress is "host:port" of the rendezvous server. Empty means LAN only.
	RendezvousAddress string
	// RelayAddress is "host:port" of the relay coordinator. Empty disables the relay step.
	RelayAddress string

	// Name is shown in the public listing.
	Name string
	// PublicListing publishes the host on the rendezvous server.
	PublicListing bool
	// STUNServer resolves the public address advertised in a listing. Empty skips it.
	STUNServer string

	// InvitationKey fixes the host key or sets the key a client presents.
	InvitationKey uint64
	// InvitationPhrase derives InvitationKey when the key is zero.
	InvitationPhrase string
	// HostGUID is the host a client joins. Zero accepts any host on the LAN steps.
	HostGUID transport.GUID
	// LANHint is a direct "ip:port" of the host tried after punch-through.
	LANHint string
	// RejoinMatchesGUID lets a previous peer rejoin from a new address as long
	// as its transport GUID is unchanged.
	RejoinMatchesGUID bool

	RetryDelay              time.Duration
	MaxRendezvousReconnects int
	MaxPeerReconnects       int
	// MaxWaitDuration is how long a host keeps the session for a lost peer.
	MaxWaitDuration time.Duration
	// JoinTimeout bounds how long a connection may stay without a join
	// request, and how long a client waits for any single fallback step.
	JoinTimeout time.Duration
	// DiscoveryTimeout bounds the broadcast/multicast discovery step.
	DiscoveryTimeout time.Duration
	// TickInterval is the period of deadline checks.
	TickInterval time.Duration

	EnablePortMapping  bool
	PortMapper         portmap.Mapper
	PortMappingTimeout time.Duration

	EnableDiscovery bool
	DiscoveryConfig *discovery.Config

	NewTransport TransportFactory
	NewDiscovery DiscoveryFactory
	Clock        clock.Clock
	// Registerer receives the session metrics. Nil disables registration.
	Registerer prometheus.Registerer
	Observer   *Observer
}

// NewOptions returns default options.
func NewOptions() *Options {
	return &Options{
		Port:                    0,
		HostPort:                DefaultPort,
		MaxPeers:                1,
		STUNServer:              portmap.DefaultSTUNServer,
		RejoinMatchesGUID:       true,
		RetryDelay:              2 * time.Second,
		MaxRendezvousReconnects: 3,
		MaxPeerReconnects:       3,
		MaxWaitDuration:         30 * time.Second,
		JoinTimeout:             10 * time.Second,
		DiscoveryTimeout:        3 * time.Second,
		TickInterval:            250 * time.Millisecond,
		EnablePortMapping:       true,
		PortMappingTimeout:      10 * time.Second,
		EnableDiscovery:         true,
		DiscoveryConfig:         discovery.DefaultConfig(),
		NewTransport:            NewQUICTransport,
		NewDiscovery:            NewMulticastDiscovery,
		Clock:                   clock.New(),
	}
}

// NewQUICTransport is the default TransportFactory.
func NewQUICTransport(opts *Options) (transport.Transport, error) {
	return transport.NewQUICTransport(nil)
}

// NewMulticastDiscovery is the default DiscoveryFactory.
func NewMulticastDiscovery(guid transport.GUID, adv discovery.Advertiser, cfg *discovery.Config) Discoverer {
	return discovery.New(guid, adv, cfg)
}

var errInvalidOptions = errors.New("invalid session options")

func (o *Options) validate() error {
	switch {
	case o.MaxPeers < 1:
		return fmt.Errorf("%w: MaxPeers must be at least 1", errInvalidOptions)
	case o.TickInterval <= 0:
		return fmt.Errorf("%w: TickInterval must be positive", errInvalidOptions)
	case o.MaxRendezvousReconnects < 0 || o.MaxPeerReconnects < 0:
		return fmt.Errorf("%w: reconnect limits must not be negative", errInvalidOptions)
	case o.NewTransport == nil:
		return fmt.Errorf("%w: NewTransport is required", errInvalidOptions)
	}
	if o.LANHint != "" {
		if _, err := netip.ParseAddrPort(o.LANHint); err != nil {
			return fmt.Errorf("%w: LANHint: %v", errInvalidOptions, err)
		}
	}
	return nil
}

// withDefaults fills zero fields a caller may have left out when not using NewOptions.
func (o *Options) withDefaults() *Options {
	c := *o
	d := NewOptions()
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	if c.NewTransport == nil {
		c.NewTransport = d.NewTransport
	}
	if c.NewDiscovery == nil {
		c.NewDiscovery = d.NewDiscovery
	}
	if c.DiscoveryConfig == nil {
		c.DiscoveryConfig = d.DiscoveryConfig
	}
	if c.Observer == nil {
		c.Observer = &Observer{}
	}
	if c.InvitationKey == 0 && c.InvitationPhrase != "" {
		c.InvitationKey = KeyFromPhrase(c.InvitationPhrase)
	}
	return &c
}

// KeyFromPhrase derives an invitation key from a phrase both sides know.
func KeyFromPhrase(phrase string) uint64 {
	sum := blake2b.Sum256([]byte(phrase))
	return binary.LittleEndian.Uint64(sum[:8])
}

// NewInvitationKey returns a random non-zero key.
func NewInvitationKey() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(fmt.Sprintf("session: crypto/rand failed: %v", err))
		}
		if k := binary.LittleEndian.Uint64(b[:]); k != 0 {
			return k
		}
	}
}
