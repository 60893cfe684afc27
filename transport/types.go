package transport

import (
	"context"
	"net/netip"
)

// Reliability selects the delivery guarantee of a Send.
type Reliability uint8

const (
	// Unreliable messages are tagged datagrams with no ordering or delivery guarantee.
	Unreliable Reliability = iota
	// ReliableOrdered messages are delivered once, in send order, per peer.
	ReliableOrdered
)

// String returns a human-readable reliability name.
func (r Reliability) String() string {
	switch r {
	case Unreliable:
		return "unreliable"
	case ReliableOrdered:
		return "reliable-ordered"
	default:
		return "unknown"
	}
}

// EventKind identifies what a Message received from a Transport represents.
type EventKind uint8

const (
	// EventData carries a payload from a connected peer.
	EventData EventKind = iota
	// EventConnected reports that an outbound Connect succeeded.
	EventConnected
	// EventIncomingConnection reports that a remote peer connected to us.
	EventIncomingConnection
	// EventConnectionFailed reports that an outbound Connect did not succeed.
	EventConnectionFailed
	// EventDisconnected reports that a peer closed the connection.
	EventDisconnected
	// EventConnectionLost reports that a peer stopped responding.
	EventConnectionLost
	// EventPong answers an unconnected Ping. GUID is the responder.
	EventPong
	// EventAdvertise carries a raw unicast announcement.
	EventAdvertise
	// EventLoopback carries a message the transport owner sent to itself.
	EventLoopback
)

var eventKindNames = map[EventKind]string{
	EventData:               "data",
	EventConnected:          "connected",
	EventIncomingConnection: "incoming_connection",
	EventConnectionFailed:   "connection_failed",
	EventDisconnected:       "disconnected",
	EventConnectionLost:     "connection_lost",
	EventPong:               "pong",
	EventAdvertise:          "advertise",
	EventLoopback:           "loopback",
}

// String returns the event name used in log fields.
func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Message is a single event read from a Transport.
type Message struct {
	Kind        EventKind
	Addr        netip.AddrPort
	GUID        GUID
	Data        []byte
	Reliability Reliability
}

// Transport is the addressed messaging capability consumed by sessions and the
// rendezvous server. Implementations provide peer identity, liveness events,
// reliable-ordered and unreliable delivery, unconnected ping/pong, unicast
// advertisements and loopback self-signalling.
type Transport interface {
	// Listen binds the local endpoint. It is the only call that can fail
	// because of local resources.
	Listen(port uint16, maxPeers int) error

	// MyGUID returns the identity of this endpoint.
	MyGUID() GUID

	// LocalAddr returns the bound local address.
	LocalAddr() netip.AddrPort

	// Connect starts an asynchronous connection attempt. The outcome is
	// reported as EventConnected or EventConnectionFailed.
	Connect(addr netip.AddrPort) error

	// CloseConnection gracefully closes the connection to addr. Reliable data
	// already queued is delivered before the close.
	CloseConnection(addr netip.AddrPort)

	// Send transmits data to a connected peer.
	Send(data []byte, reliability Reliability, addr netip.AddrPort) error

	// Receive blocks until the next event or until ctx is done.
	Receive(ctx context.Context) (*Message, error)

	// Ping sends an unconnected ping. Broadcast addresses are allowed.
	Ping(addr netip.AddrPort) error

	// Advertise sends data to addr outside of any connection.
	Advertise(addr netip.AddrPort, data []byte) error

	// SendLoopback queues data as an EventLoopback for this endpoint.
	SendLoopback(data []byte)

	// Close shuts down the transport and unblocks Receive.
	Close() error
}
