package session

import (
	"net/netip"

	"github.com/opd-ai/linkcable/transport"
	"github.com/opd-ai/linkcable/wire"
)

// Observer receives session events. Every field is optional.
//
// Callbacks run on the session's event loop goroutine without the session
// lock held. They may call any session method except Stop, which waits for
// the event loop and would deadlock; hand Stop off to another goroutine.
type Observer struct {
	OnStateChange         func(from, to State)
	OnRendezvousConnected func()
	OnRendezvousFailed    func(reason string)
	OnPeerConnected       func(guid transport.GUID, addr netip.AddrPort)
	OnPeerDisconnected    func(guid transport.GUID)
	OnPortForwarded       func(port uint16)
	OnInternalError       func(reason string)

	// OnInvitation reports the host's current invitation key.
	OnInvitation func(key uint64)

	// OnInvalidGUIDs reports queried GUIDs the rendezvous server does not know.
	OnInvalidGUIDs func(guids []transport.GUID)
	// OnListings reports the public hosts returned by Browse.
	OnListings func(listings []*wire.Listing)
}

func (o *Observer) stateChange(from, to State) {
	if o.OnStateChange != nil {
		o.OnStateChange(from, to)
	}
}

func (o *Observer) rendezvousConnected() {
	if o.OnRendezvousConnected != nil {
		o.OnRendezvousConnected()
	}
}

func (o *Observer) rendezvousFailed(reason string) {
	if o.OnRendezvousFailed != nil {
		o.OnRendezvousFailed(reason)
	}
}

func (o *Observer) peerConnected(guid transport.GUID, addr netip.AddrPort) {
	if o.OnPeerConnected != nil {
		o.OnPeerConnected(guid, addr)
	}
}

func (o *Observer) peerDisconnected(guid transport.GUID) {
	if o.OnPeerDisconnected != nil {
		o.OnPeerDisconnected(guid)
	}
}

func (o *Observer) portForwarded(port uint16) {
	if o.OnPortForwarded != nil {
		o.OnPortForwarded(port)
	}
}

func (o *Observer) internalError(reason string) {
	if o.OnInternalError != nil {
		o.OnInternalError(reason)
	}
}

func (o *Observer) invitation(key uint64) {
	if o.OnInvitation != nil {
		o.OnInvitation(key)
	}
}

func (o *Observer) invalidGUIDs(guids []transport.GUID) {
	if o.OnInvalidGUIDs != nil {
		o.OnInvalidGUIDs(guids)
	}
}

func (o *Observer) listings(l []*wire.Listing) {
	if o.OnListings != nil {
		o.OnListings(l)
	}
}
