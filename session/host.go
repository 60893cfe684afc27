package session

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/linkcable/portmap"
	"github.com/opd-ai/linkcable/transport"
	"github.com/opd-ai/linkcable/wire"
)

// Host accepts a single peer that presents its invitation key. While the
// peer is away the host keeps the session for Options.MaxWaitDuration so the
// same peer can rejoin.
type Host struct {
	*Session

	// guarded by Session.mu
	key       uint64
	stunHint  netip.Addr
	stunStart bool
	listingID uuid.UUID

	fixedKey  bool
	announced uint64
	pending   map[netip.AddrPort]time.Time
	previous  *PeerConnection
}

// NewHost creates a host session. The invitation key is generated when the
// session becomes reachable unless Options fixes it.
func NewHost(opts *Options) (*Host, error) {
	h := &Host{pending: make(map[netip.AddrPort]time.Time)}
	s, err := newSession(opts, RoleHost, h)
	if err != nil {
		return nil, err
	}
	h.Session = s
	h.fixedKey = s.opts.InvitationKey != 0
	h.key = s.opts.InvitationKey
	return h, nil
}

func (h *Host) handlers() map[wire.Tag]handlerFunc {
	return map[wire.Tag]handlerFunc{
		wire.TagRequestJoin:      h.handleRequest,
		wire.TagRequestRejoin:    h.handleRequest,
		wire.TagTestConnectivity: h.handleRequest,
		wire.TagPunchConnect:     h.handlePunchConnect,
		wire.TagForwardIncoming:  h.handlePunchConnect,
		wire.TagListingAck:       h.handleListingAck,
		wire.TagReinvite:         h.handleReinvite,
		wire.TagRepublish:        h.handleRepublish,
	}
}

// InvitationKey returns the key a client must present, or zero before the
// host first became reachable.
func (h *Host) InvitationKey() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.key
}

// CreateNewInvitation drops the current peer, replaces the invitation key
// and restarts the session. It runs asynchronously on the event loop.
func (h *Host) CreateNewInvitation() error {
	tr := h.transport()
	if tr == nil {
		return ErrNotStarted
	}
	tr.SendLoopback(wire.Bare(wire.TagReinvite))
	return nil
}

func (h *Host) onRendezvousReady() {
	if !h.lanOnly {
		h.sendRendezvous(wire.Bare(wire.TagAcceptIncoming))
	}

	h.mu.Lock()
	if h.key == 0 {
		h.key = NewInvitationKey()
	}
	key := h.key
	h.mu.Unlock()
	if key != h.announced {
		h.announced = key
		h.log.WithFields(logrus.Fields{
			"function": "Host.onRendezvousReady",
			"lan_only": h.lanOnly,
		}).Info("Invitation ready")
		h.observer.invitation(key)
	}

	if h.opts.PublicListing && !h.lanOnly {
		h.publishListing()
	}
	if h.disc != nil && !h.Connected() {
		h.disc.SetResponder(true)
	}
}

func (h *Host) publishListing() {
	local := h.LocalAddr()
	l := &wire.Listing{GUID: h.MyGUID(), Name: h.opts.Name}
	if local.Addr().IsValid() && !local.Addr().IsUnspecified() {
		l.Hints = append(l.Hints, local.String())
	}

	h.mu.Lock()
	hint := h.stunHint
	resolve := !h.stunStart && h.opts.STUNServer != ""
	h.stunStart = h.stunStart || resolve
	h.mu.Unlock()

	if hint.IsValid() {
		port := h.mappedPort
		if port == 0 {
			port = local.Port()
		}
		l.Hints = append(l.Hints, netip.AddrPortFrom(hint, port).String())
	}
	if resolve {
		h.wg.Add(1)
		go h.resolvePublicAddr(h.ctx)
	}

	msg, err := wire.EncodeListingPublish(l)
	if err != nil {
		h.log.WithError(err).Warn("Listing rejected locally, not published")
		return
	}
	h.sendRendezvous(msg)
}

// resolvePublicAddr asks the STUN server for the public IP and republishes
// the listing once it is known.
func (h *Host) resolvePublicAddr(ctx context.Context) {
	defer h.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, h.opts.PortMappingTimeout)
	defer cancel()
	addr, err := portmap.ExternalAddress(ctx, h.opts.STUNServer)
	if err != nil {
		h.log.WithFields(logrus.Fields{
			"function": "Host.resolvePublicAddr",
			"server":   h.opts.STUNServer,
			"error":    err.Error(),
		}).Info("Public address unavailable for listing")
		return
	}

	h.mu.Lock()
	h.stunHint = addr.Addr()
	tr := h.tr
	h.mu.Unlock()
	if tr != nil {
		tr.SendLoopback(wire.Bare(wire.TagRepublish))
	}
}

func (h *Host) handleRepublish(m *transport.Message) {
	if h.opts.PublicListing && h.rendezvousReady && !h.Connected() {
		h.publishListing()
	}
}

func (h *Host) handleListingAck(m *transport.Message) {
	if m.Addr != h.rendezvousAddr {
		return
	}
	id, err := wire.DecodeListingAck(m.Data)
	if err != nil {
		h.log.WithError(err).Debug("Ignoring malformed listing ack")
		return
	}
	h.mu.Lock()
	h.listingID = id
	h.mu.Unlock()
	h.log.WithField("listing_id", id.String()).Info("Listing published")
}

func (h *Host) handlePunchConnect(m *transport.Message) {
	if m.Addr != h.rendezvousAddr {
		return
	}
	guid, addr, err := wire.DecodeGUIDAddr(m.Data)
	if err != nil {
		h.log.WithError(err).Debug("Ignoring malformed punch coordination")
		return
	}
	h.log.WithFields(logrus.Fields{
		"function": "Host.handlePunchConnect",
		"tag":      wire.Tag(m.Data[0]).String(),
		"guid":     guid.String(),
		"addr":     addr.String(),
	}).Debug("Opening NAT mapping towards requester")
	if err := h.transport().Ping(addr); err != nil {
		h.log.WithError(err).Debug("Punch ping failed")
	}
}

func (h *Host) handleRequest(m *transport.Message) {
	delete(h.pending, m.Addr)

	tag, key, err := wire.DecodeKeyed(m.Data)
	if err != nil {
		h.refuse(m.Addr, wire.RefuseMalformed)
		return
	}

	if active, ok := h.ActivePeer(); ok {
		if active.Addr == m.Addr && tag != wire.TagTestConnectivity {
			// duplicate request from the peer already promoted
			h.sendControl(m.Addr, wire.Bare(wire.TagAccepted))
			return
		}
		h.refuse(m.Addr, wire.RefuseBusy)
		return
	}
	// no key exists before the host first becomes reachable
	if current := h.InvitationKey(); current == 0 || key != current {
		h.refuse(m.Addr, wire.RefuseBadKey)
		return
	}

	previous := h.isPrevious(m.Addr, m.GUID)
	switch tag {
	case wire.TagTestConnectivity:
		h.log.WithField("addr", m.Addr.String()).Info("Connectivity test accepted")
		h.sendControl(m.Addr, wire.Bare(wire.TagAccepted))
		return
	case wire.TagRequestRejoin:
		if !previous {
			h.refuse(m.Addr, wire.RefuseNotPrevious)
			return
		}
	case wire.TagRequestJoin:
		if h.previous != nil && !previous {
			h.refuse(m.Addr, wire.RefuseBusy)
			return
		}
	}

	h.sendControl(m.Addr, wire.Bare(wire.TagAccepted))
	if previous {
		h.log.WithField("addr", m.Addr.String()).Info("Previous peer rejoined")
	}
	h.previous = nil
	h.peerPolicy.StopWait()
	h.promote(m.GUID, m.Addr)
}

// isPrevious reports whether the requester is the peer the host is waiting for.
func (h *Host) isPrevious(addr netip.AddrPort, guid transport.GUID) bool {
	if h.previous == nil {
		return false
	}
	if h.previous.Addr == addr {
		return true
	}
	return h.opts.RejoinMatchesGUID && guid != transport.UnassignedGUID && h.previous.GUID == guid
}

func (h *Host) refuse(addr netip.AddrPort, reason wire.RefuseReason) {
	h.metrics.refusals.WithLabelValues(reason.String()).Inc()
	h.log.WithFields(logrus.Fields{
		"function": "Host.refuse",
		"addr":     addr.String(),
		"reason":   reason.String(),
	}).Info("Refusing request")
	h.sendControl(addr, wire.EncodeRefused(reason))
	h.transport().CloseConnection(addr)
}

func (h *Host) onPeerEvent(m *transport.Message) {
	switch m.Kind {
	case transport.EventIncomingConnection:
		h.pending[m.Addr] = h.clock.Now()
	case transport.EventDisconnected, transport.EventConnectionLost:
		delete(h.pending, m.Addr)
		if p, ok := h.clearPeer(m.Addr); ok {
			h.peerLost(p)
		}
	}
}

// peerLost keeps the session open for the lost peer until the wait expires.
func (h *Host) peerLost(p PeerConnection) {
	h.log.WithFields(logrus.Fields{
		"function":  "Host.peerLost",
		"peer_guid": p.GUID.String(),
		"max_wait":  h.opts.MaxWaitDuration.String(),
	}).Info("Peer lost, waiting for rejoin")
	h.previous = &p
	h.peerPolicy.StartWait(h.clock.Now())
	if h.disc != nil {
		h.disc.SetResponder(true)
	}
	h.setState(StateDisconnected)
}

func (h *Host) onTick() {
	now := h.clock.Now()
	for addr, since := range h.pending {
		if now.Sub(since) >= h.opts.JoinTimeout {
			h.log.WithField("addr", addr.String()).Debug("Closing connection without join request")
			delete(h.pending, addr)
			h.transport().CloseConnection(addr)
		}
	}

	if h.previous != nil && h.peerPolicy.WaitExpired(now) {
		h.waitExpired()
	}
}

func (h *Host) waitExpired() {
	prev := h.previous
	h.previous = nil
	h.peerPolicy.StopWait()

	h.log.WithField("peer_guid", prev.GUID.String()).Info("Peer did not return, restarting session")
	h.observer.peerDisconnected(prev.GUID)
	h.setState(StateReconnecting)

	if !h.fixedKey {
		h.mu.Lock()
		h.key = 0
		h.mu.Unlock()
	}
	h.setState(StateStarting)
	h.restartRendezvous()
}

func (h *Host) handleReinvite(m *transport.Message) {
	if p, ok := h.evictPeer(); ok {
		h.observer.peerDisconnected(p.GUID)
	}
	h.previous = nil
	h.peerPolicy.StopWait()

	h.mu.Lock()
	h.key = NewInvitationKey()
	h.mu.Unlock()

	h.setState(StateStarting)
	h.restartRendezvous()
}

func (h *Host) reset() {
	h.mu.Lock()
	h.key = h.opts.InvitationKey
	h.stunHint = netip.Addr{}
	h.stunStart = false
	h.listingID = uuid.Nil
	h.mu.Unlock()

	h.announced = 0
	h.pending = make(map[netip.AddrPort]time.Time)
	h.previous = nil
}

// ListingID returns the identifier the rendezvous server assigned to the
// public listing, if one was acknowledged.
func (h *Host) ListingID() (uuid.UUID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listingID == uuid.Nil {
		return uuid.Nil, false
	}
	return h.listingID, true
}
