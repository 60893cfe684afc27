package session

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/linkcable/transport"
	"github.com/opd-ai/linkcable/wire"
)

// step is one stage of the client fallback chain.
type step uint8

const (
	stepIdle step = iota
	stepPunch
	stepLANHint
	stepRelay
	stepDiscovery
	stepGiveUp
	// stepRejoin is outside the chain: a direct reconnect to the last host.
	stepRejoin
)

func (s step) String() string {
	switch s {
	case stepPunch:
		return "punch"
	case stepLANHint:
		return "lan_hint"
	case stepRelay:
		return "relay"
	case stepDiscovery:
		return "discovery"
	case stepGiveUp:
		return "give_up"
	case stepRejoin:
		return "rejoin"
	default:
		return "idle"
	}
}

var broadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// ConnectivityFunc receives the outcome of a connectivity test.
type ConnectivityFunc func(ok bool, reason string)

// Client joins a host, trying punch-through, the LAN hint, the relay and LAN
// discovery in that order.
type Client struct {
	*Session

	// guarded by Session.mu
	remoteGUID transport.GUID
	testFn     ConnectivityFunc

	chainStarted bool
	// finished is set once an attempt ends without a peer, until Stop
	finished bool
	step     step
	deadline time.Time
	target   netip.AddrPort
	awaiting bool
	relay    netip.AddrPort
	relayUp  bool

	lastHost      netip.AddrPort
	lastGUID      transport.GUID
	rejoinPending bool
	rejoinTimer   *clock.Timer
}

// NewClient creates a client session for the host in opts.
func NewClient(opts *Options) (*Client, error) {
	c := &Client{}
	s, err := newSession(opts, RoleClient, c)
	if err != nil {
		return nil, err
	}
	c.Session = s
	return c, nil
}

// SetTestingConnectivityCallback switches the client to connectivity-test
// mode: it runs the same chain but reports the outcome to fn and
// disconnects instead of becoming the active peer. Nil restores join mode.
func (c *Client) SetTestingConnectivityCallback(fn ConnectivityFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.testFn = fn
}

// RemoteGUID returns the GUID of the host the client last connected to.
func (c *Client) RemoteGUID() transport.GUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteGUID
}

func (c *Client) testing() ConnectivityFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.testFn
}

func (c *Client) handlers() map[wire.Tag]handlerFunc {
	return map[wire.Tag]handlerFunc{
		wire.TagAccepted:         c.handleAccepted,
		wire.TagRefused:          c.handleRefused,
		wire.TagPunchSucceeded:   c.handlePunchSucceeded,
		wire.TagPunchFailed:      c.handlePunchFailed,
		wire.TagForwardSucceeded: c.handleForwardSucceeded,
		wire.TagForwardFailed:    c.handleForwardFailed,
		wire.TagReconnect:        c.handleReconnect,
	}
}

func (c *Client) onRendezvousReady() {
	if c.chainStarted || c.finished || c.Connected() {
		return
	}
	c.chainStarted = true
	c.setState(StateAttemptingPeer)
	c.runStep(stepPunch)
}

// runStep starts the first applicable step at or after st.
func (c *Client) runStep(st step) {
	c.target = netip.AddrPort{}
	c.awaiting = false

	for ; st <= stepGiveUp; st++ {
		c.step = st
		if c.startStep(st) {
			c.log.WithFields(logrus.Fields{
				"function": "Client.runStep",
				"step":     st.String(),
			}).Info("Trying connection step")
			return
		}
	}
}

// startStep reports whether st is in progress. Steps that do not apply
// return false.
func (c *Client) startStep(st step) bool {
	now := c.clock.Now()
	tr := c.transport()

	switch st {
	case stepPunch:
		if c.lanOnly || !c.rendezvousUp || c.opts.HostGUID == transport.UnassignedGUID {
			return false
		}
		c.deadline = now.Add(c.opts.JoinTimeout)
		return c.sendRendezvous(wire.EncodeGUID(wire.TagPunchRequest, c.opts.HostGUID))

	case stepLANHint:
		if c.opts.LANHint == "" {
			return false
		}
		addr, err := netip.ParseAddrPort(c.opts.LANHint)
		if err != nil {
			return false
		}
		return c.connectTo(transport.Canonical(addr))

	case stepRelay:
		if c.opts.RelayAddress == "" {
			return false
		}
		relay, err := resolveAddr(c.opts.RelayAddress)
		if err != nil {
			c.log.WithError(err).Warn("Cannot resolve relay coordinator")
			return false
		}
		c.deadline = now.Add(c.opts.JoinTimeout)
		c.relay = relay
		if relay == c.rendezvousAddr {
			if !c.rendezvousUp {
				return false
			}
			c.relayUp = true
			return c.sendForwardRequest()
		}
		if c.relayUp {
			return c.sendForwardRequest()
		}
		c.addAux(relay)
		return tr.Connect(relay) == nil

	case stepDiscovery:
		c.deadline = now.Add(c.opts.DiscoveryTimeout)
		pinged := tr.Ping(netip.AddrPortFrom(broadcastAddr, c.opts.HostPort)) == nil
		if c.disc != nil && c.disc.Ping() == nil {
			pinged = true
		}
		return pinged

	case stepGiveUp:
		c.chainStarted = false
		c.step = stepIdle
		c.closeRelay()
		c.finish(false, reasonHostUnreachable)
		return true
	}
	return false
}

func (c *Client) sendForwardRequest() bool {
	if c.opts.HostGUID == transport.UnassignedGUID {
		return false
	}
	return c.sendControl(c.relay, wire.EncodeGUID(wire.TagForwardRequest, c.opts.HostGUID))
}

// connectTo opens a transport connection to a candidate host address.
func (c *Client) connectTo(addr netip.AddrPort) bool {
	c.target = addr
	c.awaiting = false
	c.deadline = c.clock.Now().Add(c.opts.JoinTimeout)
	if err := c.transport().Connect(addr); err != nil {
		c.log.WithError(err).Debug("Connect failed immediately")
		c.target = netip.AddrPort{}
		return false
	}
	return true
}

// stepFailed abandons the current step and moves on.
func (c *Client) stepFailed(reason string) {
	st := c.step
	c.metrics.fallbackSteps.WithLabelValues(st.String(), "failed").Inc()
	c.log.WithFields(logrus.Fields{
		"function": "Client.stepFailed",
		"step":     st.String(),
		"reason":   reason,
	}).Info("Connection step failed")

	if c.target.IsValid() && c.target != c.rendezvousAddr && c.target != c.relay {
		c.transport().CloseConnection(c.target)
	}
	c.target = netip.AddrPort{}
	c.awaiting = false

	if st == stepRejoin {
		c.rejoinFailed()
		return
	}
	c.runStep(st + 1)
}

func (c *Client) onPeerEvent(m *transport.Message) {
	switch m.Kind {
	case transport.EventConnected:
		switch m.Addr {
		case c.target:
			c.onTargetConnected(m)
		case c.relay:
			c.relayUp = true
			if c.step == stepRelay && !c.target.IsValid() {
				if !c.sendForwardRequest() {
					c.stepFailed("relay request failed")
				}
			}
		}

	case transport.EventConnectionFailed:
		switch m.Addr {
		case c.target:
			c.stepFailed("connection failed")
		case c.relay:
			c.relayUp = false
			delete(c.aux, m.Addr)
			if c.step == stepRelay {
				c.stepFailed("relay unreachable")
			}
		}

	case transport.EventDisconnected, transport.EventConnectionLost:
		if p, ok := c.clearPeer(m.Addr); ok {
			c.peerLost(p)
			return
		}
		switch m.Addr {
		case c.target:
			c.stepFailed("connection closed")
		case c.relay:
			c.relayUp = false
			delete(c.aux, m.Addr)
			if c.step == stepRelay && !c.target.IsValid() {
				c.stepFailed("relay closed")
			}
		}

	case transport.EventIncomingConnection:
		c.transport().CloseConnection(m.Addr)

	case transport.EventPong:
		c.handleDiscovered(discoveredPeer{guid: m.GUID, addr: m.Addr})
	}
}

func (c *Client) handleDiscovered(p discoveredPeer) {
	if c.step != stepDiscovery || c.target.IsValid() {
		return
	}
	if c.opts.HostGUID != transport.UnassignedGUID && p.guid != c.opts.HostGUID {
		return
	}
	c.log.WithFields(logrus.Fields{
		"function": "Client.handleDiscovered",
		"guid":     p.guid.String(),
		"addr":     p.addr.String(),
	}).Info("Host found on the LAN")
	if !c.connectTo(p.addr) {
		c.stepFailed("connection failed")
	}
}

func (c *Client) onTargetConnected(m *transport.Message) {
	if c.opts.HostGUID != transport.UnassignedGUID && m.GUID != c.opts.HostGUID {
		c.stepFailed("unexpected host GUID " + m.GUID.String())
		return
	}

	tag := wire.TagRequestJoin
	switch {
	case c.testing() != nil:
		tag = wire.TagTestConnectivity
	case c.step == stepRejoin:
		tag = wire.TagRequestRejoin
	}
	if !c.sendControl(m.Addr, wire.EncodeKeyed(tag, c.opts.InvitationKey)) {
		c.stepFailed("request not sent")
		return
	}
	c.awaiting = true
}

func (c *Client) handleAccepted(m *transport.Message) {
	if m.Addr != c.target || !c.awaiting {
		return
	}
	st := c.step
	c.metrics.fallbackSteps.WithLabelValues(st.String(), "connected").Inc()
	c.step = stepIdle
	c.target = netip.AddrPort{}
	c.awaiting = false
	c.chainStarted = false

	c.mu.Lock()
	c.remoteGUID = m.GUID
	c.mu.Unlock()

	if c.testing() != nil {
		c.transport().CloseConnection(m.Addr)
		c.closeRelay()
		c.finish(true, "")
		return
	}

	c.lastHost = m.Addr
	c.lastGUID = m.GUID
	c.promote(m.GUID, m.Addr)
}

func (c *Client) handleRefused(m *transport.Message) {
	if m.Addr != c.target {
		return
	}
	reason, err := wire.DecodeRefused(m.Data)
	if err != nil {
		reason = wire.RefuseMalformed
	}
	c.metrics.fallbackSteps.WithLabelValues(c.step.String(), "refused").Inc()
	c.log.WithFields(logrus.Fields{
		"function": "Client.handleRefused",
		"addr":     m.Addr.String(),
		"reason":   reason.String(),
	}).Warn("Host refused the request")

	c.transport().CloseConnection(m.Addr)
	c.step = stepIdle
	c.target = netip.AddrPort{}
	c.awaiting = false
	c.chainStarted = false
	c.closeRelay()
	c.finish(false, reason.String())
}

// finish ends an attempt that did not produce an active peer.
func (c *Client) finish(ok bool, reason string) {
	c.finished = true
	if fn := c.testing(); fn != nil {
		c.setState(StateDisconnected)
		fn(ok, reason)
		return
	}
	c.fail(reason)
}

func (c *Client) handlePunchSucceeded(m *transport.Message) {
	if m.Addr != c.rendezvousAddr || c.step != stepPunch || c.target.IsValid() {
		return
	}
	_, addr, err := wire.DecodeGUIDAddr(m.Data)
	if err != nil {
		c.stepFailed("malformed punch reply")
		return
	}
	if !c.connectTo(addr) {
		c.stepFailed("connection failed")
	}
}

func (c *Client) handlePunchFailed(m *transport.Message) {
	if m.Addr != c.rendezvousAddr || c.step != stepPunch {
		return
	}
	_, reason, err := wire.DecodeFailure(m.Data)
	if err != nil {
		c.stepFailed("malformed punch reply")
		return
	}
	c.stepFailed(reason.String())
}

func (c *Client) handleForwardSucceeded(m *transport.Message) {
	if m.Addr != c.relay || c.step != stepRelay || c.target.IsValid() {
		return
	}
	_, addr, err := wire.DecodeGUIDAddr(m.Data)
	if err != nil {
		c.stepFailed("malformed relay reply")
		return
	}
	if !c.connectTo(addr) {
		c.stepFailed("connection failed")
	}
}

func (c *Client) handleForwardFailed(m *transport.Message) {
	if m.Addr != c.relay || c.step != stepRelay {
		return
	}
	_, reason, err := wire.DecodeFailure(m.Data)
	if err != nil {
		c.stepFailed("malformed relay reply")
		return
	}
	c.stepFailed(reason.String())
}

func (c *Client) closeRelay() {
	if c.relay.IsValid() && c.relayUp && c.relay != c.rendezvousAddr {
		c.transport().CloseConnection(c.relay)
		delete(c.aux, c.relay)
	}
	c.relayUp = c.relayUp && c.relay == c.rendezvousAddr
}

func (c *Client) onTick() {
	if c.step == stepIdle || c.deadline.IsZero() {
		return
	}
	if c.clock.Now().Before(c.deadline) {
		return
	}
	c.deadline = time.Time{}
	if c.step == stepDiscovery && !c.target.IsValid() {
		c.stepFailed("no host answered")
		return
	}
	c.stepFailed("timed out")
}

// peerLost schedules a rejoin to the host that was just lost.
func (c *Client) peerLost(p PeerConnection) {
	c.log.WithFields(logrus.Fields{
		"function":  "Client.peerLost",
		"peer_guid": p.GUID.String(),
	}).Info("Host connection lost")
	c.lastHost = p.Addr
	c.lastGUID = p.GUID
	c.setState(StateDisconnected)
	c.rejoinFailed()
}

// rejoinFailed consumes a rejoin attempt, or gives up on the host.
func (c *Client) rejoinFailed() {
	c.step = stepIdle
	if c.peerPolicy.Remaining() > 0 {
		c.setState(StateReconnecting)
		c.rejoinPending = true
		if c.rejoinTimer != nil {
			c.rejoinTimer.Stop()
		}
		tr := c.transport()
		c.rejoinTimer = c.clock.AfterFunc(c.opts.RetryDelay, func() {
			tr.SendLoopback(wire.Bare(wire.TagReconnect))
		})
		return
	}

	c.log.WithField("host", c.lastHost.String()).Warn("Giving up on host")
	c.observer.peerDisconnected(c.lastGUID)
	c.fail(reasonConnectionLost)
}

func (c *Client) handleReconnect(m *transport.Message) {
	if !c.rejoinPending {
		c.Session.handleReconnect(m)
		return
	}
	c.rejoinPending = false
	if c.Connected() {
		return
	}
	if !c.peerPolicy.Attempt() {
		c.rejoinFailed()
		return
	}
	c.metrics.reconnects.WithLabelValues(c.kind.String(), "peer").Inc()
	c.step = stepRejoin
	c.log.WithFields(logrus.Fields{
		"function":  "Client.handleReconnect",
		"host":      c.lastHost.String(),
		"remaining": c.peerPolicy.Remaining(),
	}).Info("Rejoining host")
	if !c.connectTo(c.lastHost) {
		c.rejoinFailed()
	}
}

func (c *Client) reset() {
	c.mu.Lock()
	c.remoteGUID = transport.UnassignedGUID
	c.mu.Unlock()

	if c.rejoinTimer != nil {
		c.rejoinTimer.Stop()
		c.rejoinTimer = nil
	}
	c.chainStarted = false
	c.finished = false
	c.step = stepIdle
	c.deadline = time.Time{}
	c.target = netip.AddrPort{}
	c.awaiting = false
	c.relay = netip.AddrPort{}
	c.relayUp = false
	c.lastHost = netip.AddrPort{}
	c.lastGUID = transport.UnassignedGUID
	c.rejoinPending = false
}
