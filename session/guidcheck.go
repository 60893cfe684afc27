package session

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/linkcable/limits"
	"github.com/opd-ai/linkcable/transport"
	"github.com/opd-ai/linkcable/wire"
)

// GUIDChecker asks the rendezvous server which GUIDs are no longer
// connected, and lists public hosts. It never connects to a peer.
type GUIDChecker struct {
	*Session

	// guarded by Session.mu
	queue  []transport.GUID
	browse bool
}

// NewGUIDChecker creates a checker. Port mapping and LAN discovery are
// disabled for it.
func NewGUIDChecker(opts *Options) (*GUIDChecker, error) {
	if opts == nil {
		opts = NewOptions()
	}
	o := *opts
	o.EnablePortMapping = false
	o.EnableDiscovery = false

	c := &GUIDChecker{}
	s, err := newSession(&o, RoleGUIDChecker, c)
	if err != nil {
		return nil, err
	}
	c.Session = s
	return c, nil
}

func (c *GUIDChecker) handlers() map[wire.Tag]handlerFunc {
	return map[wire.Tag]handlerFunc{
		wire.TagGUIDInvalid:   c.handleInvalid,
		wire.TagListingResult: c.handleListings,
		wire.TagFlushQueries:  c.handleFlush,
	}
}

// Query queues GUIDs for checking. They are sent once the rendezvous server
// is reachable; GUIDs it does not know are reported via OnInvalidGUIDs.
func (c *GUIDChecker) Query(guids ...transport.GUID) {
	if len(guids) == 0 {
		return
	}
	c.mu.Lock()
	c.queue = append(c.queue, guids...)
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		tr.SendLoopback(wire.Bare(wire.TagFlushQueries))
	}
}

// Browse requests the public host listings; they are reported via OnListings.
func (c *GUIDChecker) Browse() {
	c.mu.Lock()
	c.browse = true
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		tr.SendLoopback(wire.Bare(wire.TagFlushQueries))
	}
}

// Pending returns the number of queued GUIDs not yet sent.
func (c *GUIDChecker) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *GUIDChecker) onRendezvousReady() {
	if c.lanOnly {
		c.log.Warn("GUID checks need a rendezvous server; queries stay queued")
		return
	}
	c.flush()
}

func (c *GUIDChecker) handleFlush(m *transport.Message) {
	c.flush()
}

func (c *GUIDChecker) flush() {
	if !c.rendezvousReady || !c.rendezvousUp {
		return
	}

	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	browse := c.browse
	c.browse = false
	c.mu.Unlock()

	for len(queue) > 0 {
		n := min(len(queue), limits.MaxGUIDsPerQuery)
		if !c.sendRendezvous(wire.EncodeGUIDList(wire.TagGUIDQuery, queue[:n])) {
			c.requeue(queue, browse)
			return
		}
		c.log.WithFields(logrus.Fields{
			"function": "GUIDChecker.flush",
			"count":    n,
		}).Debug("GUID query sent")
		queue = queue[n:]
	}
	if browse && !c.sendRendezvous(wire.Bare(wire.TagListingQuery)) {
		c.requeue(nil, true)
	}
}

// requeue puts unsent work back in front of anything queued meanwhile.
func (c *GUIDChecker) requeue(guids []transport.GUID, browse bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(append([]transport.GUID(nil), guids...), c.queue...)
	c.browse = c.browse || browse
}

func (c *GUIDChecker) handleInvalid(m *transport.Message) {
	if m.Addr != c.rendezvousAddr {
		return
	}
	guids, err := wire.DecodeGUIDList(m.Data)
	if err != nil {
		c.log.WithError(err).Debug("Ignoring malformed GUID reply")
		return
	}
	if len(guids) > 0 {
		c.observer.invalidGUIDs(guids)
	}
}

func (c *GUIDChecker) handleListings(m *transport.Message) {
	if m.Addr != c.rendezvousAddr {
		return
	}
	listings, err := wire.DecodeListingResult(m.Data)
	if err != nil {
		c.log.WithError(err).Debug("Ignoring malformed listing result")
		return
	}
	c.observer.listings(listings)
}

func (c *GUIDChecker) onPeerEvent(m *transport.Message) {
	if m.Kind == transport.EventIncomingConnection {
		c.transport().CloseConnection(m.Addr)
	}
}

func (c *GUIDChecker) onTick() {}

func (c *GUIDChecker) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.browse = false
}
