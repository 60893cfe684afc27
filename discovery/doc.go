// Package discovery finds linkcable hosts on the local network without any
// server.
//
// A client multicasts a DISCOVERY_PING datagram to a well-known group. Hosts
// that run a responder answer with a DISCOVERY_ADVERT sent unicast, through
// their session transport, to the address the ping came from. The client
// learns the host's transport address from the advert's source and connects
// to it directly.
//
//	d := discovery.New(tr.MyGUID(), tr, discovery.DefaultConfig())
//	d.OnPeer(func(guid transport.GUID, addr netip.AddrPort) {
//	    fmt.Printf("found %s at %s\n", guid, addr)
//	})
//	if err := d.Start(); err != nil {
//	    return err
//	}
//	defer d.Stop()
//	d.Ping()
//
// Datagrams are matched on their magic string and a sender GUID different
// from our own; anything else is ignored.
package discovery
