// Package simnet provides an in-memory network for deterministic testing of
// linkcable sessions and the rendezvous server.
//
// Every Endpoint implements transport.Transport. Deliveries are synchronous
// appends to the receiver's event queue, so messages arrive in exactly the
// order they were sent and no goroutine is needed to move packets.
//
// # Simulating Network Conditions
//
//	nw := simnet.NewNetwork()
//	host := nw.NewEndpoint("198.51.100.10")
//	client := nw.NewEndpoint("203.0.113.20")
//
//	// NAT: neither side can reach the other directly
//	nw.Block(host.IP(), client.IP())
//
//	// Listen on this address fails, as if the port were taken
//	nw.Refuse(netip.MustParseAddrPort("198.51.100.10:61000"))
//
// Broadcast pings (255.255.255.255:port) reach every listening endpoint on
// that port. Advertisements can be captured with Sink to stand in for a
// socket that is not a Transport, such as a discovery listener.
//
// # Delivery Log
//
// Network.Log returns every delivery for assertions:
//
//	for _, d := range nw.Log() {
//	    if d.From == host.LocalAddr() && d.Kind == transport.EventData {
//	        ...
//	    }
//	}
package simnet
