// Package session orchestrates a link between two emulator instances.
//
// A Host waits for one peer that presents its invitation key. A Client finds
// the host by trying, in order, NAT punch-through coordinated by the
// rendezvous server, a direct LAN address hint, a relay forwarder and LAN
// broadcast and multicast discovery. A GUIDChecker asks the rendezvous server
// which peers are gone and lists public hosts.
//
// All roles share one orchestrator: a receive goroutine feeding an event
// loop that owns the state machine, the rendezvous link, port mapping and
// reconnection. Application goroutines exchange data through
// SendReliable/FlushReliable, SendUnreliable, ReadReliable and
// ReadUnreliable, and observe progress through an Observer.
//
//	h, err := session.NewHost(opts)
//	if err != nil {
//		return err
//	}
//	if !h.Start() {
//		return errors.New("cannot bind")
//	}
//	defer h.Stop()
package session
