// Package transport provides the addressed messaging capability that linkcable
// sessions and the rendezvous server are built on.
//
// # Architecture
//
// The Transport interface is the boundary between connection orchestration and
// the wire. It offers everything the orchestrator consumes and nothing more:
//
//	type Transport interface {
//	    Listen(port uint16, maxPeers int) error
//	    MyGUID() GUID
//	    Connect(addr netip.AddrPort) error
//	    CloseConnection(addr netip.AddrPort)
//	    Send(data []byte, reliability Reliability, addr netip.AddrPort) error
//	    Receive(ctx context.Context) (*Message, error)
//	    Ping(addr netip.AddrPort) error
//	    Advertise(addr netip.AddrPort, data []byte) error
//	    SendLoopback(data []byte)
//	    Close() error
//	}
//
// Connection outcomes, peer liveness, pongs, advertisements and loopback
// messages all arrive through Receive as a Message with an EventKind.
//
// # QUIC Adapter
//
//	tr, err := transport.NewQUICTransport(nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := tr.Listen(61000, 4); err != nil {
//	    log.Fatal(err)
//	}
//
// Reliable-ordered messages travel as length-prefixed frames on one QUIC stream
// per connection; unreliable messages are QUIC datagrams. Pings, pongs and
// advertisements are plain UDP datagrams on the same socket, which keeps NAT
// mappings shared between punch-through probes and the connection.
//
// # Identity
//
// Every endpoint has a random 64-bit GUID exchanged in a hello frame when a
// connection is established. GUIDs identify peers to the rendezvous server.
package transport
