// Package wire defines the byte-exact framing shared by sessions and the
// rendezvous server.
//
// Every message starts with a one-byte Tag. Tags are grouped in ranges that
// never overlap the transport's own raw datagram tags (0x01-0x0F):
//
//   - 0x1C-0x1D: LAN discovery datagrams ([tag][magic][GUID]).
//   - 0x60-0x6F: rendezvous and relay control messages.
//   - 0x86-0x8C: peer messages (data, ACCEPTED, REFUSED, join requests).
//   - 0xA0-0xA2: loopback-only triggers an orchestrator sends to itself.
//
// Join, rejoin and connectivity-test requests carry the invitation key as
// 8 little-endian bytes right after the tag:
//
//	msg := wire.EncodeKeyed(wire.TagRequestJoin, key)
//	tag, key, err := wire.DecodeKeyed(msg)
//
// GUIDs inside control messages and discovery datagrams are big-endian.
package wire
