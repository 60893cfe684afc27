package wire

import (
	"encoding/binary"

	"github.com/opd-ai/linkcable/transport"
)

// DiscoveryMagic identifies linkcable discovery datagrams. It is matched exactly.
const DiscoveryMagic = "linkcable.lan.v1"

// DiscoverySize is the fixed length of a discovery datagram.
const DiscoverySize = 1 + len(DiscoveryMagic) + 8

// EncodeDiscovery builds [tag][magic][sender GUID, network byte order].
func EncodeDiscovery(tag Tag, sender transport.GUID) []byte {
	msg := make([]byte, DiscoverySize)
	msg[0] = byte(tag)
	copy(msg[1:], DiscoveryMagic)
	binary.BigEndian.PutUint64(msg[1+len(DiscoveryMagic):], uint64(sender))
	return msg
}

// DecodeDiscovery parses a discovery datagram. Anything with a different
// length, an unknown tag or a magic that does not match exactly is malformed.
func DecodeDiscovery(msg []byte) (Tag, transport.GUID, error) {
	if len(msg) != DiscoverySize {
		tag, _ := TagOf(msg)
		return tag, 0, malformed(tag, "discovery length %d, want %d", len(msg), DiscoverySize)
	}
	tag := Tag(msg[0])
	if tag != TagDiscoveryPing && tag != TagDiscoveryAdvert {
		return tag, 0, malformed(tag, "not a discovery tag")
	}
	if string(msg[1:1+len(DiscoveryMagic)]) != DiscoveryMagic {
		return tag, 0, malformed(tag, "magic mismatch")
	}
	return tag, transport.GUID(binary.BigEndian.Uint64(msg[1+len(DiscoveryMagic):])), nil
}
