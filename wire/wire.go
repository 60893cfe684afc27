package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/opd-ai/linkcable/transport"
)

// Tag is the first byte of every application message.
type Tag byte

// Rendezvous and relay control messages.
const (
	TagAcceptIncoming Tag = iota + 0x60
	TagPunchRequest
	TagPunchSucceeded
	TagPunchFailed
	TagPunchConnect
	TagForwardRequest
	TagForwardSucceeded
	TagForwardFailed
	TagForwardIncoming
	TagGUIDQuery
	TagGUIDInvalid
	TagListingPublish
	TagListingAck
	TagListingQuery
	TagListingResult
	TagAlreadyConnected
)

// Peer application messages. 0x86 is the first tag after the range a
// transport may reserve for itself.
const (
	TagReliableData Tag = iota + 0x86
	TagUnreliableData
	TagAccepted
	TagRefused
	TagTestConnectivity
	TagRequestJoin
	TagRequestRejoin
)

// Loopback-only triggers. They are never accepted from a remote address.
const (
	TagReconnect Tag = iota + 0xA0
	TagReinvite
	TagFlushQueries
	TagRepublish
)

// Discovery datagrams, outside of any connection.
const (
	TagDiscoveryPing   Tag = 0x1C
	TagDiscoveryAdvert Tag = 0x1D
)

var tagNames = map[Tag]string{
	TagAcceptIncoming:   "ACCEPT_INCOMING",
	TagPunchRequest:     "PUNCH_REQUEST",
	TagPunchSucceeded:   "PUNCH_SUCCEEDED",
	TagPunchFailed:      "PUNCH_FAILED",
	TagPunchConnect:     "PUNCH_CONNECT",
	TagForwardRequest:   "FORWARD_REQUEST",
	TagForwardSucceeded: "FORWARD_SUCCEEDED",
	TagForwardFailed:    "FORWARD_FAILED",
	TagForwardIncoming:  "FORWARD_INCOMING",
	TagGUIDQuery:        "GUID_QUERY",
	TagGUIDInvalid:      "GUID_INVALID",
	TagListingPublish:   "LISTING_PUBLISH",
	TagListingAck:       "LISTING_ACK",
	TagListingQuery:     "LISTING_QUERY",
	TagListingResult:    "LISTING_RESULT",
	TagAlreadyConnected: "ALREADY_CONNECTED",
	TagReliableData:     "RELIABLE_DATA",
	TagUnreliableData:   "UNRELIABLE_DATA",
	TagAccepted:         "ACCEPTED",
	TagRefused:          "REFUSED",
	TagTestConnectivity: "TEST_CONNECTIVITY",
	TagRequestJoin:      "REQUEST_JOIN",
	TagRequestRejoin:    "REQUEST_REJOIN",
	TagReconnect:        "RECONNECT",
	TagReinvite:         "REINVITE",
	TagFlushQueries:     "FLUSH_QUERIES",
	TagRepublish:        "REPUBLISH",
	TagDiscoveryPing:    "DISCOVERY_PING",
	TagDiscoveryAdvert:  "DISCOVERY_ADVERT",
}

// String returns the protocol name of the tag.
func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TAG(0x%02x)", byte(t))
}

// IsLoopback reports whether t may only arrive through the transport loopback.
func (t Tag) IsLoopback() bool {
	return t >= TagReconnect && t <= TagRepublish
}

// ErrMalformed is returned for messages that do not match their tag's layout.
var ErrMalformed = errors.New("malformed message")

func malformed(tag Tag, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, tag, fmt.Sprintf(format, args...))
}

// TagOf returns the tag of msg.
func TagOf(msg []byte) (Tag, bool) {
	if len(msg) == 0 {
		return 0, false
	}
	return Tag(msg[0]), true
}

// Bare returns a message consisting of the tag only.
func Bare(tag Tag) []byte {
	return []byte{byte(tag)}
}

// EncodeData frames an application payload behind a data tag.
func EncodeData(tag Tag, payload []byte) []byte {
	msg := make([]byte, 1+len(payload))
	msg[0] = byte(tag)
	copy(msg[1:], payload)
	return msg
}

// KeySize is the length of an invitation key on the wire.
const KeySize = 8

// EncodeKeyed builds a join, rejoin or connectivity-test request. The key is
// little-endian, immediately after the tag.
func EncodeKeyed(tag Tag, key uint64) []byte {
	msg := make([]byte, 1+KeySize)
	msg[0] = byte(tag)
	binary.LittleEndian.PutUint64(msg[1:], key)
	return msg
}

// DecodeKeyed parses a message built by EncodeKeyed.
func DecodeKeyed(msg []byte) (Tag, uint64, error) {
	if len(msg) != 1+KeySize {
		tag, _ := TagOf(msg)
		return tag, 0, malformed(tag, "length %d, want %d", len(msg), 1+KeySize)
	}
	return Tag(msg[0]), binary.LittleEndian.Uint64(msg[1:]), nil
}

// RefuseReason explains a REFUSED reply.
type RefuseReason byte

const (
	RefuseBadKey RefuseReason = iota + 1
	RefuseBusy
	RefuseNotPrevious
	RefuseMalformed
)

// String returns the human-readable reason shown to the user.
func (r RefuseReason) String() string {
	switch r {
	case RefuseBadKey:
		return "invitation key rejected"
	case RefuseBusy:
		return "capacity reached"
	case RefuseNotPrevious:
		return "not the previous peer"
	case RefuseMalformed:
		return "malformed request"
	default:
		return "refused"
	}
}

// EncodeRefused builds a REFUSED reply.
func EncodeRefused(reason RefuseReason) []byte {
	return []byte{byte(TagRefused), byte(reason)}
}

// DecodeRefused parses a REFUSED reply. A bare tag decodes to a zero reason.
func DecodeRefused(msg []byte) (RefuseReason, error) {
	switch len(msg) {
	case 1:
		return 0, nil
	case 2:
		return RefuseReason(msg[1]), nil
	default:
		return 0, malformed(TagRefused, "length %d", len(msg))
	}
}

// FailReason explains a PUNCH_FAILED or FORWARD_FAILED reply.
type FailReason byte

const (
	FailNotConnected FailReason = iota + 1
	FailUnreachable
	FailNoRelay
	FailInternal
)

// String returns the reason name.
func (r FailReason) String() string {
	switch r {
	case FailNotConnected:
		return "target not connected"
	case FailUnreachable:
		return "target unreachable"
	case FailNoRelay:
		return "no relay available"
	case FailInternal:
		return "internal server error"
	default:
		return "unknown"
	}
}

// EncodeGUID builds a control message carrying one GUID, big-endian.
func EncodeGUID(tag Tag, guid transport.GUID) []byte {
	msg := make([]byte, 9)
	msg[0] = byte(tag)
	binary.BigEndian.PutUint64(msg[1:], uint64(guid))
	return msg
}

// DecodeGUID parses a message built by EncodeGUID.
func DecodeGUID(msg []byte) (transport.GUID, error) {
	if len(msg) != 9 {
		tag, _ := TagOf(msg)
		return 0, malformed(tag, "length %d, want 9", len(msg))
	}
	return transport.GUID(binary.BigEndian.Uint64(msg[1:])), nil
}

// EncodeFailure builds PUNCH_FAILED or FORWARD_FAILED.
func EncodeFailure(tag Tag, guid transport.GUID, reason FailReason) []byte {
	msg := make([]byte, 10)
	msg[0] = byte(tag)
	binary.BigEndian.PutUint64(msg[1:9], uint64(guid))
	msg[9] = byte(reason)
	return msg
}

// DecodeFailure parses a message built by EncodeFailure.
func DecodeFailure(msg []byte) (transport.GUID, FailReason, error) {
	if len(msg) != 10 {
		tag, _ := TagOf(msg)
		return 0, 0, malformed(tag, "length %d, want 10", len(msg))
	}
	return transport.GUID(binary.BigEndian.Uint64(msg[1:9])), FailReason(msg[9]), nil
}

// EncodeGUIDAddr builds a control message carrying a GUID and an address:
// PUNCH_SUCCEEDED, PUNCH_CONNECT, FORWARD_SUCCEEDED and FORWARD_INCOMING.
func EncodeGUIDAddr(tag Tag, guid transport.GUID, addr netip.AddrPort) []byte {
	msg := make([]byte, 9, 9+1+16+2)
	msg[0] = byte(tag)
	binary.BigEndian.PutUint64(msg[1:9], uint64(guid))
	return AppendAddr(msg, addr)
}

// DecodeGUIDAddr parses a message built by EncodeGUIDAddr.
func DecodeGUIDAddr(msg []byte) (transport.GUID, netip.AddrPort, error) {
	tag, _ := TagOf(msg)
	if len(msg) < 9 {
		return 0, netip.AddrPort{}, malformed(tag, "length %d", len(msg))
	}
	addr, rest, err := ReadAddr(msg[9:])
	if err != nil {
		return 0, netip.AddrPort{}, malformed(tag, "%v", err)
	}
	if len(rest) != 0 {
		return 0, netip.AddrPort{}, malformed(tag, "%d trailing bytes", len(rest))
	}
	return transport.GUID(binary.BigEndian.Uint64(msg[1:9])), addr, nil
}

// AppendAddr appends [len][ip][port big-endian] to b.
func AppendAddr(b []byte, addr netip.AddrPort) []byte {
	ip := addr.Addr().Unmap().AsSlice()
	b = append(b, byte(len(ip)))
	b = append(b, ip...)
	return binary.BigEndian.AppendUint16(b, addr.Port())
}

// ReadAddr reads an address written by AppendAddr and returns the remainder.
func ReadAddr(b []byte) (netip.AddrPort, []byte, error) {
	if len(b) < 1 {
		return netip.AddrPort{}, nil, errors.New("missing address length")
	}
	n := int(b[0])
	if n != 4 && n != 16 {
		return netip.AddrPort{}, nil, fmt.Errorf("invalid address length %d", n)
	}
	if len(b) < 1+n+2 {
		return netip.AddrPort{}, nil, errors.New("truncated address")
	}
	ip, _ := netip.AddrFromSlice(b[1 : 1+n])
	port := binary.BigEndian.Uint16(b[1+n : 3+n])
	return netip.AddrPortFrom(ip.Unmap(), port), b[3+n:], nil
}

// EncodeGUIDList builds GUID_QUERY or GUID_INVALID: [tag][count u16][guid...].
func EncodeGUIDList(tag Tag, guids []transport.GUID) []byte {
	msg := make([]byte, 3, 3+8*len(guids))
	msg[0] = byte(tag)
	binary.BigEndian.PutUint16(msg[1:3], uint16(len(guids)))
	for _, g := range guids {
		msg = binary.BigEndian.AppendUint64(msg, uint64(g))
	}
	return msg
}

// DecodeGUIDList parses a message built by EncodeGUIDList.
func DecodeGUIDList(msg []byte) ([]transport.GUID, error) {
	tag, _ := TagOf(msg)
	if len(msg) < 3 {
		return nil, malformed(tag, "length %d", len(msg))
	}
	count := int(binary.BigEndian.Uint16(msg[1:3]))
	if len(msg) != 3+8*count {
		return nil, malformed(tag, "length %d for %d GUIDs", len(msg), count)
	}
	guids := make([]transport.GUID, count)
	for i := range guids {
		off := 3 + 8*i
		guids[i] = transport.GUID(binary.BigEndian.Uint64(msg[off : off+8]))
	}
	return guids, nil
}
