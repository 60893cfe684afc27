package wire

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/linkcable/transport"
)

func TestTagRangesAreDisjoint(t *testing.T) {
	seen := make(map[Tag]string)
	for tag, name := range tagNames {
		prev, dup := seen[tag]
		require.False(t, dup, "tag 0x%02x used by %s and %s", byte(tag), prev, name)
		seen[tag] = name
		assert.Greater(t, byte(tag), byte(0x0F), "%s collides with transport tags", name)
	}
	assert.Equal(t, Tag(0x86), TagReliableData)
	assert.Equal(t, Tag(0x6F), TagAlreadyConnected)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, TagReconnect.IsLoopback())
	assert.True(t, TagFlushQueries.IsLoopback())
	assert.True(t, TagRepublish.IsLoopback())
	assert.False(t, TagRequestJoin.IsLoopback())
	assert.False(t, TagPunchRequest.IsLoopback())
}

func TestKeyedRequestLayout(t *testing.T) {
	msg := EncodeKeyed(TagRequestJoin, 0x0102030405060708)

	// tag then the key in little-endian order
	assert.Equal(t, []byte{byte(TagRequestJoin), 8, 7, 6, 5, 4, 3, 2, 1}, msg)

	tag, key, err := DecodeKeyed(msg)
	require.NoError(t, err)
	assert.Equal(t, TagRequestJoin, tag)
	assert.Equal(t, uint64(0x0102030405060708), key)

	_, _, err = DecodeKeyed(msg[:5])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRefused(t *testing.T) {
	reason, err := DecodeRefused(EncodeRefused(RefuseBusy))
	require.NoError(t, err)
	assert.Equal(t, RefuseBusy, reason)
	assert.Equal(t, "capacity reached", reason.String())

	reason, err = DecodeRefused(Bare(TagRefused))
	require.NoError(t, err)
	assert.Equal(t, RefuseReason(0), reason)

	_, err = DecodeRefused([]byte{byte(TagRefused), 1, 2})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestGUIDAddr(t *testing.T) {
	addr := netip.MustParseAddrPort("203.0.113.7:61000")
	msg := EncodeGUIDAddr(TagPunchSucceeded, transport.GUID(42), addr)

	guid, got, err := DecodeGUIDAddr(msg)
	require.NoError(t, err)
	assert.Equal(t, transport.GUID(42), guid)
	assert.Equal(t, addr, got)

	// IPv4-mapped addresses are written in their 4-byte form
	mapped := netip.AddrPortFrom(netip.AddrFrom16(addr.Addr().As16()), addr.Port())
	assert.Equal(t, msg, EncodeGUIDAddr(TagPunchSucceeded, 42, mapped))

	_, _, err = DecodeGUIDAddr(msg[:len(msg)-1])
	assert.ErrorIs(t, err, ErrMalformed)
	_, _, err = DecodeGUIDAddr(append(msg, 0))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFailure(t *testing.T) {
	guid, reason, err := DecodeFailure(EncodeFailure(TagPunchFailed, 7, FailUnreachable))
	require.NoError(t, err)
	assert.Equal(t, transport.GUID(7), guid)
	assert.Equal(t, FailUnreachable, reason)
	assert.Equal(t, "target unreachable", reason.String())
}

func TestGUIDList(t *testing.T) {
	guids := []transport.GUID{1, 2, 0xFFFFFFFFFFFFFFFF}
	got, err := DecodeGUIDList(EncodeGUIDList(TagGUIDQuery, guids))
	require.NoError(t, err)
	assert.Equal(t, guids, got)

	got, err = DecodeGUIDList(EncodeGUIDList(TagGUIDInvalid, nil))
	require.NoError(t, err)
	assert.Empty(t, got)

	bad := EncodeGUIDList(TagGUIDQuery, guids)
	_, err = DecodeGUIDList(bad[:len(bad)-3])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestListingPublishAndResult(t *testing.T) {
	l := &Listing{GUID: 99, Name: "Pokemon trade", Hints: []string{"192.168.1.4:61000", "198.51.100.2:61000"}}
	msg, err := EncodeListingPublish(l)
	require.NoError(t, err)

	got, err := DecodeListingPublish(msg)
	require.NoError(t, err)
	assert.Equal(t, l.GUID, got.GUID)
	assert.Equal(t, l.Name, got.Name)
	assert.Equal(t, l.Hints, got.Hints)

	l.ID = uuid.New()
	other := &Listing{ID: uuid.New(), GUID: 5, Name: "link battle"}
	results, err := DecodeListingResult(EncodeListingResult([]*Listing{l, other}))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, l.ID, results[0].ID)
	assert.Equal(t, other.Name, results[1].Name)
	assert.Empty(t, results[1].Hints)

	id, err := DecodeListingAck(EncodeListingAck(l.ID))
	require.NoError(t, err)
	assert.Equal(t, l.ID, id)
}

func TestListingValidate(t *testing.T) {
	long := make([]byte, 65)
	_, err := EncodeListingPublish(&Listing{Name: string(long)})
	assert.Error(t, err)

	_, err = EncodeListingPublish(&Listing{Hints: make([]string, 9)})
	assert.Error(t, err)
}

func TestDiscovery(t *testing.T) {
	msg := EncodeDiscovery(TagDiscoveryPing, 0x1122334455667788)
	require.Len(t, msg, DiscoverySize)
	assert.Equal(t, byte(TagDiscoveryPing), msg[0])
	assert.Equal(t, DiscoveryMagic, string(msg[1:17]))
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}, msg[17:])

	tag, guid, err := DecodeDiscovery(msg)
	require.NoError(t, err)
	assert.Equal(t, TagDiscoveryPing, tag)
	assert.Equal(t, transport.GUID(0x1122334455667788), guid)

	tampered := append([]byte(nil), msg...)
	tampered[5] = 'X'
	_, _, err = DecodeDiscovery(tampered)
	assert.ErrorIs(t, err, ErrMalformed)

	wrongTag := append([]byte(nil), msg...)
	wrongTag[0] = byte(TagRequestJoin)
	_, _, err = DecodeDiscovery(wrongTag)
	assert.ErrorIs(t, err, ErrMalformed)

	_, _, err = DecodeDiscovery(msg[:10])
	assert.ErrorIs(t, err, ErrMalformed)
}
