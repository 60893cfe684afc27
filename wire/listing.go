package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/opd-ai/linkcable/limits"
	"github.com/opd-ai/linkcable/transport"
)

// Listing is the descriptor a publicly listed host pushes to the rendezvous
// server so unrelated clients can find it.
type Listing struct {
	// ID is assigned by the rendezvous server. It is zero in LISTING_PUBLISH.
	ID    uuid.UUID
	GUID  transport.GUID
	Name  string
	Hints []string
}

// Validate checks the listing against the protocol limits.
func (l *Listing) Validate() error {
	if len(l.Name) > limits.MaxListingName {
		return fmt.Errorf("%w: name length %d exceeds limit %d", limits.ErrMessageTooLarge, len(l.Name), limits.MaxListingName)
	}
	if len(l.Hints) > limits.MaxListingHints {
		return fmt.Errorf("%w: %d hints exceed limit %d", limits.ErrMessageTooLarge, len(l.Hints), limits.MaxListingHints)
	}
	for _, h := range l.Hints {
		if len(h) > 255 {
			return fmt.Errorf("%w: hint length %d", limits.ErrMessageTooLarge, len(h))
		}
	}
	return nil
}

func appendListing(b []byte, l *Listing) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(l.GUID))
	b = append(b, byte(len(l.Name)))
	b = append(b, l.Name...)
	b = append(b, byte(len(l.Hints)))
	for _, h := range l.Hints {
		b = append(b, byte(len(h)))
		b = append(b, h...)
	}
	return b
}

func readListing(b []byte) (*Listing, []byte, error) {
	if len(b) < 9 {
		return nil, nil, fmt.Errorf("truncated listing header")
	}
	l := &Listing{GUID: transport.GUID(binary.BigEndian.Uint64(b[:8]))}
	b = b[8:]

	name, b, err := readString(b)
	if err != nil {
		return nil, nil, fmt.Errorf("name: %w", err)
	}
	l.Name = name

	if len(b) < 1 {
		return nil, nil, fmt.Errorf("missing hint count")
	}
	count := int(b[0])
	b = b[1:]
	if count > limits.MaxListingHints {
		return nil, nil, fmt.Errorf("%d hints exceed limit", count)
	}
	for i := 0; i < count; i++ {
		var hint string
		hint, b, err = readString(b)
		if err != nil {
			return nil, nil, fmt.Errorf("hint %d: %w", i, err)
		}
		l.Hints = append(l.Hints, hint)
	}
	return l, b, nil
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, fmt.Errorf("missing length")
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, fmt.Errorf("truncated")
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}

// EncodeListingPublish builds LISTING_PUBLISH.
func EncodeListingPublish(l *Listing) ([]byte, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return appendListing([]byte{byte(TagListingPublish)}, l), nil
}

// DecodeListingPublish parses LISTING_PUBLISH.
func DecodeListingPublish(msg []byte) (*Listing, error) {
	if len(msg) < 1 {
		return nil, malformed(TagListingPublish, "empty")
	}
	l, rest, err := readListing(msg[1:])
	if err != nil {
		return nil, malformed(TagListingPublish, "%v", err)
	}
	if len(rest) != 0 {
		return nil, malformed(TagListingPublish, "%d trailing bytes", len(rest))
	}
	return l, nil
}

// EncodeListingAck builds LISTING_ACK carrying the assigned listing ID.
func EncodeListingAck(id uuid.UUID) []byte {
	return append([]byte{byte(TagListingAck)}, id[:]...)
}

// DecodeListingAck parses LISTING_ACK.
func DecodeListingAck(msg []byte) (uuid.UUID, error) {
	if len(msg) != 17 {
		return uuid.Nil, malformed(TagListingAck, "length %d, want 17", len(msg))
	}
	return uuid.FromBytes(msg[1:])
}

// EncodeListingResult builds LISTING_RESULT: [tag][count u8]{[id 16][listing]}.
func EncodeListingResult(listings []*Listing) []byte {
	if len(listings) > 255 {
		listings = listings[:255]
	}
	msg := []byte{byte(TagListingResult), byte(len(listings))}
	for _, l := range listings {
		msg = append(msg, l.ID[:]...)
		msg = appendListing(msg, l)
	}
	return msg
}

// DecodeListingResult parses LISTING_RESULT.
func DecodeListingResult(msg []byte) ([]*Listing, error) {
	if len(msg) < 2 {
		return nil, malformed(TagListingResult, "length %d", len(msg))
	}
	count := int(msg[1])
	b := msg[2:]
	listings := make([]*Listing, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < 16 {
			return nil, malformed(TagListingResult, "entry %d: truncated id", i)
		}
		id, err := uuid.FromBytes(b[:16])
		if err != nil {
			return nil, malformed(TagListingResult, "entry %d: %v", i, err)
		}
		l, rest, err := readListing(b[16:])
		if err != nil {
			return nil, malformed(TagListingResult, "entry %d: %v", i, err)
		}
		l.ID = id
		listings = append(listings, l)
		b = rest
	}
	if len(b) != 0 {
		return nil, malformed(TagListingResult, "%d trailing bytes", len(b))
	}
	return listings, nil
}
