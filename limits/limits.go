// Package limits provides centralized message size limits for linkcable sessions.
// This ensures consistent validation across the session, wire and transport packages.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxReliableFrame is the per-message cap of the outbound reliable buffer.
	// A reliable write that would overflow it flushes the pending frame first.
	MaxReliableFrame = 1024

	// MaxUnreliableDatagram is the largest payload accepted by SendUnreliable.
	// It keeps a tagged datagram inside a single QUIC DATAGRAM frame on a 1280 byte path.
	MaxUnreliableDatagram = 1100

	// MaxGUIDsPerQuery is the batch size of a GUID validity query.
	MaxGUIDsPerQuery = 64

	// MaxListingName is the longest display name accepted in a public listing.
	MaxListingName = 64

	// MaxListingHints is the maximum number of connection hints per listing.
	MaxListingHints = 8

	// MaxFrame is the absolute maximum for any frame read from a transport stream.
	// This prevents memory exhaustion from a hostile length prefix.
	MaxFrame = 64 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateUnreliable validates an unreliable payload against MaxUnreliableDatagram.
func ValidateUnreliable(message []byte) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > MaxUnreliableDatagram {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxUnreliableDatagram)
	}
	return nil
}

// ValidateFrame validates data read from the network against MaxFrame.
// All network-received frames should pass this check before allocation.
func ValidateFrame(size int) error {
	if size <= 0 {
		return ErrMessageEmpty
	}
	if size > MaxFrame {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrMessageTooLarge, size, MaxFrame)
	}
	return nil
}
