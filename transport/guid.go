package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
)

// GUID is the globally unique identifier of a transport endpoint.
type GUID uint64

// UnassignedGUID is the zero GUID, never handed out by NewGUID.
const UnassignedGUID GUID = 0

// NewGUID returns a random non-zero GUID.
func NewGUID() GUID {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(fmt.Sprintf("transport: crypto/rand failed: %v", err))
		}
		if g := GUID(binary.BigEndian.Uint64(b[:])); g != UnassignedGUID {
			return g
		}
	}
}

// String formats the GUID as 16 hex digits.
func (g GUID) String() string {
	return fmt.Sprintf("%016x", uint64(g))
}

// ParseGUID parses the hex form produced by String.
func ParseGUID(s string) (GUID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return UnassignedGUID, fmt.Errorf("invalid GUID %q: %w", s, err)
	}
	return GUID(v), nil
}
