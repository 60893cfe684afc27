// Package limits provides centralized size constants and validation functions
// for linkcable. Every component that accepts bytes from the application or the
// network checks them against these limits.
//
// # Size Hierarchy
//
//   - MaxReliableFrame (1024 bytes): payload cap of one buffered reliable frame.
//     SendReliable splits larger writes and flushes whenever the buffer is full.
//
//   - MaxUnreliableDatagram (1100 bytes): the largest unreliable payload. Unreliable
//     messages are never split; oversized payloads are rejected.
//
//   - MaxFrame (64 KiB): the absolute maximum for a length-prefixed transport frame.
//
// # Validation Functions
//
//	err := limits.ValidateUnreliable(payload)
//	if errors.Is(err, limits.ErrMessageTooLarge) {
//	    // drop or split at the application level
//	}
//
// For custom limits use ValidateMessageSize.
package limits
