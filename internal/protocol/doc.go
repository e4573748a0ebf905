// Package protocol defines the wire formats shared by the publisher and all
// subscribers.
//
// Conventions:
//   - All multi-byte fields are little-endian on the wire.
//   - Tick is exactly 32 bytes; RetransmitRequest is exactly 8 bytes.
//   - Timestamps: uint64 nanoseconds since the Unix epoch, read from the
//     publisher's wall clock just before send and clamped so they never
//     decrease. They are not monotonic-clock readings.
//   - Symbols: up to 4 ASCII bytes, right-padded with NUL (4-byte symbols
//     carry no terminator).
package protocol
