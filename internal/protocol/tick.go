package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"
)

// Wire sizes in bytes.
const (
	TickSize    = 32
	RequestSize = 8
)

// Tick is one market-data record. The field order matches the wire layout:
// sequence (8), timestamp (8), price (8), quantity (4), symbol (4).
type Tick struct {
	Sequence  uint64  // publisher-assigned, 1-based, never reused
	Timestamp uint64  // nanoseconds, captured immediately before send
	Price     float64 // IEEE-754 double
	Quantity  uint32
	Symbol    [4]byte // NUL-padded ASCII
}

// RetransmitRequest asks the publisher to resend one missed sequence.
type RetransmitRequest struct {
	MissedSequence uint64
}

// The in-memory layouts must match the wire sizes exactly. These blow up at
// compile time if a field change introduces padding.
var (
	_ [TickSize]byte    = [unsafe.Sizeof(Tick{})]byte{}
	_ [RequestSize]byte = [unsafe.Sizeof(RetransmitRequest{})]byte{}
)

// Encode serializes the tick into its 32-byte wire form.
func (t *Tick) Encode() [TickSize]byte {
	var buf [TickSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], t.Sequence)
	binary.LittleEndian.PutUint64(buf[8:16], t.Timestamp)
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(t.Price))
	binary.LittleEndian.PutUint32(buf[24:28], t.Quantity)
	copy(buf[28:32], t.Symbol[:])
	return buf
}

// DecodeTick parses a 32-byte wire record. Datagrams of any other length are
// not ticks and are rejected.
func DecodeTick(b []byte) (Tick, error) {
	if len(b) != TickSize {
		return Tick{}, fmt.Errorf("tick must be %d bytes, got %d", TickSize, len(b))
	}
	var t Tick
	t.Sequence = binary.LittleEndian.Uint64(b[0:8])
	t.Timestamp = binary.LittleEndian.Uint64(b[8:16])
	t.Price = math.Float64frombits(binary.LittleEndian.Uint64(b[16:24]))
	t.Quantity = binary.LittleEndian.Uint32(b[24:28])
	copy(t.Symbol[:], b[28:32])
	return t, nil
}

// SymbolString returns the symbol with trailing NUL padding stripped.
func (t *Tick) SymbolString() string {
	n := len(t.Symbol)
	for n > 0 && t.Symbol[n-1] == 0 {
		n--
	}
	return string(t.Symbol[:n])
}

// MakeSymbol packs up to 4 ASCII bytes into the fixed symbol field,
// right-padding with NUL. Longer strings are truncated.
func MakeSymbol(s string) [4]byte {
	var sym [4]byte
	copy(sym[:], s)
	return sym
}

// Encode serializes the request into its 8-byte wire form.
func (r *RetransmitRequest) Encode() [RequestSize]byte {
	var buf [RequestSize]byte
	binary.LittleEndian.PutUint64(buf[:], r.MissedSequence)
	return buf
}

// DecodeRequest parses an 8-byte retransmit request.
func DecodeRequest(b []byte) (RetransmitRequest, error) {
	if len(b) != RequestSize {
		return RetransmitRequest{}, fmt.Errorf("request must be %d bytes, got %d", RequestSize, len(b))
	}
	return RetransmitRequest{MissedSequence: binary.LittleEndian.Uint64(b)}, nil
}
