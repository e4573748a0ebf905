// Package history implements the bounded sequence-indexed history that backs
// retransmission.
package history

import (
	"github.com/rickgao/tickcast/internal/protocol"
)

// DefaultCapacity matches the publisher's default retransmission depth.
const DefaultCapacity = 10000

// LookupResult explains why a sequence is or is not available.
type LookupResult int

const (
	// Hit means the tick is stored and was returned.
	Hit LookupResult = iota
	// Evicted means the sequence was pushed but has since been overwritten.
	Evicted
	// NeverSeen means the slot holds a different sequence; the number was
	// skipped or the ring restarted.
	NeverSeen
	// Future means the sequence is beyond anything pushed so far.
	Future
)

func (r LookupResult) String() string {
	switch r {
	case Hit:
		return "hit"
	case Evicted:
		return "evicted"
	case NeverSeen:
		return "never-seen"
	case Future:
		return "future"
	default:
		return "unknown"
	}
}

// Ring maps sequence numbers to ticks with fixed capacity. A push to sequence
// s lands in slot s mod capacity, overwriting whatever sequence occupied the
// slot before. Once a sequence trails the maximum by the capacity or more it
// is permanently gone.
//
// Ring is not safe for concurrent use. The publisher's event loop is its only
// caller, so push and get never race.
type Ring struct {
	ticks    []protocol.Tick
	seqs     []uint64
	maxSeq   uint64
	capacity uint64

	stats Stats
}

// Stats counts ring activity.
type Stats struct {
	Pushes    int64
	Hits      int64
	Evictions int64 // lookups that found the sequence already overwritten
	Misses    int64 // never-seen and future lookups
	MaxSeq    uint64
}

// New creates a ring with the given capacity. Capacities below 1 fall back to
// DefaultCapacity.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Ring{
		ticks:    make([]protocol.Tick, capacity),
		seqs:     make([]uint64, capacity),
		capacity: uint64(capacity),
	}
}

// Push stores the tick under its sequence number. Sequence numbers are unique
// by construction at the producer; pushing the current maximum again with a
// different tick is undefined. Lower-sequence pushes never lower the maximum.
func (r *Ring) Push(seq uint64, tick protocol.Tick) {
	idx := seq % r.capacity
	r.ticks[idx] = tick
	r.seqs[idx] = seq
	if seq > r.maxSeq {
		r.maxSeq = seq
	}
	r.stats.Pushes++
	r.stats.MaxSeq = r.maxSeq
}

// Get returns the stored tick for seq, if it is still available.
func (r *Ring) Get(seq uint64) (protocol.Tick, bool) {
	tick, res := r.Lookup(seq)
	return tick, res == Hit
}

// Lookup is Get with the miss reason made explicit. The hit/miss split is
// identical to Get; the reason exists for diagnostics only.
func (r *Ring) Lookup(seq uint64) (protocol.Tick, LookupResult) {
	if seq == 0 {
		// Sequence numbers are 1-based; 0 can never have been pushed.
		r.stats.Misses++
		return protocol.Tick{}, NeverSeen
	}
	if seq > r.maxSeq {
		r.stats.Misses++
		return protocol.Tick{}, Future
	}
	if r.maxSeq >= r.capacity && seq <= r.maxSeq-r.capacity {
		r.stats.Evictions++
		return protocol.Tick{}, Evicted
	}

	idx := seq % r.capacity
	if r.seqs[idx] != seq {
		r.stats.Misses++
		return protocol.Tick{}, NeverSeen
	}

	r.stats.Hits++
	return r.ticks[idx], Hit
}

// MaxSeq returns the highest sequence number ever pushed (0 before the first
// push).
func (r *Ring) MaxSeq() uint64 { return r.maxSeq }

// Capacity returns the fixed slot count.
func (r *Ring) Capacity() int { return int(r.capacity) }

// Stats returns a copy of the activity counters.
func (r *Ring) Stats() Stats { return r.stats }
