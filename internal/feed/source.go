package feed

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rickgao/tickcast/internal/config"
	"github.com/rickgao/tickcast/internal/protocol"
)

// Rand is the subset of math/rand the tick source draws from. Tests inject a
// scripted implementation for deterministic behavior.
type Rand interface {
	Intn(n int) int
	Float64() float64
}

// Clock returns a nanosecond timestamp. Readings may step backwards; the
// publisher clamps them so wire timestamps never decrease. Tests inject a
// fake.
type Clock func() uint64

// WallClock is the production clock.
func WallClock() uint64 { return uint64(time.Now().UnixNano()) }

// NewRand returns a production random source. Seed 0 derives a seed from the
// clock; anything else is used as-is so runs can be reproduced.
func NewRand(seed int64) Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// Generated is one tick from the source plus the decision whether the
// datagram should be dropped before the send to exercise recovery. Dropped
// sequences are still consumed and still recorded in history.
type Generated struct {
	Tick protocol.Tick // Timestamp is zero; the publisher stamps it at send time
	Drop bool
}

// Source produces the synthetic tick stream: a multiplicative random walk per
// symbol, occasionally disturbed by a persistent fundamental shock or a
// single-tick transient anomaly that rubber-bands on the next tick.
type Source struct {
	cfg     config.FeedConfig
	rng     Rand
	symbols [][4]byte
	prices  []float64
	nextSeq uint64
}

// NewSource creates a source with every symbol at its base price.
func NewSource(cfg config.FeedConfig, rng Rand) (*Source, error) {
	if cfg.SymbolCount < 1 || cfg.SymbolCount > len(symbolTable) {
		return nil, fmt.Errorf("symbol count must be between 1 and %d, got %d", len(symbolTable), cfg.SymbolCount)
	}

	symbols := make([][4]byte, cfg.SymbolCount)
	prices := make([]float64, cfg.SymbolCount)
	for i := 0; i < cfg.SymbolCount; i++ {
		symbols[i] = protocol.MakeSymbol(symbolTable[i])
		prices[i] = BasePrice(i)
	}

	return &Source{
		cfg:     cfg,
		rng:     rng,
		symbols: symbols,
		prices:  prices,
		nextSeq: 1,
	}, nil
}

// Next produces the next tick. Sequence numbers start at 1 and increment by
// one per call, dropped or not.
func (s *Source) Next() Generated {
	seq := s.nextSeq
	s.nextSeq++

	i := s.rng.Intn(s.cfg.SymbolCount)

	// Random walk: up to ±0.2% per tick, floored at 1.0.
	delta := -0.002 + s.rng.Float64()*0.004
	s.prices[i] *= 1 + delta
	if s.prices[i] < 1.0 {
		s.prices[i] = 1.0
	}

	published := s.prices[i]

	if s.roll(s.cfg.ShockOneIn) {
		// Fundamental shock: 4-7% down, persisted into the walk.
		d := 0.04 + s.rng.Float64()*0.03
		s.prices[i] *= 1 - d
		if s.prices[i] < 1.0 {
			s.prices[i] = 1.0
		}
		published = s.prices[i]
	} else if s.roll(s.cfg.AnomalyOneIn) {
		// Transient anomaly: 1.5-3% down on the published price only. The
		// walk state keeps the unshocked price, so the next tick for this
		// symbol snaps back.
		d := 0.015 + s.rng.Float64()*0.015
		published *= 1 - d
	}

	return Generated{
		Tick: protocol.Tick{
			Sequence: seq,
			Price:    published,
			Quantity: uint32(100 + seq%50),
			Symbol:   s.symbols[i],
		},
		Drop: s.roll(s.cfg.DropOneIn),
	}
}

// roll returns true with probability 1/oneIn. Non-positive disables.
func (s *Source) roll(oneIn int) bool {
	if oneIn <= 0 {
		return false
	}
	return s.rng.Intn(oneIn) == 0
}
