// Package strategy implements the reference consumer: a per-symbol
// mean-reversion rule driven by the ordered tick stream.
package strategy

import (
	"log/slog"
	"math"

	"github.com/rickgao/tickcast/internal/protocol"
)

// Strategy parameters.
const (
	// Window is the SMA length in ticks.
	Window = 100
	// PositionSize is the share count of every trade.
	PositionSize = 100.0
	// MinStdDev keeps the bands from collapsing in a quiet market.
	MinStdDev = 0.10
	// EntryStdDevs is the dip below the mean that opens a long.
	EntryStdDevs = 2.0
	// StopStdDevs is the drop below entry that cuts a losing position.
	StopStdDevs = 3.0
	// StopMinHeld is the holding time before the hard stop may fire.
	StopMinHeld = 2
	// TimeStopTicks forces an exit when mean reversion never comes.
	TimeStopTicks = 50
)

// symbolState is the per-symbol sliding window and open-position bookkeeping.
type symbolState struct {
	prices    []float64 // ring of the last Window prices
	idx       int
	sum       float64
	long      bool
	entry     float64
	realized  float64
	trades    int
	ticksHeld int
	last      float64
}

// Engine consumes ordered ticks and tracks realized P&L per symbol and for
// the whole session. It is single-threaded by design: the subscriber's
// delivery callback is its only caller.
type Engine struct {
	logger   *slog.Logger
	states   map[string]*symbolState
	realized float64
}

// OpenPosition describes one still-open long at report time.
type OpenPosition struct {
	Symbol     string
	EntryPrice float64
	LastPrice  float64
	Unrealized float64
}

// Report is the end-of-session mark-to-market summary.
type Report struct {
	Realized   float64
	Unrealized float64
	Net        float64
	Trades     int
	Open       []OpenPosition
}

// NewEngine creates an empty engine; symbol state appears lazily on the
// first tick per symbol.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger: logger,
		states: make(map[string]*symbolState),
	}
}

// OnTick feeds one delivered tick through the trading rule.
func (e *Engine) OnTick(tick protocol.Tick) {
	sym := tick.SymbolString()
	st, ok := e.states[sym]
	if !ok {
		st = &symbolState{prices: make([]float64, 0, Window)}
		e.states[sym] = st
	}

	price := tick.Price
	st.push(price)
	st.last = price

	if len(st.prices) < Window {
		return
	}

	mean := st.sum / Window
	stddev := st.stddev(mean)

	if !st.long {
		if price <= mean-EntryStdDevs*stddev {
			st.long = true
			st.entry = price
			st.ticksHeld = 0
			e.logger.Info("BUY",
				"symbol", sym,
				"price", price,
				"sma", mean,
				"band", EntryStdDevs*stddev,
			)
		}
		return
	}

	switch {
	case price >= mean:
		e.close(sym, st, price, "take profit")
	case st.ticksHeld > StopMinHeld && price <= st.entry-StopStdDevs*stddev:
		e.close(sym, st, price, "stop loss")
	case st.ticksHeld > TimeStopTicks:
		e.close(sym, st, price, "time stop")
	default:
		st.ticksHeld++
	}
}

// close realizes the open position at price.
func (e *Engine) close(sym string, st *symbolState, price float64, reason string) {
	pnl := (price - st.entry) * PositionSize
	st.realized += pnl
	st.trades++
	st.long = false
	e.realized += pnl
	e.logger.Info("SELL",
		"reason", reason,
		"symbol", sym,
		"price", price,
		"entry", st.entry,
		"pnl", pnl,
	)
}

// Report marks every open position to its symbol's last delivered price.
// Positions stay open; calling Report does not trade.
func (e *Engine) Report() Report {
	rep := Report{Realized: e.realized}
	for sym, st := range e.states {
		rep.Trades += st.trades
		if !st.long {
			continue
		}
		unrealized := (st.last - st.entry) * PositionSize
		rep.Unrealized += unrealized
		rep.Open = append(rep.Open, OpenPosition{
			Symbol:     sym,
			EntryPrice: st.entry,
			LastPrice:  st.last,
			Unrealized: unrealized,
		})
	}
	rep.Net = rep.Realized + rep.Unrealized
	return rep
}

// push inserts price into the sliding window. Once the window fills, the sum
// is maintained by subtract-old-add-new.
func (st *symbolState) push(price float64) {
	if len(st.prices) < Window {
		st.prices = append(st.prices, price)
		st.sum += price
		return
	}
	st.sum -= st.prices[st.idx]
	st.prices[st.idx] = price
	st.sum += price
	st.idx = (st.idx + 1) % Window
}

// stddev is the population standard deviation of the window, floored at
// MinStdDev.
func (st *symbolState) stddev(mean float64) float64 {
	var variance float64
	for _, p := range st.prices {
		d := p - mean
		variance += d * d
	}
	variance /= Window
	sd := math.Sqrt(variance)
	if sd < MinStdDev {
		sd = MinStdDev
	}
	return sd
}
