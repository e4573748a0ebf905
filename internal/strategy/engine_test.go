package strategy

import (
	"math"
	"testing"

	"github.com/rickgao/tickcast/internal/protocol"
)

func priceTick(sym string, seq uint64, price float64) protocol.Tick {
	return protocol.Tick{
		Sequence: seq,
		Price:    price,
		Quantity: 100,
		Symbol:   protocol.MakeSymbol(sym),
	}
}

// feed pushes a run of prices for one symbol and returns the next sequence.
func feed(e *Engine, sym string, seq uint64, prices ...float64) uint64 {
	for _, p := range prices {
		e.OnTick(priceTick(sym, seq, p))
		seq++
	}
	return seq
}

// fill delivers count ticks at a flat price.
func fill(e *Engine, sym string, seq uint64, price float64, count int) uint64 {
	for i := 0; i < count; i++ {
		e.OnTick(priceTick(sym, seq, price))
		seq++
	}
	return seq
}

func TestEngine_NoTradesBeforeWindowFills(t *testing.T) {
	e := NewEngine(nil)

	// 99 ticks, even at absurdly low prices, must not trade.
	seq := fill(e, "AAPL", 1, 100.0, 50)
	fill(e, "AAPL", seq, 1.0, 49)

	rep := e.Report()
	if rep.Trades != 0 || len(rep.Open) != 0 {
		t.Errorf("Report = %+v, want no activity before window fills", rep)
	}
}

func TestEngine_EntryOnDipBelowBand(t *testing.T) {
	e := NewEngine(nil)

	seq := fill(e, "AAPL", 1, 100.0, Window)
	// Window full of 100s: sigma clamps to 0.10, band = mean - 0.20.
	feed(e, "AAPL", seq, 99.5)

	rep := e.Report()
	if len(rep.Open) != 1 {
		t.Fatalf("open positions = %d, want 1", len(rep.Open))
	}
	if rep.Open[0].EntryPrice != 99.5 {
		t.Errorf("entry price = %f, want 99.5", rep.Open[0].EntryPrice)
	}
	if rep.Trades != 0 {
		t.Errorf("trades = %d, want 0 (position still open)", rep.Trades)
	}
}

func TestEngine_NoEntryInsideBand(t *testing.T) {
	e := NewEngine(nil)

	seq := fill(e, "AAPL", 1, 100.0, Window)
	// Band is roughly 99.8; 99.85 stays flat.
	feed(e, "AAPL", seq, 99.85)

	if rep := e.Report(); len(rep.Open) != 0 {
		t.Errorf("open positions = %d, want 0", len(rep.Open))
	}
}

func TestEngine_TakeProfitAtMean(t *testing.T) {
	e := NewEngine(nil)

	seq := fill(e, "AAPL", 1, 100.0, Window)
	seq = feed(e, "AAPL", seq, 99.5)  // enter long
	feed(e, "AAPL", seq, 100.1)       // above the mean: realize

	rep := e.Report()
	if len(rep.Open) != 0 {
		t.Fatalf("open positions = %d, want 0 after take profit", len(rep.Open))
	}
	if rep.Trades != 1 {
		t.Errorf("trades = %d, want 1", rep.Trades)
	}
	want := (100.1 - 99.5) * PositionSize
	if math.Abs(rep.Realized-want) > 1e-9 {
		t.Errorf("realized = %f, want %f", rep.Realized, want)
	}
}

func TestEngine_HardStopNeedsMinimumHold(t *testing.T) {
	e := NewEngine(nil)

	seq := fill(e, "AAPL", 1, 100.0, Window)
	seq = feed(e, "AAPL", seq, 99.5) // enter at 99.5

	// Deep below entry-3sigma immediately, but ticks_held is not yet > 2:
	// the hard stop must hold fire. (The crash prices keep sigma growing, so
	// re-check the stop level as the window moves.)
	seq = feed(e, "AAPL", seq, 99.1) // held 0 -> no stop, held becomes 1
	seq = feed(e, "AAPL", seq, 99.1) // held 1 -> no stop, held becomes 2

	rep := e.Report()
	if len(rep.Open) != 1 {
		t.Fatalf("position closed before minimum hold: %+v", rep)
	}

	seq = feed(e, "AAPL", seq, 99.1) // held 2 -> still not > 2, held becomes 3
	feed(e, "AAPL", seq, 98.5)       // held 3 > 2 and price deep below: stop

	rep = e.Report()
	if len(rep.Open) != 0 {
		t.Fatalf("stop loss did not fire: %+v", rep)
	}
	want := (98.5 - 99.5) * PositionSize
	if math.Abs(rep.Realized-want) > 1e-9 {
		t.Errorf("realized = %f, want %f", rep.Realized, want)
	}
}

func TestEngine_TimeStopAfterFiftyTicks(t *testing.T) {
	e := NewEngine(nil)

	seq := fill(e, "AAPL", 1, 100.0, Window)
	seq = feed(e, "AAPL", seq, 99.5) // enter at 99.5

	// 99.9 sits between the stop and the (slowly falling) mean for well over
	// 51 ticks, so only the time stop can fire.
	fill(e, "AAPL", seq, 99.9, 52)

	rep := e.Report()
	if len(rep.Open) != 0 {
		t.Fatalf("time stop did not fire: %+v", rep)
	}
	if rep.Trades != 1 {
		t.Errorf("trades = %d, want 1", rep.Trades)
	}
	want := (99.9 - 99.5) * PositionSize
	if math.Abs(rep.Realized-want) > 1e-9 {
		t.Errorf("realized = %f, want %f", rep.Realized, want)
	}
}

func TestEngine_MarkToMarketReport(t *testing.T) {
	e := NewEngine(nil)

	seq := fill(e, "AAPL", 1, 100.0, Window)
	seq = feed(e, "AAPL", seq, 99.5) // enter at 99.5
	feed(e, "AAPL", seq, 99.6)       // still open, last = 99.6

	rep := e.Report()
	if len(rep.Open) != 1 {
		t.Fatalf("open positions = %d, want 1", len(rep.Open))
	}
	pos := rep.Open[0]
	if pos.Symbol != "AAPL" {
		t.Errorf("symbol = %q, want AAPL", pos.Symbol)
	}
	wantU := (99.6 - 99.5) * PositionSize
	if math.Abs(pos.Unrealized-wantU) > 1e-9 {
		t.Errorf("unrealized = %f, want %f", pos.Unrealized, wantU)
	}
	if math.Abs(rep.Net-(rep.Realized+rep.Unrealized)) > 1e-9 {
		t.Errorf("net = %f, want realized+unrealized = %f", rep.Net, rep.Realized+rep.Unrealized)
	}
}

func TestEngine_SymbolsAreIndependent(t *testing.T) {
	e := NewEngine(nil)

	seqA := fill(e, "AAPL", 1, 100.0, Window)
	seqM := fill(e, "MSFT", 10000, 200.0, Window)

	feed(e, "AAPL", seqA, 99.5) // AAPL enters
	feed(e, "MSFT", seqM, 200.0)

	rep := e.Report()
	if len(rep.Open) != 1 || rep.Open[0].Symbol != "AAPL" {
		t.Errorf("Report.Open = %+v, want only AAPL long", rep.Open)
	}
}

func TestEngine_WindowSlides(t *testing.T) {
	e := NewEngine(nil)

	// Fill at 100, then slide the whole window to 50: the mean must follow,
	// so a price at 50 is no longer a dip once the window has moved.
	seq := fill(e, "AAPL", 1, 100.0, Window)
	seq = fill(e, "AAPL", seq, 50.0, Window) // big slide; enters and exits along the way

	st := e.states["AAPL"]
	wantMean := 50.0
	if got := st.sum / Window; math.Abs(got-wantMean) > 1e-9 {
		t.Errorf("mean after slide = %f, want %f", got, wantMean)
	}
}
