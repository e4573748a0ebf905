package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rickgao/tickcast/internal/config"
	"github.com/rickgao/tickcast/internal/protocol"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "ticks.db"), nil)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_WriteAndCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rows := []Row{
		NewRow("sub-1", protocol.Tick{Sequence: 1, Timestamp: 10, Price: 100.5, Quantity: 101, Symbol: protocol.MakeSymbol("AAPL")}, 20, false),
		NewRow("sub-1", protocol.Tick{Sequence: 2, Timestamp: 11, Price: 101.5, Quantity: 102, Symbol: protocol.MakeSymbol("MSFT")}, 21, true),
	}
	if err := store.WriteBatch(ctx, rows); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ticks").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("row count = %d, want 2", count)
	}

	var symbol string
	var price float64
	var recovered int
	err := store.db.QueryRowContext(ctx,
		"SELECT symbol, price, recovered FROM ticks WHERE seq = 2").Scan(&symbol, &price, &recovered)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if symbol != "MSFT" || price != 101.5 || recovered != 1 {
		t.Errorf("row = (%q, %f, %d), want (MSFT, 101.5, 1)", symbol, price, recovered)
	}
}

func TestSQLiteStore_ReplayIgnored(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	r := NewRow("sub-1", protocol.Tick{Sequence: 7, Price: 100, Symbol: protocol.MakeSymbol("V")}, 1, false)
	if err := store.WriteBatch(ctx, []Row{r}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := store.WriteBatch(ctx, []Row{r}); err != nil {
		t.Fatalf("replay write: %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ticks").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("row count after replay = %d, want 1", count)
	}
}

func TestSQLiteStore_EmptyBatch(t *testing.T) {
	store := openTestStore(t)
	if err := store.WriteBatch(context.Background(), nil); err != nil {
		t.Errorf("WriteBatch(nil) = %v, want nil", err)
	}
}

func TestWriter_EndToEnd(t *testing.T) {
	cfg := config.ArchiveConfig{
		Backend:       "sqlite",
		BatchSize:     4,
		FlushInterval: 20 * time.Millisecond,
		QueueSize:     100,
	}

	path := filepath.Join(t.TempDir(), "ticks.db")
	store := NewSQLiteStore(path, nil)
	queue := NewQueue(cfg.QueueSize)
	w := NewWriter(cfg, queue, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for seq := uint64(1); seq <= 10; seq++ {
		queue.Push(NewRow("sub-1", protocol.Tick{Sequence: seq, Price: 100, Symbol: protocol.MakeSymbol("KO")}, 1, false))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	stats := w.Stats()
	if stats.Inserts != 10 {
		t.Errorf("Inserts = %d, want 10", stats.Inserts)
	}
	if stats.Errors != 0 {
		t.Errorf("Errors = %d, want 0", stats.Errors)
	}

	// The rows are really on disk.
	check := NewSQLiteStore(path, nil)
	if err := check.Init(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer check.Close()

	var count int
	if err := check.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM ticks").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 10 {
		t.Errorf("row count = %d, want 10", count)
	}
}
