// Package archive persists the subscriber's delivered tick stream for
// offline analysis. It is optional and never backpressures ingest: ticks
// flow through a bounded drop-oldest queue into a batching writer.
package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rickgao/tickcast/internal/config"
	"github.com/rickgao/tickcast/internal/protocol"
)

// Row is one archived delivery.
type Row struct {
	InstanceID string // subscriber instance that delivered the tick
	Sequence   uint64
	Timestamp  int64 // publisher stamp, nanoseconds
	ReceivedAt int64 // delivery stamp, nanoseconds
	Symbol     string
	Price      float64
	Quantity   uint32
	Recovered  bool
}

// NewRow converts a delivered tick.
func NewRow(instanceID string, tick protocol.Tick, receivedAt int64, recovered bool) Row {
	return Row{
		InstanceID: instanceID,
		Sequence:   tick.Sequence,
		Timestamp:  int64(tick.Timestamp),
		ReceivedAt: receivedAt,
		Symbol:     tick.SymbolString(),
		Price:      tick.Price,
		Quantity:   tick.Quantity,
		Recovered:  recovered,
	}
}

// Store is one archive backend.
type Store interface {
	// Init opens the backend and creates the schema.
	Init(ctx context.Context) error
	// WriteBatch persists rows. Batches are append-only; replays of the
	// same (instance, sequence) pair are ignored.
	WriteBatch(ctx context.Context, rows []Row) error
	// Close releases the backend.
	Close() error
}

// NewStore selects a backend from configuration. An empty backend name means
// archiving is disabled and the caller should not construct a writer.
func NewStore(cfg config.ArchiveConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, logger), nil
	case "postgres":
		return NewPostgresStore(cfg.Postgres, logger), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
