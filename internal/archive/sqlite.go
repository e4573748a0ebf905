package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// SQLiteStore archives ticks into a local SQLite file. Suitable for a single
// subscriber; the writer goroutine is its only user.
type SQLiteStore struct {
	path   string
	logger *slog.Logger
	db     *sql.DB
}

// NewSQLiteStore creates an unopened store; Init opens it.
func NewSQLiteStore(path string, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{path: path, logger: logger}
}

// Init opens the database, applies pragmas and creates the schema.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("open sqlite %q: %w", s.path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		s.logger.Warn("set WAL mode failed", "error", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL;"); err != nil {
		s.logger.Warn("set synchronous mode failed", "error", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS ticks (
			instance_id TEXT    NOT NULL,
			seq         INTEGER NOT NULL,
			ts          INTEGER NOT NULL,
			received_at INTEGER NOT NULL,
			symbol      TEXT    NOT NULL,
			price       REAL    NOT NULL,
			quantity    INTEGER NOT NULL,
			recovered   INTEGER NOT NULL,
			PRIMARY KEY (instance_id, seq)
		);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("create ticks table: %w", err)
	}
	return nil
}

// WriteBatch inserts rows inside one transaction. Replays are ignored.
func (s *SQLiteStore) WriteBatch(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO ticks
			(instance_id, seq, ts, received_at, symbol, price, quantity, recovered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.InstanceID, int64(r.Sequence), r.Timestamp, r.ReceivedAt,
			r.Symbol, r.Price, int64(r.Quantity), boolToInt(r.Recovered),
		); err != nil {
			return fmt.Errorf("insert seq %d: %w", r.Sequence, err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
