package archive

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/tickcast/internal/config"
)

// PostgresStore archives ticks into a shared Postgres database, letting
// several subscriber instances feed one analysis schema.
type PostgresStore struct {
	cfg    config.DBConfig
	logger *slog.Logger
	pool   *pgxpool.Pool
}

// NewPostgresStore creates an unconnected store; Init connects it.
func NewPostgresStore(cfg config.DBConfig, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{cfg: cfg, logger: logger}
}

// Init connects the pool and creates the schema.
func (s *PostgresStore) Init(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(buildConnString(s.cfg))
	if err != nil {
		return fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MinConns = int32(s.cfg.MinConns)
	poolCfg.MaxConns = int32(s.cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	s.pool = pool

	const schema = `
		CREATE TABLE IF NOT EXISTS ticks (
			instance_id TEXT             NOT NULL,
			seq         BIGINT           NOT NULL,
			ts          BIGINT           NOT NULL,
			received_at BIGINT           NOT NULL,
			symbol      TEXT             NOT NULL,
			price       DOUBLE PRECISION NOT NULL,
			quantity    BIGINT           NOT NULL,
			recovered   BOOLEAN          NOT NULL,
			PRIMARY KEY (instance_id, seq)
		);
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return fmt.Errorf("create ticks table: %w", err)
	}
	return nil
}

// WriteBatch inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (s *PostgresStore) WriteBatch(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO ticks (instance_id, seq, ts, received_at, symbol, price, quantity, recovered)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (instance_id, seq) DO NOTHING
		`, r.InstanceID, int64(r.Sequence), r.Timestamp, r.ReceivedAt, r.Symbol, r.Price, int64(r.Quantity), r.Recovered)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// buildConnString builds a PostgreSQL connection string from config.
func buildConnString(cfg config.DBConfig) string {
	// URL-encode password to handle special characters
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}
