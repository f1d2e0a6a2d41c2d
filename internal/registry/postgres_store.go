package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS stream_aliases (
	seq BIGSERIAL NOT NULL,
	alias TEXT PRIMARY KEY,
	primary_id TEXT NOT NULL,
	secondary_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresConfig describes how the Postgres registry initialises its pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	AcquireTimeout  time.Duration
	ApplicationName string
}

// PostgresOption adjusts a PostgresConfig.
type PostgresOption func(*PostgresConfig)

func WithPostgresPoolLimits(maxConns, minConns int32) PostgresOption {
	return func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	}
}

func WithPostgresPoolDurations(maxLifetime, maxIdle time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
	}
}

// WithPostgresAcquireTimeout bounds every registry statement, including the
// wait for a pooled connection.
func WithPostgresAcquireTimeout(timeout time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	}
}

func WithPostgresApplicationName(name string) PostgresOption {
	return func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	}
}

// PostgresStore persists registrations in the stream_aliases table.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresStore opens a pool against dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	cfg := PostgresConfig{DSN: dsn, AcquireTimeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &PostgresStore{pool: pool, cfg: cfg}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the stream_aliases table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := s.statementContext(ctx)
	defer cancel()
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create stream_aliases table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, alias string, pair StreamPair) error {
	alias, pair, err := normalize(alias, pair)
	if err != nil {
		return err
	}
	ctx, cancel := s.statementContext(ctx)
	defer cancel()
	if invalid := checkPrimary(pair); invalid != nil {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM stream_aliases WHERE alias = $1)`, alias).Scan(&exists); err != nil {
			return fmt.Errorf("check stream alias: %w", err)
		}
		if exists {
			return ErrConflict
		}
		return invalid
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO stream_aliases (alias, primary_id, secondary_id) VALUES ($1, $2, $3) ON CONFLICT (alias) DO NOTHING`,
		alias, pair.Primary, nullableText(pair.Secondary))
	if err != nil {
		return fmt.Errorf("insert stream alias: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, alias string) (StreamPair, error) {
	ctx, cancel := s.statementContext(ctx)
	defer cancel()
	var pair StreamPair
	var secondary *string
	err := s.pool.QueryRow(ctx,
		`SELECT primary_id, secondary_id FROM stream_aliases WHERE alias = $1`,
		strings.TrimSpace(alias)).Scan(&pair.Primary, &secondary)
	if errors.Is(err, pgx.ErrNoRows) {
		return StreamPair{}, ErrNotFound
	}
	if err != nil {
		return StreamPair{}, fmt.Errorf("load stream alias: %w", err)
	}
	if secondary != nil {
		pair.Secondary = *secondary
	}
	return pair, nil
}

func (s *PostgresStore) Delete(ctx context.Context, alias string) error {
	ctx, cancel := s.statementContext(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM stream_aliases WHERE alias = $1`, strings.TrimSpace(alias))
	if err != nil {
		return fmt.Errorf("delete stream alias: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Entry, error) {
	ctx, cancel := s.statementContext(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT alias, primary_id, secondary_id FROM stream_aliases ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list stream aliases: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		var secondary *string
		if err := rows.Scan(&entry.Alias, &entry.Stream.Primary, &secondary); err != nil {
			return nil, fmt.Errorf("scan stream alias: %w", err)
		}
		if secondary != nil {
			entry.Stream.Secondary = *secondary
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream aliases: %w", err)
	}
	return entries, nil
}

// Ping reports whether the pool can reach the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.statementContext(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresStore) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.AcquireTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	}
	return context.WithCancel(ctx)
}

func nullableText(value string) any {
	if value == "" {
		return nil
	}
	return value
}
