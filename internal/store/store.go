// Package store is the Postgres storage gateway.
//
// It owns the pgx connection pool and exposes typed, parameterized queries
// for the tables the conversation core reads and writes: chat_messages,
// chat_compressed_messages, agents, agent_templates, and users. All SQL uses
// positional parameters; user input is never concatenated into statements.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the pooled Postgres gateway. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Option is a functional option for New.
type Option func(*options)

type options struct {
	maxConns int32
	logger   *slog.Logger
}

// WithMaxConns caps the pool size. Zero keeps the pgx default.
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// WithLogger sets the logger used for query warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New connects to Postgres at dsn and verifies the connection with a ping.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	o := &options{logger: slog.Default()}
	for _, fn := range opts {
		fn(o)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{pool: pool, log: o.logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping probes the database with SELECT 1. Used as the readiness checker.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}
