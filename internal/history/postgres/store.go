// Package postgres persists conversation history in PostgreSQL.
//
// Construct a store with [NewStore]; it connects, pings the server and runs
// [Migrate] before returning.
package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aihub/voice/internal/history"
)

var _ history.Store = (*Store)(nil)

// Store is a [history.Store] backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies connectivity and migrates the schema.
// The caller must call [Store.Close] when done.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres history: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres history: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Append implements [history.Store].
func (s *Store) Append(ctx context.Context, t history.Turn) error {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	const q = `
		INSERT INTO conversation_turns (session_id, role, text, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, q,
		t.SessionID, string(t.Role), t.Text, t.Duration.Milliseconds(), at,
	); err != nil {
		return fmt.Errorf("postgres history: append: %w", err)
	}
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]history.Turn, error) {
	if n <= 0 {
		return []history.Turn{}, nil
	}
	const q = `
		SELECT session_id, role, text, duration_ms, created_at
		FROM   conversation_turns
		WHERE  session_id = $1
		ORDER  BY created_at DESC, id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("postgres history: recent: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Turn, error) {
		var (
			t      history.Turn
			role   string
			millis int64
		)
		if err := row.Scan(&t.SessionID, &role, &t.Text, &millis, &t.At); err != nil {
			return history.Turn{}, err
		}
		t.Role = history.Role(role)
		t.Duration = time.Duration(millis) * time.Millisecond
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres history: recent: %w", err)
	}
	if turns == nil {
		return []history.Turn{}, nil
	}
	slices.Reverse(turns)
	return turns, nil
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres history: ping: %w", err)
	}
	return nil
}

// Close implements [history.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
