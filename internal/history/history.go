// Package history defines the conversation log the voice assistant keeps
// between turns. The last few turns of a session are replayed to the LLM so
// follow-up questions have context.
//
// Two backends exist: [memory.Store] keeps turns in process and is the
// default; [postgres.Store] persists them in PostgreSQL.
package history

import (
	"context"
	"errors"
	"time"
)

// Role identifies who spoke a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("history: store closed")

// Turn is one side of an exchange.
type Turn struct {
	SessionID string
	Role      Role
	Text      string

	// At is when the turn finished: the end of the utterance for the user,
	// the moment the reply was enqueued for the assistant.
	At time.Time

	// Duration is the spoken length of a user turn. Zero for assistant turns.
	Duration time.Duration
}

// Store is an append-only log of turns grouped by session.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append adds t to its session.
	Append(ctx context.Context, t Turn) error

	// Recent returns up to n of the most recent turns of sessionID, oldest
	// first. A non-positive n returns no turns.
	Recent(ctx context.Context, sessionID string, n int) ([]Turn, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
