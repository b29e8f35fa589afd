// Package memory provides an in-process [history.Store].
package memory

import (
	"context"
	"sync"

	"github.com/aihub/voice/internal/history"
)

var _ history.Store = (*Store)(nil)

// Store keeps turns in memory. Each session retains at most the configured
// number of turns; older ones are discarded.
type Store struct {
	mu       sync.Mutex
	sessions map[string][]history.Turn
	limit    int
	closed   bool
}

// New returns an empty store that keeps up to limit turns per session. A
// non-positive limit keeps everything.
func New(limit int) *Store {
	return &Store{sessions: make(map[string][]history.Turn), limit: limit}
}

// Append implements [history.Store].
func (s *Store) Append(_ context.Context, t history.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return history.ErrClosed
	}
	turns := append(s.sessions[t.SessionID], t)
	if s.limit > 0 && len(turns) > s.limit {
		turns = append(turns[:0:0], turns[len(turns)-s.limit:]...)
	}
	s.sessions[t.SessionID] = turns
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(_ context.Context, sessionID string, n int) ([]history.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, history.ErrClosed
	}
	turns := s.sessions[sessionID]
	if n <= 0 {
		return []history.Turn{}, nil
	}
	if n > len(turns) {
		n = len(turns)
	}
	out := make([]history.Turn, n)
	copy(out, turns[len(turns)-n:])
	return out, nil
}

// Ping implements [history.Store].
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return history.ErrClosed
	}
	return nil
}

// Close implements [history.Store]. Stored turns are dropped.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sessions = nil
	return nil
}
