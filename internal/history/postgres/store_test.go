package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aihub/voice/internal/history"
	"github.com/aihub/voice/internal/history/postgres"
)

// testDSN returns the integration database DSN or skips the test.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("AIHUB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AIHUB_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration test")
	}
	return dsn
}

func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()
	s, err := postgres.NewStore(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// uniqueSession keeps parallel runs against a shared database apart.
func uniqueSession(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func TestStore_AppendRecent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	session := uniqueSession(t)
	base := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)

	for i := range 4 {
		role := history.RoleUser
		if i%2 == 1 {
			role = history.RoleAssistant
		}
		err := s.Append(ctx, history.Turn{
			SessionID: session,
			Role:      role,
			Text:      fmt.Sprintf("turn %d", i),
			At:        base.Add(time.Duration(i) * time.Second),
			Duration:  1500 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := s.Recent(ctx, session, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d turns, want 3", len(got))
	}
	for i, want := range []string{"turn 1", "turn 2", "turn 3"} {
		if got[i].Text != want {
			t.Errorf("turn[%d].Text = %q, want %q", i, got[i].Text, want)
		}
	}
	if got[0].Role != history.RoleAssistant {
		t.Errorf("turn[0].Role = %q, want assistant", got[0].Role)
	}
	if got[0].Duration != 1500*time.Millisecond {
		t.Errorf("turn[0].Duration = %v", got[0].Duration)
	}
}

func TestStore_RecentEmpty(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	got, err := s.Recent(ctx, uniqueSession(t), 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %v, want empty non-nil slice", got)
	}
	got, err = s.Recent(ctx, uniqueSession(t), 0)
	if err != nil || len(got) != 0 {
		t.Errorf("Recent(n=0) = %v, %v", got, err)
	}
}

func TestStore_Ping(t *testing.T) {
	s := newStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestNewStore_BadDSN(t *testing.T) {
	t.Parallel()
	_, err := postgres.NewStore(context.Background(), "://not a dsn")
	if err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}
