package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aihub/voice/internal/history"
	"github.com/aihub/voice/internal/history/memory"
)

func turn(session string, i int) history.Turn {
	return history.Turn{
		SessionID: session,
		Role:      history.RoleUser,
		Text:      fmt.Sprintf("turn %d", i),
		At:        time.Unix(int64(i), 0),
	}
}

func TestRecent_OldestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New(0)

	for i := range 5 {
		if err := s.Append(ctx, turn("a", i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	_ = s.Append(ctx, turn("b", 99))

	got, err := s.Recent(ctx, "a", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []string{"turn 2", "turn 3", "turn 4"}
	if len(got) != len(want) {
		t.Fatalf("got %d turns, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Text != want[i] {
			t.Errorf("turn[%d] = %q, want %q", i, got[i].Text, want[i])
		}
	}
}

func TestRecent_Bounds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New(0)
	_ = s.Append(ctx, turn("a", 1))

	if got, _ := s.Recent(ctx, "a", 10); len(got) != 1 {
		t.Errorf("n larger than history: got %d turns, want 1", len(got))
	}
	if got, _ := s.Recent(ctx, "a", 0); got == nil || len(got) != 0 {
		t.Errorf("n=0: got %v, want empty non-nil", got)
	}
	if got, _ := s.Recent(ctx, "unknown", 5); len(got) != 0 {
		t.Errorf("unknown session: got %d turns", len(got))
	}
}

func TestRecent_ReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New(0)
	_ = s.Append(ctx, turn("a", 1))

	got, _ := s.Recent(ctx, "a", 1)
	got[0].Text = "changed"
	again, _ := s.Recent(ctx, "a", 1)
	if again[0].Text != "turn 1" {
		t.Errorf("stored turn mutated through Recent result: %q", again[0].Text)
	}
}

func TestLimitDropsOldest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New(2)
	for i := range 4 {
		_ = s.Append(ctx, turn("a", i))
	}
	got, _ := s.Recent(ctx, "a", 10)
	if len(got) != 2 || got[0].Text != "turn 2" || got[1].Text != "turn 3" {
		t.Errorf("got %+v, want turns 2 and 3", got)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New(0)
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Append(ctx, turn("a", 1)); !errors.Is(err, history.ErrClosed) {
		t.Errorf("Append after close = %v", err)
	}
	if _, err := s.Recent(ctx, "a", 1); !errors.Is(err, history.ErrClosed) {
		t.Errorf("Recent after close = %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, history.ErrClosed) {
		t.Errorf("Ping after close = %v", err)
	}
}

func TestConcurrentAppend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New(0)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Append(ctx, turn("a", i))
		}()
	}
	wg.Wait()
	got, _ := s.Recent(ctx, "a", 100)
	if len(got) != 50 {
		t.Errorf("got %d turns, want 50", len(got))
	}
}
