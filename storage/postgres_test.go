package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"pvp-match-server/match"
)

// These tests need a disposable database; they truncate the tables they use.
func testDatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	return url
}

func TestPostgresStore(t *testing.T) {
	url := testDatabaseURL(t)
	runStoreSuite(t, func(t *testing.T, clock *fakeClock) MatchStore {
		ctx := context.Background()
		pool, err := OpenPool(ctx, url)
		if err != nil {
			t.Fatalf("OpenPool: %v", err)
		}
		t.Cleanup(pool.Close)
		s, err := NewPostgresStore(ctx, pool, WithPostgresClock(clock.Now))
		if err != nil {
			t.Fatalf("NewPostgresStore: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		if _, err := pool.Exec(ctx, `TRUNCATE matches`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestHistoryStore_RecordAndList(t *testing.T) {
	url := testDatabaseURL(t)
	ctx := context.Background()
	pool, err := OpenPool(ctx, url)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	defer pool.Close()
	h, err := NewHistoryStore(ctx, pool)
	if err != nil {
		t.Fatalf("NewHistoryStore: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE game_history`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	m := &match.Match{
		ID:        "6f1c2a4e-0000-4000-8000-000000000001",
		GameID:    match.GameGuessCup,
		Player1:   match.Player{UID: "alice", Username: "Alice", Score: 5, Completed: true},
		Player2:   &match.Player{UID: "bob", Username: "Bob", Score: 3, Completed: true},
		Status:    match.StatusCompleted,
		Winner:    "alice",
		UpdatedAt: time.Now().UTC(),
	}
	if err := h.RecordResult(ctx, m); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if err := h.RecordResult(ctx, m); err != nil {
		t.Fatalf("second RecordResult should be a no-op: %v", err)
	}

	recs, err := h.ListByUserID(ctx, "bob")
	if err != nil {
		t.Fatalf("ListByUserID: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	r := recs[0]
	if r.YourSlot != 2 || r.WinnerSlot == nil || *r.WinnerSlot != 1 || r.Player1Score != 5 {
		t.Errorf("unexpected record: %+v", r)
	}
}

func TestHistoryStore_NilIsNoop(t *testing.T) {
	var h *HistoryStore
	if err := h.RecordResult(context.Background(), &match.Match{}); err != nil {
		t.Errorf("RecordResult on nil store: %v", err)
	}
	recs, err := h.ListByUserID(context.Background(), "alice")
	if err != nil || len(recs) != 0 {
		t.Errorf("ListByUserID on nil store = %v, %v", recs, err)
	}
	h, err = NewHistoryStore(context.Background(), nil)
	if h != nil || err != nil {
		t.Errorf("NewHistoryStore(nil) = %v, %v", h, err)
	}
}
