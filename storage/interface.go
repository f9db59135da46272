package storage

import (
	"context"
	"time"

	"pvp-match-server/match"
)

// Guard is a predicate over the current record. It is evaluated atomically
// with the write it protects.
type Guard func(m *match.Match) bool

// Patch mutates a private copy of the current record. Returning an error
// aborts the write and is passed through to the caller unchanged.
type Patch func(m *match.Match) error

// MatchStore is the shared, persistent record of all matches. It is the only
// shared mutable resource: every write is either guarded or a patch applied
// atomically against the current record.
// Implementations can be swapped for testing or for different backends.
type MatchStore interface {
	// Create assigns a fresh id and timestamps to m and persists it.
	Create(ctx context.Context, m *match.Match) (string, error)
	// Get returns the record, or matcherrors.ErrNotFound.
	Get(ctx context.Context, id string) (*match.Match, error)
	// ConditionalUpdate applies patch only if guard holds on the current
	// record, and returns the written record. Fails with
	// matcherrors.ErrNotFound or matcherrors.ErrGuardFailed.
	ConditionalUpdate(ctx context.Context, id string, guard Guard, patch Patch) (*match.Match, error)
	// Delete removes the record; matcherrors.ErrNotFound if it is already gone.
	Delete(ctx context.Context, id string) error
	// DeleteIf removes the record only while guard holds.
	DeleteIf(ctx context.Context, id string, guard Guard) error
	// Query returns the records matching f ordered by createdAt, then id.
	Query(ctx context.Context, f Filter) ([]*match.Match, error)
	// Subscribe delivers the current record and then every change to fn,
	// with nil once the record is deleted. The returned func unsubscribes.
	Subscribe(id string, fn func(m *match.Match)) (unsubscribe func())

	// Lifecycle
	Close() error
}

// Clock returns the current time; tests substitute a fake one.
type Clock func() time.Time

// nextUpdatedAt returns a write timestamp strictly after prev, truncated to
// microseconds so every backend stores the same value.
func nextUpdatedAt(now time.Time, prev time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

// Ensure the backends implement MatchStore at compile time.
var (
	_ MatchStore = (*MemoryStore)(nil)
	_ MatchStore = (*PostgresStore)(nil)
	_ MatchStore = (*RedisStore)(nil)
)
