package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"pvp-match-server/match"
	"pvp-match-server/matcherrors"
	"pvp-match-server/pubsub"
)

// MemoryStore is an in-process MatchStore. A single mutex serialises every
// write, which makes guard evaluation and patching a true compare-and-set.
// State is lost on restart; used for development, tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	matches map[string]*match.Match
	broker  *pubsub.Broker
	now     Clock
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the time source used for timestamps.
func WithMemoryClock(c Clock) MemoryOption {
	return func(s *MemoryStore) { s.now = c }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		matches: make(map[string]*match.Match),
		broker:  pubsub.NewBroker(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create stores a copy of m under a new uuid.
func (s *MemoryStore) Create(ctx context.Context, m *match.Match) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", matcherrors.Unavailable("create", err)
	}
	rec := m.Clone()
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.now().UTC().Truncate(time.Microsecond)
	rec.UpdatedAt = rec.CreatedAt
	if rec.GameState == nil {
		rec.GameState = match.GameState{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[rec.ID] = rec
	s.broker.Publish(rec.ID, rec)
	return rec.ID, nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(ctx context.Context, id string) (*match.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, matcherrors.Unavailable("get", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.matches[id]
	if !ok {
		return nil, matcherrors.ErrNotFound
	}
	return rec.Clone(), nil
}

// ConditionalUpdate applies patch under the store lock if guard holds.
func (s *MemoryStore) ConditionalUpdate(ctx context.Context, id string, guard Guard, patch Patch) (*match.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, matcherrors.Unavailable("update", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.matches[id]
	if !ok {
		return nil, matcherrors.ErrNotFound
	}
	if guard != nil && !guard(cur.Clone()) {
		return nil, matcherrors.ErrGuardFailed
	}
	next := cur.Clone()
	if err := patch(next); err != nil {
		return nil, err
	}
	next.ID, next.CreatedAt, next.GameID = cur.ID, cur.CreatedAt, cur.GameID
	next.UpdatedAt = nextUpdatedAt(s.now(), cur.UpdatedAt)
	s.matches[id] = next
	s.broker.Publish(id, next)
	return next.Clone(), nil
}

// Delete removes the record.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	return s.DeleteIf(ctx, id, nil)
}

// DeleteIf removes the record if guard holds (or guard is nil).
func (s *MemoryStore) DeleteIf(ctx context.Context, id string, guard Guard) error {
	if err := ctx.Err(); err != nil {
		return matcherrors.Unavailable("delete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.matches[id]
	if !ok {
		return matcherrors.ErrNotFound
	}
	if guard != nil && !guard(cur.Clone()) {
		return matcherrors.ErrGuardFailed
	}
	delete(s.matches, id)
	s.broker.Publish(id, nil)
	return nil
}

// Query scans all records.
func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]*match.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, matcherrors.Unavailable("query", err)
	}
	s.mu.Lock()
	out := make([]*match.Match, 0)
	for _, rec := range s.matches {
		if f.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.Unlock()
	sortByCreation(out)
	return out, nil
}

// Subscribe registers fn and hands it the current record right away.
func (s *MemoryStore) Subscribe(id string, fn func(m *match.Match)) func() {
	sub := s.broker.Subscribe(id, fn)
	switch cur, err := s.Get(context.Background(), id); {
	case err == nil:
		s.broker.Deliver(sub, cur)
	case errors.Is(err, matcherrors.ErrNotFound):
		s.broker.Deliver(sub, nil)
	}
	return func() { s.broker.Unsubscribe(sub) }
}

// Close stops all subscriptions.
func (s *MemoryStore) Close() error {
	s.broker.Close()
	return nil
}
