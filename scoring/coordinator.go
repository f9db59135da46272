package scoring

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"pvp-match-server/config"
	"pvp-match-server/match"
	"pvp-match-server/matcherrors"
	"pvp-match-server/storage"
)

// Recorder is told about each match exactly once, by the write that moved
// it to completed. A nil Recorder is allowed.
type Recorder interface {
	RecordResult(ctx context.Context, m *match.Match) error
}

// Coordinator applies score reports, game state changes and completion.
// Every change is a single patch applied atomically by the store against the
// current record, so reports for the two slots never overwrite each other.
type Coordinator struct {
	store    storage.MatchStore
	recorder Recorder
	timeout  time.Duration
}

// NewCoordinator creates a Coordinator backed by store.
func NewCoordinator(store storage.MatchStore, recorder Recorder, cfg *config.Config) *Coordinator {
	return &Coordinator{
		store:    store,
		recorder: recorder,
		timeout:  cfg.OperationTimeout(),
	}
}

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// UpdatePlayerScore sets the score and completion flag of one slot, leaving
// the other slot untouched. Once both slots have completed, the same write
// completes the match and decides the winner. It returns the written match,
// or nil when the match does not exist.
func (c *Coordinator) UpdatePlayerScore(ctx context.Context, matchID string, slot match.Slot, score int, completed bool) (*match.Match, error) {
	if !slot.Valid() {
		return nil, matcherrors.Invalid("unknown player slot %d", slot)
	}
	if score < 0 {
		return nil, matcherrors.Invalid("score must not be negative")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var finished bool
	m, err := c.store.ConditionalUpdate(ctx, matchID, nil, func(m *match.Match) error {
		finished = false
		if err := match.CheckMutable(m); err != nil {
			return err
		}
		p := m.PlayerIn(slot)
		if p == nil {
			return matcherrors.Invalid("slot %d of match %s is empty", slot, m.ID)
		}
		p.Score = score
		// A completion report is final for that player.
		p.Completed = p.Completed || completed
		if m.Status == match.StatusInProgress && m.BothCompleted() {
			finished = true
			return match.Complete(m)
		}
		return nil
	})
	if errors.Is(err, matcherrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if finished {
		c.finish(ctx, m)
	}
	return m, nil
}

// CompleteMatch moves a match whose players have both reported to completed.
// Completing an already completed match returns it unchanged. It returns nil
// when the match does not exist.
func (c *Coordinator) CompleteMatch(ctx context.Context, matchID string) (*match.Match, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	m, err := c.store.ConditionalUpdate(ctx, matchID,
		func(m *match.Match) bool { return m.Status != match.StatusCompleted },
		match.Complete)
	switch {
	case err == nil:
		c.finish(ctx, m)
		return m, nil
	case errors.Is(err, matcherrors.ErrNotFound):
		return nil, nil
	case errors.Is(err, matcherrors.ErrGuardFailed):
		cur, err := c.store.Get(ctx, matchID)
		if errors.Is(err, matcherrors.ErrNotFound) {
			return nil, nil
		}
		return cur, err
	}
	return nil, err
}

var jsonNull = []byte("null")

// UpdateGameState merges the top-level keys of state into the match's game
// state; a null value removes the key. It returns nil when the match does not exist.
func (c *Coordinator) UpdateGameState(ctx context.Context, matchID string, state match.GameState) (*match.Match, error) {
	if len(state) == 0 {
		return nil, matcherrors.Invalid("game state update is empty")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	m, err := c.store.ConditionalUpdate(ctx, matchID, nil, func(m *match.Match) error {
		if err := match.CheckMutable(m); err != nil {
			return err
		}
		if m.GameState == nil {
			m.GameState = match.GameState{}
		}
		for k, v := range state {
			if len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), jsonNull) {
				delete(m.GameState, k)
				continue
			}
			m.GameState[k] = v
		}
		return nil
	})
	if errors.Is(err, matcherrors.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

func (c *Coordinator) finish(ctx context.Context, m *match.Match) {
	slog.Info("match completed", "tag", "scoring", "match", m.ID, "winner", m.Winner,
		"score1", m.Player1.Score, "score2", m.Player2.Score)
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordResult(ctx, m); err != nil {
		slog.Warn("recording result failed", "tag", "scoring", "match", m.ID, "err", err)
	}
}
