package matchmaking

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"pvp-match-server/config"
	"pvp-match-server/match"
	"pvp-match-server/matcherrors"
	"pvp-match-server/storage"
)

// Service pairs players into matches through the shared store. It keeps no
// state of its own: every decision is made by a guarded write, so any number
// of Service instances (or server processes) may run against one store.
type Service struct {
	store    storage.MatchStore
	games    match.Catalog
	ttl      time.Duration
	attempts int
	maxName  int
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service backed by store.
func NewService(store storage.MatchStore, cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		store:    store,
		games:    match.NewCatalog(cfg.Games...),
		ttl:      cfg.WaitingTTL(),
		attempts: cfg.ClaimAttempts,
		maxName:  cfg.MaxNameLength,
		timeout:  cfg.OperationTimeout(),
		now:      time.Now,
	}
	if s.attempts < 1 {
		s.attempts = 1
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// FindOrCreateMatch claims the oldest joinable waiting match for gameID, or
// opens a new one with the caller as player1. It returns the match id.
func (s *Service) FindOrCreateMatch(ctx context.Context, playerID, displayName, gameID string) (string, error) {
	playerID = strings.TrimSpace(playerID)
	displayName = strings.TrimSpace(displayName)
	if playerID == "" {
		return "", matcherrors.Invalid("player id is empty")
	}
	if n := utf8.RuneCountInString(displayName); n < 1 || n > s.maxName {
		return "", matcherrors.Invalid("display name must be between 1 and %d characters", s.maxName)
	}
	game := match.GameID(gameID)
	if !s.games.Supports(game) {
		return "", matcherrors.Invalid("unsupported game %q", gameID)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	me := match.NewPlayer(playerID, displayName)
	excluded := make(map[string]struct{})
	for attempt := 0; attempt < s.attempts; attempt++ {
		cand, err := s.nextCandidate(ctx, game, playerID, excluded)
		if err != nil {
			return "", err
		}
		if cand == nil {
			break
		}
		_, err = s.store.ConditionalUpdate(ctx, cand.ID, s.claimGuard(playerID), func(m *match.Match) error {
			return match.Claim(m, me)
		})
		switch {
		case err == nil:
			slog.Info("match claimed", "tag", "matchmaking", "match", cand.ID, "game", game, "player", playerID)
			return cand.ID, nil
		case errors.Is(err, matcherrors.ErrGuardFailed), errors.Is(err, matcherrors.ErrNotFound):
			slog.Debug("claim lost", "tag", "matchmaking", "match", cand.ID, "player", playerID, "err", err)
			excluded[cand.ID] = struct{}{}
		default:
			return "", err
		}
	}

	id, err := s.store.Create(ctx, match.NewWaiting(game, me))
	if err != nil {
		return "", err
	}
	slog.Info("match created", "tag", "matchmaking", "match", id, "game", game, "player", playerID)
	return id, nil
}

// nextCandidate returns the oldest unexpired waiting match for game that
// playerID did not open and has not already lost, or nil.
func (s *Service) nextCandidate(ctx context.Context, game match.GameID, playerID string, excluded map[string]struct{}) (*match.Match, error) {
	f := storage.Filter{
		GameID:         game,
		Statuses:       []match.Status{match.StatusWaiting},
		ExcludePlayer1: playerID,
	}
	if s.ttl > 0 {
		f.CreatedAfter = s.now().Add(-s.ttl)
	}
	waiting, err := s.store.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, m := range waiting {
		if _, skip := excluded[m.ID]; skip {
			continue
		}
		if !match.Claimable(m) || m.ExpiredAt(s.now(), s.ttl) {
			continue
		}
		return m, nil
	}
	return nil, nil
}

// claimGuard holds while the match is still joinable by playerID at write time.
func (s *Service) claimGuard(playerID string) storage.Guard {
	return func(m *match.Match) bool {
		return match.Claimable(m) && m.Player1.UID != playerID && !m.ExpiredAt(s.now(), s.ttl)
	}
}

// GetMatch returns the match, or nil when it does not exist.
func (s *Service) GetMatch(ctx context.Context, matchID string) (*match.Match, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	m, err := s.store.Get(ctx, matchID)
	if errors.Is(err, matcherrors.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// CancelMatch deletes an open match. It reports false when the match was
// already gone; a completed match cannot be cancelled.
func (s *Service) CancelMatch(ctx context.Context, matchID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err := s.store.DeleteIf(ctx, matchID, func(m *match.Match) bool {
		return m.Status.Open()
	})
	switch {
	case err == nil:
		slog.Info("match cancelled", "tag", "matchmaking", "match", matchID)
		return true, nil
	case errors.Is(err, matcherrors.ErrNotFound):
		return false, nil
	case errors.Is(err, matcherrors.ErrGuardFailed):
		return false, matcherrors.ErrMatchCompleted
	}
	return false, err
}

// GetCurrentOpenMatch returns the oldest waiting or in-progress match the
// player holds a slot in, or nil. Expired waiting matches are skipped.
func (s *Service) GetCurrentOpenMatch(ctx context.Context, playerID string) (*match.Match, error) {
	if strings.TrimSpace(playerID) == "" {
		return nil, matcherrors.Invalid("player id is empty")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	open, err := s.store.Query(ctx, storage.Filter{
		Player:   playerID,
		Statuses: []match.Status{match.StatusWaiting, match.StatusInProgress},
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, m := range open {
		if !m.ExpiredAt(now, s.ttl) {
			return m, nil
		}
	}
	return nil, nil
}

// SubscribeToMatch delivers the current match and then every change to fn;
// fn receives nil once the match is gone. Call the returned func to stop.
func (s *Service) SubscribeToMatch(matchID string, fn func(m *match.Match)) func() {
	return s.store.Subscribe(matchID, fn)
}
