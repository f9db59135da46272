package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"pvp-match-server/config"
	"pvp-match-server/match"
	"pvp-match-server/matcherrors"
	"pvp-match-server/storage"
)

// Sweeper deletes waiting matches that outlived the waiting TTL and completed
// matches past the retention window. It runs in the server, so a match
// expires even when the player who opened it has gone away.
type Sweeper struct {
	store     storage.MatchStore
	ttl       time.Duration
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	sched gocron.Scheduler
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a Sweeper; call Start to run it periodically.
func NewSweeper(store storage.MatchStore, cfg *config.Config, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		ttl:       cfg.WaitingTTL(),
		retention: cfg.CompletedRetention(),
		interval:  cfg.SweepInterval(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Result counts the matches removed by one sweep.
type Result struct {
	Expired int
	Purged  int
}

// Start schedules Sweep every interval. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.interval)
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(ctx); err != nil {
				slog.Warn("sweep failed", "tag", "expiry", "err", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		sched.Shutdown()
		return err
	}
	sched.Start()
	s.sched = sched
	slog.Info("expiry sweeper started", "tag", "expiry", "interval", s.interval, "ttl", s.ttl)
	return nil
}

// Stop waits for a running sweep and stops the schedule.
func (s *Sweeper) Stop() error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Shutdown()
}

// Sweep removes what has expired at this moment. Each deletion is guarded on
// the current record, so a match claimed after it was listed survives.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)
	now := s.now()

	if s.ttl > 0 {
		waiting, err := s.store.Query(ctx, storage.Filter{
			Statuses:      []match.Status{match.StatusWaiting},
			CreatedBefore: now.Add(-s.ttl).Add(time.Nanosecond),
		})
		if err != nil {
			return res, err
		}
		for _, m := range waiting {
			err := s.store.DeleteIf(ctx, m.ID, func(cur *match.Match) bool {
				return cur.ExpiredAt(now, s.ttl)
			})
			switch {
			case err == nil:
				res.Expired++
				slog.Debug("waiting match expired", "tag", "expiry", "match", m.ID, "player", m.Player1.UID)
			case matcherrors.IsBenign(err):
			default:
				errs = append(errs, err)
			}
		}
	}

	if s.retention > 0 {
		done, err := s.store.Query(ctx, storage.Filter{
			Statuses:      []match.Status{match.StatusCompleted},
			UpdatedBefore: now.Add(-s.retention),
		})
		if err != nil {
			return res, errors.Join(append(errs, err)...)
		}
		for _, m := range done {
			err := s.store.DeleteIf(ctx, m.ID, func(cur *match.Match) bool {
				return cur.Status == match.StatusCompleted
			})
			switch {
			case err == nil:
				res.Purged++
			case matcherrors.IsBenign(err):
			default:
				errs = append(errs, err)
			}
		}
	}

	if res.Expired > 0 || res.Purged > 0 {
		slog.Info("sweep removed matches", "tag", "expiry", "expired", res.Expired, "purged", res.Purged)
	}
	return res, errors.Join(errs...)
}
