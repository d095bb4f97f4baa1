package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/raceswap/raced/internal/domain"
)

// Sweep is the reconciliation loop. On a fixed interval it recomputes, from
// persisted timestamps alone, the state every non-terminal race should be in
// right now, and drives lagging races forward one legal step at a time. After
// a process restart the sweep alone is sufficient to catch every race back up
// without any surviving timer state.
type Sweep struct {
	machine   *Machine
	races     domain.RaceStore
	scheduler *Scheduler // optional: re-arm timers for races the sweep touched
	interval  time.Duration
	cfg       Config
	logger    *slog.Logger
}

// NewSweep creates a reconciliation sweep. scheduler may be nil.
func NewSweep(machine *Machine, races domain.RaceStore, scheduler *Scheduler, interval time.Duration, cfg Config, logger *slog.Logger) *Sweep {
	return &Sweep{
		machine:   machine,
		races:     races,
		scheduler: scheduler,
		interval:  interval,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "sweep")),
	}
}

// Run executes one pass immediately (catching up after restart), then loops
// until ctx is cancelled.
func (s *Sweep) Run(ctx context.Context) error {
	if err := s.Pass(ctx); err != nil {
		s.logger.WarnContext(ctx, "initial sweep pass failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Pass(ctx); err != nil {
				s.logger.WarnContext(ctx, "sweep pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Pass reconciles every non-terminal race once. Races are caught up one step
// per due transition, in order, never skipping a state; per-race errors are
// contained so one stuck race cannot stall the rest.
func (s *Sweep) Pass(ctx context.Context) error {
	active, err := s.races.ListNonTerminal(ctx)
	if err != nil {
		return &domain.RepositoryError{Op: "sweep list races", Err: err}
	}

	now := time.Now()
	for _, race := range active {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.reconcile(ctx, race, now)
	}
	return nil
}

// reconcile drives one race through every transition that is already due.
func (s *Sweep) reconcile(ctx context.Context, race domain.Race, now time.Time) {
	for {
		target, due, ok := NextTransition(race, s.cfg)
		if !ok || due.After(now) {
			break
		}

		updated, err := s.machine.Transition(ctx, race.ID, target, ActorSweep)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrConcurrentLiveRace), errors.Is(err, domain.ErrMaintenance):
				// Expected contention; the next pass retries.
			case errors.Is(err, domain.ErrTooEarly):
				// Due by our clock but not the machine's; next pass.
			default:
				s.logger.WarnContext(ctx, "sweep transition failed",
					slog.String("race_id", race.ID),
					slog.String("target", string(target)),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		if updated.Status == race.Status {
			// No forward progress; avoid spinning.
			return
		}
		s.logger.InfoContext(ctx, "sweep caught up race",
			slog.String("race_id", race.ID),
			slog.String("to", string(updated.Status)),
		)
		race = updated
	}

	if s.scheduler != nil {
		s.scheduler.Track(race)
	}
}
