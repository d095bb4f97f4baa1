package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/raceswap/raced/internal/domain"
)

// conflictBackoff is how long a timer waits before re-firing after losing
// the live-race slot to another race.
const conflictBackoff = 5 * time.Second

// Scheduler maintains one lightweight timer per non-terminal race, firing the
// race's next expected transition at its due time. Timers are best-effort:
// they give low-latency transitions in the common case, while the
// reconciliation sweep remains the source of truth for races whose timers
// were lost to a restart.
type Scheduler struct {
	machine *Machine
	cfg     Config
	logger  *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	ctx    context.Context
}

// NewScheduler creates a Scheduler driving the given machine.
func NewScheduler(machine *Machine, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		machine: machine,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "scheduler")),
		timers:  make(map[string]*time.Timer),
	}
}

// Run hydrates timers for every non-terminal race and blocks until ctx is
// cancelled, then stops all timers.
func (s *Scheduler) Run(ctx context.Context, races domain.RaceStore) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	active, err := races.ListNonTerminal(ctx)
	if err != nil {
		return &domain.RepositoryError{Op: "scheduler hydrate", Err: err}
	}
	for _, race := range active {
		s.Track(race)
	}
	s.logger.InfoContext(ctx, "scheduler started", slog.Int("tracked", len(active)))

	<-ctx.Done()

	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	return ctx.Err()
}

// Track (re)arms the timer for a race's next expected transition. Terminal
// races drop their timer. Calling Track again for the same race replaces the
// previous timer, so it is safe to call after every observed transition.
func (s *Scheduler) Track(race domain.Race) {
	next, due, ok := NextTransition(race, s.cfg)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, exists := s.timers[race.ID]; exists {
		old.Stop()
		delete(s.timers, race.ID)
	}
	if !ok || s.ctx == nil {
		return
	}

	delay := time.Until(due)
	if delay < 0 {
		delay = 0
	}

	raceID := race.ID
	s.timers[raceID] = time.AfterFunc(delay, func() {
		s.fire(raceID, next)
	})
}

// fire runs a due transition and re-arms the timer from the resulting race
// state.
func (s *Scheduler) fire(raceID string, target domain.RaceStatus) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	race, err := s.machine.Transition(ctx, raceID, target, ActorScheduler)
	switch {
	case err == nil:
		s.Track(race)
	case errors.Is(err, domain.ErrConcurrentLiveRace), errors.Is(err, domain.ErrMaintenance):
		// Another race holds the live slot (or maintenance is on); try again
		// shortly. The sweep would also catch it.
		s.logger.InfoContext(ctx, "transition deferred",
			slog.String("race_id", raceID),
			slog.String("target", string(target)),
			slog.String("reason", err.Error()),
		)
		s.retryLater(raceID, target, conflictBackoff)
	case errors.Is(err, domain.ErrTooEarly):
		// Clock skew between arm time and fire time; re-read and re-arm.
		s.retryLater(raceID, target, time.Second)
	case domain.IsRepositoryError(err):
		s.logger.WarnContext(ctx, "transition hit repository error, retrying",
			slog.String("race_id", raceID),
			slog.String("target", string(target)),
			slog.String("error", err.Error()),
		)
		s.retryLater(raceID, target, conflictBackoff)
	default:
		s.logger.ErrorContext(ctx, "transition failed",
			slog.String("race_id", raceID),
			slog.String("target", string(target)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) retryLater(raceID string, target domain.RaceStatus, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	if old, exists := s.timers[raceID]; exists {
		old.Stop()
	}
	s.timers[raceID] = time.AfterFunc(after, func() {
		s.fire(raceID, target)
	})
}

// NextTransition computes a race's next expected transition and its due time
// from the race's persisted timestamps alone. ok is false for terminal races.
func NextTransition(race domain.Race, cfg Config) (target domain.RaceStatus, due time.Time, ok bool) {
	switch race.Status {
	case domain.RaceOpen:
		return domain.RaceLocked, race.StartAt, true
	case domain.RaceLocked:
		if race.LockedAt == nil {
			return "", time.Time{}, false
		}
		return domain.RaceInProgress, race.LockedAt.Add(cfg.GraceInterval), true
	case domain.RaceInProgress:
		if race.LockedAt == nil {
			return "", time.Time{}, false
		}
		return domain.RaceSettled, race.LockedAt.Add(cfg.ProgressWindow), true
	default:
		return "", time.Time{}, false
	}
}
