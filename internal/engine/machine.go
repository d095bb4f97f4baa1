// Package engine owns the race lifecycle: the state machine that validates
// and applies transitions, the per-race timers that fire them on schedule,
// and the reconciliation sweep that self-heals missed transitions after a
// crash or restart.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/raceswap/raced/internal/domain"
)

// Actor identifies who requested a transition, for the audit trail.
type Actor string

const (
	ActorScheduler Actor = "scheduler"
	ActorSweep     Actor = "sweep"
	ActorAdmin     Actor = "admin"
)

// liveRaceLock is the distributed lock guarding the OPEN->LOCKED critical
// section. Holding it while scanning for live races makes the
// single-live-race check atomic across processes.
const liveRaceLock = "race:live"

// Settler is the settlement engine as seen by the state machine.
type Settler interface {
	Settle(ctx context.Context, race domain.Race) (domain.SettlementReport, error)
	Refund(ctx context.Context, race domain.Race) (domain.SettlementReport, error)
}

// Config holds the state machine's timing parameters.
type Config struct {
	// GraceInterval must elapse after locked_at before IN_PROGRESS.
	GraceInterval time.Duration
	// ProgressWindow must elapse after locked_at before SETTLED.
	ProgressWindow time.Duration
	// PriceTimeout bounds a single price fetch during baseline/final capture.
	PriceTimeout time.Duration
	// PriceRetries is the number of fetch attempts per runner before the
	// runner is flagged ineligible.
	PriceRetries int
	// LockTTL is the TTL on the live-race lock; it only matters if the
	// process dies mid-transition.
	LockTTL time.Duration
}

// Machine applies race state transitions. It is the only writer of race
// records; both the scheduler and the admin control plane go through
// Transition so the invariants hold on every path.
type Machine struct {
	cfg      Config
	races    domain.RaceStore
	cache    domain.RaceCache
	treasury domain.TreasuryStore
	prices   domain.PriceSource
	settler  Settler
	locks    domain.LockManager
	audit    domain.AuditStore
	bus      domain.SignalBus
	logger   *slog.Logger
}

// NewMachine creates a state machine. cache, audit, and bus may be nil; the
// machine degrades to store-only operation without them.
func NewMachine(
	cfg Config,
	races domain.RaceStore,
	cache domain.RaceCache,
	treasury domain.TreasuryStore,
	prices domain.PriceSource,
	settler Settler,
	locks domain.LockManager,
	audit domain.AuditStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Machine {
	if cfg.PriceRetries < 1 {
		cfg.PriceRetries = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Machine{
		cfg:      cfg,
		races:    races,
		cache:    cache,
		treasury: treasury,
		prices:   prices,
		settler:  settler,
		locks:    locks,
		audit:    audit,
		bus:      bus,
		logger:   logger.With(slog.String("component", "machine")),
	}
}

// Transition drives the race identified by raceID into target. Re-applying
// the current state is a no-op success, so callers can always retry after a
// repository failure. Any requested edge outside the transition graph fails
// with InvalidTransitionError and leaves the race untouched.
func (m *Machine) Transition(ctx context.Context, raceID string, target domain.RaceStatus, actor Actor) (domain.Race, error) {
	race, err := m.races.Get(ctx, raceID)
	if err != nil {
		return domain.Race{}, &domain.RepositoryError{Op: "get race " + raceID, Err: err}
	}

	// Idempotent re-application.
	if race.Status == target {
		return race, nil
	}

	if !domain.CanTransition(race.Status, target) {
		return race, &domain.InvalidTransitionError{RaceID: raceID, From: race.Status, To: target}
	}

	from := race.Status
	switch target {
	case domain.RaceLocked:
		err = m.lock(ctx, &race)
	case domain.RaceInProgress:
		err = m.progress(ctx, &race)
	case domain.RaceSettled:
		err = m.settle(ctx, &race)
	case domain.RaceCancelled:
		err = m.cancel(ctx, &race)
	default:
		err = &domain.InvalidTransitionError{RaceID: raceID, From: from, To: target}
	}
	if err != nil {
		return race, err
	}

	m.recordTransition(ctx, race, from, actor)
	return race, nil
}

// lock applies OPEN -> LOCKED: the single-live-race check under the
// distributed lock, then baseline capture for every runner.
func (m *Machine) lock(ctx context.Context, race *domain.Race) error {
	if m.treasury != nil {
		state, err := m.treasury.Get(ctx)
		if err != nil {
			return &domain.RepositoryError{Op: "get treasury state", Err: err}
		}
		if state.Maintenance {
			return domain.ErrMaintenance
		}
	}

	unlock, err := m.locks.Acquire(ctx, liveRaceLock, m.cfg.LockTTL)
	if err != nil {
		if err == domain.ErrLockHeld {
			return domain.ErrConcurrentLiveRace
		}
		return fmt.Errorf("engine: acquire live-race lock: %w", err)
	}
	defer unlock()

	// At most one race may be locked or in progress system-wide. The scan
	// runs inside the critical section so two OPEN->LOCKED attempts cannot
	// both pass it.
	active, err := m.races.ListNonTerminal(ctx)
	if err != nil {
		return &domain.RepositoryError{Op: "list non-terminal races", Err: err}
	}
	for _, other := range active {
		if other.ID != race.ID && other.Live() {
			return domain.ErrConcurrentLiveRace
		}
	}

	now := time.Now().UTC()
	m.captureBaselines(ctx, race, now)

	race.Status = domain.RaceLocked
	race.LockedAt = &now
	race.UpdatedAt = now

	if err := m.races.Put(ctx, *race); err != nil {
		return &domain.RepositoryError{Op: "put locked race " + race.ID, Err: err}
	}
	return nil
}

// progress applies LOCKED -> IN_PROGRESS once the grace interval has elapsed.
func (m *Machine) progress(ctx context.Context, race *domain.Race) error {
	if race.LockedAt == nil {
		return &domain.InvalidTransitionError{RaceID: race.ID, From: race.Status, To: domain.RaceInProgress}
	}
	if time.Since(*race.LockedAt) < m.cfg.GraceInterval {
		return domain.ErrTooEarly
	}

	now := time.Now().UTC()
	race.Status = domain.RaceInProgress
	race.InProgressAt = &now
	race.UpdatedAt = now

	if err := m.races.Put(ctx, *race); err != nil {
		return &domain.RepositoryError{Op: "put in-progress race " + race.ID, Err: err}
	}
	return nil
}

// settle applies IN_PROGRESS -> SETTLED in two persisted steps. First the
// final prices and the winner are frozen into the race record while it is
// still IN_PROGRESS; only then is the settlement engine invoked and the
// terminal state written back. A crash or failed write-back after money moved
// leaves the frozen record behind, so the sweep's re-drive pays the same
// winner from the same prices and the transfer ledger skips what was already
// sent.
func (m *Machine) settle(ctx context.Context, race *domain.Race) error {
	if race.LockedAt == nil {
		return &domain.InvalidTransitionError{RaceID: race.ID, From: race.Status, To: domain.RaceSettled}
	}
	if time.Since(*race.LockedAt) < m.cfg.ProgressWindow {
		return domain.ErrTooEarly
	}

	if race.FinalsAt == nil {
		m.captureFinals(ctx, race)
		if winner, ok := Winner(race.Runners); ok {
			w := winner
			race.WinnerIndex = &w
		} else {
			race.WinnerIndex = nil
		}
		now := time.Now().UTC()
		race.FinalsAt = &now
		race.UpdatedAt = now
		// No money has moved yet, so a failure here is plainly retryable.
		if err := m.races.Put(ctx, *race); err != nil {
			return &domain.RepositoryError{Op: "put finals for race " + race.ID, Err: err}
		}
	}

	now := time.Now().UTC()
	race.Status = domain.RaceSettled
	race.SettledAt = &now
	race.UpdatedAt = now

	var report domain.SettlementReport
	var err error
	if race.WinnerIndex == nil {
		// Zero eligible runners: settle with no winner, refund every stake.
		m.logger.WarnContext(ctx, "no eligible runner, settling via refund",
			slog.String("race_id", race.ID),
		)
		report, err = m.settler.Refund(ctx, *race)
	} else {
		report, err = m.settler.Settle(ctx, *race)
	}
	if err != nil {
		return fmt.Errorf("engine: settle race %s: %w", race.ID, err)
	}

	// Persist how much jackpot this race absorbed, per currency, so
	// re-settlement can reconstruct the prize pool without draining the
	// jackpot twice.
	for _, c := range report.Currencies {
		if !c.JackpotPaid.IsPositive() {
			continue
		}
		if race.JackpotPaid == nil {
			race.JackpotPaid = make(map[string]decimal.Decimal)
		}
		race.JackpotPaid[c.Currency] = c.JackpotPaid
	}

	if report.Failed > 0 {
		m.logger.WarnContext(ctx, "settlement completed with failed transfers",
			slog.String("race_id", race.ID),
			slog.Int("failed", report.Failed),
			slog.Int("succeeded", report.Succeeded),
		)
	}

	if err := m.races.Put(ctx, *race); err != nil {
		return &domain.RepositoryError{Op: "put settled race " + race.ID, Err: err}
	}
	return nil
}

// cancel applies any non-terminal state -> CANCELLED with a full refund. No
// rake and no jackpot change.
func (m *Machine) cancel(ctx context.Context, race *domain.Race) error {
	now := time.Now().UTC()
	race.Status = domain.RaceCancelled
	race.CancelledAt = &now
	race.UpdatedAt = now

	if _, err := m.settler.Refund(ctx, *race); err != nil {
		return fmt.Errorf("engine: refund cancelled race %s: %w", race.ID, err)
	}

	if err := m.races.Put(ctx, *race); err != nil {
		return &domain.RepositoryError{Op: "put cancelled race " + race.ID, Err: err}
	}
	return nil
}

// captureBaselines fetches the baseline USD price for every runner. Fetch
// failures never abort the transition: the runner is left without a baseline
// and drops out of winner eligibility.
func (m *Machine) captureBaselines(ctx context.Context, race *domain.Race, capturedAt time.Time) {
	for i := range race.Runners {
		quote, err := m.fetchWithRetry(ctx, race.Runners[i].AssetID)
		if err != nil {
			m.logger.WarnContext(ctx, "baseline capture failed, runner ineligible",
				slog.String("race_id", race.ID),
				slog.String("asset_id", race.Runners[i].AssetID),
				slog.String("error", err.Error()),
			)
			continue
		}
		price := quote.Price
		ts := capturedAt
		race.Runners[i].BaselinePrice = &price
		race.Runners[i].BaselineCapturedAt = &ts
	}
}

// captureFinals fetches the final price for every runner that has a valid
// baseline. Runners without a baseline are skipped outright.
func (m *Machine) captureFinals(ctx context.Context, race *domain.Race) {
	for i := range race.Runners {
		if !race.Runners[i].HasBaseline() {
			continue
		}
		quote, err := m.fetchWithRetry(ctx, race.Runners[i].AssetID)
		if err != nil {
			m.logger.WarnContext(ctx, "final capture failed, runner ineligible",
				slog.String("race_id", race.ID),
				slog.String("asset_id", race.Runners[i].AssetID),
				slog.String("error", err.Error()),
			)
			continue
		}
		price := quote.Price
		race.Runners[i].FinalPrice = &price
	}
}

// fetchWithRetry attempts a bounded number of price fetches, each under its
// own timeout.
func (m *Machine) fetchWithRetry(ctx context.Context, assetID string) (domain.PriceQuote, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.PriceRetries; attempt++ {
		fetchCtx := ctx
		var cancel context.CancelFunc
		if m.cfg.PriceTimeout > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, m.cfg.PriceTimeout)
		}
		quote, err := m.prices.GetPrice(fetchCtx, assetID)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return quote, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return domain.PriceQuote{}, fmt.Errorf("%w: %s: %v", domain.ErrPriceUnavailable, assetID, lastErr)
}

// Winner returns the index of the runner with the strictly highest percentage
// change among runners with both a valid baseline and a final price. Ties
// resolve to the lowest index. The second return is false when no runner is
// eligible.
func Winner(runners []domain.Runner) (int, bool) {
	best := -1
	var bestChange decimal.Decimal
	for i, r := range runners {
		change, ok := r.Change()
		if !ok {
			continue
		}
		if best == -1 || change.GreaterThan(bestChange) {
			best = i
			bestChange = change
		}
	}
	return best, best >= 0
}

// recordTransition writes the audit row, refreshes the race cache, and
// publishes the transition event. None of these are allowed to fail the
// already-applied transition.
func (m *Machine) recordTransition(ctx context.Context, race domain.Race, from domain.RaceStatus, actor Actor) {
	m.logger.InfoContext(ctx, "race transition applied",
		slog.String("race_id", race.ID),
		slog.String("from", string(from)),
		slog.String("to", string(race.Status)),
		slog.String("actor", string(actor)),
	)

	if m.cache != nil {
		if err := m.cache.Set(ctx, race); err != nil {
			m.logger.WarnContext(ctx, "race cache refresh failed",
				slog.String("race_id", race.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if m.audit != nil {
		detail := map[string]any{
			"race_id": race.ID,
			"from":    string(from),
			"to":      string(race.Status),
			"actor":   string(actor),
		}
		if race.WinnerIndex != nil {
			detail["winner_index"] = *race.WinnerIndex
		}
		if err := m.audit.Log(ctx, "race_transition", detail); err != nil {
			m.logger.WarnContext(ctx, "audit log failed",
				slog.String("race_id", race.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if m.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":     "race_transition",
			"race_id":   race.ID,
			"from":      string(from),
			"to":        string(race.Status),
			"actor":     string(actor),
			"timestamp": race.UpdatedAt.Format(time.RFC3339Nano),
		})
		if err := m.bus.Publish(ctx, "races", evt); err != nil {
			m.logger.WarnContext(ctx, "publish transition event failed",
				slog.String("race_id", race.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
