package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceswap/raced/internal/domain"
	"github.com/raceswap/raced/internal/settlement"
	"github.com/raceswap/raced/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// stubPrices serves settable prices and can be told to fail per asset.
type stubPrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	fail   map[string]bool
}

func newStubPrices() *stubPrices {
	return &stubPrices{
		prices: make(map[string]decimal.Decimal),
		fail:   make(map[string]bool),
	}
}

func (s *stubPrices) set(assetID string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[assetID] = price
}

func (s *stubPrices) failFor(assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[assetID] = true
}

func (s *stubPrices) GetPrice(_ context.Context, assetID string) (domain.PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[assetID] {
		return domain.PriceQuote{}, domain.ErrPriceUnavailable
	}
	price, ok := s.prices[assetID]
	if !ok {
		return domain.PriceQuote{}, domain.ErrPriceUnavailable
	}
	return domain.PriceQuote{AssetID: assetID, Price: price, AsOf: time.Now().UTC()}, nil
}

// stubSettler records the races handed to it.
type stubSettler struct {
	mu       sync.Mutex
	settled  []domain.Race
	refunded []domain.Race
}

func (s *stubSettler) Settle(_ context.Context, race domain.Race) (domain.SettlementReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled = append(s.settled, race)
	return domain.SettlementReport{RaceID: race.ID, WinnerIndex: race.WinnerIndex}, nil
}

func (s *stubSettler) Refund(_ context.Context, race domain.Race) (domain.SettlementReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunded = append(s.refunded, race)
	return domain.SettlementReport{RaceID: race.ID, Refunded: true}, nil
}

// failingRaceStore wraps the memory store and fails the first Put matching
// the predicate, then recovers.
type failingRaceStore struct {
	*memory.RaceStore
	mu      sync.Mutex
	failPut func(domain.Race) bool
}

func (s *failingRaceStore) Put(ctx context.Context, race domain.Race) error {
	s.mu.Lock()
	pred := s.failPut
	if pred != nil && pred(race) {
		s.failPut = nil
		s.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.RaceStore.Put(ctx, race)
}

type machineFixture struct {
	machine  *Machine
	races    *memory.RaceStore
	treasury *memory.TreasuryStore
	prices   *stubPrices
	settler  *stubSettler
}

func newMachineFixture(t *testing.T, cfg Config) *machineFixture {
	t.Helper()
	if cfg.GraceInterval == 0 {
		cfg.GraceInterval = 15 * time.Second
	}
	if cfg.ProgressWindow == 0 {
		cfg.ProgressWindow = 5 * time.Minute
	}
	f := &machineFixture{
		races:    memory.NewRaceStore(),
		treasury: memory.NewTreasuryStore(),
		prices:   newStubPrices(),
		settler:  &stubSettler{},
	}
	f.machine = NewMachine(
		cfg,
		f.races,
		memory.NewRaceCache(),
		f.treasury,
		f.prices,
		f.settler,
		memory.NewLockManager(),
		memory.NewAuditStore(),
		memory.NewSignalBus(),
		testLogger(),
	)
	return f
}

func openRace(id string, assetIDs ...string) domain.Race {
	now := time.Now().UTC()
	runners := make([]domain.Runner, len(assetIDs))
	for i, a := range assetIDs {
		runners[i] = domain.Runner{AssetID: a, Symbol: a}
	}
	return domain.Race{
		ID:        id,
		StartAt:   now,
		Status:    domain.RaceOpen,
		Runners:   runners,
		RakeBps:   500,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// rewindLock moves a stored race's locked_at into the past so timing gates
// pass without sleeping.
func (f *machineFixture) rewindLock(t *testing.T, id string, by time.Duration) {
	t.Helper()
	ctx := context.Background()
	race, err := f.races.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, race.LockedAt)
	past := race.LockedAt.Add(-by)
	race.LockedAt = &past
	require.NoError(t, f.races.Put(ctx, race))
}

func TestMachineFullLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, Config{})
	f.prices.set("bitcoin", dec("50000"))
	f.prices.set("ethereum", dec("2000"))

	require.NoError(t, f.races.Put(ctx, openRace("race-1", "bitcoin", "ethereum")))

	race, err := f.machine.Transition(ctx, "race-1", domain.RaceLocked, ActorScheduler)
	require.NoError(t, err)
	assert.Equal(t, domain.RaceLocked, race.Status)
	require.NotNil(t, race.LockedAt)
	require.True(t, race.Runners[0].HasBaseline())
	require.True(t, race.Runners[1].HasBaseline())
	assert.True(t, race.Runners[0].BaselinePrice.Equal(dec("50000")))

	f.rewindLock(t, "race-1", time.Hour)
	race, err = f.machine.Transition(ctx, "race-1", domain.RaceInProgress, ActorScheduler)
	require.NoError(t, err)
	assert.Equal(t, domain.RaceInProgress, race.Status)
	require.NotNil(t, race.InProgressAt)

	// bitcoin +10%, ethereum +5%: bitcoin wins.
	f.prices.set("bitcoin", dec("55000"))
	f.prices.set("ethereum", dec("2100"))

	race, err = f.machine.Transition(ctx, "race-1", domain.RaceSettled, ActorScheduler)
	require.NoError(t, err)
	assert.Equal(t, domain.RaceSettled, race.Status)
	require.NotNil(t, race.SettledAt)
	require.NotNil(t, race.WinnerIndex)
	assert.Equal(t, 0, *race.WinnerIndex)

	require.Len(t, f.settler.settled, 1)
	assert.Empty(t, f.settler.refunded)

	// The stored race matches the returned one.
	stored, err := f.races.Get(ctx, "race-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RaceSettled, stored.Status)
}

func TestMachineIdempotentReapplication(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, Config{})
	f.prices.set("bitcoin", dec("50000"))
	require.NoError(t, f.races.Put(ctx, openRace("race-1", "bitcoin")))

	_, err := f.machine.Transition(ctx, "race-1", domain.RaceLocked, ActorScheduler)
	require.NoError(t, err)

	// Re-applying the current state is a no-op success and does not
	// re-capture baselines.
	before, err := f.races.Get(ctx, "race-1")
	require.NoError(t, err)
	f.prices.set("bitcoin", dec("60000"))

	race, err := f.machine.Transition(ctx, "race-1", domain.RaceLocked, ActorScheduler)
	require.NoError(t, err)
	assert.Equal(t, domain.RaceLocked, race.Status)
	assert.True(t, race.Runners[0].BaselinePrice.Equal(*before.Runners[0].BaselinePrice))
}

func TestMachineRejectsInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, Config{})
	require.NoError(t, f.races.Put(ctx, openRace("race-1", "bitcoin")))

	for _, target := range []domain.RaceStatus{domain.RaceInProgress, domain.RaceSettled} {
		_, err := f.machine.Transition(ctx, "race-1", target, ActorAdmin)
		assert.True(t, domain.IsInvalidTransition(err), "open -> %s must be rejected, got %v", target, err)
	}

	// Untouched.
	race, err := f.races.Get(ctx, "race-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RaceOpen, race.Status)
}

func TestMachineUnknownRace(t *testing.T) {
	f := newMachineFixture(t, Config{})
	_, err := f.machine.Transition(context.Background(), "missing", domain.RaceLocked, ActorAdmin)
	require.Error(t, err)
	assert.True(t, domain.IsRepositoryError(err))
}

func TestMachineSingleLiveRace(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, Config{})
	f.prices.set("bitcoin", dec("50000"))
	f.prices.set("solana", dec("150"))

	require.NoError(t, f.races.Put(ctx, openRace("race-a", "bitcoin")))
	require.NoError(t, f.races.Put(ctx, openRace("race-b", "solana")))

	_, err := f.machine.Transition(ctx, "race-a", domain.RaceLocked, ActorScheduler)
	require.NoError(t, err)

	_, err = f.machine.Transition(ctx, "race-b", domain.RaceLocked, ActorScheduler)
	require.ErrorIs(t, err, domain.ErrConcurrentLiveRace)

	// Once race-a is terminal, race-b may lock.
	_, err = f.machine.Transition(ctx, "race-a", domain.RaceCancelled, ActorAdmin)
	require.NoError(t, err)

	_, err = f.machine.Transition(ctx, "race-b", domain.RaceLocked, ActorScheduler)
	require.NoError(t, err)
}

func TestMachineMaintenanceBlocksLock(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, Config{})
	f.prices.set("bitcoin", dec("50000"))
	require.NoError(t, f.races.Put(ctx, openRace("race-1", "bitcoin")))

	state, err := f.treasury.Get(ctx)
	require.NoError(t, err)
	state.Maintenance = true
	require.NoError(t, f.treasury.Put(ctx, state))

	_, err = f.machine.Transition(ctx, "race-1", domain.RaceLocked, ActorScheduler)
	require.ErrorIs(t, err, domain.ErrMaintenance)

	// Cancellation still works under maintenance.
	_, err = f.machine.Transition(ctx, "race-1", domain.RaceCancelled, ActorAdmin)
	require.NoError(t, err)
}

func TestMachineTooEarly(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, Config{GraceInterval: time.Hour, ProgressWindow: 2 * time.Hour})
	f.prices.set("bitcoin", dec("50000"))
	require.NoError(t, f.races.Put(ctx, openRace("race-1", "bitcoin")))

	_, err := f.machine.Transition(ctx, "race-1", domain.RaceLocked, ActorScheduler)
	require.NoError(t, err)

	_, err = f.machine.Transition(ctx, "race-1", domain.RaceInProgress, ActorScheduler)
	require.ErrorIs(t, err, domain.ErrTooEarly)

	f.rewindLock(t, "race-1", 90*time.Minute)
	_, err = f.machine.Transition(ctx, "race-1", domain.RaceInProgress, ActorScheduler)
	require.NoError(t, err)

	// The progress window still gates settlement.
	_, err = f.machine.Transition(ctx, "race-1", domain.RaceSettled, ActorScheduler)
	require.ErrorIs(t, err, domain.ErrTooEarly)
}

func TestMachineBaselineFailureFlagsRunnerIneligible(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, Config{})
	f.prices.set("bitcoin", dec("50000"))
	f.prices.set("ethereum", dec("2000"))
	f.prices.failFor("solana")

	require.NoError(t, f.races.Put(ctx, openRace("race-1", "bitcoin", "ethereum", "solana")))

	race, err := f.machine.Transition(ctx, "race-1", domain.RaceLocked, ActorScheduler)
	require.NoError(t, err, "one failed baseline must not abort the lock")
	assert.True(t, race.Runners[0].HasBaseline())
	assert.True(t, race.Runners[1].HasBaseline())
	assert.False(t, race.Runners[2].HasBaseline())

	f.rewindLock(t, "race-1", time.Hour)
	_, err = f.machine.Transition(ctx, "race-1", domain.RaceInProgress, ActorScheduler)
	require.NoError(t, err)

	// Even a huge solana move cannot win without a baseline. Ethereum out-
	// performs bitcoin and takes it.
	f.prices.set("bitcoin", dec("50500"))
	f.prices.set("ethereum", dec("2200"))

	race, err = f.machine.Transition(ctx, "race-1", domain.RaceSettled, ActorScheduler)
	require.NoError(t, err)
	require.NotNil(t, race.WinnerIndex)
	assert.Equal(t, 1, *race.WinnerIndex)
}

func TestMachineAllIneligibleSettlesViaRefund(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, Config{})
	f.prices.set("bitcoin", dec("50000"))
	require.NoError(t, f.races.Put(ctx, openRace("race-1", "bitcoin")))

	_, err := f.machine.Transition(ctx, "race-1", domain.RaceLocked, ActorScheduler)
	require.NoError(t, err)
	f.rewindLock(t, "race-1", time.Hour)
	_, err = f.machine.Transition(ctx, "race-1", domain.RaceInProgress, ActorScheduler)
	require.NoError(t, err)

	// Final capture fails for every runner: no winner, full refund.
	f.prices.failFor("bitcoin")

	race, err := f.machine.Transition(ctx, "race-1", domain.RaceSettled, ActorScheduler)
	require.NoError(t, err)
	assert.Equal(t, domain.RaceSettled, race.Status)
	assert.Nil(t, race.WinnerIndex)
	assert.Empty(t, f.settler.settled)
	require.Len(t, f.settler.refunded, 1)
}

func TestMachineSettleRetryReusesFrozenFinals(t *testing.T) {
	ctx := context.Background()
	races := &failingRaceStore{RaceStore: memory.NewRaceStore()}
	prices := newStubPrices()
	settler := &stubSettler{}
	machine := NewMachine(Config{}, races, memory.NewRaceCache(), memory.NewTreasuryStore(),
		prices, settler, memory.NewLockManager(), memory.NewAuditStore(), memory.NewSignalBus(),
		testLogger())

	prices.set("bitcoin", dec("50000"))
	prices.set("ethereum", dec("2000"))
	require.NoError(t, races.Put(ctx, openRace("race-1", "bitcoin", "ethereum")))
	_, err := machine.Transition(ctx, "race-1", domain.RaceLocked, ActorScheduler)
	require.NoError(t, err)
	_, err = machine.Transition(ctx, "race-1", domain.RaceInProgress, ActorScheduler)
	require.NoError(t, err)

	// bitcoin +10%, ethereum +5%: bitcoin wins. The terminal write-back fails
	// after the settler ran.
	prices.set("bitcoin", dec("55000"))
	prices.set("ethereum", dec("2100"))
	races.failPut = func(r domain.Race) bool { return r.Status == domain.RaceSettled }

	_, err = machine.Transition(ctx, "race-1", domain.RaceSettled, ActorScheduler)
	require.Error(t, err)
	require.True(t, domain.IsRepositoryError(err))

	// The finals and the winner were frozen before any money moved.
	stored, err := races.Get(ctx, "race-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RaceInProgress, stored.Status)
	require.NotNil(t, stored.FinalsAt)
	require.NotNil(t, stored.WinnerIndex)
	assert.Equal(t, 0, *stored.WinnerIndex)
	require.NotNil(t, stored.Runners[0].FinalPrice)
	assert.True(t, stored.Runners[0].FinalPrice.Equal(dec("55000")))

	// The market moves before the retry; ethereum would now win a re-capture.
	prices.set("bitcoin", dec("50000"))
	prices.set("ethereum", dec("2600"))

	race, err := machine.Transition(ctx, "race-1", domain.RaceSettled, ActorScheduler)
	require.NoError(t, err)
	assert.Equal(t, domain.RaceSettled, race.Status)
	require.NotNil(t, race.WinnerIndex)
	assert.Equal(t, 0, *race.WinnerIndex, "retry must reuse the frozen winner")
	assert.True(t, race.Runners[0].FinalPrice.Equal(dec("55000")), "retry must reuse the frozen finals")

	// Every settler invocation saw the same frozen winner.
	require.NotEmpty(t, settler.settled)
	for _, s := range settler.settled {
		require.NotNil(t, s.WinnerIndex)
		assert.Equal(t, 0, *s.WinnerIndex)
	}
}

// recordingExecutor aggregates outbound amounts per recipient.
type recordingExecutor struct {
	mu    sync.Mutex
	sends map[string]decimal.Decimal
}

func (e *recordingExecutor) Send(_ context.Context, recipient string, amount decimal.Decimal, _ string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sends == nil {
		e.sends = make(map[string]decimal.Decimal)
	}
	e.sends[recipient] = e.sends[recipient].Add(amount)
	return "receipt-" + recipient, nil
}

func (e *recordingExecutor) sent(recipient string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sends[recipient]
}

func TestMachineSettleRetryNeverOverpaysPot(t *testing.T) {
	ctx := context.Background()
	races := &failingRaceStore{RaceStore: memory.NewRaceStore()}
	prices := newStubPrices()
	bets := memory.NewBetStore()
	executor := &recordingExecutor{}
	settler := settlement.NewEngine(
		settlement.Config{
			JackpotShareBps:   4000,
			TreasuryRecipient: "0xtreasury",
			CurrencyDecimals:  map[string]int{"USDC": 6},
		},
		bets, memory.NewTransferStore(), memory.NewResultStore(), memory.NewTreasuryStore(),
		executor, memory.NewLockManager(), nil, nil, nil, nil, testLogger(),
	)
	machine := NewMachine(Config{}, races, memory.NewRaceCache(), memory.NewTreasuryStore(),
		prices, settler, memory.NewLockManager(), memory.NewAuditStore(), memory.NewSignalBus(),
		testLogger())

	prices.set("bitcoin", dec("50000"))
	prices.set("ethereum", dec("2000"))
	require.NoError(t, races.Put(ctx, openRace("race-1", "bitcoin", "ethereum")))
	for _, b := range []struct {
		wallet string
		runner int
	}{{"alice", 0}, {"bob", 1}} {
		require.NoError(t, bets.Append(ctx, domain.Bet{
			ID:          "bet-" + b.wallet,
			RaceID:      "race-1",
			RunnerIndex: b.runner,
			Wallet:      b.wallet,
			Amount:      dec("50"),
			Currency:    "USDC",
			CreatedAt:   time.Now().UTC(),
		}))
	}

	_, err := machine.Transition(ctx, "race-1", domain.RaceLocked, ActorScheduler)
	require.NoError(t, err)
	_, err = machine.Transition(ctx, "race-1", domain.RaceInProgress, ActorScheduler)
	require.NoError(t, err)

	// bitcoin wins; the terminal write-back fails after payouts went out.
	prices.set("bitcoin", dec("55000"))
	prices.set("ethereum", dec("2100"))
	races.failPut = func(r domain.Race) bool { return r.Status == domain.RaceSettled }
	_, err = machine.Transition(ctx, "race-1", domain.RaceSettled, ActorScheduler)
	require.Error(t, err)

	// The market flips before the sweep re-drives the transition.
	prices.set("bitcoin", dec("50000"))
	prices.set("ethereum", dec("3000"))
	race, err := machine.Transition(ctx, "race-1", domain.RaceSettled, ActorScheduler)
	require.NoError(t, err)
	assert.Equal(t, domain.RaceSettled, race.Status)

	// Pot 100 at 500 bps rake: alice gets the 95 pool exactly once, the
	// treasury its 3 share, bob nothing. Outflow never exceeds the pot.
	assert.True(t, executor.sent("alice").Equal(dec("95")), "alice %s", executor.sent("alice"))
	assert.True(t, executor.sent("0xtreasury").Equal(dec("3")), "treasury %s", executor.sent("0xtreasury"))
	assert.True(t, executor.sent("bob").IsZero(), "bob %s", executor.sent("bob"))

	total := decimal.Zero
	for _, w := range []string{"alice", "bob", "0xtreasury"} {
		total = total.Add(executor.sent(w))
	}
	assert.True(t, total.LessThanOrEqual(dec("100")), "total outflow %s exceeds the pot", total)
}

func TestMachineCancelFromEveryNonTerminalState(t *testing.T) {
	ctx := context.Background()

	prepare := func(f *machineFixture, id string, to domain.RaceStatus) {
		require.NoError(t, f.races.Put(ctx, openRace(id, "bitcoin")))
		if to == domain.RaceOpen {
			return
		}
		_, err := f.machine.Transition(ctx, id, domain.RaceLocked, ActorScheduler)
		require.NoError(t, err)
		if to == domain.RaceLocked {
			return
		}
		f.rewindLock(t, id, time.Hour)
		_, err = f.machine.Transition(ctx, id, domain.RaceInProgress, ActorScheduler)
		require.NoError(t, err)
	}

	for _, from := range []domain.RaceStatus{domain.RaceOpen, domain.RaceLocked, domain.RaceInProgress} {
		f := newMachineFixture(t, Config{})
		f.prices.set("bitcoin", dec("50000"))
		prepare(f, "race-1", from)

		race, err := f.machine.Transition(ctx, "race-1", domain.RaceCancelled, ActorAdmin)
		require.NoError(t, err, "cancel from %s", from)
		assert.Equal(t, domain.RaceCancelled, race.Status)
		require.NotNil(t, race.CancelledAt)
		require.Len(t, f.settler.refunded, 1, "cancel from %s must refund", from)
	}
}

func TestWinnerSelection(t *testing.T) {
	runner := func(baseline, final string) domain.Runner {
		b := dec(baseline)
		f := dec(final)
		return domain.Runner{BaselinePrice: &b, FinalPrice: &f}
	}

	t.Run("highest percentage change wins", func(t *testing.T) {
		idx, ok := Winner([]domain.Runner{
			runner("100", "105"), // +5%
			runner("10", "11"),   // +10%
			runner("50", "51"),   // +2%
		})
		require.True(t, ok)
		assert.Equal(t, 1, idx)
	})

	t.Run("all negative still has a winner", func(t *testing.T) {
		idx, ok := Winner([]domain.Runner{
			runner("100", "90"), // -10%
			runner("100", "95"), // -5%
		})
		require.True(t, ok)
		assert.Equal(t, 1, idx)
	})

	t.Run("tie resolves to lowest index", func(t *testing.T) {
		idx, ok := Winner([]domain.Runner{
			runner("100", "110"),
			runner("200", "220"),
			runner("50", "55"),
		})
		require.True(t, ok)
		assert.Equal(t, 0, idx)
	})

	t.Run("ineligible runners are skipped", func(t *testing.T) {
		big := dec("1000")
		idx, ok := Winner([]domain.Runner{
			{FinalPrice: &big},  // no baseline
			runner("100", "99"), // -1%, only eligible runner
		})
		require.True(t, ok)
		assert.Equal(t, 1, idx)
	})

	t.Run("no eligible runners", func(t *testing.T) {
		_, ok := Winner([]domain.Runner{{}, {}})
		assert.False(t, ok)
	})

	t.Run("empty field", func(t *testing.T) {
		_, ok := Winner(nil)
		assert.False(t, ok)
	})
}
