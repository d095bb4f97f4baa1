package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceswap/raced/internal/domain"
)

func TestNextTransition(t *testing.T) {
	cfg := Config{GraceInterval: 15 * time.Second, ProgressWindow: 5 * time.Minute}
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	locked := start.Add(time.Minute)

	t.Run("open locks at start time", func(t *testing.T) {
		target, due, ok := NextTransition(domain.Race{Status: domain.RaceOpen, StartAt: start}, cfg)
		require.True(t, ok)
		assert.Equal(t, domain.RaceLocked, target)
		assert.Equal(t, start, due)
	})

	t.Run("locked progresses after grace", func(t *testing.T) {
		target, due, ok := NextTransition(domain.Race{Status: domain.RaceLocked, LockedAt: &locked}, cfg)
		require.True(t, ok)
		assert.Equal(t, domain.RaceInProgress, target)
		assert.Equal(t, locked.Add(cfg.GraceInterval), due)
	})

	t.Run("in-progress settles after window from lock", func(t *testing.T) {
		target, due, ok := NextTransition(domain.Race{Status: domain.RaceInProgress, LockedAt: &locked}, cfg)
		require.True(t, ok)
		assert.Equal(t, domain.RaceSettled, target)
		assert.Equal(t, locked.Add(cfg.ProgressWindow), due)
	})

	t.Run("terminal races have no next transition", func(t *testing.T) {
		for _, s := range []domain.RaceStatus{domain.RaceSettled, domain.RaceCancelled} {
			_, _, ok := NextTransition(domain.Race{Status: s}, cfg)
			assert.False(t, ok)
		}
	})

	t.Run("locked race without timestamp is undriveable", func(t *testing.T) {
		_, _, ok := NextTransition(domain.Race{Status: domain.RaceLocked}, cfg)
		assert.False(t, ok)
	})
}

func TestSweepCatchesUpStalledRace(t *testing.T) {
	ctx := context.Background()
	cfg := Config{GraceInterval: 15 * time.Second, ProgressWindow: 5 * time.Minute}
	f := newMachineFixture(t, cfg)
	f.prices.set("bitcoin", dec("50000"))

	// A race that locked an hour ago and then lost its process: both the
	// progress and settle transitions are overdue.
	race := openRace("race-1", "bitcoin")
	lockedAt := time.Now().UTC().Add(-time.Hour)
	base := dec("48000")
	race.Status = domain.RaceLocked
	race.LockedAt = &lockedAt
	race.Runners[0].BaselinePrice = &base
	race.Runners[0].BaselineCapturedAt = &lockedAt
	require.NoError(t, f.races.Put(ctx, race))

	sweep := NewSweep(f.machine, f.races, nil, time.Minute, cfg, testLogger())
	require.NoError(t, sweep.Pass(ctx))

	got, err := f.races.Get(ctx, "race-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RaceSettled, got.Status)
	require.NotNil(t, got.WinnerIndex)
	require.Len(t, f.settler.settled, 1)
}

func TestSweepLeavesFutureRacesAlone(t *testing.T) {
	ctx := context.Background()
	cfg := Config{GraceInterval: 15 * time.Second, ProgressWindow: 5 * time.Minute}
	f := newMachineFixture(t, cfg)

	race := openRace("race-1", "bitcoin")
	race.StartAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, f.races.Put(ctx, race))

	sweep := NewSweep(f.machine, f.races, nil, time.Minute, cfg, testLogger())
	require.NoError(t, sweep.Pass(ctx))

	got, err := f.races.Get(ctx, "race-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RaceOpen, got.Status)
}

func TestSweepContainsLiveSlotContention(t *testing.T) {
	ctx := context.Background()
	cfg := Config{GraceInterval: time.Hour, ProgressWindow: 2 * time.Hour}
	f := newMachineFixture(t, cfg)
	f.prices.set("bitcoin", dec("50000"))
	f.prices.set("solana", dec("150"))

	// Two races both due to lock: only one may take the live slot; the
	// other stays open and the pass still succeeds.
	a := openRace("race-a", "bitcoin")
	a.StartAt = time.Now().UTC().Add(-time.Minute)
	b := openRace("race-b", "solana")
	b.StartAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.races.Put(ctx, a))
	require.NoError(t, f.races.Put(ctx, b))

	sweep := NewSweep(f.machine, f.races, nil, time.Minute, cfg, testLogger())
	require.NoError(t, sweep.Pass(ctx))

	got1, err := f.races.Get(ctx, "race-a")
	require.NoError(t, err)
	got2, err := f.races.Get(ctx, "race-b")
	require.NoError(t, err)

	live := 0
	for _, r := range []domain.Race{got1, got2} {
		if r.Live() {
			live++
		}
	}
	assert.Equal(t, 1, live, "exactly one race may hold the live slot")
}

func TestSchedulerDrivesRaceEndToEnd(t *testing.T) {
	cfg := Config{GraceInterval: 30 * time.Millisecond, ProgressWindow: 80 * time.Millisecond}
	f := newMachineFixture(t, cfg)
	f.prices.set("bitcoin", dec("50000"))

	race := openRace("race-1", "bitcoin")
	require.NoError(t, f.races.Put(context.Background(), race))

	scheduler := NewScheduler(f.machine, cfg, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = scheduler.Run(ctx, f.races)
	}()

	require.Eventually(t, func() bool {
		got, err := f.races.Get(context.Background(), "race-1")
		return err == nil && got.Status == domain.RaceSettled
	}, 5*time.Second, 10*time.Millisecond, "timers should drive the race to settled")

	cancel()
	<-done
}
