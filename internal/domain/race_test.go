package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to RaceStatus }{
		{RaceOpen, RaceLocked},
		{RaceOpen, RaceCancelled},
		{RaceLocked, RaceInProgress},
		{RaceLocked, RaceCancelled},
		{RaceInProgress, RaceSettled},
		{RaceInProgress, RaceCancelled},
	}
	for _, edge := range allowed {
		assert.True(t, CanTransition(edge.from, edge.to), "%s -> %s should be allowed", edge.from, edge.to)
	}

	statuses := []RaceStatus{RaceOpen, RaceLocked, RaceInProgress, RaceSettled, RaceCancelled}

	// Everything not in the allowed list is forbidden, self-edges included.
	isAllowed := func(from, to RaceStatus) bool {
		for _, e := range allowed {
			if e.from == from && e.to == to {
				return true
			}
		}
		return false
	}
	for _, from := range statuses {
		for _, to := range statuses {
			if isAllowed(from, to) {
				continue
			}
			assert.False(t, CanTransition(from, to), "%s -> %s should be forbidden", from, to)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	statuses := []RaceStatus{RaceOpen, RaceLocked, RaceInProgress, RaceSettled, RaceCancelled}
	for _, terminal := range []RaceStatus{RaceSettled, RaceCancelled} {
		for _, to := range statuses {
			assert.False(t, CanTransition(terminal, to))
		}
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range []RaceStatus{RaceOpen, RaceLocked, RaceInProgress, RaceSettled, RaceCancelled} {
		assert.True(t, ValidStatus(s))
	}
	assert.False(t, ValidStatus("paused"))
	assert.False(t, ValidStatus(""))
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, RaceSettled.Terminal())
	assert.True(t, RaceCancelled.Terminal())
	assert.False(t, RaceOpen.Terminal())
	assert.False(t, RaceLocked.Terminal())

	assert.True(t, RaceLocked.Live())
	assert.True(t, RaceInProgress.Live())
	assert.False(t, RaceOpen.Live())
	assert.False(t, RaceSettled.Live())
	assert.False(t, RaceCancelled.Live())
}

func TestRunnerHasBaseline(t *testing.T) {
	var r Runner
	assert.False(t, r.HasBaseline(), "nil baseline is unusable")

	zero := decimal.Zero
	r.BaselinePrice = &zero
	assert.False(t, r.HasBaseline(), "zero baseline divides by zero")

	neg := dec("-1")
	r.BaselinePrice = &neg
	assert.False(t, r.HasBaseline())

	p := dec("100")
	r.BaselinePrice = &p
	assert.True(t, r.HasBaseline())
}

func TestRunnerChange(t *testing.T) {
	base := dec("200")
	final := dec("250")

	r := Runner{BaselinePrice: &base, FinalPrice: &final}
	change, ok := r.Change()
	require.True(t, ok)
	assert.True(t, change.Equal(dec("0.25")), "got %s", change)

	down := dec("150")
	r.FinalPrice = &down
	change, ok = r.Change()
	require.True(t, ok)
	assert.True(t, change.Equal(dec("-0.25")), "got %s", change)

	r.FinalPrice = nil
	_, ok = r.Change()
	assert.False(t, ok, "missing final price is ineligible")

	r = Runner{FinalPrice: &final}
	_, ok = r.Change()
	assert.False(t, ok, "missing baseline is ineligible")
}

func TestTransitionTimestamp(t *testing.T) {
	now := time.Now().UTC()
	r := Race{LockedAt: &now}

	require.NotNil(t, r.TransitionTimestamp(RaceLocked))
	assert.Equal(t, now, *r.TransitionTimestamp(RaceLocked))
	assert.Nil(t, r.TransitionTimestamp(RaceInProgress))
	assert.Nil(t, r.TransitionTimestamp(RaceSettled))
	assert.Nil(t, r.TransitionTimestamp(RaceOpen))
}
