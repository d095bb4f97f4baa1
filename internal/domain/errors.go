package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrLockHeld           = errors.New("lock already held")
	ErrPriceUnavailable   = errors.New("price unavailable")
	ErrMaintenance        = errors.New("maintenance mode active")
	ErrConcurrentLiveRace = errors.New("another race is live")
	ErrTooEarly           = errors.New("transition not yet due")
	ErrAllIneligible      = errors.New("no runner has valid price data")
)

// InvalidTransitionError is returned when a requested state change is not an
// edge of the transition graph. It is never retried automatically.
type InvalidTransitionError struct {
	RaceID string
	From   RaceStatus
	To     RaceStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for race %s", e.From, e.To, e.RaceID)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// RepositoryError wraps a persistence failure inside a transition attempt.
// The transition is considered not applied; because transitions are
// idempotent the caller can always retry from scratch.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository: %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// IsRepositoryError reports whether err is (or wraps) a RepositoryError.
func IsRepositoryError(err error) bool {
	var re *RepositoryError
	return errors.As(err, &re)
}
