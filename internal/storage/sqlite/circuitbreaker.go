package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mistakeknot/interlease/internal/core"
	"github.com/mistakeknot/interlease/internal/storage"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls. It matches
// core.ErrStoreUnavailable.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", core.ErrStoreUnavailable)

// CircuitBreaker trips after threshold consecutive infrastructure failures
// and lets a single trial request through once resetTimeout has passed.
// States: CLOSED (normal) -> OPEN (failing) -> HALF_OPEN (probing) -> CLOSED.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	nowFunc      func() time.Time
	onChange     func(from, to BreakerState)
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
	}
}

// OnStateChange registers fn to be called, without the lock held, whenever
// the breaker changes state.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Execute runs fn through the breaker. Errors that say nothing about the
// health of the database (caller mistakes, constraint violations, context
// cancellation) pass through without counting as failures.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		err := fn()
		cb.mu.Lock()
		from := cb.state
		if countsAsFailure(err) {
			cb.failures++
			if cb.failures >= cb.threshold {
				cb.state = StateOpen
				cb.lastFailure = cb.nowFunc()
			}
		} else {
			cb.failures = 0
		}
		cb.unlockAndNotify(from)
		return err

	case StateOpen:
		if cb.nowFunc().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.unlockAndNotify(StateOpen)

		err := fn()
		cb.mu.Lock()
		if countsAsFailure(err) {
			cb.state = StateOpen
			cb.lastFailure = cb.nowFunc()
		} else {
			cb.state = StateClosed
			cb.failures = 0
		}
		cb.unlockAndNotify(StateHalfOpen)
		return err

	default:
		// Only one trial request per reset cycle.
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) unlockAndNotify(from BreakerState) {
	to, fn := cb.state, cb.onChange
	cb.mu.Unlock()
	if fn != nil && from != to {
		fn(from, to)
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	for _, benign := range []error{
		context.Canceled, context.DeadlineExceeded,
		storage.ErrReadOnly, storage.ErrTxDone, storage.ErrClosed,
		core.ErrNotFound, core.ErrDuplicateKey,
	} {
		if errors.Is(err, benign) {
			return false
		}
	}
	return true
}
