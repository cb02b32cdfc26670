// Package circuitbreaker implements the circuit-breaker pattern for calls to
// the AI service.
//
// State transitions:
//
//	Closed   → Open      when consecutive failures ≥ FailureThreshold
//	Open     → HalfOpen  on the first call after RecoveryTimeout has elapsed
//	                     since the last failure; that call is the trial
//	HalfOpen → Closed    when the trial succeeds
//	HalfOpen → Open      when the trial fails
//
// While Open (and while a HalfOpen trial is in flight) calls are answered by
// a fallback instead of reaching the wrapped function.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ferro-labs/fluxguard/internal/logging"
	"github.com/ferro-labs/fluxguard/internal/metrics"
)

// State represents the circuit breaker's current state.
type State int

const (
	// StateClosed — normal operation; requests pass through.
	StateClosed State = iota
	// StateOpen — the dependency is considered failing; requests get the fallback.
	StateOpen
	// StateHalfOpen — a single trial request is testing recovery.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
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

// Default thresholds applied by New for non-positive values.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
)

// ErrCircuitOpen is returned by Execute when a call is rejected because the
// circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreaker guards one protected callable (or a whole client, depending
// on how the Group hands it out).
type CircuitBreaker struct {
	mu               sync.Mutex
	name             string
	state            State
	failureCount     int
	lastFailure      time.Time
	failureThreshold int
	recoveryTimeout  time.Duration
	trialInFlight    bool
	generation       uint64
	now              func() time.Time
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure_time,omitzero"`
}

// New creates a CircuitBreaker. Defaults are applied for zero/negative values:
// failureThreshold=5, recoveryTimeout=30s.
func New(name string, failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	cb := &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// Name returns the breaker name used in logs and metrics.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state. It does not perform the Open→HalfOpen
// transition; that only happens when a call arrives.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a copy of the breaker's bookkeeping.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:         cb.name,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
		LastFailure:  cb.lastFailure,
	}
}

// Ticket identifies one admitted call. Outcomes reported with a ticket only
// move the breaker out of HalfOpen when the ticket is that trial's, so a slow
// call admitted in an earlier state cannot decide the trial.
type Ticket struct {
	generation uint64
	trial      bool
}

// Admit reports whether a call may proceed and returns its ticket. In Open
// state it moves to HalfOpen once the recovery timeout has elapsed and admits
// the caller as the single trial. Every admitted caller must report back
// through Done.
func (cb *CircuitBreaker) Admit() (Ticket, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return Ticket{generation: cb.generation}, true
	case StateOpen:
		if !cb.now().After(cb.lastFailure.Add(cb.recoveryTimeout)) {
			return Ticket{}, false
		}
		cb.setState(StateHalfOpen)
		cb.trialInFlight = true
		logging.Logger.Info("circuit half-open, testing service availability", "breaker", cb.name)
		return Ticket{generation: cb.generation, trial: true}, true
	case StateHalfOpen:
		if cb.trialInFlight {
			return Ticket{}, false
		}
		cb.trialInFlight = true
		return Ticket{generation: cb.generation, trial: true}, true
	}
	return Ticket{}, false
}

// Outcome is how an admitted call ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeAborted is a call cancelled by its caller; it counts as neither.
	OutcomeAborted
)

// Done records the outcome of the call admitted with t.
func (cb *CircuitBreaker) Done(t Ticket, outcome Outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.record(t, outcome)
}

// Allow is Admit without the ticket. Outcomes for calls admitted this way are
// reported with RecordSuccess, RecordFailure or RecordAbort, which apply to
// whatever state the breaker is in when they arrive.
func (cb *CircuitBreaker) Allow() bool {
	_, ok := cb.Admit()
	return ok
}

// RecordSuccess notifies the breaker that an admitted call succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.record(cb.current(), OutcomeSuccess)
}

// RecordFailure notifies the breaker that an admitted call failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.record(cb.current(), OutcomeFailure)
}

// RecordAbort releases an admitted call that was cancelled by its caller
// without counting it as a failure or success.
func (cb *CircuitBreaker) RecordAbort() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.record(cb.current(), OutcomeAborted)
}

// current returns the ticket of a call belonging to the present state.
// cb.mu must be held.
func (cb *CircuitBreaker) current() Ticket {
	return Ticket{generation: cb.generation, trial: cb.state != StateClosed}
}

// record must be called with cb.mu held.
func (cb *CircuitBreaker) record(t Ticket, outcome Outcome) {
	if t.trial {
		if cb.state != StateHalfOpen || t.generation != cb.generation {
			if cb.state == StateOpen && t.generation == cb.generation && outcome == OutcomeFailure {
				cb.failureCount++
				cb.lastFailure = cb.now()
			}
			return
		}
		cb.trialInFlight = false
		switch outcome {
		case OutcomeSuccess:
			cb.failureCount = 0
			cb.setState(StateClosed)
			logging.Logger.Info("service available again, circuit closed", "breaker", cb.name)
		case OutcomeFailure:
			cb.failureCount++
			cb.lastFailure = cb.now()
			cb.setState(StateOpen)
			logging.Logger.Warn("trial call failed, circuit reopened", "breaker", cb.name, "failures", cb.failureCount)
		}
		return
	}

	// Calls admitted while closed only count while the circuit is still closed.
	if cb.state != StateClosed {
		return
	}
	switch outcome {
	case OutcomeSuccess:
		cb.failureCount = 0
	case OutcomeFailure:
		cb.failureCount++
		cb.lastFailure = cb.now()
		if cb.failureCount >= cb.failureThreshold {
			cb.setState(StateOpen)
			logging.Logger.Warn("circuit opened", "breaker", cb.name, "failures", cb.failureCount)
		}
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	cb.generation++
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(s))
}

// Execute runs fn under the breaker and returns ErrCircuitOpen when the call
// is rejected.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Call(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}

// Call runs fn under cb. When the circuit rejects the call, fallback's value
// is returned with a nil error (or ErrCircuitOpen when fallback is nil).
// Errors from fn are returned unchanged after bookkeeping. A call whose
// context was cancelled is not counted as a failure.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error), fallback func() T) (T, error) {
	ticket, ok := cb.Admit()
	if !ok {
		if fallback == nil {
			var zero T
			return zero, ErrCircuitOpen
		}
		logging.FromContext(ctx).Warn("circuit is open, using fallback", "breaker", cb.name)
		return fallback(), nil
	}

	result, err := fn(ctx)
	switch {
	case err == nil:
		cb.Done(ticket, OutcomeSuccess)
	case isCancellation(ctx, err):
		cb.Done(ticket, OutcomeAborted)
	default:
		cb.Done(ticket, OutcomeFailure)
	}
	return result, err
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
