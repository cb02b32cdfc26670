package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New("test", threshold, timeout)
	cb.now = clock.Now
	return cb, clock
}

func failing(calls *int) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		*calls++
		return "", errBoom
	}
}

func succeeding(calls *int) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		*calls++
		return "ok", nil
	}
}

func fallbackValue() string { return "fallback" }

func TestInitialStateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, 10*time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected Allow=true when closed")
	}
}

func TestDefaultsApplied(t *testing.T) {
	cb := New("defaults", 0, 0)
	if cb.failureThreshold != DefaultFailureThreshold {
		t.Errorf("failureThreshold = %d, want %d", cb.failureThreshold, DefaultFailureThreshold)
	}
	if cb.recoveryTimeout != DefaultRecoveryTimeout {
		t.Errorf("recoveryTimeout = %s, want %s", cb.recoveryTimeout, DefaultRecoveryTimeout)
	}
}

func TestOpensAfterThresholdAndServesFallback(t *testing.T) {
	cb, _ := newTestBreaker(3, 10*time.Second)
	ctx := context.Background()
	calls := 0

	for i := 0; i < 3; i++ {
		_, err := Call(ctx, cb, failing(&calls), fallbackValue)
		if !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected underlying error to propagate, got %v", i+1, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}

	got, err := Call(ctx, cb, failing(&calls), fallbackValue)
	if err != nil {
		t.Fatalf("expected no error while open, got %v", err)
	}
	if got != "fallback" {
		t.Fatalf("expected fallback value, got %q", got)
	}
	if calls != 3 {
		t.Fatalf("wrapped function reached while open: calls = %d, want 3", calls)
	}
}

func TestHalfOpenTrialSuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(1, 30*time.Second)
	ctx := context.Background()
	calls := 0

	_, _ = Call(ctx, cb, failing(&calls), fallbackValue)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	clock.Advance(30 * time.Second)
	if got, _ := Call(ctx, cb, succeeding(&calls), fallbackValue); got != "fallback" {
		t.Fatalf("expected fallback before timeout strictly elapsed, got %q", got)
	}

	clock.Advance(time.Millisecond)
	got, err := Call(ctx, cb, succeeding(&calls), fallbackValue)
	if err != nil || got != "ok" {
		t.Fatalf("expected trial call to pass through, got %q, %v", got, err)
	}
	snap := cb.Snapshot()
	if snap.State != "closed" || snap.FailureCount != 0 {
		t.Fatalf("expected closed with zero failures, got %+v", snap)
	}
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	ctx := context.Background()
	calls := 0

	_, _ = Call(ctx, cb, failing(&calls), fallbackValue)
	clock.Advance(2 * time.Second)

	_, err := Call(ctx, cb, failing(&calls), fallbackValue)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected trial failure to propagate, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after failed trial, got %s", cb.State())
	}
	if snap := cb.Snapshot(); snap.FailureCount != 2 || !snap.LastFailure.Equal(clock.Now()) {
		t.Fatalf("unexpected bookkeeping after failed trial: %+v", snap)
	}

	if got, _ := Call(ctx, cb, succeeding(&calls), fallbackValue); got != "fallback" {
		t.Fatalf("expected fallback right after reopening, got %q", got)
	}
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	cb.RecordFailure()
	clock.Advance(2 * time.Second)

	if !cb.Allow() {
		t.Fatal("expected first call after timeout to be the trial")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected second concurrent call to be rejected while trial in flight")
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, 10*time.Second)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("expected still closed (failure count reset), got %s", cb.State())
	}
}

func TestCancellationIsNotAFailure(t *testing.T) {
	cb, _ := newTestBreaker(1, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Call(ctx, cb, func(ctx context.Context) (string, error) {
		return "", ctx.Err()
	}, fallbackValue)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if snap := cb.Snapshot(); snap.State != "closed" || snap.FailureCount != 0 {
		t.Fatalf("cancellation must not count as failure: %+v", snap)
	}
}

func TestCancelledTrialReleasesSlot(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	cb.RecordFailure()
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = Call(ctx, cb, func(ctx context.Context) (string, error) {
		return "", ctx.Err()
	}, fallbackValue)

	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open after aborted trial, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected a new trial to be admitted after abort")
	}
}

func TestExecuteReturnsErrCircuitOpen(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	ctx := context.Background()
	_ = cb.Execute(ctx, func(context.Context) error { return errBoom })

	err := cb.Execute(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestConcurrentFailuresAreNotLost(t *testing.T) {
	cb, _ := newTestBreaker(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.RecordFailure()
		}()
	}
	wg.Wait()
	if got := cb.Snapshot().FailureCount; got != 100 {
		t.Fatalf("failure count = %d, want 100", got)
	}
}

func TestStaleFailureDoesNotDecideTrial(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)

	slow, ok := cb.Admit()
	if !ok {
		t.Fatal("expected slow call to be admitted while closed")
	}
	fast, _ := cb.Admit()
	cb.Done(fast, OutcomeFailure)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	opened := cb.Snapshot().LastFailure

	clock.Advance(2 * time.Second)
	trial, ok := cb.Admit()
	if !ok || cb.State() != StateHalfOpen {
		t.Fatal("expected the trial to be admitted")
	}

	cb.Done(slow, OutcomeFailure)
	if cb.State() != StateHalfOpen {
		t.Fatalf("stale failure changed state to %s", cb.State())
	}
	if !cb.Snapshot().LastFailure.Equal(opened) {
		t.Fatal("stale failure must not move lastFailure")
	}
	if _, ok := cb.Admit(); ok {
		t.Fatal("trial slot must still be held")
	}

	cb.Done(trial, OutcomeSuccess)
	if cb.State() != StateClosed {
		t.Fatalf("state after successful trial = %s, want closed", cb.State())
	}
}

func TestStaleSuccessDoesNotCloseDuringTrial(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)

	slow, _ := cb.Admit()
	fast, _ := cb.Admit()
	cb.Done(fast, OutcomeFailure)
	clock.Advance(2 * time.Second)
	trial, _ := cb.Admit()

	cb.Done(slow, OutcomeSuccess)
	if cb.State() != StateHalfOpen {
		t.Fatalf("stale success changed state to %s", cb.State())
	}

	cb.Done(trial, OutcomeFailure)
	if cb.State() != StateOpen {
		t.Fatalf("state after failed trial = %s, want open", cb.State())
	}
}

func TestCallIgnoresOutcomeFromEarlierState(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	ctx := context.Background()

	admitted := make(chan struct{})
	release := make(chan struct{})
	slowDone := make(chan error, 1)
	go func() {
		_, err := Call(ctx, cb, func(context.Context) (string, error) {
			close(admitted)
			<-release
			return "", errBoom
		}, fallbackValue)
		slowDone <- err
	}()
	<-admitted

	calls := 0
	_, _ = Call(ctx, cb, failing(&calls), fallbackValue)
	clock.Advance(2 * time.Second)

	trialAdmitted := make(chan struct{})
	trialRelease := make(chan struct{})
	trialDone := make(chan string, 1)
	go func() {
		v, _ := Call(ctx, cb, func(context.Context) (string, error) {
			close(trialAdmitted)
			<-trialRelease
			return "ok", nil
		}, fallbackValue)
		trialDone <- v
	}()
	<-trialAdmitted

	close(release)
	if err := <-slowDone; !errors.Is(err, errBoom) {
		t.Fatalf("slow call err = %v", err)
	}
	close(trialRelease)
	if v := <-trialDone; v != "ok" {
		t.Fatalf("trial result = %q", v)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}
