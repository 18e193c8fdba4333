package sqlite

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/interlease/internal/core"
	"github.com/mistakeknot/interlease/internal/storage"
)

func tripBreaker(cb *CircuitBreaker, n int) {
	testErr := errors.New("disk I/O error")
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	tripBreaker(cb, 5)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after %d failures, got %s", 5, cb.State())
	}
}

func TestBreakerRejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	tripBreaker(cb, 5)

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("open breaker should surface as ErrStoreUnavailable, got %v", err)
	}
	if called {
		t.Fatal("fn should not have been called when breaker is open")
	}
}

func TestBreakerResetsAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	tripBreaker(cb, 5)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(200 * time.Millisecond)

	err := cb.Execute(func() error { return nil })
	if err != nil {
		t.Fatalf("expected trial request to succeed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful trial request, got %s", cb.State())
	}
}

func TestBreakerTrialFailureReOpens(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	tripBreaker(cb, 5)

	now = now.Add(200 * time.Millisecond)
	tripBreaker(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after trial request failure, got %s", cb.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	tripBreaker(cb, 3)
	_ = cb.Execute(func() error { return nil })
	tripBreaker(cb, 3)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed (3+3 non-consecutive < threshold 5), got %s", cb.State())
	}
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	cb := NewCircuitBreaker(2, 30*time.Second)
	for _, err := range []error{core.ErrNotFound, core.ErrDuplicateKey, storage.ErrReadOnly, storage.ErrTxDone} {
		for i := 0; i < 3; i++ {
			_ = cb.Execute(func() error { return err })
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("caller errors must not trip the breaker, got %s", cb.State())
	}
}

func TestBreakerReportsStateChanges(t *testing.T) {
	cb := NewCircuitBreaker(2, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	var changes []string
	cb.OnStateChange(func(from, to BreakerState) {
		changes = append(changes, from.String()+">"+to.String())
	})

	tripBreaker(cb, 2)
	now = now.Add(time.Second)
	_ = cb.Execute(func() error { return nil })

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(changes) != len(want) {
		t.Fatalf("expected %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, changes)
		}
	}
}

func TestBreakerConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(100, 30*time.Second)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error { return nil })
			_ = cb.State()
		}()
	}
	wg.Wait()
}
