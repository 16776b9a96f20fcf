package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig("test")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	return cfg
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		if err := cb.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d error = %v, want boom", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("State() = %s, want open", cb.State())
	}

	called := false
	err = cb.Do(context.Background(), func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("open breaker should not call fn")
	}
	if cb.Health().Healthy {
		t.Error("open breaker reported healthy")
	}
}

func TestCancellationDoesNotTrip(t *testing.T) {
	cb, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var transitions []State
	cb.OnStateChange(func(_ string, to State) { transitions = append(transitions, to) })

	for i := 0; i < 5; i++ {
		err := cb.Do(context.Background(), func(context.Context) error { return context.Canceled })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("State() = %s, want closed", cb.State())
	}
	if len(transitions) != 0 {
		t.Errorf("unexpected transitions %v", transitions)
	}
}
