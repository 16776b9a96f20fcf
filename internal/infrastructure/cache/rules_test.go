package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocura360/rxguard/internal/domain/interaction"
	"github.com/ocura360/rxguard/internal/infrastructure/redpanda"
)

type countingStore struct {
	mu    sync.Mutex
	calls int
	rules []interaction.Rule
	err   error
}

func (s *countingStore) LookupInteractions(ctx context.Context, ids []interaction.CompositionID) ([]interaction.Rule, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.rules, s.err
}

// unreachable returns a client pointed at a port nothing listens on
func unreachable() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestKeyIgnoresOrder(t *testing.T) {
	a := Key("p", 3, []interaction.CompositionID{"x", "y", "z"})
	b := Key("p", 3, []interaction.CompositionID{"z", "x", "y"})
	if a != b {
		t.Errorf("keys differ: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "p:3:") {
		t.Errorf("key %s lacks prefix and generation", a)
	}
	if Key("p", 4, []interaction.CompositionID{"x", "y", "z"}) == a {
		t.Error("generation should change the key")
	}
	if Key("p", 3, []interaction.CompositionID{"x", "y"}) == a {
		t.Error("different sets should have different keys")
	}
}

func TestRedisFailureFallsThroughToStore(t *testing.T) {
	rdb := unreachable()
	defer rdb.Close()

	store := &countingStore{rules: []interaction.Rule{{
		CompositionA: interaction.Composition{ID: "a", Name: "A"},
		CompositionB: interaction.Composition{ID: "b", Name: "B"},
		Severity:     interaction.SeverityMajor,
	}}}
	c := NewRuleCache(rdb, store, DefaultConfig(), nil)

	rules, err := c.LookupInteractions(context.Background(), []interaction.CompositionID{"a", "b"})
	if err != nil {
		t.Fatalf("LookupInteractions() error = %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	if store.calls != 1 {
		t.Errorf("store calls = %d, want 1", store.calls)
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	rdb := unreachable()
	defer rdb.Close()

	boom := errors.New("db down")
	c := NewRuleCache(rdb, &countingStore{err: boom}, DefaultConfig(), nil)

	rules, err := c.LookupInteractions(context.Background(), []interaction.CompositionID{"a", "b"})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if rules != nil {
		t.Errorf("rules = %v, want nil on failure", rules)
	}
}

func TestCancelledCallerReturnsContextError(t *testing.T) {
	rdb := unreachable()
	defer rdb.Close()

	c := NewRuleCache(rdb, &countingStore{}, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.LookupInteractions(ctx, []interaction.CompositionID{"a", "b"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

type stubInvalidator struct {
	calls int
	err   error
}

func (s *stubInvalidator) Invalidate(ctx context.Context) (int64, error) {
	s.calls++
	return int64(s.calls), s.err
}

func TestRuleChangeHandler(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		invErr  error
		wantErr bool
	}{
		{"valid change", `{"action":"created","compA":"a","compB":"b"}`, nil, false},
		{"undecodable still invalidates", `not json`, nil, false},
		{"invalidate failure is retried", `{"action":"cleared"}`, errors.New("redis down"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &stubInvalidator{err: tt.invErr}
			h := RuleChangeHandler(inv, nil)
			err := h(context.Background(), &redpanda.ConsumedMessage{Value: []byte(tt.value)})
			if (err != nil) != tt.wantErr {
				t.Errorf("handler error = %v, wantErr %v", err, tt.wantErr)
			}
			if inv.calls != 1 {
				t.Errorf("invalidate calls = %d, want 1", inv.calls)
			}
		})
	}
}
