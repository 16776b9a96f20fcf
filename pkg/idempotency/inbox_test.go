package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 15, 20, 0, time.UTC)

	k1 := GenerateKey("doc", "pat", []string{"m2", "m1"}, at)
	k2 := GenerateKey("doc", "pat", []string{"m1", "m2"}, at.Add(30*time.Second))
	if k1 != k2 {
		t.Error("same minute and medication set should produce the same key")
	}
	if k1 == GenerateKey("doc", "pat", []string{"m1", "m2"}, at.Add(time.Minute)) {
		t.Error("next minute should produce a different key")
	}
	if k1 == GenerateKey("doc", "other", []string{"m1", "m2"}, at) {
		t.Error("different patient should produce a different key")
	}
}

func TestProcessReplaysFinishedResult(t *testing.T) {
	inbox := NewInbox(NewMemoryStore(), DefaultConfig(), nil)
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"id":"rx-1"}`), nil
	}

	first, err := inbox.Process(ctx, "k", "submit", nil, fn)
	if err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	if first.Replayed {
		t.Error("first run should not be a replay")
	}

	second, err := inbox.Process(ctx, "k", "submit", nil, fn)
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if !second.Replayed || string(second.Result) != `{"id":"rx-1"}` {
		t.Errorf("second = %+v, want replay of first result", second)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestProcessReleasesKeyOnFailure(t *testing.T) {
	inbox := NewInbox(NewMemoryStore(), DefaultConfig(), nil)
	ctx := context.Background()
	blocked := errors.New("blocked")

	_, err := inbox.Process(ctx, "k", "submit", nil, func(context.Context) (json.RawMessage, error) {
		return nil, blocked
	})
	if !errors.Is(err, blocked) {
		t.Fatalf("error = %v, want blocked", err)
	}

	res, err := inbox.Process(ctx, "k", "submit", nil, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if res.Replayed {
		t.Error("retry after failure should run the handler")
	}
}

func TestProcessInProgressAndRecovery(t *testing.T) {
	store := NewMemoryStore()
	inbox := NewInbox(store, DefaultConfig(), nil)
	ctx := context.Background()

	if err := store.Start(ctx, "k", "submit", nil, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err := inbox.Process(ctx, "k", "submit", nil, func(context.Context) (json.RawMessage, error) {
		t.Fatal("handler must not run while key is held")
		return nil, nil
	})
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("error = %v, want ErrInProgress", err)
	}

	inbox.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := inbox.RecoverStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverStale() = %d, %v; want 1", n, err)
	}

	if _, err := inbox.Process(ctx, "k", "submit", nil, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	}); err != nil {
		t.Fatalf("Process after recovery error = %v", err)
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	store := NewMemoryStore()
	inbox := NewInbox(store, Config{TTL: time.Minute, RecoveryTimeout: time.Minute}, nil)
	ctx := context.Background()

	if _, err := inbox.Process(ctx, "k", "submit", nil, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	inbox.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err := inbox.Cleanup(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Cleanup() = %d, %v; want 1", n, err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}
