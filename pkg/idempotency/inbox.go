// Package idempotency makes prescription submission safe to retry. Each
// submission is recorded in an inbox under an idempotency key; a repeat of a
// finished submission returns the stored result instead of running again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
)

// Entry is an inbox record
type Entry struct {
	Key         string
	HandlerName string
	Status      Status
	Payload     json.RawMessage
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time
}

var (
	// ErrNotFound is returned by Store.Get for unknown keys
	ErrNotFound = errors.New("inbox entry not found")
	// ErrDuplicate is returned by Store.Start when the key is already claimed
	ErrDuplicate = errors.New("idempotency key already claimed")
	// ErrInProgress means another request holds the key
	ErrInProgress = errors.New("request with this idempotency key is in progress")
)

// Store persists inbox entries
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Start claims key, or reclaims it when RECOVERABLE
	Start(ctx context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) error
	Finish(ctx context.Context, key string, result json.RawMessage) error
	// Release marks key RECOVERABLE so the request may be retried
	Release(ctx context.Context, key, errMsg string) error
	// MarkRecoverable releases STARTED entries not touched since before
	MarkRecoverable(ctx context.Context, before time.Time) (int64, error)
	// DeleteExpired removes entries that expired before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long a finished result is replayed
	TTL time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		RecoveryTimeout: 2 * time.Minute,
	}
}

// Inbox runs handlers at most once per key
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewInbox creates a new inbox
func NewInbox(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	// Replayed is true when the result came from an earlier run
	Replayed bool
	Result   json.RawMessage
}

// ProcessFunc is the handler run under an idempotency key
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Process runs fn unless key already finished, in which case the stored
// result is returned. A failed fn releases the key so a corrected request
// with the same key can run.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("replayed", true))
			return &ProcessResult{Replayed: true, Result: entry.Result}, nil
		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.store.Release(ctx, key, "abandoned"); err != nil {
				return nil, fmt.Errorf("failed to release stale entry: %w", err)
			}
			i.logger.Warn("reclaiming abandoned idempotency key", zap.String("handler", handlerName))
		}
	}

	if err := i.store.Start(ctx, key, handlerName, payload, i.now().Add(i.config.TTL)); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, ErrInProgress
		}
		return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		span.RecordError(handlerErr)
		if err := i.store.Release(context.WithoutCancel(ctx), key, handlerErr.Error()); err != nil {
			i.logger.Error("failed to release idempotency key", zap.Error(err))
		}
		return nil, handlerErr
	}

	if err := i.store.Finish(context.WithoutCancel(ctx), key, result); err != nil {
		i.logger.Error("failed to record finished request", zap.Error(err))
	}
	return &ProcessResult{Result: result}, nil
}

// RecoverStale releases STARTED entries older than the recovery timeout
func (i *Inbox) RecoverStale(ctx context.Context) (int64, error) {
	n, err := i.store.MarkRecoverable(ctx, i.now().Add(-i.config.RecoveryTimeout))
	if err != nil {
		return 0, fmt.Errorf("recover stale entries: %w", err)
	}
	if n > 0 {
		i.logger.Info("released stale idempotency keys", zap.Int64("count", n))
	}
	return n, nil
}

// Cleanup removes expired entries
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	n, err := i.store.DeleteExpired(ctx, i.now())
	if err != nil {
		return 0, fmt.Errorf("cleanup inbox: %w", err)
	}
	return n, nil
}

// GenerateKey derives a deterministic key for a submission. Medication order
// does not matter and the timestamp is truncated to the minute, so a
// double-clicked submit maps to one key.
func GenerateKey(doctorID, patientID string, medicationIDs []string, at time.Time) string {
	meds := append([]string(nil), medicationIDs...)
	sort.Strings(meds)

	parts := []string{
		doctorID,
		patientID,
		strings.Join(meds, ","),
		at.UTC().Truncate(time.Minute).Format(time.RFC3339),
	}
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
