package prescription

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventStore persists aggregates as event streams
type EventStore interface {
	Save(ctx context.Context, agg *Aggregate) error
	Load(ctx context.Context, id string) (*Aggregate, error)
	GetEvents(ctx context.Context, aggregateID string) ([]*Event, error)
}

// Service applies submissions to prescription aggregates
type Service struct {
	store  EventStore
	logger *zap.Logger
	tracer trace.Tracer
}

// NewService creates a new prescription service
func NewService(store EventStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("prescription-service"),
	}
}

// Submit creates a prescription, or amends the one the draft was opened from
func (s *Service) Submit(ctx context.Context, sub *Submission) (*Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "submit_prescription",
		trace.WithAttributes(
			attribute.String("draft_id", sub.DraftID),
			attribute.Int("item_count", len(sub.Items)),
			attribute.Bool("override", sub.Override != nil),
		))
	defer span.End()

	var agg *Aggregate
	if sub.PrescriptionID == "" {
		agg = NewAggregate(uuid.New().String())
		if err := agg.Submit(sub); err != nil {
			return nil, err
		}
	} else {
		var err error
		agg, err = s.store.Load(ctx, sub.PrescriptionID)
		if err != nil {
			return nil, fmt.Errorf("load prescription: %w", err)
		}
		if err := agg.Amend(sub); err != nil {
			return nil, err
		}
	}

	events := len(agg.Changes())
	if err := s.store.Save(ctx, agg); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("save prescription: %w", err)
	}

	s.logger.Info("prescription persisted",
		zap.String("prescription_id", agg.ID()),
		zap.String("status", string(agg.Status())),
		zap.Int("version", agg.Version()),
		zap.Int("event_count", events))
	return agg.Snapshot(), nil
}

// Load returns the current state of a prescription
func (s *Service) Load(ctx context.Context, id string) (*Prescription, error) {
	agg, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return agg.Snapshot(), nil
}

// Cancel cancels a prescription
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Prescription, error) {
	agg, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := agg.Cancel(reason); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, agg); err != nil {
		return nil, fmt.Errorf("save prescription: %w", err)
	}
	s.logger.Info("prescription cancelled", zap.String("prescription_id", id))
	return agg.Snapshot(), nil
}

// History returns the event stream of a prescription
func (s *Service) History(ctx context.Context, id string) ([]*Event, error) {
	events, err := s.store.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events, nil
}

// MemoryStore is an in-process EventStore
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]*Event
}

// NewMemoryStore creates an empty in-memory event store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]*Event)}
}

// Save appends uncommitted events
func (m *MemoryStore) Save(ctx context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	base := agg.Version() - len(changes)
	if len(m.events[agg.ID()]) != base {
		return ErrConcurrentModification
	}
	for i, event := range changes {
		event.Version = base + i + 1
		m.events[agg.ID()] = append(m.events[agg.ID()], event)
	}
	agg.ClearChanges()
	return nil
}

// Load rebuilds an aggregate from its events
func (m *MemoryStore) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, _ := m.GetEvents(ctx, id)
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	agg := NewAggregate(id)
	agg.LoadFromHistory(events)
	return agg, nil
}

// GetEvents returns a copy of an aggregate's events
func (m *MemoryStore) GetEvents(ctx context.Context, aggregateID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Event(nil), m.events[aggregateID]...), nil
}

// GetEventsByType returns the most recent events of one type, newest first
func (m *MemoryStore) GetEventsByType(ctx context.Context, eventType EventType, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, events := range m.events {
		for _, e := range events {
			if e.EventType == eventType {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
