package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/infrastructure/postgres"
	"github.com/ocura360/rxguard/internal/infrastructure/redpanda"
)

// ErrConcurrentModification is returned when another writer appended to the
// same stream first
var ErrConcurrentModification = errors.New("prescription was modified concurrently")

// Repository provides event sourcing persistence. Every event is written to
// the outbox in the same transaction; override and unverified-submission
// events also go to the audit trail.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Save persists new events for an aggregate
func (r *Repository) Save(ctx context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, event := range changes {
		event.Version = agg.Version() - len(changes) + i + 1
		if err := r.insertEvent(ctx, tx, event); err != nil {
			return err
		}
		for _, entry := range outboxEntries(event) {
			if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("prescription events saved",
		zap.String("prescription_id", agg.ID()),
		zap.Int("event_count", len(changes)),
		zap.Int("version", agg.Version()))
	agg.ClearChanges()
	return nil
}

func outboxEntries(event *Event) []*postgres.OutboxEntry {
	payload, _ := json.Marshal(event)
	entries := []*postgres.OutboxEntry{{
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     string(event.EventType),
		Payload:       payload,
		KafkaTopic:    redpanda.TopicPrescriptionEvents,
		KafkaKey:      event.AggregateID,
	}}
	if event.EventType.Audited() {
		entries = append(entries, &postgres.OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    redpanda.TopicAuditTrail,
			KafkaKey:      event.DoctorID,
		})
	}
	return entries
}

func (r *Repository) insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO prescription_events
		(id, aggregate_id, event_type, event_data, version, timestamp, doctor_id, patient_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.EventType,
		event.EventData,
		event.Version,
		event.Timestamp,
		event.DoctorID,
		event.PatientID,
		event.CorrelationID,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConcurrentModification
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Load retrieves an aggregate by ID
func (r *Repository) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	agg := NewAggregate(id)
	agg.LoadFromHistory(events)
	return agg, nil
}

// GetEvents retrieves all events for an aggregate
func (r *Repository) GetEvents(ctx context.Context, aggregateID string) ([]*Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp,
		       doctor_id, patient_id, correlation_id
		FROM prescription_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`

	rows, err := r.pool.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: "Prescription"}
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.DoctorID, &e.PatientID, &e.CorrelationID,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetEventsByType retrieves the most recent events of one type, e.g. all
// recorded overrides for review
func (r *Repository) GetEventsByType(ctx context.Context, eventType EventType, limit int) ([]*Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp, doctor_id
		FROM prescription_events
		WHERE event_type = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, eventType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: "Prescription"}
		err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version, &e.Timestamp, &e.DoctorID)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
