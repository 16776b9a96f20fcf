// Package prescription implements the prescription aggregate, its domain
// events and the draft editing session that gates submission on interaction
// checks.
package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ocura360/rxguard/internal/domain/interaction"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionSubmitted            EventType = "PrescriptionSubmitted"
	EventPrescriptionAmended              EventType = "PrescriptionAmended"
	EventInteractionOverrideRecorded      EventType = "InteractionOverrideRecorded"
	EventUnverifiedSubmissionAcknowledged EventType = "UnverifiedSubmissionAcknowledged"
	EventPrescriptionCancelled            EventType = "PrescriptionCancelled"
)

// Audited reports whether events of this type also go to the audit trail
func (t EventType) Audited() bool {
	return t == EventInteractionOverrideRecorded || t == EventUnverifiedSubmissionAcknowledged
}

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	DoctorID      string          `json:"doctor_id,omitempty"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: "Prescription",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(doctorID, patientID, correlationID string) *Event {
	e.DoctorID = doctorID
	e.PatientID = patientID
	e.CorrelationID = correlationID
	return e
}

// Item is one prescribed medication with its directions
type Item struct {
	Medication   interaction.Medication `json:"medication"`
	Dosage       string                 `json:"dosage,omitempty"`
	Frequency    string                 `json:"frequency,omitempty"`
	Duration     string                 `json:"duration,omitempty"`
	Instructions string                 `json:"instructions,omitempty"`
}

// PrescriptionSubmittedData is recorded when a draft is first submitted
type PrescriptionSubmittedData struct {
	PrescriptionID string                `json:"prescription_id"`
	DraftID        string                `json:"draft_id"`
	DoctorID       string                `json:"doctor_id"`
	PatientID      string                `json:"patient_id"`
	Items          []Item                `json:"items"`
	Warnings       []interaction.Warning `json:"warnings"`
	SubmittedAt    time.Time             `json:"submitted_at"`
}

// PrescriptionAmendedData is recorded when an edited draft replaces the items
type PrescriptionAmendedData struct {
	PrescriptionID string                `json:"prescription_id"`
	DraftID        string                `json:"draft_id"`
	Items          []Item                `json:"items"`
	Warnings       []interaction.Warning `json:"warnings"`
	AmendedAt      time.Time             `json:"amended_at"`
}

// InteractionOverrideRecordedData captures the clinician's justification
type InteractionOverrideRecordedData struct {
	PrescriptionID string                `json:"prescription_id"`
	DoctorID       string                `json:"doctor_id"`
	Reason         string                `json:"reason"`
	Warnings       []interaction.Warning `json:"warnings"`
	AcceptedAt     time.Time             `json:"accepted_at"`
}

// UnverifiedSubmissionAcknowledgedData records a submission made while the
// interaction check could not complete
type UnverifiedSubmissionAcknowledgedData struct {
	PrescriptionID string    `json:"prescription_id"`
	DoctorID       string    `json:"doctor_id"`
	Reason         string    `json:"reason"`
	CheckError     string    `json:"check_error"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

// PrescriptionCancelledData contains cancellation details
type PrescriptionCancelledData struct {
	PrescriptionID string    `json:"prescription_id"`
	Reason         string    `json:"reason,omitempty"`
	CancelledAt    time.Time `json:"cancelled_at"`
}
