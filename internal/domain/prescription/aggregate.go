package prescription

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ocura360/rxguard/internal/domain/interaction"
)

// Status represents prescription status
type Status string

// Prescription statuses
const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusAmended   Status = "amended"
	StatusCancelled Status = "cancelled"
)

// ErrNotFound is returned when no events exist for a prescription
var ErrNotFound = errors.New("prescription not found")

// ErrNotCancellable is returned when cancelling a prescription that is not active
var ErrNotCancellable = errors.New("prescription cannot be cancelled")

// ErrAlreadySubmitted is returned when submitting a prescription that has left draft
var ErrAlreadySubmitted = errors.New("prescription already submitted")

// Acknowledgement records that a clinician submitted without a completed
// interaction check
type Acknowledgement struct {
	Reason         string    `json:"reason"`
	CheckError     string    `json:"checkError"`
	AcknowledgedAt time.Time `json:"acknowledgedAt"`
}

// Submission is a validated draft handed to persistence
type Submission struct {
	DraftID        string
	PrescriptionID string
	DoctorID       string
	PatientID      string
	Items          []Item
	Warnings       []interaction.Warning
	Override       *interaction.OverrideRecord
	Unverified     *Acknowledgement
	CorrelationID  string
}

// Prescription is the read model of a persisted prescription
type Prescription struct {
	ID          string                      `json:"id"`
	Version     int                         `json:"version"`
	Status      Status                      `json:"status"`
	DoctorID    string                      `json:"doctorId"`
	PatientID   string                      `json:"patientId"`
	Items       []Item                      `json:"items"`
	Warnings    []interaction.Warning       `json:"warnings"`
	Override    *interaction.OverrideRecord `json:"override,omitempty"`
	Unverified  *Acknowledgement            `json:"unverified,omitempty"`
	Amendments  int                         `json:"amendments"`
	SubmittedAt time.Time                   `json:"submittedAt"`
	UpdatedAt   time.Time                   `json:"updatedAt"`
}

// Aggregate represents the prescription aggregate root
type Aggregate struct {
	id          string
	version     int
	status      Status
	doctorID    string
	patientID   string
	items       []Item
	warnings    []interaction.Warning
	override    *interaction.OverrideRecord
	unverified  *Acknowledgement
	amendments  int
	submittedAt time.Time
	createdAt   time.Time
	updatedAt   time.Time
	changes     []*Event
}

// NewAggregate creates a new prescription aggregate
func NewAggregate(id string) *Aggregate {
	return &Aggregate{
		id:        id,
		status:    StatusDraft,
		createdAt: time.Now().UTC(),
		updatedAt: time.Now().UTC(),
		changes:   make([]*Event, 0),
	}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.id }

// Version returns the current version
func (a *Aggregate) Version() int { return a.version }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.status }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = make([]*Event, 0) }

// Submit records the first submission of a prescription
func (a *Aggregate) Submit(s *Submission) error {
	if a.status != StatusDraft {
		return ErrAlreadySubmitted
	}
	if err := validateSubmission(s); err != nil {
		return err
	}

	now := time.Now().UTC()
	data := &PrescriptionSubmittedData{
		PrescriptionID: a.id,
		DraftID:        s.DraftID,
		DoctorID:       s.DoctorID,
		PatientID:      s.PatientID,
		Items:          s.Items,
		Warnings:       s.Warnings,
		SubmittedAt:    now,
	}
	if err := a.raise(EventPrescriptionSubmitted, data, s); err != nil {
		return err
	}
	return a.recordGateOutcome(s, now)
}

// Amend replaces the items of a submitted prescription with an edited draft
func (a *Aggregate) Amend(s *Submission) error {
	if a.status != StatusSubmitted && a.status != StatusAmended {
		return ErrNotEditable
	}
	if err := validateSubmission(s); err != nil {
		return err
	}

	now := time.Now().UTC()
	data := &PrescriptionAmendedData{
		PrescriptionID: a.id,
		DraftID:        s.DraftID,
		Items:          s.Items,
		Warnings:       s.Warnings,
		AmendedAt:      now,
	}
	if err := a.raise(EventPrescriptionAmended, data, s); err != nil {
		return err
	}
	return a.recordGateOutcome(s, now)
}

// Cancel cancels the prescription
func (a *Aggregate) Cancel(reason string) error {
	if a.status != StatusSubmitted && a.status != StatusAmended {
		return ErrNotCancellable
	}
	data := &PrescriptionCancelledData{
		PrescriptionID: a.id,
		Reason:         reason,
		CancelledAt:    time.Now().UTC(),
	}
	event, err := NewEvent(a.id, EventPrescriptionCancelled, data)
	if err != nil {
		return err
	}
	event.WithAuditInfo(a.doctorID, a.patientID, "")
	a.apply(event)
	a.changes = append(a.changes, event)
	return nil
}

func validateSubmission(s *Submission) error {
	if len(s.Items) == 0 {
		return interaction.ErrNoMedications
	}
	if s.Override != nil && strings.TrimSpace(s.Override.Reason) == "" {
		return interaction.ErrEmptyOverrideReason
	}
	return nil
}

func (a *Aggregate) recordGateOutcome(s *Submission, now time.Time) error {
	if s.Override != nil {
		data := &InteractionOverrideRecordedData{
			PrescriptionID: a.id,
			DoctorID:       s.DoctorID,
			Reason:         s.Override.Reason,
			Warnings:       s.Override.Warnings,
			AcceptedAt:     s.Override.AcceptedAt,
		}
		if data.AcceptedAt.IsZero() {
			data.AcceptedAt = now
		}
		if err := a.raise(EventInteractionOverrideRecorded, data, s); err != nil {
			return err
		}
	}
	if s.Unverified != nil {
		data := &UnverifiedSubmissionAcknowledgedData{
			PrescriptionID: a.id,
			DoctorID:       s.DoctorID,
			Reason:         s.Unverified.Reason,
			CheckError:     s.Unverified.CheckError,
			AcknowledgedAt: s.Unverified.AcknowledgedAt,
		}
		if err := a.raise(EventUnverifiedSubmissionAcknowledged, data, s); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregate) raise(eventType EventType, data interface{}, s *Submission) error {
	event, err := NewEvent(a.id, eventType, data)
	if err != nil {
		return err
	}
	event.WithAuditInfo(s.DoctorID, s.PatientID, s.CorrelationID)
	a.apply(event)
	a.changes = append(a.changes, event)
	return nil
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) {
	a.version++
	a.updatedAt = event.Timestamp

	switch event.EventType {
	case EventPrescriptionSubmitted:
		var data PrescriptionSubmittedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return
		}
		a.status = StatusSubmitted
		a.doctorID = data.DoctorID
		a.patientID = data.PatientID
		a.items = data.Items
		a.warnings = data.Warnings
		a.submittedAt = data.SubmittedAt
		a.override = nil
		a.unverified = nil
	case EventPrescriptionAmended:
		var data PrescriptionAmendedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return
		}
		a.status = StatusAmended
		a.items = data.Items
		a.warnings = data.Warnings
		a.amendments++
		a.override = nil
		a.unverified = nil
	case EventInteractionOverrideRecorded:
		var data InteractionOverrideRecordedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return
		}
		a.override = &interaction.OverrideRecord{
			Reason:     data.Reason,
			AcceptedAt: data.AcceptedAt,
			Warnings:   data.Warnings,
		}
	case EventUnverifiedSubmissionAcknowledged:
		var data UnverifiedSubmissionAcknowledgedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return
		}
		a.unverified = &Acknowledgement{
			Reason:         data.Reason,
			CheckError:     data.CheckError,
			AcknowledgedAt: data.AcknowledgedAt,
		}
	case EventPrescriptionCancelled:
		a.status = StatusCancelled
	}
}

// LoadFromHistory rebuilds state from events
func (a *Aggregate) LoadFromHistory(events []*Event) {
	for _, event := range events {
		a.apply(event)
	}
}

// Snapshot returns the read model of the current state
func (a *Aggregate) Snapshot() *Prescription {
	return &Prescription{
		ID:          a.id,
		Version:     a.version,
		Status:      a.status,
		DoctorID:    a.doctorID,
		PatientID:   a.patientID,
		Items:       a.items,
		Warnings:    a.warnings,
		Override:    a.override,
		Unverified:  a.unverified,
		Amendments:  a.amendments,
		SubmittedAt: a.submittedAt,
		UpdatedAt:   a.updatedAt,
	}
}

// Medications returns the medications of the prescription in item order
func (p *Prescription) Medications() []interaction.Medication {
	meds := make([]interaction.Medication, 0, len(p.Items))
	for _, it := range p.Items {
		meds = append(meds, it.Medication)
	}
	return meds
}
