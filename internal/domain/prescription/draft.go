package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/domain/interaction"
)

// Checker runs an interaction check for a medication list
type Checker interface {
	Check(ctx context.Context, meds []interaction.Medication) (*interaction.Report, error)
}

// Submitter persists a validated submission
type Submitter interface {
	Submit(ctx context.Context, s *Submission) (*Prescription, error)
}

var (
	// ErrDraftClosed is returned for any mutation of a submitted or abandoned draft
	ErrDraftClosed = errors.New("draft is no longer editable")
	// ErrUnverifiedNotAllowed is returned when policy forbids submitting
	// without a completed interaction check
	ErrUnverifiedNotAllowed = errors.New("submitting without a completed interaction check is disabled")
	// ErrNothingToAcknowledge is returned when the last check did not fail
	ErrNothingToAcknowledge = errors.New("interaction check has not failed")
)

// DraftConfig holds per-draft settings
type DraftConfig struct {
	Policy interaction.Policy
	// CheckTimeout bounds a single rule-store lookup
	CheckTimeout time.Duration
}

// DefaultDraftConfig returns sensible defaults
func DefaultDraftConfig() DraftConfig {
	return DraftConfig{
		Policy:       interaction.DefaultPolicy(),
		CheckTimeout: 5 * time.Second,
	}
}

// WarningView is the warning set currently displayed for a draft
type WarningView struct {
	Seq        uint64                `json:"seq"`
	Outcome    interaction.Outcome   `json:"outcome,omitempty"`
	Groups     interaction.Groups    `json:"warnings"`
	Loading    bool                  `json:"loading"`
	Stale      bool                  `json:"stale"`
	Unverified bool                  `json:"unverified"`
	CheckError string                `json:"checkError,omitempty"`
	Gate       interaction.GateState `json:"gateState"`
	CheckedAt  *time.Time            `json:"checkedAt,omitempty"`
}

// DraftView is a point-in-time copy of a draft
type DraftView struct {
	ID             string           `json:"id"`
	DoctorID       string           `json:"doctorId"`
	PatientID      string           `json:"patientId"`
	PrescriptionID string           `json:"prescriptionId,omitempty"`
	Items          []Item           `json:"items"`
	Interactions   WarningView      `json:"interactions"`
	CanSubmit      bool             `json:"canSubmit"`
	Acknowledged   *Acknowledgement `json:"acknowledged,omitempty"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Draft is one clinician's prescription editing session. Every change to the
// medication list issues a new numbered check; only the result of the most
// recently issued check is ever applied, and superseded checks are cancelled.
type Draft struct {
	mu sync.Mutex

	id             string
	doctorID       string
	patientID      string
	prescriptionID string
	items          []Item

	checker   Checker
	submitter Submitter
	config    DraftConfig
	logger    *zap.Logger
	now       func() time.Time

	base       context.Context
	stop       context.CancelFunc
	gate       *interaction.Gate
	seq        uint64
	appliedSeq uint64
	cancel     context.CancelFunc
	idle       chan struct{}
	loading    bool
	report     *interaction.Report
	checkErr   error
	ack        *Acknowledgement
	updatedAt  time.Time
}

// NewDraft creates an empty draft
func NewDraft(doctorID, patientID string, checker Checker, submitter Submitter, cfg DraftConfig, logger *zap.Logger) *Draft {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultDraftConfig().CheckTimeout
	}

	idle := make(chan struct{})
	close(idle)
	base, stop := context.WithCancel(context.Background())

	d := &Draft{
		id:        uuid.New().String(),
		doctorID:  doctorID,
		patientID: patientID,
		checker:   checker,
		submitter: submitter,
		config:    cfg,
		now:       time.Now,
		base:      base,
		stop:      stop,
		gate:      interaction.NewGate(cfg.Policy, nil),
		idle:      idle,
	}
	d.logger = logger.With(zap.String("draft_id", d.id))
	d.updatedAt = d.now().UTC()
	return d
}

// ID returns the draft ID
func (d *Draft) ID() string { return d.id }

// DoctorID returns the prescribing doctor
func (d *Draft) DoctorID() string { return d.doctorID }

// PatientID returns the patient
func (d *Draft) PatientID() string { return d.patientID }

// PrescriptionID returns the prescription being edited, or the one created
// by a successful submission
func (d *Draft) PrescriptionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prescriptionID
}

// Items returns a copy of the current medication list
func (d *Draft) Items() []Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Item(nil), d.items...)
}

// UpdatedAt returns the time of the last mutation
func (d *Draft) UpdatedAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updatedAt
}

// GateState returns the override gate state
func (d *Draft) GateState() interaction.GateState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gate.State()
}

// SetMedications replaces the medication list and issues a new interaction
// check. Any accepted override is discarded. The returned sequence number
// identifies the issued check.
func (d *Draft) SetMedications(items []Item) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gate.State().Terminal() {
		return d.seq, ErrDraftClosed
	}
	d.items = append([]Item(nil), items...)
	return d.issueLocked(), nil
}

// Recheck re-issues the interaction check for the unchanged list, e.g. after
// a failed lookup
func (d *Draft) Recheck() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gate.State().Terminal() {
		return d.seq, ErrDraftClosed
	}
	return d.issueLocked(), nil
}

func (d *Draft) issueLocked() uint64 {
	d.seq++
	seq := d.seq

	if d.cancel != nil {
		d.cancel()
	}
	ctx, cancel := context.WithTimeout(d.base, d.config.CheckTimeout)
	d.cancel = cancel

	if !d.loading {
		d.idle = make(chan struct{})
		d.loading = true
	}
	d.checkErr = nil
	d.ack = nil
	d.gate.Reevaluate(d.warningsLocked())
	d.updatedAt = d.now().UTC()

	meds := make([]interaction.Medication, 0, len(d.items))
	for _, it := range d.items {
		meds = append(meds, it.Medication)
	}

	d.logger.Debug("interaction check issued",
		zap.Uint64("seq", seq),
		zap.Int("medication_count", len(meds)))

	go d.runCheck(ctx, cancel, seq, meds)
	return seq
}

func (d *Draft) runCheck(ctx context.Context, cancel context.CancelFunc, seq uint64, meds []interaction.Medication) {
	defer cancel()
	report, err := d.checker.Check(ctx, meds)
	d.complete(seq, report, err)
}

func (d *Draft) complete(seq uint64, report *interaction.Report, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if seq != d.seq || !d.loading {
		d.logger.Debug("discarding superseded interaction check",
			zap.Uint64("seq", seq),
			zap.Uint64("latest_seq", d.seq))
		return
	}

	d.loading = false
	d.cancel = nil
	close(d.idle)

	if err != nil {
		d.checkErr = err
		d.logger.Warn("interaction check failed",
			zap.Uint64("seq", seq),
			zap.Error(err))
		return
	}

	d.report = report
	d.appliedSeq = seq
	d.gate.Reevaluate(report.Warnings)
}

func (d *Draft) warningsLocked() []interaction.Warning {
	if d.report == nil {
		return nil
	}
	return d.report.Warnings
}

// Wait blocks until no check is in flight
func (d *Draft) Wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsLoading reports whether a check is in flight
func (d *Draft) IsLoading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loading
}

// Warnings returns the displayed warning set. While a check is loading or
// after one failed, the last known-good set is returned and marked stale.
func (d *Draft) Warnings() WarningView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.warningViewLocked()
}

func (d *Draft) warningViewLocked() WarningView {
	v := WarningView{
		Seq:        d.seq,
		Groups:     interaction.GroupBySeverity(nil),
		Loading:    d.loading,
		Stale:      d.appliedSeq != d.seq,
		Unverified: d.checkErr != nil,
		Gate:       d.gate.State(),
	}
	if d.report != nil {
		v.Outcome = d.report.Outcome
		v.Groups = d.report.Groups
		checkedAt := d.report.CheckedAt
		v.CheckedAt = &checkedAt
	}
	if d.checkErr != nil {
		v.CheckError = interaction.ErrInteractionCheckFailed.Error()
	}
	return v
}

// View returns a copy of the whole draft
func (d *Draft) View() DraftView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DraftView{
		ID:             d.id,
		DoctorID:       d.doctorID,
		PatientID:      d.patientID,
		PrescriptionID: d.prescriptionID,
		Items:          append([]Item(nil), d.items...),
		Interactions:   d.warningViewLocked(),
		CanSubmit:      d.validateLocked("") == nil,
		Acknowledged:   d.ack,
		UpdatedAt:      d.updatedAt,
	}
}

// CanSubmit reports whether Submit(overrideReason) would pass validation
func (d *Draft) CanSubmit(overrideReason string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.validateLocked(overrideReason) == nil
}

func (d *Draft) validateLocked(overrideReason string) error {
	state := d.gate.State()
	switch {
	case state.Terminal():
		return ErrDraftClosed
	case len(d.items) == 0:
		return interaction.ErrNoMedications
	case d.loading:
		return interaction.ErrCheckPending
	case d.checkErr != nil && d.ack == nil:
		return interaction.ErrCheckUnverified
	}

	blank := strings.TrimSpace(overrideReason) == ""
	switch state {
	case interaction.GateBlocked:
		if blank {
			return interaction.ErrSubmissionBlocked
		}
	case interaction.GatePendingJustification:
		if blank {
			return interaction.ErrEmptyOverrideReason
		}
	}
	return nil
}

// RequestOverride opens the justification step for blocking warnings
func (d *Draft) RequestOverride() (interaction.GateState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loading {
		return d.gate.State(), interaction.ErrCheckPending
	}
	d.updatedAt = d.now().UTC()
	return d.gate.RequestOverride()
}

// JustifyOverride accepts the clinician's reason for overriding
func (d *Draft) JustifyOverride(reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loading {
		return interaction.ErrCheckPending
	}
	d.updatedAt = d.now().UTC()
	return d.gate.Justify(reason)
}

// CancelOverride closes the justification step without a reason
func (d *Draft) CancelOverride() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updatedAt = d.now().UTC()
	return d.gate.Cancel()
}

// AcknowledgeUnverified lets the clinician proceed after a failed check,
// when the policy allows it. The acknowledgement is recorded on submission
// and discarded by the next check.
func (d *Draft) AcknowledgeUnverified(reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case !d.config.Policy.AllowUnverifiedSubmit:
		return ErrUnverifiedNotAllowed
	case d.gate.State().Terminal():
		return ErrDraftClosed
	case d.loading:
		return interaction.ErrCheckPending
	case d.checkErr == nil:
		return ErrNothingToAcknowledge
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return interaction.ErrEmptyOverrideReason
	}

	d.ack = &Acknowledgement{
		Reason:         reason,
		CheckError:     d.checkErr.Error(),
		AcknowledgedAt: d.now().UTC(),
	}
	d.updatedAt = d.ack.AcknowledgedAt
	d.logger.Warn("unverified submission acknowledged", zap.String("reason", reason))
	return nil
}

// Submit validates the draft and hands it to the submitter. Validation
// failures are returned as *interaction.ValidationError and never reach the
// submitter.
func (d *Draft) Submit(ctx context.Context, overrideReason string) (*Prescription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.validateLocked(overrideReason); err != nil {
		return nil, err
	}
	override, err := d.gate.Authorize(overrideReason)
	if err != nil {
		return nil, err
	}

	sub := &Submission{
		DraftID:        d.id,
		PrescriptionID: d.prescriptionID,
		DoctorID:       d.doctorID,
		PatientID:      d.patientID,
		Items:          append([]Item(nil), d.items...),
		Warnings:       d.warningsLocked(),
		Override:       override,
		Unverified:     d.ack,
		CorrelationID:  d.id,
	}

	p, err := d.submitter.Submit(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("submit prescription: %w", err)
	}
	if err := d.gate.MarkSubmitted(); err != nil {
		return nil, err
	}
	d.stop()
	d.prescriptionID = p.ID
	d.updatedAt = d.now().UTC()

	fields := []zap.Field{
		zap.String("prescription_id", p.ID),
		zap.Int("medication_count", len(sub.Items)),
		zap.Int("warning_count", len(sub.Warnings)),
	}
	if override != nil {
		fields = append(fields, zap.Bool("override", true))
	}
	d.logger.Info("prescription submitted", fields...)
	return p, nil
}

// Abandon closes the draft and cancels any in-flight check
func (d *Draft) Abandon() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gate.State().Terminal() {
		return
	}
	d.gate.Abandon()
	d.stop()
	if d.loading {
		d.loading = false
		d.cancel = nil
		close(d.idle)
	}
	d.logger.Info("draft abandoned")
}

// Closed reports whether the draft was submitted or abandoned
func (d *Draft) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gate.State().Terminal()
}
