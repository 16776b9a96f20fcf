package prescription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrDraftNotFound is returned for unknown or expired draft IDs
var ErrDraftNotFound = errors.New("draft not found")

// ErrNotEditable is returned when opening a cancelled prescription for edit
var ErrNotEditable = errors.New("prescription cannot be edited")

// Loader loads persisted prescriptions for editing
type Loader interface {
	Load(ctx context.Context, id string) (*Prescription, error)
}

// Drafts holds the open editing sessions of this process
type Drafts struct {
	mu     sync.RWMutex
	drafts map[string]*Draft

	checker   Checker
	submitter Submitter
	loader    Loader
	config    DraftConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewDrafts creates an empty draft registry
func NewDrafts(checker Checker, submitter Submitter, loader Loader, cfg DraftConfig, logger *zap.Logger) *Drafts {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drafts{
		drafts:    make(map[string]*Draft),
		checker:   checker,
		submitter: submitter,
		loader:    loader,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Create opens a new draft, checking items if any are given
func (r *Drafts) Create(doctorID, patientID string, items []Item) (*Draft, error) {
	d := NewDraft(doctorID, patientID, r.checker, r.submitter, r.config, r.logger)
	if len(items) > 0 {
		if _, err := d.SetMedications(items); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.drafts[d.ID()] = d
	r.mu.Unlock()

	r.logger.Info("draft created",
		zap.String("draft_id", d.ID()),
		zap.String("doctor_id", doctorID),
		zap.Int("medication_count", len(items)))
	return d, nil
}

// Open loads an existing prescription into a new draft for editing. Loading
// counts as a medication-list change and triggers a check.
func (r *Drafts) Open(ctx context.Context, prescriptionID string) (*Draft, error) {
	if r.loader == nil {
		return nil, fmt.Errorf("open prescription %s: no loader configured", prescriptionID)
	}
	p, err := r.loader.Load(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusCancelled {
		return nil, ErrNotEditable
	}

	d := NewDraft(p.DoctorID, p.PatientID, r.checker, r.submitter, r.config, r.logger)
	d.prescriptionID = p.ID
	if _, err := d.SetMedications(p.Items); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.drafts[d.ID()] = d
	r.mu.Unlock()

	r.logger.Info("prescription opened for edit",
		zap.String("draft_id", d.ID()),
		zap.String("prescription_id", p.ID),
		zap.Int("version", p.Version))
	return d, nil
}

// Get returns an open draft
func (r *Drafts) Get(id string) (*Draft, error) {
	r.mu.RLock()
	d, ok := r.drafts[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrDraftNotFound
	}
	return d, nil
}

// Abandon closes and forgets a draft
func (r *Drafts) Abandon(id string) error {
	r.mu.Lock()
	d, ok := r.drafts[id]
	delete(r.drafts, id)
	r.mu.Unlock()
	if !ok {
		return ErrDraftNotFound
	}
	d.Abandon()
	return nil
}

// Len returns the number of tracked drafts
func (r *Drafts) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drafts)
}

// Sweep abandons drafts idle for longer than maxIdle and forgets closed ones.
// It returns the number of drafts removed.
func (r *Drafts) Sweep(maxIdle time.Duration) int {
	cutoff := r.now().UTC().Add(-maxIdle)

	// draft locks are never taken while holding r.mu
	r.mu.RLock()
	snapshot := make(map[string]*Draft, len(r.drafts))
	for id, d := range r.drafts {
		snapshot[id] = d
	}
	r.mu.RUnlock()

	stale := make(map[string]*Draft)
	for id, d := range snapshot {
		if d.Closed() || d.UpdatedAt().Before(cutoff) {
			stale[id] = d
		}
	}

	var expired []*Draft
	r.mu.Lock()
	for id, d := range stale {
		if r.drafts[id] == d {
			expired = append(expired, d)
			delete(r.drafts, id)
		}
	}
	r.mu.Unlock()

	for _, d := range expired {
		d.Abandon()
	}
	if len(expired) > 0 {
		r.logger.Info("expired drafts swept", zap.Int("count", len(expired)))
	}
	return len(expired)
}
