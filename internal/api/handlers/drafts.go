package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/api/middleware"
	"github.com/ocura360/rxguard/internal/domain/interaction"
	"github.com/ocura360/rxguard/internal/domain/prescription"
	"github.com/ocura360/rxguard/pkg/idempotency"
)

// SubmissionObserver records submission results, e.g. for metrics
type SubmissionObserver interface {
	ObserveSubmission(result string, overridden bool)
}

// DraftHandler serves the draft editing session
type DraftHandler struct {
	drafts   *prescription.Drafts
	catalog  Catalog
	inbox    *idempotency.Inbox
	observer SubmissionObserver
	logger   *zap.Logger
	now      func() time.Time
}

// NewDraftHandler creates a new handler. inbox may be nil, in which case
// submissions are not deduplicated.
func NewDraftHandler(drafts *prescription.Drafts, catalog Catalog, inbox *idempotency.Inbox, logger *zap.Logger) *DraftHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DraftHandler{
		drafts:  drafts,
		catalog: catalog,
		inbox:   inbox,
		logger:  logger,
		now:     time.Now,
	}
}

// SetObserver attaches a submission observer
func (h *DraftHandler) SetObserver(o SubmissionObserver) { h.observer = o }

// Routes returns the handler routes
func (h *DraftHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Abandon)
	r.Put("/{id}/medications", h.SetMedications)
	r.Post("/{id}/recheck", h.Recheck)
	r.Post("/{id}/override", h.RequestOverride)
	r.Post("/{id}/override/justify", h.JustifyOverride)
	r.Post("/{id}/override/cancel", h.CancelOverride)
	r.Post("/{id}/acknowledge-unverified", h.AcknowledgeUnverified)
	r.Post("/{id}/submit", h.Submit)
	return r
}

// ItemRequest is one medication line of a draft
type ItemRequest struct {
	MedicationID interaction.MedicationID `json:"medicationId"`
	Dosage       string                   `json:"dosage,omitempty"`
	Frequency    string                   `json:"frequency,omitempty"`
	Duration     string                   `json:"duration,omitempty"`
	Instructions string                   `json:"instructions,omitempty"`
}

// CreateDraftRequest is the body of POST /drafts
type CreateDraftRequest struct {
	DoctorID  string        `json:"doctorId"`
	PatientID string        `json:"patientId"`
	Items     []ItemRequest `json:"items"`
}

// SetMedicationsRequest replaces the medication list of a draft
type SetMedicationsRequest struct {
	Items []ItemRequest `json:"items"`
}

// ReasonRequest carries an override or acknowledgement reason
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// SubmitRequest is the body of POST /drafts/{id}/submit
type SubmitRequest struct {
	OverrideReason string `json:"overrideReason,omitempty"`
}

// GateResponse reports the override gate state
type GateResponse struct {
	GateState interaction.GateState `json:"gateState"`
}

// Create handles POST /drafts
func (h *DraftHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("draft-handler").Start(r.Context(), "create_draft")
	defer span.End()

	var req CreateDraftRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return
	}
	if req.DoctorID == "" || req.PatientID == "" {
		jsonError(w, "doctorId and patientId are required", "invalid_request", http.StatusBadRequest)
		return
	}

	items, err := h.resolveItems(ctx, req.Items)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	d, err := h.drafts.Create(req.DoctorID, req.PatientID, items)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("draft_id", d.ID()))

	if err := h.maybeWait(ctx, r, d); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, d.View())
}

// Get handles GET /drafts/{id}
func (h *DraftHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, ok := h.draft(w, r)
	if !ok {
		return
	}
	if err := h.maybeWait(r.Context(), r, d); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d.View())
}

// Abandon handles DELETE /drafts/{id}
func (h *DraftHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	if err := h.drafts.Abandon(chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetMedications handles PUT /drafts/{id}/medications. Every call issues a
// new check; only the most recently issued one is ever applied.
func (h *DraftHandler) SetMedications(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("draft-handler").Start(r.Context(), "set_medications")
	defer span.End()

	d, ok := h.draft(w, r)
	if !ok {
		return
	}
	var req SetMedicationsRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return
	}

	items, err := h.resolveItems(ctx, req.Items)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	seq, err := d.SetMedications(items)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	span.SetAttributes(attribute.Int64("seq", int64(seq)))

	if err := h.maybeWait(ctx, r, d); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d.View())
}

// Recheck handles POST /drafts/{id}/recheck
func (h *DraftHandler) Recheck(w http.ResponseWriter, r *http.Request) {
	d, ok := h.draft(w, r)
	if !ok {
		return
	}
	if _, err := d.Recheck(); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.maybeWait(r.Context(), r, d); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d.View())
}

// RequestOverride handles POST /drafts/{id}/override
func (h *DraftHandler) RequestOverride(w http.ResponseWriter, r *http.Request) {
	d, ok := h.draft(w, r)
	if !ok {
		return
	}
	state, err := d.RequestOverride()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, GateResponse{GateState: state})
}

// JustifyOverride handles POST /drafts/{id}/override/justify
func (h *DraftHandler) JustifyOverride(w http.ResponseWriter, r *http.Request) {
	d, ok := h.draft(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return
	}
	if err := d.JustifyOverride(req.Reason); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, GateResponse{GateState: d.GateState()})
}

// CancelOverride handles POST /drafts/{id}/override/cancel
func (h *DraftHandler) CancelOverride(w http.ResponseWriter, r *http.Request) {
	d, ok := h.draft(w, r)
	if !ok {
		return
	}
	if err := d.CancelOverride(); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, GateResponse{GateState: d.GateState()})
}

// AcknowledgeUnverified handles POST /drafts/{id}/acknowledge-unverified
func (h *DraftHandler) AcknowledgeUnverified(w http.ResponseWriter, r *http.Request) {
	d, ok := h.draft(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return
	}
	if err := d.AcknowledgeUnverified(req.Reason); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d.View())
}

// Submit handles POST /drafts/{id}/submit. A request repeated with the same
// idempotency key replays the stored response instead of submitting again.
func (h *DraftHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("draft-handler").Start(r.Context(), "submit_draft")
	defer span.End()

	d, ok := h.draft(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return
	}
	overridden := req.OverrideReason != ""

	submit := func(ctx context.Context) (json.RawMessage, error) {
		p, err := d.Submit(ctx, req.OverrideReason)
		if err != nil {
			return nil, err
		}
		return json.Marshal(p)
	}

	var (
		body     json.RawMessage
		replayed bool
		err      error
	)
	if h.inbox == nil {
		body, err = submit(ctx)
	} else {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			key = idempotency.GenerateKey(d.DoctorID(), d.PatientID(), medicationIDs(d.Items()), h.now())
		}
		payload, _ := json.Marshal(struct {
			DraftID string `json:"draftId"`
			SubmitRequest
		}{DraftID: d.ID(), SubmitRequest: req})

		var res *idempotency.ProcessResult
		res, err = h.inbox.Process(ctx, key, "draft_submit", payload, submit)
		if err == nil {
			body, replayed = res.Result, res.Replayed
		}
	}

	if err != nil {
		h.observe(submissionResult(err), overridden)
		span.RecordError(err)
		h.logger.Info("submission rejected",
			zap.String("draft_id", d.ID()),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		writeError(w, h.logger, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
		w.Header().Set("Idempotent-Replayed", "true")
		h.observe("replayed", overridden)
	} else {
		h.observe("submitted", overridden)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *DraftHandler) draft(w http.ResponseWriter, r *http.Request) (*prescription.Draft, bool) {
	d, err := h.drafts.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return nil, false
	}
	return d, true
}

// maybeWait blocks until the draft's check settles when the caller asked for
// it with ?wait=true
func (h *DraftHandler) maybeWait(ctx context.Context, r *http.Request, d *prescription.Draft) error {
	if r.URL.Query().Get("wait") != "true" {
		return nil
	}
	return d.Wait(ctx)
}

func (h *DraftHandler) resolveItems(ctx context.Context, reqs []ItemRequest) ([]prescription.Item, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	ids := make([]interaction.MedicationID, len(reqs))
	for i, it := range reqs {
		ids[i] = it.MedicationID
	}
	meds, err := h.catalog.GetMedications(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]prescription.Item, len(reqs))
	for i, it := range reqs {
		items[i] = prescription.Item{
			Medication:   meds[i],
			Dosage:       it.Dosage,
			Frequency:    it.Frequency,
			Duration:     it.Duration,
			Instructions: it.Instructions,
		}
	}
	return items, nil
}

func (h *DraftHandler) observe(result string, overridden bool) {
	if h.observer != nil {
		h.observer.ObserveSubmission(result, overridden)
	}
}

func submissionResult(err error) string {
	var verr *interaction.ValidationError
	switch {
	case errors.As(err, &verr):
		return string(verr.Code)
	case errors.Is(err, idempotency.ErrInProgress):
		return "in_progress"
	default:
		return "failed"
	}
}

func medicationIDs(items []prescription.Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = string(it.Medication.ID)
	}
	return ids
}
