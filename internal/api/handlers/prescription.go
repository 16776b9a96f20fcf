package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/api/middleware"
	"github.com/ocura360/rxguard/internal/domain/prescription"
	fhir "github.com/ocura360/rxguard/internal/fhir/r5"
)

// PrescriptionService reads and cancels persisted prescriptions
type PrescriptionService interface {
	Load(ctx context.Context, id string) (*prescription.Prescription, error)
	Cancel(ctx context.Context, id, reason string) (*prescription.Prescription, error)
	History(ctx context.Context, id string) ([]*prescription.Event, error)
}

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	service PrescriptionService
	drafts  *prescription.Drafts
	logger  *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(service PrescriptionService, drafts *prescription.Drafts, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		service: service,
		drafts:  drafts,
		logger:  logger,
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)
	r.Get("/{id}/fhir", h.GetFHIR)
	r.Get("/{id}/events", h.GetEvents)
	r.Post("/{id}/edit", h.Edit)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// CancelRequest is the body of POST /prescriptions/{id}/cancel
type CancelRequest struct {
	Reason string `json:"reason"`
}

// EventsResponse lists the event stream of a prescription
type EventsResponse struct {
	PrescriptionID string                `json:"prescriptionId"`
	Events         []*prescription.Event `json:"events"`
	Count          int                   `json:"count"`
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetFHIR handles GET /prescriptions/{id}/fhir
func (h *PrescriptionHandler) GetFHIR(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("prescription-handler").Start(r.Context(), "render_fhir_bundle")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("prescription_id", id))

	p, err := h.service.Load(ctx, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	bundle := fhir.BuildBundle(p)

	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(bundle)
}

// GetEvents handles GET /prescriptions/{id}/events
func (h *PrescriptionHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.service.History(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, EventsResponse{
		PrescriptionID: id,
		Events:         events,
		Count:          len(events),
	})
}

// Edit handles POST /prescriptions/{id}/edit. It opens a draft loaded with
// the prescription's medications and starts a check.
func (h *PrescriptionHandler) Edit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := h.drafts.Open(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		if err := d.Wait(ctx); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, d.View())
}

// Cancel handles POST /prescriptions/{id}/cancel
func (h *PrescriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CancelRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		jsonError(w, "reason is required", "invalid_request", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	p, err := h.service.Cancel(ctx, id, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("prescription cancelled",
		zap.String("id", id),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)))
	writeJSON(w, http.StatusOK, p)
}
