package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/api/middleware"
	"github.com/ocura360/rxguard/internal/domain/interaction"
)

// InteractionChecker runs one-off interaction checks
type InteractionChecker interface {
	Check(ctx context.Context, meds []interaction.Medication) (*interaction.Report, error)
	CheckCompositions(ctx context.Context, comps []interaction.Composition) (*interaction.Report, error)
}

// CheckHandler serves stateless interaction checks
type CheckHandler struct {
	checker InteractionChecker
	catalog Catalog
	policy  interaction.Policy
	logger  *zap.Logger
}

// NewCheckHandler creates a new handler
func NewCheckHandler(checker InteractionChecker, catalog Catalog, policy interaction.Policy, logger *zap.Logger) *CheckHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckHandler{
		checker: checker,
		catalog: catalog,
		policy:  policy,
		logger:  logger,
	}
}

// MedicationRoutes returns the /medications routes
func (h *CheckHandler) MedicationRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/check-ddi", h.CheckMedications)
	return r
}

// CompositionRoutes returns the /compositions routes
func (h *CheckHandler) CompositionRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/check-ddi", h.CheckCompositions)
	return r
}

// CheckMedicationsRequest is the body of a medication check
type CheckMedicationsRequest struct {
	MedicationIDs []interaction.MedicationID `json:"medicationIds"`
}

// CheckCompositionsRequest is the body of a composition check
type CheckCompositionsRequest struct {
	CompositionIDs []interaction.CompositionID `json:"compositionIds"`
}

// CheckResponse is a check report plus the gate decision it implies
type CheckResponse struct {
	*interaction.Report
	RequiresOverride bool `json:"requiresOverride"`
}

// CheckMedications handles POST /medications/check-ddi
func (h *CheckHandler) CheckMedications(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("check-handler").Start(r.Context(), "check_medications")
	defer span.End()

	var req CheckMedicationsRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return
	}
	if len(req.MedicationIDs) == 0 {
		jsonError(w, "medicationIds is required", "invalid_request", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("medication_count", len(req.MedicationIDs)))

	meds, err := h.catalog.GetMedications(ctx, req.MedicationIDs)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	report, err := h.checker.Check(ctx, meds)
	if err != nil {
		h.logger.Warn("interaction check failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		writeError(w, h.logger, err)
		return
	}
	h.respond(w, report)
}

// CheckCompositions handles POST /compositions/check-ddi
func (h *CheckHandler) CheckCompositions(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("check-handler").Start(r.Context(), "check_compositions")
	defer span.End()

	var req CheckCompositionsRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return
	}
	if len(req.CompositionIDs) == 0 {
		jsonError(w, "compositionIds is required", "invalid_request", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("composition_count", len(req.CompositionIDs)))

	comps, err := h.catalog.GetCompositions(ctx, req.CompositionIDs)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	report, err := h.checker.CheckCompositions(ctx, comps)
	if err != nil {
		h.logger.Warn("interaction check failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		writeError(w, h.logger, err)
		return
	}
	h.respond(w, report)
}

func (h *CheckHandler) respond(w http.ResponseWriter, report *interaction.Report) {
	writeJSON(w, http.StatusOK, CheckResponse{
		Report:           report,
		RequiresOverride: h.policy.RequiresOverride(report.Warnings),
	})
}
