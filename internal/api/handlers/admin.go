package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/api/middleware"
	"github.com/ocura360/rxguard/internal/domain/interaction"
	"github.com/ocura360/rxguard/internal/domain/prescription"
	"github.com/ocura360/rxguard/internal/infrastructure/postgres"
)

// RuleAdmin creates and lists interaction rules
type RuleAdmin interface {
	CreateRule(ctx context.Context, rule interaction.Rule) (*interaction.Rule, error)
	ListRules(ctx context.Context, page, limit int) (*postgres.RulePage, error)
}

// EventLister lists recent events of one type
type EventLister interface {
	GetEventsByType(ctx context.Context, eventType prescription.EventType, limit int) ([]*prescription.Event, error)
}

// AdminHandler serves rule administration and override review
type AdminHandler struct {
	rules  RuleAdmin
	events EventLister
	logger *zap.Logger
}

// NewAdminHandler creates a new handler. events may be nil, which disables
// the override listing.
func NewAdminHandler(rules RuleAdmin, events EventLister, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{rules: rules, events: events, logger: logger}
}

// Routes returns the handler routes
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/ddi", h.CreateRule)
	r.Get("/ddi", h.ListRules)
	if h.events != nil {
		r.Get("/overrides", h.ListOverrides)
	}
	return r
}

// CreateRuleRequest is the body of POST /admin/ddi
type CreateRuleRequest struct {
	CompositionA   interaction.CompositionID `json:"compA"`
	CompositionB   interaction.CompositionID `json:"compB"`
	Severity       string                    `json:"severity"`
	Description    string                    `json:"description"`
	Recommendation string                    `json:"recommendation,omitempty"`
	References     []string                  `json:"references,omitempty"`
}

// OverridesResponse lists recorded interaction overrides
type OverridesResponse struct {
	Overrides []*prescription.Event `json:"overrides"`
	Count     int                   `json:"count"`
}

// CreateRule handles POST /admin/ddi
func (h *AdminHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateRuleRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return
	}
	if req.Description == "" {
		jsonError(w, "description is required", "invalid_request", http.StatusBadRequest)
		return
	}
	severity, err := interaction.ParseSeverity(req.Severity)
	if err != nil {
		jsonError(w, err.Error(), "invalid_severity", http.StatusUnprocessableEntity)
		return
	}

	rule, err := h.rules.CreateRule(ctx, interaction.Rule{
		CompositionA:   interaction.Composition{ID: req.CompositionA},
		CompositionB:   interaction.Composition{ID: req.CompositionB},
		Severity:       severity,
		Description:    req.Description,
		Recommendation: req.Recommendation,
		References:     req.References,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("interaction rule added",
		zap.String("pair", string(rule.CompositionA.ID)+"|"+string(rule.CompositionB.ID)),
		zap.String("severity", rule.Severity.String()),
		zap.String("client_id", middleware.GetClientID(ctx)))
	writeJSON(w, http.StatusCreated, rule)
}

// ListRules handles GET /admin/ddi?page=&limit=
func (h *AdminHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	page, limit := pagination(r, 50, 500)
	result, err := h.rules.ListRules(r.Context(), page, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListOverrides handles GET /admin/overrides?limit=
func (h *AdminHandler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	_, limit := pagination(r, 100, 1000)
	events, err := h.events.GetEventsByType(r.Context(), prescription.EventInteractionOverrideRecorded, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if events == nil {
		events = []*prescription.Event{}
	}
	writeJSON(w, http.StatusOK, OverridesResponse{Overrides: events, Count: len(events)})
}
