// Package handlers provides HTTP handlers for the interaction API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/domain/interaction"
	"github.com/ocura360/rxguard/internal/domain/prescription"
	"github.com/ocura360/rxguard/internal/infrastructure/postgres"
	"github.com/ocura360/rxguard/pkg/idempotency"
)

// Catalog resolves medication and composition IDs
type Catalog interface {
	GetMedications(ctx context.Context, ids []interaction.MedicationID) ([]interaction.Medication, error)
	GetCompositions(ctx context.Context, ids []interaction.CompositionID) ([]interaction.Composition, error)
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps domain errors to a status and a stable code. Anything
// unrecognised is logged and reported as an internal error.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var verr *interaction.ValidationError
	switch {
	case errors.As(err, &verr):
		jsonError(w, verr.Message, string(verr.Code), validationStatus(verr.Code))
	case errors.Is(err, interaction.ErrInteractionCheckFailed):
		jsonError(w, interaction.ErrInteractionCheckFailed.Error(), "check_failed", http.StatusServiceUnavailable)
	case errors.Is(err, prescription.ErrDraftNotFound):
		jsonError(w, err.Error(), "draft_not_found", http.StatusNotFound)
	case errors.Is(err, prescription.ErrNotFound):
		jsonError(w, err.Error(), "prescription_not_found", http.StatusNotFound)
	case errors.Is(err, postgres.ErrMedicationNotFound):
		jsonError(w, err.Error(), "medication_not_found", http.StatusNotFound)
	case errors.Is(err, postgres.ErrCompositionNotFound):
		jsonError(w, err.Error(), "composition_not_found", http.StatusNotFound)
	case errors.Is(err, interaction.ErrRuleExists):
		jsonError(w, err.Error(), "rule_exists", http.StatusConflict)
	case errors.Is(err, interaction.ErrSelfPair), errors.Is(err, interaction.ErrEmptyComposition):
		jsonError(w, err.Error(), "invalid_rule", http.StatusUnprocessableEntity)
	case errors.Is(err, prescription.ErrDraftClosed):
		jsonError(w, err.Error(), "draft_closed", http.StatusConflict)
	case errors.Is(err, prescription.ErrNotEditable), errors.Is(err, prescription.ErrNotCancellable),
		errors.Is(err, prescription.ErrAlreadySubmitted):
		jsonError(w, err.Error(), "invalid_status", http.StatusConflict)
	case errors.Is(err, prescription.ErrConcurrentModification):
		jsonError(w, err.Error(), "concurrent_modification", http.StatusConflict)
	case errors.Is(err, interaction.ErrInvalidTransition):
		jsonError(w, err.Error(), "invalid_transition", http.StatusConflict)
	case errors.Is(err, prescription.ErrNothingToAcknowledge):
		jsonError(w, err.Error(), "nothing_to_acknowledge", http.StatusConflict)
	case errors.Is(err, prescription.ErrUnverifiedNotAllowed):
		jsonError(w, err.Error(), "unverified_not_allowed", http.StatusForbidden)
	case errors.Is(err, idempotency.ErrInProgress):
		jsonError(w, "a submission with this idempotency key is in progress", "in_progress", http.StatusConflict)
	case errors.Is(err, context.DeadlineExceeded):
		jsonError(w, "request timed out", "timeout", http.StatusGatewayTimeout)
	default:
		logger.Error("request failed", zap.Error(err))
		jsonError(w, "internal server error", "internal", http.StatusInternalServerError)
	}
}

func validationStatus(code interaction.ValidationCode) int {
	switch code {
	case interaction.CodeSubmissionBlocked, interaction.CodeCheckPending:
		return http.StatusConflict
	case interaction.CodeCheckFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

// pagination reads page and limit query parameters
func pagination(r *http.Request, defaultLimit, maxLimit int) (page, limit int) {
	page, limit = 1, defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return page, limit
}
