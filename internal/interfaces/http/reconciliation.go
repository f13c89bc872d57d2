package http

import (
	"context"
	"net/http"
	"strconv"

	"cloud.google.com/go/civil"
	"github.com/sirupsen/logrus"

	"famledger/internal/domain/reconciliation"
)

// ReconciliationService is the part of reconciliation.Service the handler drives
type ReconciliationService interface {
	Reconcile(ctx context.Context, familyID string) (*reconciliation.View, error)
	Candidates(ctx context.Context, familyID, manualID string, allowCrossAccount bool) ([]reconciliation.Candidate, error)
	ConfirmMatches(ctx context.Context, familyID string, matchIDs []string) (*reconciliation.ConfirmResult, error)
	LinkManualToCandidate(ctx context.Context, familyID, manualID, candidateID string) (*reconciliation.ConfirmResult, error)
	MoveForward(ctx context.Context, familyID, manualID string) (civil.Date, error)
	DeleteManual(ctx context.Context, familyID, manualID string) error
	Settings(ctx context.Context, familyID string) (reconciliation.Settings, error)
	SaveSettings(ctx context.Context, familyID string, settings reconciliation.Settings) error
}

// ReconciliationHandler serves the reconciliation workflow
type ReconciliationHandler struct {
	service ReconciliationService
	logger  logrus.FieldLogger
}

// NewReconciliationHandler creates a new reconciliation handler
func NewReconciliationHandler(service ReconciliationService, logger logrus.FieldLogger) *ReconciliationHandler {
	return &ReconciliationHandler{service: service, logger: logger}
}

type ConfirmMatchesRequest struct {
	MatchIDs []string `json:"matchIds"`
}

type LinkCandidateRequest struct {
	ManualID    string `json:"manualId"`
	CandidateID string `json:"candidateId"`
}

type MoveForwardRequest struct {
	ManualID string `json:"manualId"`
}

type MoveForwardResponse struct {
	ManualID string     `json:"manualId"`
	PostedAt civil.Date `json:"postedAt"`
}

// HandleReconcile returns the reconciliation view of the family
func (h *ReconciliationHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyID(w, r)
	if !ok {
		return
	}

	view, err := h.service.Reconcile(r.Context(), familyID)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// HandleCandidates ranks import candidates for one unmatched manual
func (h *ReconciliationHandler) HandleCandidates(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyID(w, r)
	if !ok {
		return
	}

	manualID := r.URL.Query().Get("manualId")
	if manualID == "" {
		http.Error(w, "manualId is required", http.StatusBadRequest)
		return
	}

	crossAccount := false
	if raw := r.URL.Query().Get("crossAccount"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "crossAccount must be a boolean", http.StatusBadRequest)
			return
		}
		crossAccount = parsed
	}

	candidates, err := h.service.Candidates(r.Context(), familyID, manualID, crossAccount)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	if candidates == nil {
		candidates = []reconciliation.Candidate{}
	}

	writeJSON(w, http.StatusOK, candidates)
}

// HandleConfirm confirms a selection of exact matches
func (h *ReconciliationHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyID(w, r)
	if !ok {
		return
	}

	var req ConfirmMatchesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.MatchIDs) == 0 {
		http.Error(w, "matchIds is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.ConfirmMatches(r.Context(), familyID, req.MatchIDs)
	if err != nil {
		writeError(w, r, h.logger, err, result)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleLink resolves one unmatched manual against a chosen import, or
// deletes it when no candidate is given
func (h *ReconciliationHandler) HandleLink(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyID(w, r)
	if !ok {
		return
	}

	var req LinkCandidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ManualID == "" {
		http.Error(w, "manualId is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.LinkManualToCandidate(r.Context(), familyID, req.ManualID, req.CandidateID)
	if err != nil {
		writeError(w, r, h.logger, err, result)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleMoveForward shifts a manual past the account cutoff
func (h *ReconciliationHandler) HandleMoveForward(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyID(w, r)
	if !ok {
		return
	}

	var req MoveForwardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ManualID == "" {
		http.Error(w, "manualId is required", http.StatusBadRequest)
		return
	}

	postedAt, err := h.service.MoveForward(r.Context(), familyID, req.ManualID)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	writeJSON(w, http.StatusOK, MoveForwardResponse{ManualID: req.ManualID, PostedAt: postedAt})
}

// HandleDeleteManual deletes a manual transaction the statement already covers
func (h *ReconciliationHandler) HandleDeleteManual(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyID(w, r)
	if !ok {
		return
	}

	manualID := r.PathValue("id")
	if manualID == "" {
		http.Error(w, "Transaction ID is required", http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteManual(r.Context(), familyID, manualID); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleSettings reads (GET) or replaces (PUT) the family's matching settings
func (h *ReconciliationHandler) HandleSettings(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyID(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := h.service.Settings(r.Context(), familyID)
		if err != nil {
			writeError(w, r, h.logger, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, settings)

	case http.MethodPut:
		var settings reconciliation.Settings
		if err := decodeJSON(w, r, &settings); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := h.service.SaveSettings(r.Context(), familyID, settings); err != nil {
			writeError(w, r, h.logger, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, settings)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
