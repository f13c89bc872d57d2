package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"famledger/internal/domain/account"
	"famledger/internal/domain/reconciliation"
	"famledger/internal/shared/middleware"
)

// errorResponse is the body of every failed request. Result carries the
// partial outcome of a confirmation batch that stopped part way.
type errorResponse struct {
	Error  string                        `json:"error"`
	Op     string                        `json:"op,omitempty"`
	IDs    []string                      `json:"transactionIds,omitempty"`
	Result *reconciliation.ConfirmResult `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var linkErr *reconciliation.LinkError
	switch {
	case errors.As(err, &linkErr):
		if errors.Is(err, reconciliation.ErrPartnerNotFound) || errors.Is(err, reconciliation.ErrTransactionNotFound) {
			return http.StatusConflict
		}
		return http.StatusInternalServerError
	case errors.Is(err, reconciliation.ErrTransactionNotFound),
		errors.Is(err, reconciliation.ErrPartnerNotFound),
		errors.Is(err, reconciliation.ErrMatchNotFound),
		errors.Is(err, account.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, reconciliation.ErrForbidden),
		errors.Is(err, account.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, reconciliation.ErrNotManual),
		errors.Is(err, reconciliation.ErrNotImported),
		errors.Is(err, reconciliation.ErrSelfLink),
		errors.Is(err, reconciliation.ErrInvalidSettings),
		errors.Is(err, reconciliation.ErrNoCutoff),
		errors.Is(err, account.ErrInvalidInput),
		errors.Is(err, account.ErrNotReconcilable):
		return http.StatusBadRequest
	case errors.Is(err, reconciliation.ErrBatchInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err verbatim with its mapped status. Server errors are
// also logged.
func writeError(w http.ResponseWriter, r *http.Request, logger logrus.FieldLogger, err error, partial *reconciliation.ConfirmResult) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error(), Result: partial}

	var linkErr *reconciliation.LinkError
	if errors.As(err, &linkErr) {
		body.Op = linkErr.Op
		body.IDs = linkErr.TransactionIDs
	}

	if status >= http.StatusInternalServerError || linkErr != nil {
		entry := logger.WithError(err).WithField("path", r.URL.Path)
		if familyID, ok := middleware.FamilyID(r.Context()); ok {
			entry = entry.WithField("family_id", familyID)
		}
		entry.Error("Request failed")
	}

	writeJSON(w, status, body)
}

// familyID extracts the authenticated family or writes 401.
func familyID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.FamilyID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return id, true
}
