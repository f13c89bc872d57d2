package http

import (
	"net/http"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"famledger/internal/domain/account"
)

// AccountHandler exposes accounts and their statement cutoffs
type AccountHandler struct {
	accountService *account.Service
	logger         logrus.FieldLogger
}

// NewAccountHandler creates a new account handler with service layer
func NewAccountHandler(accountService *account.Service, logger logrus.FieldLogger) *AccountHandler {
	return &AccountHandler{accountService: accountService, logger: logger}
}

// UpdateReconciliationRequest sets the statement cutoff of an account
type UpdateReconciliationRequest struct {
	IsReconcilable    bool             `json:"isReconcilable"`
	ReconciledUntil   *civil.Date      `json:"reconciledUntil"`
	ReconciledBalance *decimal.Decimal `json:"reconciledBalance"`
}

// AccountResponse is the wire format of an account
type AccountResponse struct {
	AccountID         string           `json:"accountId"`
	Name              string           `json:"name"`
	IsReconcilable    bool             `json:"isReconcilable"`
	ReconciledUntil   *civil.Date      `json:"reconciledUntil"`
	ReconciledBalance *decimal.Decimal `json:"reconciledBalance"`
	OpeningBalance    decimal.Decimal  `json:"openingBalance"`
	CreatedAt         string           `json:"createdAt"`
	UpdatedAt         string           `json:"updatedAt"`
}

// HandleListAccounts returns all accounts of the authenticated family
func (h *AccountHandler) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyID(w, r)
	if !ok {
		return
	}

	accounts, err := h.accountService.ListAccounts(r.Context(), familyID)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	response := make([]AccountResponse, 0, len(accounts))
	for _, acc := range accounts {
		response = append(response, toAccountResponse(acc))
	}

	writeJSON(w, http.StatusOK, response)
}

// HandleGetAccount returns one account of the family
func (h *AccountHandler) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyID(w, r)
	if !ok {
		return
	}

	accountID := r.PathValue("id")
	if accountID == "" {
		http.Error(w, "Account ID is required", http.StatusBadRequest)
		return
	}

	acc, err := h.accountService.GetAccount(r.Context(), accountID, familyID)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(acc))
}

// HandleUpdateReconciliation stores a new statement cutoff and bank balance
func (h *AccountHandler) HandleUpdateReconciliation(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyID(w, r)
	if !ok {
		return
	}

	accountID := r.PathValue("id")
	if accountID == "" {
		http.Error(w, "Account ID is required", http.StatusBadRequest)
		return
	}

	var req UpdateReconciliationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	acc, err := h.accountService.SetReconciliation(r.Context(), accountID, familyID, account.ReconciliationParams{
		IsReconcilable:    req.IsReconcilable,
		ReconciledUntil:   req.ReconciledUntil,
		ReconciledBalance: req.ReconciledBalance,
	})
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(acc))
}

func toAccountResponse(acc *account.Account) AccountResponse {
	return AccountResponse{
		AccountID:         acc.ID,
		Name:              acc.Name,
		IsReconcilable:    acc.IsReconcilable,
		ReconciledUntil:   acc.ReconciledUntil,
		ReconciledBalance: acc.ReconciledBalance,
		OpeningBalance:    acc.OpeningBalance,
		CreatedAt:         acc.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         acc.UpdatedAt.Format(time.RFC3339),
	}
}
