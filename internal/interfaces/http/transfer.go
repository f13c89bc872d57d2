package http

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"famledger/internal/domain/reconciliation"
)

// TransferService is the transfer-link part of reconciliation.Service
type TransferService interface {
	LinkTransfer(ctx context.Context, familyID, aID, bID string) error
	UnlinkTransfer(ctx context.Context, familyID, transactionID string) error
	AuditTransferLinks(ctx context.Context, familyID string) ([]reconciliation.BrokenLink, error)
}

// TransferHandler manages transfer pairs
type TransferHandler struct {
	service TransferService
	logger  logrus.FieldLogger
}

// NewTransferHandler creates a new transfer handler
func NewTransferHandler(service TransferService, logger logrus.FieldLogger) *TransferHandler {
	return &TransferHandler{service: service, logger: logger}
}

type LinkTransferRequest struct {
	TransactionID string `json:"transactionId"`
	PartnerID     string `json:"partnerId"`
}

type UnlinkTransferRequest struct {
	TransactionID string `json:"transactionId"`
}

// HandleLink links two transactions as a transfer pair
func (h *TransferHandler) HandleLink(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyID(w, r)
	if !ok {
		return
	}

	var req LinkTransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TransactionID == "" || req.PartnerID == "" {
		http.Error(w, "transactionId and partnerId are required", http.StatusBadRequest)
		return
	}

	if err := h.service.LinkTransfer(r.Context(), familyID, req.TransactionID, req.PartnerID); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleUnlink clears a transfer link on both sides
func (h *TransferHandler) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyID(w, r)
	if !ok {
		return
	}

	var req UnlinkTransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TransactionID == "" {
		http.Error(w, "transactionId is required", http.StatusBadRequest)
		return
	}

	if err := h.service.UnlinkTransfer(r.Context(), familyID, req.TransactionID); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleAudit lists transfer links that are not reciprocal
func (h *TransferHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	familyID, ok := familyID(w, r)
	if !ok {
		return
	}

	links, err := h.service.AuditTransferLinks(r.Context(), familyID)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	if links == nil {
		links = []reconciliation.BrokenLink{}
	}

	writeJSON(w, http.StatusOK, links)
}
