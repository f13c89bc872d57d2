package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"famledger/internal/domain/reconciliation"
)

func newTransferHandler(svc *MockReconciliationService) *TransferHandler {
	logger, _ := test.NewNullLogger()
	return NewTransferHandler(svc, logger)
}

func TestTransferHandleLink(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		serviceErr     error
		expectedStatus int
	}{
		{"Linked", `{"transactionId": "a", "partnerId": "b"}`, nil, http.StatusNoContent},
		{"Missing partner id", `{"transactionId": "a"}`, nil, http.StatusBadRequest},
		{"Unknown field", `{"transactionId": "a", "partnerId": "b", "force": true}`, nil, http.StatusBadRequest},
		{"Self link", `{"transactionId": "a", "partnerId": "a"}`, reconciliation.ErrSelfLink, http.StatusBadRequest},
		{"Partner of another family", `{"transactionId": "a", "partnerId": "x"}`, reconciliation.ErrForbidden, http.StatusForbidden},
		{
			name:           "Partner deleted concurrently",
			body:           `{"transactionId": "a", "partnerId": "b"}`,
			serviceErr:     &reconciliation.LinkError{Op: reconciliation.OpLink, TransactionIDs: []string{"a", "b"}, Err: reconciliation.ErrTransactionNotFound},
			expectedStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockReconciliationService{
				LinkTransferFunc: func(ctx context.Context, familyID, aID, bID string) error {
					if familyID != "fam-1" {
						t.Errorf("familyID = %q, want fam-1", familyID)
					}
					return tt.serviceErr
				},
			}
			handler := newTransferHandler(svc)

			req := newRequest(http.MethodPost, "/api/transfers/link", "fam-1", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			handler.HandleLink(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
		})
	}
}

func TestTransferHandleUnlink(t *testing.T) {
	var got string
	svc := &MockReconciliationService{
		UnlinkTransferFunc: func(ctx context.Context, familyID, transactionID string) error {
			got = transactionID
			return nil
		},
	}
	handler := newTransferHandler(svc)

	req := newRequest(http.MethodPost, "/api/transfers/unlink", "fam-1", strings.NewReader(`{"transactionId": "a"}`))
	rr := httptest.NewRecorder()
	handler.HandleUnlink(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if got != "a" {
		t.Errorf("unlinked %q, want a", got)
	}

	req = newRequest(http.MethodPost, "/api/transfers/unlink", "", strings.NewReader(`{"transactionId": "a"}`))
	rr = httptest.NewRecorder()
	handler.HandleUnlink(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status without family = %d, want 401", rr.Code)
	}
}

func TestTransferHandleAudit(t *testing.T) {
	t.Run("No broken links", func(t *testing.T) {
		handler := newTransferHandler(&MockReconciliationService{})

		req := newRequest(http.MethodGet, "/api/transfers/audit", "fam-1", nil)
		rr := httptest.NewRecorder()
		handler.HandleAudit(rr, req)

		if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
			t.Errorf("body = %q, want []", got)
		}
	})

	t.Run("Reports one-sided links", func(t *testing.T) {
		svc := &MockReconciliationService{
			AuditTransferLinksFunc: func(ctx context.Context, familyID string) ([]reconciliation.BrokenLink, error) {
				return []reconciliation.BrokenLink{{TransactionID: "a", AccountID: "acc-1", LinkedID: "gone"}}, nil
			},
		}
		handler := newTransferHandler(svc)

		req := newRequest(http.MethodGet, "/api/transfers/audit", "fam-1", nil)
		rr := httptest.NewRecorder()
		handler.HandleAudit(rr, req)

		var links []reconciliation.BrokenLink
		if err := json.NewDecoder(rr.Body).Decode(&links); err != nil {
			t.Fatalf("failed to decode links: %v", err)
		}
		if len(links) != 1 || links[0].LinkedID != "gone" || links[0].PartnerExists {
			t.Errorf("links = %+v", links)
		}
	})
}
