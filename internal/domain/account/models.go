package account

import (
	"errors"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Domain errors
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrForbidden       = errors.New("access forbidden")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotReconcilable = errors.New("account is not reconcilable")
)

// Account represents a ledger account as seen by the reconciliation engine.
type Account struct {
	ID                string           `json:"id"`
	FamilyID          string           `json:"familyId"`
	Name              string           `json:"name"`
	IsReconcilable    bool             `json:"isReconcilable"`
	ReconciledUntil   *civil.Date      `json:"reconciledUntil"`
	ReconciledBalance *decimal.Decimal `json:"reconciledBalance"`
	OpeningBalance    decimal.Decimal  `json:"openingBalance"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// InReconciliationScope reports whether the account takes part in a
// reconciliation run: it must be reconcilable and have a cutoff date.
func (a *Account) InReconciliationScope() bool {
	return a != nil && a.IsReconcilable && a.ReconciledUntil != nil
}

// ReconciliationParams sets the statement cutoff of an account.
type ReconciliationParams struct {
	IsReconcilable    bool
	ReconciledUntil   *civil.Date
	ReconciledBalance *decimal.Decimal
}

// Validate validates the reconciliation parameters
func (p ReconciliationParams) Validate() error {
	if p.ReconciledUntil != nil && !p.ReconciledUntil.IsValid() {
		return errors.New("reconciled until must be a valid date")
	}
	if p.ReconciledBalance != nil && p.ReconciledUntil == nil {
		return errors.New("reconciled balance requires a reconciled until date")
	}
	if p.IsReconcilable && p.ReconciledUntil == nil {
		return errors.New("reconcilable accounts need a reconciled until date")
	}
	return nil
}
