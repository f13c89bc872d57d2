package account

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Repository defines the interface for account data access
// This interface is defined in the domain layer, but implemented in the infrastructure layer
type Repository interface {
	// GetByID retrieves an account by its ID
	GetByID(ctx context.Context, id string) (*Account, error)

	// ListByFamilyID retrieves all accounts of a family, ordered by name
	ListByFamilyID(ctx context.Context, familyID string) ([]*Account, error)

	// ListReconcilable retrieves reconcilable accounts of a family that have a cutoff
	ListReconcilable(ctx context.Context, familyID string) ([]*Account, error)

	// UpdateReconciliation stores the statement cutoff and bank-reported balance
	UpdateReconciliation(ctx context.Context, id string, params ReconciliationParams) (*Account, error)

	// BalanceAt returns the opening balance plus the signed sum of the
	// account's transactions posted on or before date
	BalanceAt(ctx context.Context, accountID string, date civil.Date) (decimal.Decimal, error)
}
