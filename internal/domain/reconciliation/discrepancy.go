package reconciliation

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"famledger/internal/domain/account"
)

// materialityThreshold is the rounding slack under which a discrepancy is
// reported but not surfaced as a problem.
var materialityThreshold = decimal.New(1, -2)

// IsMaterial reports whether the difference exceeds one cent.
func (d *Discrepancy) IsMaterial() bool {
	return d != nil && d.Difference.Abs().GreaterThan(materialityThreshold)
}

// BalanceReader is the ledger balance query. The result includes the opening
// balance and every transaction posted on or before date.
type BalanceReader interface {
	BalanceAt(ctx context.Context, accountID string, date civil.Date) (decimal.Decimal, error)
}

// ComputeDiscrepancy compares the bank-reported balance of acct with the
// calculated ledger balance. It returns nil when the account has nothing to
// check. Small differences are still returned.
func ComputeDiscrepancy(acct *account.Account, calculated decimal.Decimal) *Discrepancy {
	if !acct.InReconciliationScope() || acct.ReconciledBalance == nil {
		return nil
	}
	return &Discrepancy{
		AccountID:         acct.ID,
		AccountName:       acct.Name,
		CalculatedBalance: calculated,
		ReconciledBalance: *acct.ReconciledBalance,
		Difference:        acct.ReconciledBalance.Sub(calculated),
		ReconciledUntil:   *acct.ReconciledUntil,
	}
}

// DiscrepancyChecker runs ComputeDiscrepancy against the stored ledger.
type DiscrepancyChecker struct {
	balances BalanceReader
}

// NewDiscrepancyChecker creates a checker over the given balance query
func NewDiscrepancyChecker(balances BalanceReader) *DiscrepancyChecker {
	return &DiscrepancyChecker{balances: balances}
}

// Check returns the discrepancy of acct, or nil when the account is not
// reconcilable or lacks a cutoff or reported balance. Store errors are returned.
func (c *DiscrepancyChecker) Check(ctx context.Context, acct *account.Account) (*Discrepancy, error) {
	if !acct.InReconciliationScope() || acct.ReconciledBalance == nil {
		return nil, nil
	}
	calculated, err := c.balances.BalanceAt(ctx, acct.ID, *acct.ReconciledUntil)
	if err != nil {
		return nil, fmt.Errorf("failed to compute balance of account %s: %w", acct.ID, err)
	}
	return ComputeDiscrepancy(acct, calculated), nil
}
