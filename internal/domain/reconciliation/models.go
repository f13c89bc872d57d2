package reconciliation

import (
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"famledger/internal/domain/account"
)

// Domain errors
var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrPartnerNotFound     = errors.New("transfer partner not found")
	ErrNotManual           = errors.New("transaction is not a manual entry")
	ErrNotImported         = errors.New("transaction is not an imported entry")
	ErrMatchNotFound       = errors.New("match not found in current reconciliation")
	ErrSelfLink            = errors.New("a transaction cannot be linked to itself")
	ErrInvalidSettings     = errors.New("invalid reconciliation settings")
	ErrNoCutoff            = errors.New("account has no reconciled until date")
	ErrForbidden           = errors.New("access forbidden")
	ErrBatchInProgress     = errors.New("another confirmation is in progress for this family")
)

// Source identifies where a transaction record came from.
type Source string

const (
	SourceManual     Source = "manual"
	SourceOFX        Source = "ofx"
	SourceTransfer   Source = "transfer"
	SourceAdjustment Source = "adjustment"
)

// CategoryType classifies a category.
type CategoryType string

const (
	CategoryExpense  CategoryType = "expense"
	CategoryIncome   CategoryType = "income"
	CategoryTransfer CategoryType = "transfer"
)

// Hint is a user-provided constraint stored on a manual transaction to steer
// future candidate searches. Absent fields do not constrain.
type Hint struct {
	MatchDescription *string          `json:"matchDescription,omitempty"`
	MatchAmountMin   *decimal.Decimal `json:"matchAmountMin,omitempty"`
	MatchAmountMax   *decimal.Decimal `json:"matchAmountMax,omitempty"`
}

// IsEmpty reports whether the hint carries no constraint.
func (h *Hint) IsEmpty() bool {
	return h == nil || (h.description() == "" && h.MatchAmountMin == nil && h.MatchAmountMax == nil)
}

func (h *Hint) description() string {
	if h == nil || h.MatchDescription == nil {
		return ""
	}
	return strings.TrimSpace(*h.MatchDescription)
}

// Accepts reports whether candidate satisfies every constraint of the hint.
// A nil hint accepts everything.
func (h *Hint) Accepts(candidate Transaction) bool {
	if h == nil {
		return true
	}
	if needle := strings.ToLower(h.description()); needle != "" {
		inDesc := strings.Contains(strings.ToLower(candidate.Description), needle)
		inOrig := candidate.OriginalDescription != nil &&
			strings.Contains(strings.ToLower(*candidate.OriginalDescription), needle)
		if !inDesc && !inOrig {
			return false
		}
	}
	amount := candidate.Amount.Abs()
	if h.MatchAmountMin != nil && amount.LessThan(*h.MatchAmountMin) {
		return false
	}
	if h.MatchAmountMax != nil && amount.GreaterThan(*h.MatchAmountMax) {
		return false
	}
	return true
}

// Validate checks that the hint bounds are consistent.
func (h *Hint) Validate() error {
	if h == nil {
		return nil
	}
	if h.MatchAmountMin != nil && h.MatchAmountMin.IsNegative() {
		return errors.New("hint minimum amount must not be negative")
	}
	if h.MatchAmountMin != nil && h.MatchAmountMax != nil && h.MatchAmountMin.GreaterThan(*h.MatchAmountMax) {
		return errors.New("hint minimum amount is greater than maximum")
	}
	return nil
}

// Transaction is the read-only shape of a ledger record used for matching.
type Transaction struct {
	ID                  string          `json:"id"`
	Amount              decimal.Decimal `json:"amount"`
	Description         string          `json:"description"`
	OriginalDescription *string         `json:"originalDescription,omitempty"`
	PostedAt            civil.Date      `json:"postedAt"`
	Source              Source          `json:"source"`
	ExternalID          *string         `json:"externalId,omitempty"`
	CategoryID          *string         `json:"categoryId,omitempty"`
	CategoryName        *string         `json:"categoryName,omitempty"`
	CategoryType        *CategoryType   `json:"categoryType,omitempty"`
	AccountID           string          `json:"accountId"`
	AccountName         string          `json:"accountName"`
	ReconciliationHint  *Hint           `json:"reconciliationHint,omitempty"`
	TransferLinkedID    *string         `json:"transferLinkedId,omitempty"`
}

// IsImported reports whether the record came from a bank statement.
func (t Transaction) IsImported() bool {
	return t.Source == SourceOFX
}

// IsManual reports whether the record was entered by a user and is eligible
// for reconciliation against imports. Adjustments are never reconciled.
func (t Transaction) IsManual() bool {
	return t.Source == SourceManual || t.Source == SourceTransfer
}

// ExactMatch pairs a manual record with an import of the same account, amount and date.
type ExactMatch struct {
	ID       string      `json:"id"`
	Manual   Transaction `json:"manual"`
	Imported Transaction `json:"imported"`
	Reason   string      `json:"matchReason"`
}

// MatchResult partitions the inputs of the exact matcher.
type MatchResult struct {
	ExactMatches     []ExactMatch  `json:"exactMatches"`
	UnmatchedManuals []Transaction `json:"unmatchedManuals"`
	UnmatchedImports []Transaction `json:"unmatchedImports"`
}

// Candidate is a scored, non-exact suggestion for one manual transaction.
type Candidate struct {
	Imported     Transaction     `json:"ofx"`
	Score        int             `json:"score"`
	Reason       string          `json:"reason"`
	CrossAccount bool            `json:"crossAccount"`
	DateDiffDays int             `json:"dateDiffDays"`
	AmountDiff   decimal.Decimal `json:"amountDiff"`
}

// Discrepancy is the gap between the bank-reported balance and the ledger
// balance as of the account cutoff.
type Discrepancy struct {
	AccountID         string          `json:"accountId"`
	AccountName       string          `json:"accountName"`
	CalculatedBalance decimal.Decimal `json:"calculatedBalance"`
	ReconciledBalance decimal.Decimal `json:"reconciledBalance"`
	Difference        decimal.Decimal `json:"difference"`
	ReconciledUntil   civil.Date      `json:"reconciledUntil"`
}

// AccountView is the reconciliation state of one account.
type AccountView struct {
	Account          *account.Account `json:"account"`
	ExactMatches     []ExactMatch     `json:"exactMatches"`
	UnmatchedManuals []Transaction    `json:"unmatchedManuals"`
	UnmatchedImports []Transaction    `json:"unmatchedImports"`
	Discrepancy      *Discrepancy     `json:"discrepancy"`
	Expanded         bool             `json:"expanded"`
}

// View is the result of one reconciliation run over a family.
type View struct {
	FamilyID              string        `json:"familyId"`
	Accounts              []AccountView `json:"accounts"`
	TotalExactMatches     int           `json:"totalExactMatches"`
	TotalUnmatchedManuals int           `json:"totalUnmatchedManuals"`
}

// Match looks up an exact match by its id.
func (v *View) Match(id string) (ExactMatch, bool) {
	for _, av := range v.Accounts {
		for _, m := range av.ExactMatches {
			if m.ID == id {
				return m, true
			}
		}
	}
	return ExactMatch{}, false
}

// UnmatchedImports collects the unmatched imports of every account, in account order.
func (v *View) UnmatchedImports() []Transaction {
	var out []Transaction
	for _, av := range v.Accounts {
		out = append(out, av.UnmatchedImports...)
	}
	return out
}

// ConfirmResult summarizes a confirmation batch.
type ConfirmResult struct {
	Deleted  int      `json:"deleted"`
	Linked   int      `json:"linked"`
	Migrated int      `json:"migrated"`
	Skipped  []string `json:"skipped,omitempty"`
}

// BrokenLink is a transaction whose transfer link is not reciprocal.
type BrokenLink struct {
	TransactionID string  `json:"transactionId"`
	AccountID     string  `json:"accountId"`
	LinkedID      string  `json:"linkedId"`
	PartnerLinkID *string `json:"partnerLinkId"`
	PartnerExists bool    `json:"partnerExists"`
}

// LinkError reports which transfer operation failed and on which records.
type LinkError struct {
	Op             string
	TransactionIDs []string
	Err            error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Op, strings.Join(e.TransactionIDs, ", "), e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}
