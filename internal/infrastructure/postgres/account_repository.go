package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"famledger/internal/domain/account"
)

// AccountRepository implements the account.Repository interface for PostgreSQL
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new PostgreSQL account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
	id, family_id, name, is_reconcilable, reconciled_until, reconciled_balance,
	opening_balance, created_at, updated_at`

func scanAccount(row rowScanner) (*account.Account, error) {
	var acc account.Account
	var reconciledUntil sql.NullTime
	var reconciledBalance decimal.NullDecimal

	err := row.Scan(
		&acc.ID, &acc.FamilyID, &acc.Name, &acc.IsReconcilable, &reconciledUntil,
		&reconciledBalance, &acc.OpeningBalance, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if reconciledUntil.Valid {
		d := civil.DateOf(reconciledUntil.Time)
		acc.ReconciledUntil = &d
	}
	if reconciledBalance.Valid {
		b := reconciledBalance.Decimal
		acc.ReconciledBalance = &b
	}

	return &acc, nil
}

func (r *AccountRepository) list(ctx context.Context, query string, args ...any) ([]*account.Account, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*account.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// GetByID retrieves an account by its ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows || isInvalidID(err) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return acc, nil
}

// ListByFamilyID retrieves all accounts of a family
func (r *AccountRepository) ListByFamilyID(ctx context.Context, familyID string) ([]*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE family_id = $1 ORDER BY name, id`
	return r.list(ctx, query, familyID)
}

// ListReconcilable retrieves the accounts that take part in reconciliation
func (r *AccountRepository) ListReconcilable(ctx context.Context, familyID string) ([]*account.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE family_id = $1 AND is_reconcilable AND reconciled_until IS NOT NULL
		ORDER BY name, id`
	return r.list(ctx, query, familyID)
}

// UpdateReconciliation stores the cutoff date and bank balance of an account
func (r *AccountRepository) UpdateReconciliation(ctx context.Context, id string, params account.ReconciliationParams) (*account.Account, error) {
	query := `
		UPDATE accounts
		SET is_reconcilable = $2, reconciled_until = $3, reconciled_balance = $4, updated_at = now()
		WHERE id = $1
		RETURNING ` + accountColumns

	var until sql.NullString
	if params.ReconciledUntil != nil {
		until = sql.NullString{String: params.ReconciledUntil.String(), Valid: true}
	}
	var balance decimal.NullDecimal
	if params.ReconciledBalance != nil {
		balance = decimal.NewNullDecimal(*params.ReconciledBalance)
	}

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, id, params.IsReconcilable, until, balance))
	if err == sql.ErrNoRows || isInvalidID(err) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update account reconciliation: %w", err)
	}

	return acc, nil
}

// BalanceAt returns the opening balance plus every transaction posted on or before date
func (r *AccountRepository) BalanceAt(ctx context.Context, accountID string, date civil.Date) (decimal.Decimal, error) {
	query := `
		SELECT a.opening_balance + COALESCE(SUM(t.amount), 0)
		FROM accounts a
		LEFT JOIN transactions t ON t.account_id = a.id AND t.posted_at <= $2
		WHERE a.id = $1
		GROUP BY a.id, a.opening_balance`

	var balance decimal.Decimal
	err := r.db.QueryRowContext(ctx, query, accountID, date.String()).Scan(&balance)
	if err == sql.ErrNoRows || isInvalidID(err) {
		return decimal.Zero, account.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to compute account balance: %w", err)
	}

	return balance, nil
}
