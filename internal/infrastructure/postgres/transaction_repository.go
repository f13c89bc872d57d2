package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"famledger/internal/domain/reconciliation"
)

// TransactionRepository implements reconciliation.TransactionRepository for PostgreSQL
type TransactionRepository struct {
	db *DB
}

// NewTransactionRepository creates a new PostgreSQL transaction repository
func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `
	t.id, t.amount, t.description, t.original_description, t.posted_at, t.source,
	t.external_id, t.category_id, c.name, c.category_type, t.account_id, a.name,
	t.reconciliation_hint, t.transfer_linked_id`

const transactionJoins = `
	FROM transactions t
	JOIN accounts a ON a.id = t.account_id
	LEFT JOIN categories c ON c.id = t.category_id`

// hintRecord is the stored JSON shape of a reconciliation hint.
type hintRecord struct {
	MatchDescription *string          `json:"match_description,omitempty"`
	MatchAmountMin   *decimal.Decimal `json:"match_amount_min,omitempty"`
	MatchAmountMax   *decimal.Decimal `json:"match_amount_max,omitempty"`
}

func scanTransaction(row rowScanner) (*reconciliation.Transaction, error) {
	var t reconciliation.Transaction
	var originalDescription, externalID, categoryID, categoryName, categoryType, linkedID sql.NullString
	var postedAt time.Time
	var source string
	var hint []byte

	err := row.Scan(
		&t.ID, &t.Amount, &t.Description, &originalDescription, &postedAt, &source,
		&externalID, &categoryID, &categoryName, &categoryType, &t.AccountID, &t.AccountName,
		&hint, &linkedID,
	)
	if err != nil {
		return nil, err
	}

	t.PostedAt = civil.DateOf(postedAt)
	t.Source = reconciliation.Source(source)
	t.OriginalDescription = stringPtr(originalDescription)
	t.ExternalID = stringPtr(externalID)
	t.CategoryID = stringPtr(categoryID)
	t.CategoryName = stringPtr(categoryName)
	t.TransferLinkedID = stringPtr(linkedID)
	if categoryType.Valid {
		ct := reconciliation.CategoryType(categoryType.String)
		t.CategoryType = &ct
	}

	if len(hint) > 0 {
		var rec hintRecord
		if err := json.Unmarshal(hint, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode reconciliation hint of %s: %w", t.ID, err)
		}
		h := reconciliation.Hint(rec)
		if !h.IsEmpty() {
			t.ReconciliationHint = &h
		}
	}

	return &t, nil
}

func (r *TransactionRepository) list(ctx context.Context, query string, args ...any) ([]reconciliation.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reconciliation.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetByID retrieves a transaction by its ID
func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*reconciliation.Transaction, error) {
	query := `SELECT ` + transactionColumns + transactionJoins + ` WHERE t.id = $1`

	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) || isInvalidID(err) {
		return nil, reconciliation.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// ListPendingManuals lists manual and transfer entries inside the reconciliation window of each account
func (r *TransactionRepository) ListPendingManuals(ctx context.Context, familyID string) ([]reconciliation.Transaction, error) {
	query := `SELECT ` + transactionColumns + transactionJoins + `
		WHERE a.family_id = $1
		  AND a.is_reconcilable
		  AND a.reconciled_until IS NOT NULL
		  AND t.source IN ('manual', 'transfer')
		  AND t.posted_at <= a.reconciled_until
		ORDER BY a.name, t.posted_at, t.created_at, t.id`

	txns, err := r.list(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending manual transactions: %w", err)
	}
	return txns, nil
}

// ListImportsUntil lists statement imports of an account up to the cutoff
func (r *TransactionRepository) ListImportsUntil(ctx context.Context, accountID string, until civil.Date) ([]reconciliation.Transaction, error) {
	query := `SELECT ` + transactionColumns + transactionJoins + `
		WHERE t.account_id = $1
		  AND t.source = 'ofx'
		  AND t.posted_at <= $2
		ORDER BY t.posted_at, t.created_at, t.id`

	txns, err := r.list(ctx, query, accountID, until.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list imported transactions: %w", err)
	}
	return txns, nil
}

// UpdatePostedAt moves a transaction to another date
func (r *TransactionRepository) UpdatePostedAt(ctx context.Context, id string, postedAt civil.Date) error {
	query := `UPDATE transactions SET posted_at = $2, updated_at = now() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, postedAt.String())
	if isInvalidID(err) {
		return reconciliation.ErrTransactionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update transaction date: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return reconciliation.ErrTransactionNotFound
	}
	return nil
}

// DeleteTransactions deletes the given transactions in one statement.
// The transfer_linked_id foreign key nulls the link of any partner.
func (r *TransactionRepository) DeleteTransactions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM transactions WHERE id = ANY($1::uuid[])`

	if _, err := r.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to delete transactions: %w", err)
	}
	return nil
}

// LinkTransfer links a and b reciprocally, unlinking any previous partners
func (r *TransactionRepository) LinkTransfer(ctx context.Context, aID, bID string, categoryID *string) error {
	return r.relink(ctx, "link_transfer", aID, bID, categoryID, reconciliation.ErrTransactionNotFound)
}

// MigrateTransferLink points partnerID and newID at each other. The record
// partnerID used to point at is not read, so it may already be deleted.
func (r *TransactionRepository) MigrateTransferLink(ctx context.Context, partnerID, newID string, categoryID *string) error {
	return r.relink(ctx, "migrate_transfer_link", partnerID, newID, categoryID, reconciliation.ErrPartnerNotFound)
}

// relink runs the shared link/migrate transaction. missingA is returned when
// aID does not exist.
func (r *TransactionRepository) relink(ctx context.Context, name, aID, bID string, categoryID *string, missingA error) error {
	if aID == bID {
		return reconciliation.ErrSelfLink
	}

	return r.db.WithTx(ctx, name, func(tx *sql.Tx) error {
		found, err := lockTransactions(ctx, tx, aID, bID)
		if err != nil {
			return err
		}
		if !found[aID] {
			return missingA
		}
		if !found[bID] {
			return reconciliation.ErrTransactionNotFound
		}

		// Third parties still pointing at either side lose their link.
		clear := `
			UPDATE transactions SET transfer_linked_id = NULL, updated_at = now()
			WHERE transfer_linked_id IN ($1, $2) AND id NOT IN ($1, $2)`
		if _, err := tx.ExecContext(ctx, clear, aID, bID); err != nil {
			return fmt.Errorf("failed to clear previous transfer links: %w", err)
		}

		link := `
			UPDATE transactions
			SET transfer_linked_id = CASE WHEN id = $1 THEN $2::uuid ELSE $1::uuid END,
			    category_id = COALESCE($3::uuid, category_id),
			    updated_at = now()
			WHERE id IN ($1, $2)`
		if _, err := tx.ExecContext(ctx, link, aID, bID, nullStringPtr(categoryID)); err != nil {
			return fmt.Errorf("failed to link transfer: %w", err)
		}
		return nil
	})
}

// UnlinkTransfer clears the link on id and on every record pointing at id
func (r *TransactionRepository) UnlinkTransfer(ctx context.Context, id string) error {
	return r.db.WithTx(ctx, "unlink_transfer", func(tx *sql.Tx) error {
		found, err := lockTransactions(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found[id] {
			return reconciliation.ErrTransactionNotFound
		}

		query := `
			UPDATE transactions SET transfer_linked_id = NULL, updated_at = now()
			WHERE id = $1 OR transfer_linked_id = $1`
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("failed to unlink transfer: %w", err)
		}
		return nil
	})
}

// lockTransactions row-locks the given transactions and reports which exist.
func lockTransactions(ctx context.Context, tx *sql.Tx, ids ...string) (map[string]bool, error) {
	query := `SELECT id FROM transactions WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`

	found := make(map[string]bool, len(ids))
	rows, err := tx.QueryContext(ctx, query, pq.Array(ids))
	if isInvalidID(err) {
		return found, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan locked transaction: %w", err)
		}
		found[id] = true
	}
	return found, rows.Err()
}

// ListBrokenTransferLinks finds links whose partner is missing or does not point back
func (r *TransactionRepository) ListBrokenTransferLinks(ctx context.Context, familyID string) ([]reconciliation.BrokenLink, error) {
	query := `
		SELECT t.id, t.account_id, t.transfer_linked_id, p.transfer_linked_id, p.id IS NOT NULL
		FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		LEFT JOIN transactions p ON p.id = t.transfer_linked_id
		WHERE a.family_id = $1
		  AND t.transfer_linked_id IS NOT NULL
		  AND (p.id IS NULL OR p.transfer_linked_id IS DISTINCT FROM t.id)
		ORDER BY t.posted_at, t.id`

	rows, err := r.db.QueryContext(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list broken transfer links: %w", err)
	}
	defer rows.Close()

	var links []reconciliation.BrokenLink
	for rows.Next() {
		var l reconciliation.BrokenLink
		var partnerLink sql.NullString
		if err := rows.Scan(&l.TransactionID, &l.AccountID, &l.LinkedID, &partnerLink, &l.PartnerExists); err != nil {
			return nil, fmt.Errorf("failed to scan broken transfer link: %w", err)
		}
		l.PartnerLinkID = stringPtr(partnerLink)
		links = append(links, l)
	}
	return links, rows.Err()
}

// isInvalidID reports a malformed uuid, which cannot match any row.
func isInvalidID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
