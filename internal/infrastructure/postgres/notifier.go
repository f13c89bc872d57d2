package postgres

import (
	"context"
	"fmt"
)

// LedgerChannel is the NOTIFY channel for ledger changes. The payload is the family id.
const LedgerChannel = "ledger_changed"

// Notifier publishes ledger changes with pg_notify
type Notifier struct {
	db *DB
}

// NewNotifier creates a new PostgreSQL change notifier
func NewNotifier(db *DB) *Notifier {
	return &Notifier{db: db}
}

// NotifyChanged signals that the family's ledger changed
func (n *Notifier) NotifyChanged(ctx context.Context, familyID string) error {
	if _, err := n.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, LedgerChannel, familyID); err != nil {
		return fmt.Errorf("failed to notify ledger change: %w", err)
	}
	return nil
}
