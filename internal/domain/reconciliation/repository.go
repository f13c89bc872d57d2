package reconciliation

import (
	"context"

	"cloud.google.com/go/civil"

	"famledger/internal/domain/account"
)

// TransactionRepository defines transaction queries and mutations used by reconciliation
// This interface is defined in the domain layer, but implemented in the infrastructure layer
type TransactionRepository interface {
	TransferStore

	// GetByID retrieves a transaction; returns ErrTransactionNotFound when missing
	GetByID(ctx context.Context, id string) (*Transaction, error)

	// ListPendingManuals returns manual and transfer entries on the family's
	// reconcilable accounts posted on or before each account's cutoff,
	// ordered by posted date then creation
	ListPendingManuals(ctx context.Context, familyID string) ([]Transaction, error)

	// ListImportsUntil returns statement imports of an account posted on or
	// before until, ordered by posted date then creation
	ListImportsUntil(ctx context.Context, accountID string, until civil.Date) ([]Transaction, error)

	// UpdatePostedAt moves a transaction to another date
	UpdatePostedAt(ctx context.Context, id string, postedAt civil.Date) error

	// ListBrokenTransferLinks returns records of the family whose transfer
	// partner is missing or does not point back
	ListBrokenTransferLinks(ctx context.Context, familyID string) ([]BrokenLink, error)
}

// AccountRepository is the subset of account access reconciliation needs
type AccountRepository interface {
	BalanceReader
	GetByID(ctx context.Context, id string) (*account.Account, error)
	ListReconcilable(ctx context.Context, familyID string) ([]*account.Account, error)
}

// SettingsRepository persists per-family reconciliation settings
type SettingsRepository interface {
	// Get returns nil when the family never saved settings
	Get(ctx context.Context, familyID string) (*Settings, error)
	Save(ctx context.Context, familyID string, settings Settings) error
}

// CategoryRepository resolves the family's transfer category
type CategoryRepository interface {
	// FindTransferCategory returns nil when the family has no transfer category
	FindTransferCategory(ctx context.Context, familyID string) (*string, error)
}

// ChangeNotifier publishes the data-changed signal after a mutation
type ChangeNotifier interface {
	NotifyChanged(ctx context.Context, familyID string) error
}

// BatchLocker serializes confirmation batches of one family across instances
type BatchLocker interface {
	// Lock returns ErrBatchInProgress when the lock is held elsewhere
	Lock(ctx context.Context, key string) (release func(context.Context) error, err error)
}
