package reconciliation

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Transfer operation names used in LinkError.
const (
	OpDelete  = "delete"
	OpLink    = "link transfer"
	OpUnlink  = "unlink transfer"
	OpMigrate = "migrate transfer link"
)

// TransferStore holds the mutation primitives of the transaction store. Each
// call is atomic. Deleting a record nulls the transferLinkedId of any record
// pointing at it.
type TransferStore interface {
	// LinkTransfer points a and b at each other. A non-nil categoryID is
	// assigned to both. Previous partners of a or b are unlinked.
	LinkTransfer(ctx context.Context, aID, bID string, categoryID *string) error

	// UnlinkTransfer clears the link on id and on its current partner.
	UnlinkTransfer(ctx context.Context, id string) error

	// MigrateTransferLink re-points partnerID at newID and newID at
	// partnerID. The record partnerID used to point at need not exist.
	// Returns ErrPartnerNotFound when partnerID does not exist.
	MigrateTransferLink(ctx context.Context, partnerID, newID string, categoryID *string) error

	// DeleteTransactions removes the given records in one statement.
	DeleteTransactions(ctx context.Context, ids []string) error
}

// TransferPair is a direct link between two replacement imports.
type TransferPair struct {
	AID string
	BID string
}

// TransferMigration re-points a surviving partner to a replacement import.
type TransferMigration struct {
	PartnerID string
	NewID     string
}

// RelinkPlan is the ordered set of store calls for one confirmation batch.
type RelinkPlan struct {
	Delete  []string
	Direct  []TransferPair
	Migrate []TransferMigration
	// Skipped lists ids whose relink would touch a record already touched by
	// an earlier call in the batch. They surface in the transfer audit.
	Skipped []string
}

// PlanTransferRelinks classifies confirmed matches. A manual whose transfer
// partner is deleted in the same batch gets a direct link between the two
// replacements; any other linked manual gets its partner migrated to its
// replacement. No two calls in the plan touch the same record.
func PlanTransferRelinks(matches []ExactMatch) RelinkPlan {
	plan := RelinkPlan{}

	replacement := make(map[string]string, len(matches))
	for _, m := range matches {
		if _, dup := replacement[m.Manual.ID]; dup {
			continue
		}
		replacement[m.Manual.ID] = m.Imported.ID
		plan.Delete = append(plan.Delete, m.Manual.ID)
	}

	touched := make(map[string]struct{})
	claim := func(ids ...string) bool {
		for _, id := range ids {
			if _, ok := touched[id]; ok {
				return false
			}
		}
		for _, id := range ids {
			touched[id] = struct{}{}
		}
		return true
	}

	handled := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		if m.Manual.TransferLinkedID == nil {
			continue
		}
		if _, ok := handled[m.Manual.ID]; ok {
			continue
		}
		handled[m.Manual.ID] = struct{}{}
		partnerID := *m.Manual.TransferLinkedID
		newID := replacement[m.Manual.ID]

		if partnerReplacement, direct := replacement[partnerID]; direct {
			// The partner's own entry describes the same pair.
			handled[partnerID] = struct{}{}
			if partnerReplacement == newID {
				plan.Skipped = append(plan.Skipped, m.Manual.ID)
				continue
			}
			if !claim(newID, partnerReplacement) {
				plan.Skipped = append(plan.Skipped, m.Manual.ID)
				continue
			}
			plan.Direct = append(plan.Direct, TransferPair{AID: newID, BID: partnerReplacement})
			continue
		}

		if partnerID == newID {
			// The manual is replaced by its own partner; the cascade leaves it unlinked.
			continue
		}
		if !claim(partnerID, newID) {
			plan.Skipped = append(plan.Skipped, m.Manual.ID)
			continue
		}
		plan.Migrate = append(plan.Migrate, TransferMigration{PartnerID: partnerID, NewID: newID})
	}

	return plan
}

// TransferLinker executes relink plans against the store.
type TransferLinker struct {
	store  TransferStore
	logger logrus.FieldLogger
}

// NewTransferLinker creates a linker over store
func NewTransferLinker(store TransferStore, logger logrus.FieldLogger) *TransferLinker {
	return &TransferLinker{store: store, logger: logger}
}

// Apply deletes the planned manuals, then links direct pairs, then migrates
// surviving partners. It stops at the first failure and reports it as a
// *LinkError; deletions already committed stay committed.
func (l *TransferLinker) Apply(ctx context.Context, plan RelinkPlan, categoryID *string) (*ConfirmResult, error) {
	result := &ConfirmResult{Skipped: plan.Skipped}

	if len(plan.Delete) > 0 {
		if err := l.store.DeleteTransactions(ctx, plan.Delete); err != nil {
			return result, &LinkError{Op: OpDelete, TransactionIDs: plan.Delete, Err: err}
		}
		result.Deleted = len(plan.Delete)
	}

	for _, pair := range plan.Direct {
		if err := l.store.LinkTransfer(ctx, pair.AID, pair.BID, categoryID); err != nil {
			return result, &LinkError{Op: OpLink, TransactionIDs: []string{pair.AID, pair.BID}, Err: err}
		}
		result.Linked++
	}

	for _, mig := range plan.Migrate {
		if err := l.store.MigrateTransferLink(ctx, mig.PartnerID, mig.NewID, categoryID); err != nil {
			return result, &LinkError{Op: OpMigrate, TransactionIDs: []string{mig.PartnerID, mig.NewID}, Err: err}
		}
		result.Migrated++
	}

	if len(plan.Skipped) > 0 {
		l.logger.WithField("manual_ids", plan.Skipped).Warn("Skipped overlapping transfer relinks")
	}

	return result, nil
}

// Link links two records as a transfer pair.
func (l *TransferLinker) Link(ctx context.Context, aID, bID string, categoryID *string) error {
	if aID == bID {
		return ErrSelfLink
	}
	if err := l.store.LinkTransfer(ctx, aID, bID, categoryID); err != nil {
		return &LinkError{Op: OpLink, TransactionIDs: []string{aID, bID}, Err: err}
	}
	return nil
}

// Unlink clears the transfer link of id and its partner.
func (l *TransferLinker) Unlink(ctx context.Context, id string) error {
	if err := l.store.UnlinkTransfer(ctx, id); err != nil {
		return &LinkError{Op: OpUnlink, TransactionIDs: []string{id}, Err: err}
	}
	return nil
}
