package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"famledger/internal/domain/account"
)

// DefaultWorkerCount is the default number of accounts reconciled concurrently
const DefaultWorkerCount = 4

var (
	reconTracer        = otel.Tracer("famledger/reconciliation")
	reconMeter         = otel.Meter("famledger/reconciliation")
	runDuration, _     = reconMeter.Float64Histogram("reconciliation.run.duration", metric.WithDescription("Reconciliation run duration in seconds"), metric.WithUnit("s"))
	matchesFound, _    = reconMeter.Int64Counter("reconciliation.matches.found", metric.WithDescription("Exact matches computed"))
	matchesApplied, _  = reconMeter.Int64Counter("reconciliation.matches.confirmed", metric.WithDescription("Manual records removed by confirmation"))
	linkFailures, _    = reconMeter.Int64Counter("reconciliation.link.failures", metric.WithDescription("Failed transfer link operations"))
	discrepancyFlag, _ = reconMeter.Int64Counter("reconciliation.discrepancies", metric.WithDescription("Accounts with a material balance discrepancy"))
)

// Service drives reconciliation for a family: it builds views, ranks
// candidates and applies confirmations.
type Service struct {
	transactions TransactionRepository
	accounts     AccountRepository
	settings     SettingsRepository
	categories   CategoryRepository
	notifier     ChangeNotifier
	locker       BatchLocker

	checker *DiscrepancyChecker
	linker  *TransferLinker
	logger  logrus.FieldLogger
	workers int

	settingsCache sync.Map // familyID -> Settings
}

// Option configures a Service
type Option func(*Service)

// WithNotifier publishes a data-changed signal after every mutation
func WithNotifier(n ChangeNotifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLocker serializes confirmation batches per family
func WithLocker(l BatchLocker) Option {
	return func(s *Service) { s.locker = l }
}

// WithWorkers sets how many accounts are reconciled concurrently
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the service logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a new reconciliation service
func NewService(transactions TransactionRepository, accounts AccountRepository, settings SettingsRepository, categories CategoryRepository, opts ...Option) *Service {
	s := &Service{
		transactions: transactions,
		accounts:     accounts,
		settings:     settings,
		categories:   categories,
		workers:      DefaultWorkerCount,
		logger:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.checker = NewDiscrepancyChecker(accounts)
	s.linker = NewTransferLinker(transactions, s.logger)
	return s
}

// Reconcile computes the reconciliation view of every reconcilable account of
// the family. It reads only; callers re-invoke it after each mutation.
func (s *Service) Reconcile(ctx context.Context, familyID string) (*View, error) {
	ctx, span := reconTracer.Start(ctx, "reconciliation.Reconcile",
		trace.WithAttributes(attribute.String("family.id", familyID)),
	)
	defer span.End()
	start := time.Now()

	view, err := s.reconcile(ctx, familyID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	runDuration.Record(ctx, time.Since(start).Seconds())
	matchesFound.Add(ctx, int64(view.TotalExactMatches))
	span.SetAttributes(
		attribute.Int("reconciliation.accounts", len(view.Accounts)),
		attribute.Int("reconciliation.exact_matches", view.TotalExactMatches),
		attribute.Int("reconciliation.unmatched_manuals", view.TotalUnmatchedManuals),
	)
	return view, nil
}

func (s *Service) reconcile(ctx context.Context, familyID string) (*View, error) {
	accounts, err := s.accounts.ListReconcilable(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcilable accounts: %w", err)
	}

	manuals, err := s.transactions.ListPendingManuals(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending manual transactions: %w", err)
	}

	manualsByAccount := make(map[string][]Transaction)
	for _, m := range manuals {
		if m.IsManual() {
			manualsByAccount[m.AccountID] = append(manualsByAccount[m.AccountID], m)
		}
	}

	var scoped []*account.Account
	for _, acct := range accounts {
		if acct.InReconciliationScope() {
			scoped = append(scoped, acct)
		}
	}

	results := make([]AccountView, len(scoped))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, acct := range scoped {
		g.Go(func() error {
			av, err := s.reconcileAccount(gctx, acct, manualsByAccount[acct.ID])
			if err != nil {
				return err
			}
			results[i] = av
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	view := &View{FamilyID: familyID, Accounts: results}
	for _, av := range results {
		view.TotalExactMatches += len(av.ExactMatches)
		view.TotalUnmatchedManuals += len(av.UnmatchedManuals)
	}
	return view, nil
}

func (s *Service) reconcileAccount(ctx context.Context, acct *account.Account, manuals []Transaction) (AccountView, error) {
	until := *acct.ReconciledUntil

	imports, err := s.transactions.ListImportsUntil(ctx, acct.ID, until)
	if err != nil {
		return AccountView{}, fmt.Errorf("failed to list imports of account %s: %w", acct.ID, err)
	}

	inWindow := func(t Transaction) bool { return !t.PostedAt.After(until) }
	result := AutoMatchExact(filter(manuals, inWindow), filter(imports, func(t Transaction) bool {
		return t.IsImported() && inWindow(t)
	}))

	discrepancy, err := s.checker.Check(ctx, acct)
	if err != nil {
		return AccountView{}, err
	}
	if discrepancy.IsMaterial() {
		discrepancyFlag.Add(ctx, 1)
	}

	return AccountView{
		Account:          acct,
		ExactMatches:     result.ExactMatches,
		UnmatchedManuals: result.UnmatchedManuals,
		UnmatchedImports: result.UnmatchedImports,
		Discrepancy:      discrepancy,
		Expanded:         len(result.ExactMatches) > 0 || len(result.UnmatchedManuals) > 0 || discrepancy.IsMaterial(),
	}, nil
}

func filter(in []Transaction, keep func(Transaction) bool) []Transaction {
	out := make([]Transaction, 0, len(in))
	for _, t := range in {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// Candidates ranks the unmatched imports of the family for one manual transaction.
func (s *Service) Candidates(ctx context.Context, familyID, manualID string, allowCrossAccount bool) ([]Candidate, error) {
	ctx, span := reconTracer.Start(ctx, "reconciliation.Candidates",
		trace.WithAttributes(
			attribute.String("family.id", familyID),
			attribute.String("transaction.id", manualID),
			attribute.Bool("reconciliation.cross_account", allowCrossAccount),
		),
	)
	defer span.End()

	manual, err := s.ownedTransaction(ctx, familyID, manualID)
	if err != nil {
		return nil, err
	}
	if !manual.IsManual() {
		return nil, ErrNotManual
	}

	view, err := s.Reconcile(ctx, familyID)
	if err != nil {
		return nil, err
	}

	settings, err := s.Settings(ctx, familyID)
	if err != nil {
		return nil, err
	}

	candidates := RankCandidates(*manual, view.UnmatchedImports(), settings, allowCrossAccount)
	span.SetAttributes(attribute.Int("reconciliation.candidates", len(candidates)))
	return candidates, nil
}

// ConfirmMatches deletes the manual side of each selected exact match and
// carries its transfer link over to the import that replaces it. Match ids
// are resolved against a freshly computed view; an unknown id aborts the
// batch before anything is deleted.
func (s *Service) ConfirmMatches(ctx context.Context, familyID string, matchIDs []string) (*ConfirmResult, error) {
	ctx, span := reconTracer.Start(ctx, "reconciliation.ConfirmMatches",
		trace.WithAttributes(
			attribute.String("family.id", familyID),
			attribute.Int("reconciliation.selected", len(matchIDs)),
		),
	)
	defer span.End()

	if len(matchIDs) == 0 {
		return &ConfirmResult{}, nil
	}

	release, err := s.lock(ctx, familyID)
	if err != nil {
		return nil, err
	}
	defer release()

	view, err := s.Reconcile(ctx, familyID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(matchIDs))
	matches := make([]ExactMatch, 0, len(matchIDs))
	for _, id := range matchIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		m, ok := view.Match(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMatchNotFound, id)
		}
		matches = append(matches, m)
	}

	result, err := s.applyMatches(ctx, familyID, matches)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// LinkManualToCandidate deletes a manual transaction that the chosen import
// already covers and moves its transfer link to that import. An empty
// candidateID only deletes the manual.
func (s *Service) LinkManualToCandidate(ctx context.Context, familyID, manualID, candidateID string) (*ConfirmResult, error) {
	ctx, span := reconTracer.Start(ctx, "reconciliation.LinkManualToCandidate",
		trace.WithAttributes(
			attribute.String("family.id", familyID),
			attribute.String("transaction.id", manualID),
			attribute.String("candidate.id", candidateID),
		),
	)
	defer span.End()

	manual, err := s.ownedTransaction(ctx, familyID, manualID)
	if err != nil {
		return nil, err
	}
	if !manual.IsManual() {
		return nil, ErrNotManual
	}

	if candidateID == "" {
		if err := s.deleteManual(ctx, familyID, manual); err != nil {
			return nil, err
		}
		return &ConfirmResult{Deleted: 1}, nil
	}

	if candidateID == manualID {
		return nil, ErrSelfLink
	}
	candidate, err := s.ownedTransaction(ctx, familyID, candidateID)
	if err != nil {
		return nil, err
	}
	if !candidate.IsImported() {
		return nil, ErrNotImported
	}

	release, err := s.lock(ctx, familyID)
	if err != nil {
		return nil, err
	}
	defer release()

	return s.applyMatches(ctx, familyID, []ExactMatch{{
		ID:       MatchID(manual.ID, candidate.ID),
		Manual:   *manual,
		Imported: *candidate,
	}})
}

func (s *Service) applyMatches(ctx context.Context, familyID string, matches []ExactMatch) (*ConfirmResult, error) {
	plan := PlanTransferRelinks(matches)

	var categoryID *string
	if len(plan.Direct) > 0 || len(plan.Migrate) > 0 {
		var err error
		categoryID, err = s.categories.FindTransferCategory(ctx, familyID)
		if err != nil {
			return nil, fmt.Errorf("failed to find transfer category: %w", err)
		}
		if categoryID == nil {
			s.logger.WithField("family_id", familyID).Warn("No transfer category; relinking without category change")
		}
	}

	result, err := s.linker.Apply(ctx, plan, categoryID)
	if result != nil && result.Deleted > 0 {
		matchesApplied.Add(ctx, int64(result.Deleted))
		s.notify(ctx, familyID)
	}
	if err != nil {
		linkFailures.Add(ctx, 1)
		s.logger.WithFields(logrus.Fields{
			"family_id": familyID,
			"error":     err.Error(),
		}).Error("Confirmation batch stopped")
		return result, err
	}

	s.logger.WithFields(logrus.Fields{
		"family_id": familyID,
		"deleted":   result.Deleted,
		"linked":    result.Linked,
		"migrated":  result.Migrated,
		"skipped":   len(result.Skipped),
	}).Info("Confirmation batch applied")
	return result, nil
}

// DeleteManual removes a manual transaction. Its transfer partner, if any, is
// left unlinked by the store.
func (s *Service) DeleteManual(ctx context.Context, familyID, manualID string) error {
	manual, err := s.ownedTransaction(ctx, familyID, manualID)
	if err != nil {
		return err
	}
	if !manual.IsManual() {
		return ErrNotManual
	}
	return s.deleteManual(ctx, familyID, manual)
}

func (s *Service) deleteManual(ctx context.Context, familyID string, manual *Transaction) error {
	if err := s.transactions.DeleteTransactions(ctx, []string{manual.ID}); err != nil {
		return &LinkError{Op: OpDelete, TransactionIDs: []string{manual.ID}, Err: err}
	}
	matchesApplied.Add(ctx, 1)
	s.notify(ctx, familyID)
	return nil
}

// MoveForward moves a manual transaction to the day after its account cutoff,
// taking it out of the current reconciliation window.
func (s *Service) MoveForward(ctx context.Context, familyID, manualID string) (civil.Date, error) {
	manual, err := s.ownedTransaction(ctx, familyID, manualID)
	if err != nil {
		return civil.Date{}, err
	}
	if !manual.IsManual() {
		return civil.Date{}, ErrNotManual
	}

	acct, err := s.accounts.GetByID(ctx, manual.AccountID)
	if err != nil {
		return civil.Date{}, err
	}
	if acct == nil || acct.ReconciledUntil == nil {
		return civil.Date{}, ErrNoCutoff
	}

	next := acct.ReconciledUntil.AddDays(1)
	if err := s.transactions.UpdatePostedAt(ctx, manual.ID, next); err != nil {
		return civil.Date{}, fmt.Errorf("failed to move transaction %s: %w", manual.ID, err)
	}
	s.notify(ctx, familyID)
	return next, nil
}

// LinkTransfer links two transactions of the family as a transfer pair.
func (s *Service) LinkTransfer(ctx context.Context, familyID, aID, bID string) error {
	if aID == bID {
		return ErrSelfLink
	}
	for _, id := range []string{aID, bID} {
		if _, err := s.ownedTransaction(ctx, familyID, id); err != nil {
			return err
		}
	}

	categoryID, err := s.categories.FindTransferCategory(ctx, familyID)
	if err != nil {
		return fmt.Errorf("failed to find transfer category: %w", err)
	}

	if err := s.linker.Link(ctx, aID, bID, categoryID); err != nil {
		linkFailures.Add(ctx, 1)
		return err
	}
	s.notify(ctx, familyID)
	return nil
}

// UnlinkTransfer clears the transfer link of a transaction and its partner.
func (s *Service) UnlinkTransfer(ctx context.Context, familyID, transactionID string) error {
	if _, err := s.ownedTransaction(ctx, familyID, transactionID); err != nil {
		return err
	}
	if err := s.linker.Unlink(ctx, transactionID); err != nil {
		linkFailures.Add(ctx, 1)
		return err
	}
	s.notify(ctx, familyID)
	return nil
}

// AuditTransferLinks lists transactions whose transfer link is not reciprocal,
// typically left behind by a confirmation batch that stopped part way.
func (s *Service) AuditTransferLinks(ctx context.Context, familyID string) ([]BrokenLink, error) {
	links, err := s.transactions.ListBrokenTransferLinks(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to audit transfer links: %w", err)
	}
	return links, nil
}

// Settings returns the family's reconciliation settings, or the defaults when
// none were saved.
func (s *Service) Settings(ctx context.Context, familyID string) (Settings, error) {
	if cached, ok := s.settingsCache.Load(familyID); ok {
		return cached.(Settings), nil
	}

	stored, err := s.settings.Get(ctx, familyID)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to load reconciliation settings: %w", err)
	}

	settings := settingsOrDefault(stored)
	s.settingsCache.Store(familyID, settings)
	return settings, nil
}

// SaveSettings validates and persists the family's settings.
func (s *Service) SaveSettings(ctx context.Context, familyID string, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := s.settings.Save(ctx, familyID, settings); err != nil {
		return fmt.Errorf("failed to save reconciliation settings: %w", err)
	}
	s.settingsCache.Store(familyID, settings)
	return nil
}

// InvalidateSettings drops the cached settings of a family. It is called when
// another instance signals a change.
func (s *Service) InvalidateSettings(familyID string) {
	s.settingsCache.Delete(familyID)
}

// ownedTransaction loads a transaction and verifies it belongs to the family.
func (s *Service) ownedTransaction(ctx context.Context, familyID, id string) (*Transaction, error) {
	tx, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, ErrTransactionNotFound
	}

	acct, err := s.accounts.GetByID(ctx, tx.AccountID)
	if err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if acct == nil {
		return nil, ErrTransactionNotFound
	}
	if acct.FamilyID != familyID {
		return nil, ErrForbidden
	}
	return tx, nil
}

func (s *Service) lock(ctx context.Context, familyID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Lock(ctx, "reconciliation:confirm:"+familyID)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithError(err).WithField("family_id", familyID).Warn("Failed to release confirmation lock")
		}
	}, nil
}

func (s *Service) notify(ctx context.Context, familyID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyChanged(ctx, familyID); err != nil {
		s.logger.WithError(err).WithField("family_id", familyID).Warn("Failed to publish data-changed signal")
	}
}
