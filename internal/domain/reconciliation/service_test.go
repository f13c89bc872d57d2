package reconciliation

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"famledger/internal/domain/account"
)

// fakeLedger extends memLedger with the read side of TransactionRepository.
type fakeLedger struct {
	*memLedger
	accounts map[string]*account.Account
	listErr  error
}

func newFakeLedger(accounts []*account.Account, txns ...Transaction) *fakeLedger {
	f := &fakeLedger{memLedger: newMemLedger(txns...), accounts: make(map[string]*account.Account)}
	for _, a := range accounts {
		f.accounts[a.ID] = a
	}
	return f
}

func (f *fakeLedger) each(fn func(t Transaction)) {
	for _, id := range f.order {
		if t, ok := f.txns[id]; ok {
			fn(*t)
		}
	}
}

func (f *fakeLedger) GetByID(ctx context.Context, id string) (*Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeLedger) ListPendingManuals(ctx context.Context, familyID string) ([]Transaction, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Transaction
	f.each(func(t Transaction) {
		acct := f.accounts[t.AccountID]
		if acct == nil || acct.FamilyID != familyID || !acct.InReconciliationScope() || !t.IsManual() {
			return
		}
		if t.PostedAt.After(*acct.ReconciledUntil) {
			return
		}
		out = append(out, t)
	})
	return out, nil
}

func (f *fakeLedger) ListImportsUntil(ctx context.Context, accountID string, until civil.Date) ([]Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Transaction
	f.each(func(t Transaction) {
		if t.AccountID == accountID && t.IsImported() && !t.PostedAt.After(until) {
			out = append(out, t)
		}
	})
	return out, nil
}

func (f *fakeLedger) UpdatePostedAt(ctx context.Context, id string, postedAt civil.Date) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txns[id]
	if !ok {
		return ErrTransactionNotFound
	}
	t.PostedAt = postedAt
	return nil
}

func (f *fakeLedger) ListBrokenTransferLinks(ctx context.Context, familyID string) ([]BrokenLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []BrokenLink
	f.each(func(t Transaction) {
		if t.TransferLinkedID == nil || f.accounts[t.AccountID].FamilyID != familyID {
			return
		}
		partner, ok := f.txns[*t.TransferLinkedID]
		if ok && partner.TransferLinkedID != nil && *partner.TransferLinkedID == t.ID {
			return
		}
		link := BrokenLink{TransactionID: t.ID, AccountID: t.AccountID, LinkedID: *t.TransferLinkedID, PartnerExists: ok}
		if ok {
			link.PartnerLinkID = partner.TransferLinkedID
		}
		out = append(out, link)
	})
	return out, nil
}

type fakeAccounts struct {
	accounts []*account.Account
	balances map[string]decimal.Decimal
}

func (f *fakeAccounts) GetByID(ctx context.Context, id string) (*account.Account, error) {
	for _, a := range f.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, account.ErrAccountNotFound
}

func (f *fakeAccounts) ListReconcilable(ctx context.Context, familyID string) ([]*account.Account, error) {
	var out []*account.Account
	for _, a := range f.accounts {
		if a.FamilyID == familyID && a.IsReconcilable {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAccounts) BalanceAt(ctx context.Context, accountID string, date civil.Date) (decimal.Decimal, error) {
	return f.balances[accountID], nil
}

type MockSettingsRepository struct {
	GetFunc  func(ctx context.Context, familyID string) (*Settings, error)
	SaveFunc func(ctx context.Context, familyID string, settings Settings) error
}

func (m *MockSettingsRepository) Get(ctx context.Context, familyID string) (*Settings, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, familyID)
	}
	return nil, nil
}

func (m *MockSettingsRepository) Save(ctx context.Context, familyID string, settings Settings) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, familyID, settings)
	}
	return nil
}

type MockCategoryRepository struct {
	FindTransferCategoryFunc func(ctx context.Context, familyID string) (*string, error)
}

func (m *MockCategoryRepository) FindTransferCategory(ctx context.Context, familyID string) (*string, error) {
	if m.FindTransferCategoryFunc != nil {
		return m.FindTransferCategoryFunc(ctx, familyID)
	}
	return nil, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyChanged(ctx context.Context, familyID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, familyID)
	return nil
}

type MockBatchLocker struct {
	LockFunc func(ctx context.Context, key string) (func(context.Context) error, error)
}

func (m *MockBatchLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	return m.LockFunc(ctx, key)
}

type serviceFixture struct {
	svc      *Service
	ledger   *fakeLedger
	notifier *recordingNotifier
}

// newFixture builds a family with two reconcilable accounts (A, B), one
// reconcilable account without cutoff (C), one plain account (D) and an
// account of another family (X).
func newFixture(t *testing.T, txns ...Transaction) *serviceFixture {
	t.Helper()
	until := day("2024-03-31")
	accounts := []*account.Account{
		{ID: "A", FamilyID: "fam", Name: "Checking", IsReconcilable: true, ReconciledUntil: &until, ReconciledBalance: decPtr("1000.00")},
		{ID: "B", FamilyID: "fam", Name: "Savings", IsReconcilable: true, ReconciledUntil: &until},
		{ID: "C", FamilyID: "fam", Name: "Wallet", IsReconcilable: true},
		{ID: "D", FamilyID: "fam", Name: "Cash"},
		{ID: "X", FamilyID: "other", Name: "Elsewhere", IsReconcilable: true, ReconciledUntil: &until},
	}
	ledger := newFakeLedger(accounts, txns...)
	notifier := &recordingNotifier{}
	accts := &fakeAccounts{accounts: accounts, balances: map[string]decimal.Decimal{"A": dec("1000.00")}}
	transferCat := "cat-transfer"
	svc := NewService(ledger, accts, &MockSettingsRepository{}, &MockCategoryRepository{
		FindTransferCategoryFunc: func(ctx context.Context, familyID string) (*string, error) {
			return &transferCat, nil
		},
	}, WithNotifier(notifier), WithLogger(quietLogger()), WithWorkers(2))
	return &serviceFixture{svc: svc, ledger: ledger, notifier: notifier}
}

func TestService_Reconcile(t *testing.T) {
	f := newFixture(t,
		manualTxn("m1", "A", "-50.00", "2024-03-10"),
		importTxn("o1", "A", "-50.00", "2024-03-10"),
		manualTxn("m2", "A", "-20.00", "2024-03-12"),
		importTxn("o-late", "A", "-20.00", "2024-04-02"),
		manualTxn("m-late", "A", "-9.00", "2024-04-05"),
		importTxn("o2", "B", "15.00", "2024-03-01"),
		Transaction{ID: "adj", AccountID: "A", Amount: dec("3"), PostedAt: day("2024-03-05"), Source: SourceAdjustment},
		manualTxn("mc", "C", "-1", "2024-03-01"),
	)

	view, err := f.svc.Reconcile(context.Background(), "fam")
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}

	if len(view.Accounts) != 2 {
		t.Fatalf("got %d accounts, want 2 (A and B)", len(view.Accounts))
	}
	a, b := view.Accounts[0], view.Accounts[1]
	if a.Account.ID != "A" || b.Account.ID != "B" {
		t.Fatalf("accounts out of order: %s, %s", a.Account.ID, b.Account.ID)
	}

	if len(a.ExactMatches) != 1 || a.ExactMatches[0].ID != MatchID("m1", "o1") {
		t.Errorf("A exact matches = %+v, want m1/o1", a.ExactMatches)
	}
	if !reflect.DeepEqual(ids(a.UnmatchedManuals), []string{"m2"}) {
		t.Errorf("A unmatched manuals = %v, want [m2]", ids(a.UnmatchedManuals))
	}
	if len(a.UnmatchedImports) != 0 {
		t.Errorf("A unmatched imports = %v, want none (o-late is past the cutoff)", ids(a.UnmatchedImports))
	}
	if a.Discrepancy == nil || !a.Discrepancy.Difference.IsZero() {
		t.Errorf("A discrepancy = %+v, want zero difference", a.Discrepancy)
	}
	if !a.Expanded {
		t.Error("A should be expanded")
	}

	if b.Expanded {
		t.Error("B has nothing pending and should be collapsed")
	}
	if !reflect.DeepEqual(ids(b.UnmatchedImports), []string{"o2"}) {
		t.Errorf("B unmatched imports = %v, want [o2]", ids(b.UnmatchedImports))
	}
	if b.Discrepancy != nil {
		t.Errorf("B discrepancy = %+v, want nil without reported balance", b.Discrepancy)
	}

	if view.TotalExactMatches != 1 || view.TotalUnmatchedManuals != 1 {
		t.Errorf("totals = %d/%d, want 1/1", view.TotalExactMatches, view.TotalUnmatchedManuals)
	}
}

func TestService_Reconcile_DiscrepancyExpandsAccount(t *testing.T) {
	f := newFixture(t, importTxn("o1", "A", "-5", "2024-03-01"))
	f.svc.accounts.(*fakeAccounts).balances["A"] = dec("980.00")

	view, err := f.svc.Reconcile(context.Background(), "fam")
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	a := view.Accounts[0]
	if a.Discrepancy == nil || !a.Discrepancy.Difference.Equal(dec("20")) {
		t.Fatalf("discrepancy = %+v, want 20", a.Discrepancy)
	}
	if !a.Expanded {
		t.Error("account with a material discrepancy should be expanded")
	}
}

func TestService_Reconcile_PropagatesStoreErrors(t *testing.T) {
	f := newFixture(t)
	storeErr := errors.New("timeout")
	f.ledger.listErr = storeErr

	if _, err := f.svc.Reconcile(context.Background(), "fam"); !errors.Is(err, storeErr) {
		t.Errorf("Reconcile() error = %v, want wrapped store error", err)
	}
}

func TestService_ConfirmMatches_BatchDirectLink(t *testing.T) {
	f := newFixture(t,
		linkedManual("m1", "A", "-100.00", "2024-03-10", "m2"),
		linkedManual("m2", "B", "100.00", "2024-03-10", "m1"),
		importTxn("r1", "A", "-100.00", "2024-03-10"),
		importTxn("r2", "B", "100.00", "2024-03-10"),
	)
	ctx := context.Background()

	result, err := f.svc.ConfirmMatches(ctx, "fam", []string{MatchID("m1", "r1"), MatchID("m2", "r2")})
	if err != nil {
		t.Fatalf("ConfirmMatches() failed: %v", err)
	}
	if result.Deleted != 2 || result.Linked != 1 {
		t.Errorf("result = %+v, want 2 deleted and 1 linked", result)
	}
	if got := f.ledger.linked("r1"); got == nil || *got != "r2" {
		t.Errorf("r1 linked to %v, want r2", got)
	}
	if got := f.ledger.linked("r2"); got == nil || *got != "r1" {
		t.Errorf("r2 linked to %v, want r1", got)
	}
	if len(f.notifier.calls) != 1 {
		t.Errorf("notifier called %d times, want 1", len(f.notifier.calls))
	}

	view, err := f.svc.Reconcile(ctx, "fam")
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	if view.TotalExactMatches != 0 || view.TotalUnmatchedManuals != 0 {
		t.Errorf("after confirmation: %d matches, %d unmatched manuals; want none", view.TotalExactMatches, view.TotalUnmatchedManuals)
	}
}

func TestService_ConfirmMatches_UnknownIDDeletesNothing(t *testing.T) {
	f := newFixture(t,
		manualTxn("m1", "A", "-50.00", "2024-03-10"),
		importTxn("o1", "A", "-50.00", "2024-03-10"),
	)

	_, err := f.svc.ConfirmMatches(context.Background(), "fam", []string{MatchID("m1", "o1"), "stale"})
	if !errors.Is(err, ErrMatchNotFound) {
		t.Fatalf("ConfirmMatches() error = %v, want ErrMatchNotFound", err)
	}
	if _, err := f.ledger.GetByID(context.Background(), "m1"); err != nil {
		t.Error("m1 was deleted despite the failed resolution")
	}
	if len(f.notifier.calls) != 0 {
		t.Error("notifier should not fire when nothing changed")
	}
}

func TestService_ConfirmMatches_LockBusy(t *testing.T) {
	f := newFixture(t)
	f.svc.locker = &MockBatchLocker{LockFunc: func(ctx context.Context, key string) (func(context.Context) error, error) {
		if key != "reconciliation:confirm:fam" {
			t.Errorf("lock key = %q", key)
		}
		return nil, ErrBatchInProgress
	}}

	if _, err := f.svc.ConfirmMatches(context.Background(), "fam", []string{"x"}); !errors.Is(err, ErrBatchInProgress) {
		t.Errorf("ConfirmMatches() error = %v, want ErrBatchInProgress", err)
	}
}

func TestService_ConfirmMatches_ReleasesLock(t *testing.T) {
	f := newFixture(t,
		manualTxn("m1", "A", "-50.00", "2024-03-10"),
		importTxn("o1", "A", "-50.00", "2024-03-10"),
	)
	released := false
	f.svc.locker = &MockBatchLocker{LockFunc: func(ctx context.Context, key string) (func(context.Context) error, error) {
		return func(context.Context) error { released = true; return nil }, nil
	}}

	if _, err := f.svc.ConfirmMatches(context.Background(), "fam", []string{MatchID("m1", "o1")}); err != nil {
		t.Fatalf("ConfirmMatches() failed: %v", err)
	}
	if !released {
		t.Error("lock was not released")
	}
}

func TestService_LinkManualToCandidate(t *testing.T) {
	ctx := context.Background()

	t.Run("migrates the partner to the candidate", func(t *testing.T) {
		f := newFixture(t,
			linkedManual("m", "A", "-100.00", "2024-03-10", "p"),
			linkedManual("p", "B", "100.00", "2024-03-10", "m"),
			importTxn("c", "A", "-100.40", "2024-03-11"),
		)
		result, err := f.svc.LinkManualToCandidate(ctx, "fam", "m", "c")
		if err != nil {
			t.Fatalf("LinkManualToCandidate() failed: %v", err)
		}
		if result.Deleted != 1 || result.Migrated != 1 {
			t.Errorf("result = %+v, want 1 deleted and 1 migrated", result)
		}
		if got := f.ledger.linked("p"); got == nil || *got != "c" {
			t.Errorf("p linked to %v, want c", got)
		}
		if *f.ledger.txns["c"].CategoryID != "cat-transfer" {
			t.Errorf("candidate category = %v, want cat-transfer", f.ledger.txns["c"].CategoryID)
		}
	})

	t.Run("candidate is the manual's own partner", func(t *testing.T) {
		p := importTxn("p", "B", "100.00", "2024-03-10")
		p.TransferLinkedID = strPtr("m")
		f := newFixture(t, linkedManual("m", "A", "-100.00", "2024-03-10", "p"), p)

		result, err := f.svc.LinkManualToCandidate(ctx, "fam", "m", "p")
		if err != nil {
			t.Fatalf("LinkManualToCandidate() failed: %v", err)
		}
		if result.Deleted != 1 || result.Migrated != 0 {
			t.Errorf("result = %+v, want 1 deleted and nothing migrated", result)
		}
		if got := f.ledger.linked("p"); got != nil {
			t.Errorf("p linked to %v, want nil", *got)
		}
	})

	t.Run("empty candidate only deletes", func(t *testing.T) {
		f := newFixture(t, manualTxn("m", "A", "-10", "2024-03-10"))
		result, err := f.svc.LinkManualToCandidate(ctx, "fam", "m", "")
		if err != nil {
			t.Fatalf("LinkManualToCandidate() failed: %v", err)
		}
		if result.Deleted != 1 {
			t.Errorf("Deleted = %d, want 1", result.Deleted)
		}
		if _, err := f.ledger.GetByID(ctx, "m"); !errors.Is(err, ErrTransactionNotFound) {
			t.Error("manual still exists")
		}
	})

	t.Run("candidate must be imported", func(t *testing.T) {
		f := newFixture(t, manualTxn("m", "A", "-10", "2024-03-10"), manualTxn("n", "A", "-10", "2024-03-10"))
		if _, err := f.svc.LinkManualToCandidate(ctx, "fam", "m", "n"); !errors.Is(err, ErrNotImported) {
			t.Errorf("error = %v, want ErrNotImported", err)
		}
	})

	t.Run("manual must be manual", func(t *testing.T) {
		f := newFixture(t, importTxn("o", "A", "-10", "2024-03-10"))
		if _, err := f.svc.LinkManualToCandidate(ctx, "fam", "o", ""); !errors.Is(err, ErrNotManual) {
			t.Errorf("error = %v, want ErrNotManual", err)
		}
	})

	t.Run("other family is forbidden", func(t *testing.T) {
		f := newFixture(t, manualTxn("m", "X", "-10", "2024-03-10"))
		if _, err := f.svc.LinkManualToCandidate(ctx, "fam", "m", ""); !errors.Is(err, ErrForbidden) {
			t.Errorf("error = %v, want ErrForbidden", err)
		}
	})
}

func TestService_MoveForward(t *testing.T) {
	f := newFixture(t, manualTxn("m", "A", "-10", "2024-03-10"))
	ctx := context.Background()

	next, err := f.svc.MoveForward(ctx, "fam", "m")
	if err != nil {
		t.Fatalf("MoveForward() failed: %v", err)
	}
	if next != day("2024-04-01") {
		t.Errorf("moved to %s, want 2024-04-01", next)
	}

	view, err := f.svc.Reconcile(ctx, "fam")
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	if view.TotalUnmatchedManuals != 0 {
		t.Errorf("moved manual still pending: %d unmatched", view.TotalUnmatchedManuals)
	}

	g := newFixture(t, manualTxn("w", "C", "-1", "2024-03-01"))
	if _, err := g.svc.MoveForward(ctx, "fam", "w"); !errors.Is(err, ErrNoCutoff) {
		t.Errorf("MoveForward() error = %v, want ErrNoCutoff", err)
	}
}

func TestService_Candidates(t *testing.T) {
	f := newFixture(t,
		manualTxn("m", "A", "-100.00", "2024-03-10"),
		importTxn("same", "A", "-100.50", "2024-03-11"),
		importTxn("cross", "B", "-100.00", "2024-03-10"),
		importTxn("far", "A", "-100.00", "2024-03-20"),
	)
	ctx := context.Background()

	got, err := f.svc.Candidates(ctx, "fam", "m", false)
	if err != nil {
		t.Fatalf("Candidates() failed: %v", err)
	}
	if len(got) != 1 || got[0].Imported.ID != "same" {
		t.Errorf("got %+v, want only same", got)
	}

	got, err = f.svc.Candidates(ctx, "fam", "m", true)
	if err != nil {
		t.Fatalf("Candidates() failed: %v", err)
	}
	var order []string
	for _, c := range got {
		order = append(order, c.Imported.ID)
	}
	if !reflect.DeepEqual(order, []string{"cross", "same"}) {
		t.Errorf("got %v, want [cross same]", order)
	}

	if _, err := f.svc.Candidates(ctx, "fam", "missing", false); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("error = %v, want ErrTransactionNotFound", err)
	}
}

func TestService_TransferPrimitives(t *testing.T) {
	f := newFixture(t, importTxn("a", "A", "-10", "2024-03-10"), importTxn("b", "B", "10", "2024-03-10"))
	ctx := context.Background()

	if err := f.svc.LinkTransfer(ctx, "fam", "a", "b"); err != nil {
		t.Fatalf("LinkTransfer() failed: %v", err)
	}
	if got := f.ledger.linked("b"); got == nil || *got != "a" {
		t.Errorf("b linked to %v, want a", got)
	}
	if err := f.svc.UnlinkTransfer(ctx, "fam", "b"); err != nil {
		t.Fatalf("UnlinkTransfer() failed: %v", err)
	}
	if f.ledger.linked("a") != nil || f.ledger.linked("b") != nil {
		t.Error("link survived unlink")
	}
	if len(f.notifier.calls) != 2 {
		t.Errorf("notifier called %d times, want 2", len(f.notifier.calls))
	}
}

func TestService_AuditTransferLinks(t *testing.T) {
	f := newFixture(t,
		linkedManual("half", "A", "-10", "2024-03-10", "gone"),
		linkedManual("x", "A", "-5", "2024-03-10", "y"),
		linkedManual("y", "B", "5", "2024-03-10", "x"),
	)

	links, err := f.svc.AuditTransferLinks(context.Background(), "fam")
	if err != nil {
		t.Fatalf("AuditTransferLinks() failed: %v", err)
	}
	if len(links) != 1 || links[0].TransactionID != "half" || links[0].PartnerExists {
		t.Errorf("got %+v, want only half with a missing partner", links)
	}
}

func TestService_Settings(t *testing.T) {
	ctx := context.Background()
	loads := 0
	stored := &Settings{DateToleranceDays: intPtr(5)}
	repo := &MockSettingsRepository{
		GetFunc: func(ctx context.Context, familyID string) (*Settings, error) {
			loads++
			return stored, nil
		},
	}
	svc := NewService(newFakeLedger(nil), &fakeAccounts{}, repo, &MockCategoryRepository{}, WithLogger(quietLogger()))

	s, err := svc.Settings(ctx, "fam")
	if err != nil {
		t.Fatalf("Settings() failed: %v", err)
	}
	if s.DateWindow() != 5 || s.AmountToleranceAbs != nil {
		t.Errorf("got %+v, want stored settings with null absolute tolerance", s)
	}
	if _, err := svc.Settings(ctx, "fam"); err != nil || loads != 1 {
		t.Errorf("settings loaded %d times, want 1 (cached)", loads)
	}

	svc.InvalidateSettings("fam")
	if _, err := svc.Settings(ctx, "fam"); err != nil || loads != 2 {
		t.Errorf("settings loaded %d times after invalidation, want 2", loads)
	}

	if err := svc.SaveSettings(ctx, "fam", Settings{DateToleranceDays: intPtr(-2)}); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("SaveSettings() error = %v, want ErrInvalidSettings", err)
	}

	fresh := NewService(newFakeLedger(nil), &fakeAccounts{}, &MockSettingsRepository{}, &MockCategoryRepository{}, WithLogger(quietLogger()))
	def, err := fresh.Settings(ctx, "new-family")
	if err != nil {
		t.Fatalf("Settings() failed: %v", err)
	}
	if !reflect.DeepEqual(def, DefaultSettings()) {
		t.Errorf("got %+v, want defaults", def)
	}
}
