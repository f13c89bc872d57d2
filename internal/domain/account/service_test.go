package account

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// MockRepository is a mock implementation of Repository interface
type MockRepository struct {
	GetByIDFunc              func(ctx context.Context, id string) (*Account, error)
	ListByFamilyIDFunc       func(ctx context.Context, familyID string) ([]*Account, error)
	ListReconcilableFunc     func(ctx context.Context, familyID string) ([]*Account, error)
	UpdateReconciliationFunc func(ctx context.Context, id string, params ReconciliationParams) (*Account, error)
	BalanceAtFunc            func(ctx context.Context, accountID string, date civil.Date) (decimal.Decimal, error)
}

func (m *MockRepository) GetByID(ctx context.Context, id string) (*Account, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockRepository) ListByFamilyID(ctx context.Context, familyID string) ([]*Account, error) {
	if m.ListByFamilyIDFunc != nil {
		return m.ListByFamilyIDFunc(ctx, familyID)
	}
	return nil, nil
}

func (m *MockRepository) ListReconcilable(ctx context.Context, familyID string) ([]*Account, error) {
	if m.ListReconcilableFunc != nil {
		return m.ListReconcilableFunc(ctx, familyID)
	}
	return nil, nil
}

func (m *MockRepository) UpdateReconciliation(ctx context.Context, id string, params ReconciliationParams) (*Account, error) {
	if m.UpdateReconciliationFunc != nil {
		return m.UpdateReconciliationFunc(ctx, id, params)
	}
	return nil, nil
}

func (m *MockRepository) BalanceAt(ctx context.Context, accountID string, date civil.Date) (decimal.Decimal, error) {
	if m.BalanceAtFunc != nil {
		return m.BalanceAtFunc(ctx, accountID, date)
	}
	return decimal.Zero, nil
}

func TestService_GetAccount(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		familyID string
		repo     *MockRepository
		wantErr  error
	}{
		{
			name:     "owner",
			familyID: "fam-1",
			repo: &MockRepository{GetByIDFunc: func(ctx context.Context, id string) (*Account, error) {
				return &Account{ID: id, FamilyID: "fam-1"}, nil
			}},
		},
		{
			name:     "other family",
			familyID: "fam-2",
			repo: &MockRepository{GetByIDFunc: func(ctx context.Context, id string) (*Account, error) {
				return &Account{ID: id, FamilyID: "fam-1"}, nil
			}},
			wantErr: ErrForbidden,
		},
		{
			name:     "missing",
			familyID: "fam-1",
			repo:     &MockRepository{},
			wantErr:  ErrAccountNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.repo)
			acc, err := svc.GetAccount(ctx, "acc-1", tt.familyID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("GetAccount() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetAccount() unexpected error: %v", err)
			}
			if acc.ID != "acc-1" {
				t.Errorf("GetAccount() ID = %q, want %q", acc.ID, "acc-1")
			}
		})
	}
}

func TestService_SetReconciliation(t *testing.T) {
	ctx := context.Background()
	until := civil.Date{Year: 2024, Month: 3, Day: 31}
	balance := decimal.RequireFromString("1000")

	var stored ReconciliationParams
	repo := &MockRepository{
		GetByIDFunc: func(ctx context.Context, id string) (*Account, error) {
			return &Account{ID: id, FamilyID: "fam-1"}, nil
		},
		UpdateReconciliationFunc: func(ctx context.Context, id string, params ReconciliationParams) (*Account, error) {
			stored = params
			return &Account{ID: id, FamilyID: "fam-1", IsReconcilable: true, ReconciledUntil: params.ReconciledUntil, ReconciledBalance: params.ReconciledBalance}, nil
		},
	}
	svc := NewService(repo)

	acc, err := svc.SetReconciliation(ctx, "acc-1", "fam-1", ReconciliationParams{IsReconcilable: true, ReconciledUntil: &until, ReconciledBalance: &balance})
	if err != nil {
		t.Fatalf("SetReconciliation() failed: %v", err)
	}
	if !acc.InReconciliationScope() {
		t.Error("expected account to be in reconciliation scope")
	}
	if stored.ReconciledUntil == nil || *stored.ReconciledUntil != until {
		t.Errorf("stored cutoff = %v, want %v", stored.ReconciledUntil, until)
	}

	_, err = svc.SetReconciliation(ctx, "acc-1", "fam-1", ReconciliationParams{IsReconcilable: true})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("SetReconciliation() error = %v, want ErrInvalidInput", err)
	}

	_, err = svc.SetReconciliation(ctx, "acc-1", "fam-2", ReconciliationParams{})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("SetReconciliation() error = %v, want ErrForbidden", err)
	}
}

func TestService_ListAccounts_RequiresFamily(t *testing.T) {
	svc := NewService(&MockRepository{})
	if _, err := svc.ListAccounts(context.Background(), ""); err == nil {
		t.Error("ListAccounts() expected error for empty family ID")
	}
}
