package account

import (
	"context"
	"errors"
)

// Service contains the business logic for account operations
type Service struct {
	repo Repository
}

// NewService creates a new account service
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// GetAccount retrieves an account by ID and verifies family ownership
func (s *Service) GetAccount(ctx context.Context, accountID, familyID string) (*Account, error) {
	account, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}

	// Business rule: verify ownership
	if account.FamilyID != familyID {
		return nil, ErrForbidden
	}

	return account, nil
}

// ListAccounts retrieves all accounts for a family
func (s *Service) ListAccounts(ctx context.Context, familyID string) ([]*Account, error) {
	if familyID == "" {
		return nil, errors.New("family ID is required")
	}

	return s.repo.ListByFamilyID(ctx, familyID)
}

// SetReconciliation updates the statement cutoff of an account after verifying ownership
func (s *Service) SetReconciliation(ctx context.Context, accountID, familyID string, params ReconciliationParams) (*Account, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidInput, err)
	}

	if _, err := s.GetAccount(ctx, accountID, familyID); err != nil {
		return nil, err
	}

	return s.repo.UpdateReconciliation(ctx, accountID, params)
}
