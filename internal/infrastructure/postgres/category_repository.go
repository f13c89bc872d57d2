package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// CategoryRepository resolves categories used by reconciliation
type CategoryRepository struct {
	db *DB
}

// NewCategoryRepository creates a new PostgreSQL category repository
func NewCategoryRepository(db *DB) *CategoryRepository {
	return &CategoryRepository{db: db}
}

// FindTransferCategory returns the family's transfer category, preferring a
// top-level one. Nil means the family has none.
func (r *CategoryRepository) FindTransferCategory(ctx context.Context, familyID string) (*string, error) {
	query := `
		SELECT id FROM categories
		WHERE family_id = $1 AND category_type = 'transfer'
		ORDER BY parent_id IS NOT NULL, created_at, id
		LIMIT 1`

	var id string
	err := r.db.QueryRowContext(ctx, query, familyID).Scan(&id)
	if err == sql.ErrNoRows || isInvalidID(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transfer category: %w", err)
	}
	return &id, nil
}
