package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"famledger/internal/domain/reconciliation"
)

// SettingsRepository stores reconciliation settings on the families row
type SettingsRepository struct {
	db *DB
}

// NewSettingsRepository creates a new PostgreSQL settings repository
func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns nil when the family has not saved settings
func (r *SettingsRepository) Get(ctx context.Context, familyID string) (*reconciliation.Settings, error) {
	query := `SELECT reconciliation_settings FROM families WHERE id = $1`

	var raw []byte
	err := r.db.QueryRowContext(ctx, query, familyID).Scan(&raw)
	if err == sql.ErrNoRows || isInvalidID(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation settings: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var settings reconciliation.Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("failed to decode reconciliation settings: %w", err)
	}
	return &settings, nil
}

// Save replaces the family's settings
func (r *SettingsRepository) Save(ctx context.Context, familyID string, settings reconciliation.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode reconciliation settings: %w", err)
	}

	query := `UPDATE families SET reconciliation_settings = $2, updated_at = now() WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, familyID, raw)
	if isInvalidID(err) {
		return reconciliation.ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("failed to save reconciliation settings: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return reconciliation.ErrForbidden
	}
	return nil
}
