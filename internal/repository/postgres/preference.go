package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/jwalitptl/receipt-notify/internal/model"
	"github.com/jwalitptl/receipt-notify/internal/repository"
	apperrors "github.com/jwalitptl/receipt-notify/pkg/errors"
)

type preferenceRepository struct {
	db *sqlx.DB
}

func NewPreferenceRepository(db *sqlx.DB) repository.PreferenceRepository {
	return &preferenceRepository{db: db}
}

func (r *preferenceRepository) Get(ctx context.Context, userID string) (*model.Preferences, error) {
	var raw types.NullJSONText
	query := `SELECT get_user_notification_preferences($1)`
	if err := r.db.QueryRowxContext(ctx, query, userID).Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to get notification preferences: %w", err)
	}
	if !raw.Valid || string(raw.JSONText) == "null" {
		return nil, nil
	}
	return decodePreferences(raw.JSONText)
}

// Upsert sends only the changed keys; the procedure merges them server side
// and returns the full record.
func (r *preferenceRepository) Upsert(ctx context.Context, userID string, changes map[string]any) (*model.Preferences, error) {
	payload, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode preferences: %w", err)
	}

	var raw types.NullJSONText
	query := `SELECT upsert_notification_preferences($1, $2::jsonb)`
	if err := r.db.QueryRowxContext(ctx, query, userID, types.JSONText(payload)).Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to upsert notification preferences: %w", err)
	}
	if !raw.Valid {
		return nil, fmt.Errorf("upsert_notification_preferences returned no record")
	}
	return decodePreferences(raw.JSONText)
}

func decodePreferences(raw types.JSONText) (*model.Preferences, error) {
	var prefs model.Preferences
	if err := raw.Unmarshal(&prefs); err != nil {
		return nil, apperrors.Parse("preferences record", err)
	}
	return &prefs, nil
}
