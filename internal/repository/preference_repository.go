package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-adp-extension/internal/models"
)

// PreferenceRepository persists per-user settings.
type PreferenceRepository struct {
	db *sqlx.DB
}

// NewPreferenceRepository constructs the repository.
func NewPreferenceRepository(db *sqlx.DB) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

// Get returns the preference value and whether it is set.
func (r *PreferenceRepository) Get(ctx context.Context, userID, name string) (string, bool, error) {
	var value string
	err := r.db.GetContext(ctx, &value, `SELECT value FROM user_preferences WHERE user_id = $1 AND name = $2`, userID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get preference: %w", err)
	}
	return value, true, nil
}

// ListForUsers returns one preference for many users in a single query.
func (r *PreferenceRepository) ListForUsers(ctx context.Context, userIDs []string, name string) (map[string]string, error) {
	out := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var prefs []models.UserPreference
	query := `SELECT user_id, name, value, updated_at FROM user_preferences WHERE name = $1 AND user_id = ANY($2)`
	if err := r.db.SelectContext(ctx, &prefs, query, name, pq.Array(userIDs)); err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	for _, pref := range prefs {
		out[pref.UserID] = pref.Value
	}
	return out, nil
}

// Set upserts a preference.
func (r *PreferenceRepository) Set(ctx context.Context, userID, name, value string) error {
	const query = `INSERT INTO user_preferences (user_id, name, value, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.ExecContext(ctx, query, userID, name, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}
