package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sumire/notifications/internal/domain"
)

const tokenColumns = `id, user_id, token, platform, device_id, device_name, is_active,
		        last_used_at, preferences, created_at, updated_at`

// TokenRepository handles push token data access operations.
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Upsert registers a token for a user, or refreshes and re-activates the
// existing row for the same (user_id, token). Stored preferences are replaced
// only when reg.Preferences is non-nil.
func (r *TokenRepository) Upsert(ctx context.Context, reg domain.TokenRegistration) (*domain.PushToken, error) {
	replacePrefs := reg.Preferences != nil
	prefs := reg.Preferences.WithDefaults()

	var result domain.PushToken
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO push_tokens (id, user_id, token, platform, device_id, device_name, is_active, last_used_at, preferences)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW(), $7)
		 ON CONFLICT (user_id, token)
		 DO UPDATE SET platform = EXCLUDED.platform,
		               device_id = COALESCE(EXCLUDED.device_id, push_tokens.device_id),
		               device_name = COALESCE(EXCLUDED.device_name, push_tokens.device_name),
		               preferences = CASE WHEN $8 THEN EXCLUDED.preferences ELSE push_tokens.preferences END,
		               is_active = TRUE,
		               last_used_at = NOW(),
		               updated_at = NOW()
		 RETURNING `+tokenColumns,
		uuid.NewString(), reg.UserID, reg.Token, reg.Platform, reg.DeviceID, reg.DeviceName, prefs, replacePrefs,
	).StructScan(&result)
	if err != nil {
		return nil, persistenceErr("upsert push token", err)
	}
	return &result, nil
}

// Deactivate soft-deletes a user's token. Unknown tokens are not an error.
func (r *TokenRepository) Deactivate(ctx context.Context, userID int64, token string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE push_tokens SET is_active = FALSE, updated_at = NOW()
		 WHERE user_id = $1 AND token = $2 AND is_active`, userID, token)
	if err != nil {
		return persistenceErr("deactivate push token", err)
	}
	return nil
}

// SetPreferences replaces the preferences of every active token the user owns
// and returns how many tokens were updated.
func (r *TokenRepository) SetPreferences(ctx context.Context, userID int64, prefs domain.Preferences) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE push_tokens SET preferences = $2, updated_at = NOW()
		 WHERE user_id = $1 AND is_active`, userID, prefs)
	if err != nil {
		return 0, persistenceErr("set token preferences", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistenceErr("set token preferences", err)
	}
	return n, nil
}

// ListActive returns the active tokens of a user.
func (r *TokenRepository) ListActive(ctx context.Context, userID int64) ([]domain.PushToken, error) {
	tokens := []domain.PushToken{}
	err := r.db.SelectContext(ctx, &tokens,
		`SELECT `+tokenColumns+`
		 FROM push_tokens WHERE user_id = $1 AND is_active
		 ORDER BY last_used_at DESC`, userID)
	if err != nil {
		return nil, persistenceErr(fmt.Sprintf("list active tokens for user %d", userID), err)
	}
	return tokens, nil
}

// ListActiveForUsers returns the active tokens of all given users.
func (r *TokenRepository) ListActiveForUsers(ctx context.Context, userIDs []int64) ([]domain.PushToken, error) {
	tokens := []domain.PushToken{}
	if len(userIDs) == 0 {
		return tokens, nil
	}

	err := r.db.SelectContext(ctx, &tokens,
		`SELECT `+tokenColumns+`
		 FROM push_tokens WHERE user_id = ANY($1::bigint[]) AND is_active
		 ORDER BY user_id, last_used_at DESC`, userIDs)
	if err != nil {
		return nil, persistenceErr("list active tokens for users", err)
	}
	return tokens, nil
}

// CountActive returns the number of active tokens and of distinct users
// holding at least one.
func (r *TokenRepository) CountActive(ctx context.Context) (tokens, users int64, err error) {
	var row struct {
		Tokens int64 `db:"tokens"`
		Users  int64 `db:"users"`
	}
	err = r.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS tokens, COUNT(DISTINCT user_id) AS users
		 FROM push_tokens WHERE is_active`)
	if err != nil {
		return 0, 0, persistenceErr("count active tokens", err)
	}
	return row.Tokens, row.Users, nil
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistence, err)
}
