package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pbxlink/pbxlink/internal/database/models"
)

// tokenRepo implements TokenRepository.
type tokenRepo struct {
	db *DB
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db *DB) TokenRepository {
	return &tokenRepo{db: db}
}

// Get returns the stored token, or nil if none has been saved yet.
func (r *tokenRepo) Get(ctx context.Context) (*models.OAuthToken, error) {
	var t models.OAuthToken
	err := r.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, updated_at FROM tokens WHERE id = 1`,
	).Scan(&t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning token: %w", err)
	}
	return &t, nil
}

// Save replaces the stored token pair. The single-row UPSERT keeps the
// access/refresh rotation atomic: a reader never observes a half-updated pair.
func (r *tokenRepo) Save(ctx context.Context, token *models.OAuthToken) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tokens (id, access_token, refresh_token, expires_at, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 access_token = excluded.access_token,
		 refresh_token = excluded.refresh_token,
		 expires_at = excluded.expires_at,
		 updated_at = excluded.updated_at`,
		token.AccessToken, token.RefreshToken, token.ExpiresAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	token.UpdatedAt = now
	return nil
}

// Delete removes the stored token record.
func (r *tokenRepo) Delete(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = 1`); err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}
