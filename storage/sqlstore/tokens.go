package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-gatekeeper/storage"
)

const tokenColumns = `id, client_id, user_id, access_token_hash, refresh_token_hash, scope, resource,
	expires_at, refresh_expires_at, revoked_at, created_at`

// SaveToken inserts a token pair.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startSpan(ctx, "save_token")
	defer s.finish(ctx, span, "save_token", time.Now(), &err)

	var revokedAt sql.NullInt64
	if token.Revoked() {
		revokedAt = sql.NullInt64{Int64: toMillis(token.RevokedAt), Valid: true}
	}

	_, err = s.exec(ctx, `INSERT INTO oauth_tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.ClientID, token.UserID, token.AccessTokenHash, nullString(token.RefreshTokenHash),
		token.Scope, token.Resource, toMillis(token.ExpiresAt), toMillis(token.RefreshExpiresAt),
		revokedAt, toMillis(token.CreatedAt))
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// GetActiveTokenByAccessToken loads the unrevoked pair for an access token digest.
func (s *Store) GetActiveTokenByAccessToken(ctx context.Context, accessTokenHash string) (_ *storage.Token, err error) {
	ctx, span := s.startSpan(ctx, "get_token_by_access")
	defer s.finish(ctx, span, "get_token_by_access", time.Now(), &err)

	return s.getToken(ctx, `SELECT `+tokenColumns+` FROM oauth_tokens
		WHERE access_token_hash = ? AND revoked_at IS NULL`, accessTokenHash)
}

// GetActiveTokenByRefreshToken loads the unrevoked pair for (refresh digest, client).
func (s *Store) GetActiveTokenByRefreshToken(ctx context.Context, refreshTokenHash, clientID string) (_ *storage.Token, err error) {
	ctx, span := s.startSpan(ctx, "get_token_by_refresh")
	defer s.finish(ctx, span, "get_token_by_refresh", time.Now(), &err)

	return s.getToken(ctx, `SELECT `+tokenColumns+` FROM oauth_tokens
		WHERE refresh_token_hash = ? AND client_id = ? AND revoked_at IS NULL`, refreshTokenHash, clientID)
}

func (s *Store) getToken(ctx context.Context, query string, args ...any) (*storage.Token, error) {
	row, cancel := s.queryRow(ctx, query, args...)
	defer cancel()

	var (
		t                                      storage.Token
		refreshHash                            sql.NullString
		expiresAt, refreshExpiresAt, createdAt int64
		revokedAt                              sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.ClientID, &t.UserID, &t.AccessTokenHash, &refreshHash, &t.Scope, &t.Resource,
		&expiresAt, &refreshExpiresAt, &revokedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}

	t.RefreshTokenHash = refreshHash.String
	t.ExpiresAt = fromMillis(expiresAt)
	t.RefreshExpiresAt = fromMillis(refreshExpiresAt)
	t.CreatedAt = fromMillis(createdAt)
	if revokedAt.Valid {
		t.RevokedAt = fromMillis(revokedAt.Int64)
	}
	return &t, nil
}

// RevokeToken revokes the pair with the given ID if it is still active.
func (s *Store) RevokeToken(ctx context.Context, id string, at time.Time) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, "revoke_token")
	defer s.finish(ctx, span, "revoke_token", time.Now(), &err)

	return s.revoke(ctx, "id", id, at)
}

// RevokeByAccessToken revokes the active pair holding the access token digest.
func (s *Store) RevokeByAccessToken(ctx context.Context, accessTokenHash string, at time.Time) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, "revoke_by_access")
	defer s.finish(ctx, span, "revoke_by_access", time.Now(), &err)

	return s.revoke(ctx, "access_token_hash", accessTokenHash, at)
}

// RevokeByRefreshToken revokes the active pair holding the refresh token digest.
func (s *Store) RevokeByRefreshToken(ctx context.Context, refreshTokenHash string, at time.Time) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, "revoke_by_refresh")
	defer s.finish(ctx, span, "revoke_by_refresh", time.Now(), &err)

	if refreshTokenHash == "" {
		return false, nil
	}
	return s.revoke(ctx, "refresh_token_hash", refreshTokenHash, at)
}

// revoke sets revoked_at where it is still NULL. column is one of the fixed names above.
func (s *Store) revoke(ctx context.Context, column, value string, at time.Time) (bool, error) {
	if at.IsZero() {
		at = time.Now()
	}
	ok, err := s.execAffected(ctx, `UPDATE oauth_tokens SET revoked_at = ?
		WHERE `+column+` = ? AND revoked_at IS NULL`, toMillis(at), value)
	if err != nil {
		return false, fmt.Errorf("revoking token: %w", err)
	}
	return ok, nil
}
