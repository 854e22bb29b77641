package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-gatekeeper/storage"
)

// SaveAuthorizationCode inserts a freshly minted, unused code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startSpan(ctx, "save_authorization_code")
	defer s.finish(ctx, span, "save_authorization_code", time.Now(), &err)

	_, err = s.exec(ctx, `INSERT INTO oauth_authorization_codes
		(code_hash, client_id, user_id, code_challenge, redirect_uri, scope, resource, expires_at, used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.CodeHash, code.ClientID, code.UserID, code.CodeChallenge, code.RedirectURI,
		code.Scope, code.Resource, toMillis(code.ExpiresAt), code.Used, toMillis(code.CreatedAt))
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting authorization code: %w", err)
	}
	return nil
}

// GetUnusedAuthorizationCode loads the code matching (code_hash, client_id, used = FALSE).
func (s *Store) GetUnusedAuthorizationCode(ctx context.Context, codeHash, clientID string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startSpan(ctx, "get_authorization_code")
	defer s.finish(ctx, span, "get_authorization_code", time.Now(), &err)

	row, cancel := s.queryRow(ctx, `SELECT code_hash, client_id, user_id, code_challenge, redirect_uri,
		scope, resource, expires_at, used, created_at
		FROM oauth_authorization_codes
		WHERE code_hash = ? AND client_id = ? AND used = FALSE`, codeHash, clientID)
	defer cancel()

	var (
		c                    storage.AuthorizationCode
		expiresAt, createdAt int64
	)
	err = row.Scan(&c.CodeHash, &c.ClientID, &c.UserID, &c.CodeChallenge, &c.RedirectURI,
		&c.Scope, &c.Resource, &expiresAt, &c.Used, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading authorization code: %w", err)
	}
	c.ExpiresAt = fromMillis(expiresAt)
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// MarkAuthorizationCodeUsed is a single conditional UPDATE; only the statement
// that changes exactly one row wins.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, codeHash, clientID string) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, "mark_authorization_code_used")
	defer s.finish(ctx, span, "mark_authorization_code_used", time.Now(), &err)

	ok, err := s.execAffected(ctx, `UPDATE oauth_authorization_codes SET used = TRUE
		WHERE code_hash = ? AND client_id = ? AND used = FALSE`, codeHash, clientID)
	if err != nil {
		return false, fmt.Errorf("marking authorization code used: %w", err)
	}
	return ok, nil
}
