package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-gatekeeper/storage"
)

// SaveAPIKey inserts an API key.
func (s *Store) SaveAPIKey(ctx context.Context, key *storage.APIKey) (err error) {
	ctx, span := s.startSpan(ctx, "save_api_key")
	defer s.finish(ctx, span, "save_api_key", time.Now(), &err)

	_, err = s.exec(ctx, `INSERT INTO api_keys (key_hash, user_id, server_name, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		key.KeyHash, key.UserID, key.ServerName, key.Enabled, toMillis(key.CreatedAt))
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// GetEnabledAPIKey loads the enabled key for (key_hash, server_name).
func (s *Store) GetEnabledAPIKey(ctx context.Context, keyHash, serverName string) (_ *storage.APIKey, err error) {
	ctx, span := s.startSpan(ctx, "get_api_key")
	defer s.finish(ctx, span, "get_api_key", time.Now(), &err)

	row, cancel := s.queryRow(ctx, `SELECT key_hash, user_id, server_name, enabled, created_at
		FROM api_keys WHERE key_hash = ? AND server_name = ? AND enabled = TRUE`, keyHash, serverName)
	defer cancel()

	var (
		k         storage.APIKey
		createdAt int64
	)
	err = row.Scan(&k.KeyHash, &k.UserID, &k.ServerName, &k.Enabled, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading api key: %w", err)
	}
	k.CreatedAt = fromMillis(createdAt)
	return &k, nil
}

// SetAPIKeyEnabled toggles a key.
func (s *Store) SetAPIKeyEnabled(ctx context.Context, keyHash string, enabled bool) (err error) {
	ctx, span := s.startSpan(ctx, "set_api_key_enabled")
	defer s.finish(ctx, span, "set_api_key_enabled", time.Now(), &err)

	res, err := s.exec(ctx, `UPDATE api_keys SET enabled = ? WHERE key_hash = ?`, enabled, keyHash)
	if err != nil {
		return fmt.Errorf("updating api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}
