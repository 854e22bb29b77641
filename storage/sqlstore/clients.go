package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-gatekeeper/storage"
)

// SaveClient inserts a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startSpan(ctx, "save_client")
	defer s.finish(ctx, span, "save_client", time.Now(), &err)

	redirectURIs, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect URIs: %w", err)
	}
	grantTypes, err := json.Marshal(client.GrantTypes)
	if err != nil {
		return fmt.Errorf("encoding grant types: %w", err)
	}
	responseTypes, err := json.Marshal(client.ResponseTypes)
	if err != nil {
		return fmt.Errorf("encoding response types: %w", err)
	}

	_, err = s.exec(ctx, `INSERT INTO oauth_clients
		(client_id, client_secret_hash, secret_expires_at, redirect_uris, grant_types, response_types,
		 token_endpoint_auth_method, client_name, scope, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ClientID, client.ClientSecretHash, toMillis(client.SecretExpiresAt),
		string(redirectURIs), string(grantTypes), string(responseTypes),
		client.TokenEndpointAuthMethod, client.ClientName, client.Scope, toMillis(client.IssuedAt))
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

// GetClient loads a client registration.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startSpan(ctx, "get_client")
	defer s.finish(ctx, span, "get_client", time.Now(), &err)

	row, cancel := s.queryRow(ctx, `SELECT client_id, client_secret_hash, secret_expires_at, redirect_uris,
		grant_types, response_types, token_endpoint_auth_method, client_name, scope, issued_at
		FROM oauth_clients WHERE client_id = ?`, clientID)
	defer cancel()

	var (
		c                                         storage.Client
		secretExpiresAt, issuedAt                 int64
		redirectURIs, grantTypes, responseTypes string
	)
	err = row.Scan(&c.ClientID, &c.ClientSecretHash, &secretExpiresAt, &redirectURIs,
		&grantTypes, &responseTypes, &c.TokenEndpointAuthMethod, &c.ClientName, &c.Scope, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}

	if err := json.Unmarshal([]byte(redirectURIs), &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decoding redirect URIs: %w", err)
	}
	if err := json.Unmarshal([]byte(grantTypes), &c.GrantTypes); err != nil {
		return nil, fmt.Errorf("decoding grant types: %w", err)
	}
	if err := json.Unmarshal([]byte(responseTypes), &c.ResponseTypes); err != nil {
		return nil, fmt.Errorf("decoding response types: %w", err)
	}
	c.SecretExpiresAt = fromMillis(secretExpiresAt)
	c.IssuedAt = fromMillis(issuedAt)
	return &c, nil
}
