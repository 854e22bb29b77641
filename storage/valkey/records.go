package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-gatekeeper/storage"
)

// The JSON records below are rewritten in place by the Lua scripts, so field
// names here and in the scripts must agree.

type clientJSON struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"`
	SecretExpiresAt         time.Time `json:"secret_expires_at"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	ClientName              string    `json:"client_name,omitempty"`
	Scope                   string    `json:"scope,omitempty"`
	IssuedAt                time.Time `json:"issued_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		SecretExpiresAt:         c.SecretExpiresAt,
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		ClientName:              c.ClientName,
		Scope:                   c.Scope,
		IssuedAt:                c.IssuedAt,
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		SecretExpiresAt:         j.SecretExpiresAt,
		RedirectURIs:            j.RedirectURIs,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		ClientName:              j.ClientName,
		Scope:                   j.Scope,
		IssuedAt:                j.IssuedAt,
	}
}

type codeJSON struct {
	CodeHash      string    `json:"code_hash"`
	ClientID      string    `json:"client_id"`
	UserID        string    `json:"user_id"`
	CodeChallenge string    `json:"code_challenge"`
	RedirectURI   string    `json:"redirect_uri"`
	Scope         string    `json:"scope"`
	Resource      string    `json:"resource"`
	ExpiresAt     time.Time `json:"expires_at"`
	Used          bool      `json:"used"`
	CreatedAt     time.Time `json:"created_at"`
}

type tokenJSON struct {
	ID               string     `json:"id"`
	ClientID         string     `json:"client_id"`
	UserID           string     `json:"user_id"`
	AccessTokenHash  string     `json:"access_token_hash"`
	RefreshTokenHash string     `json:"refresh_token_hash,omitempty"`
	Scope            string     `json:"scope"`
	Resource         string     `json:"resource"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RefreshExpiresAt time.Time  `json:"refresh_expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func toTokenJSON(t *storage.Token) *tokenJSON {
	j := &tokenJSON{
		ID:               t.ID,
		ClientID:         t.ClientID,
		UserID:           t.UserID,
		AccessTokenHash:  t.AccessTokenHash,
		RefreshTokenHash: t.RefreshTokenHash,
		Scope:            t.Scope,
		Resource:         t.Resource,
		ExpiresAt:        t.ExpiresAt,
		RefreshExpiresAt: t.RefreshExpiresAt,
		CreatedAt:        t.CreatedAt,
	}
	if t.Revoked() {
		at := t.RevokedAt
		j.RevokedAt = &at
	}
	return j
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	t := &storage.Token{
		ID:               j.ID,
		ClientID:         j.ClientID,
		UserID:           j.UserID,
		AccessTokenHash:  j.AccessTokenHash,
		RefreshTokenHash: j.RefreshTokenHash,
		Scope:            j.Scope,
		Resource:         j.Resource,
		ExpiresAt:        j.ExpiresAt,
		RefreshExpiresAt: j.RefreshExpiresAt,
		CreatedAt:        j.CreatedAt,
	}
	if j.RevokedAt != nil {
		t.RevokedAt = *j.RevokedAt
	}
	return t
}

type apiKeyJSON struct {
	KeyHash    string    `json:"key_hash"`
	UserID     string    `json:"user_id"`
	ServerName string    `json:"server_name"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// luaMarkCodeUsed flips used to true if the code exists, belongs to the
// client and is still unused.
//
// KEYS[1] = code key
// ARGV[1] = client ID
const luaMarkCodeUsed = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local code = cjson.decode(data)
if code.client_id ~= ARGV[1] or code.used then
    return 0
end
code.used = true
redis.call('SET', KEYS[1], cjson.encode(code))
return 1
`

// luaSaveToken writes the record and its digest indexes unless any of them exists.
//
// KEYS[1] = token key, KEYS[2..] = index keys
// ARGV[1] = record JSON, ARGV[2] = token ID
const luaSaveToken = `
for _, k in ipairs(KEYS) do
    if redis.call('EXISTS', k) == 1 then
        return 0
    end
end
redis.call('SET', KEYS[1], ARGV[1])
for i = 2, #KEYS do
    redis.call('SET', KEYS[i], ARGV[2])
end
return 1
`

// luaRevokeToken stamps revoked_at on an active pair.
//
// KEYS[1] = token key
// ARGV[1] = revocation time (RFC 3339)
const luaRevokeToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local tok = cjson.decode(data)
if tok.revoked_at then
    return 0
end
tok.revoked_at = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(tok))
return 1
`

// luaSetAPIKeyEnabled toggles enabled on an existing key.
//
// KEYS[1] = api key key
// ARGV[1] = "1" to enable, "0" to disable
const luaSetAPIKeyEnabled = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local key = cjson.decode(data)
key.enabled = ARGV[1] == '1'
redis.call('SET', KEYS[1], cjson.encode(key))
return 1
`

// SaveClient stores a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startSpan(ctx, "save_client")
	defer s.finish(ctx, span, "save_client", time.Now(), &err)

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if err := s.setNX(ctx, s.clientKey(client.ClientID), string(data)); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient loads a client registration.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startSpan(ctx, "get_client")
	defer s.finish(ctx, span, "get_client", time.Now(), &err)

	data, err := s.get(ctx, s.clientKey(clientID))
	if isNilError(err) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

// SaveAuthorizationCode stores a code until an hour past its expiry.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startSpan(ctx, "save_authorization_code")
	defer s.finish(ctx, span, "save_authorization_code", time.Now(), &err)

	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("code hash is required")
	}

	data, err := json.Marshal(codeJSON(*code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	if err := s.setNX(ctx, s.codeKey(code.CodeHash), string(data)); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// GetUnusedAuthorizationCode loads an unused code bound to clientID.
func (s *Store) GetUnusedAuthorizationCode(ctx context.Context, codeHash, clientID string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startSpan(ctx, "get_authorization_code")
	defer s.finish(ctx, span, "get_authorization_code", time.Now(), &err)

	data, err := s.get(ctx, s.codeKey(codeHash))
	if isNilError(err) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var j codeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	if j.ClientID != clientID || j.Used {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	code := storage.AuthorizationCode(j)
	return &code, nil
}

// MarkAuthorizationCodeUsed atomically consumes the code.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, codeHash, clientID string) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, "mark_authorization_code_used")
	defer s.finish(ctx, span, "mark_authorization_code_used", time.Now(), &err)

	ok, err := s.eval(ctx, luaMarkCodeUsed, []string{s.codeKey(codeHash)}, clientID)
	if err != nil {
		return false, fmt.Errorf("failed to execute atomic code check: %w", err)
	}
	return ok, nil
}

// SaveToken stores the pair and its digest indexes. Revoked and expired
// pairs are kept; only revoked_at and the expiry fields gate their use.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startSpan(ctx, "save_token")
	defer s.finish(ctx, span, "save_token", time.Now(), &err)

	if token == nil || token.ID == "" || token.AccessTokenHash == "" {
		return fmt.Errorf("token ID and access token hash are required")
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	keys := []string{s.tokenKey(token.ID), s.accessIndexKey(token.AccessTokenHash)}
	if token.RefreshTokenHash != "" {
		keys = append(keys, s.refreshIndexKey(token.RefreshTokenHash))
	}

	ok, err := s.eval(ctx, luaSaveToken, keys, string(data), token.ID)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	if !ok {
		return storage.ErrAlreadyExists
	}
	return nil
}

// GetActiveTokenByAccessToken resolves an access digest to its unrevoked pair.
func (s *Store) GetActiveTokenByAccessToken(ctx context.Context, accessTokenHash string) (_ *storage.Token, err error) {
	ctx, span := s.startSpan(ctx, "get_token_by_access")
	defer s.finish(ctx, span, "get_token_by_access", time.Now(), &err)

	tok, err := s.tokenByIndex(ctx, s.accessIndexKey(accessTokenHash))
	if err != nil {
		return nil, err
	}
	if tok.Revoked() {
		return nil, storage.ErrTokenNotFound
	}
	return tok, nil
}

// GetActiveTokenByRefreshToken resolves a refresh digest to the unrevoked pair of clientID.
func (s *Store) GetActiveTokenByRefreshToken(ctx context.Context, refreshTokenHash, clientID string) (_ *storage.Token, err error) {
	ctx, span := s.startSpan(ctx, "get_token_by_refresh")
	defer s.finish(ctx, span, "get_token_by_refresh", time.Now(), &err)

	if refreshTokenHash == "" {
		return nil, storage.ErrTokenNotFound
	}
	tok, err := s.tokenByIndex(ctx, s.refreshIndexKey(refreshTokenHash))
	if err != nil {
		return nil, err
	}
	if tok.Revoked() || tok.ClientID != clientID {
		return nil, storage.ErrTokenNotFound
	}
	return tok, nil
}

func (s *Store) tokenByIndex(ctx context.Context, indexKey string) (*storage.Token, error) {
	id, err := s.get(ctx, indexKey)
	if isNilError(err) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token index: %w", err)
	}

	data, err := s.get(ctx, s.tokenKey(id))
	if isNilError(err) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return fromTokenJSON(&j), nil
}

// RevokeToken revokes the pair with the given ID if it is still active.
func (s *Store) RevokeToken(ctx context.Context, id string, at time.Time) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, "revoke_token")
	defer s.finish(ctx, span, "revoke_token", time.Now(), &err)

	return s.revoke(ctx, id, at)
}

// RevokeByAccessToken revokes the active pair holding the access digest.
func (s *Store) RevokeByAccessToken(ctx context.Context, accessTokenHash string, at time.Time) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, "revoke_by_access")
	defer s.finish(ctx, span, "revoke_by_access", time.Now(), &err)

	return s.revokeByIndex(ctx, s.accessIndexKey(accessTokenHash), at)
}

// RevokeByRefreshToken revokes the active pair holding the refresh digest.
func (s *Store) RevokeByRefreshToken(ctx context.Context, refreshTokenHash string, at time.Time) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, "revoke_by_refresh")
	defer s.finish(ctx, span, "revoke_by_refresh", time.Now(), &err)

	if refreshTokenHash == "" {
		return false, nil
	}
	return s.revokeByIndex(ctx, s.refreshIndexKey(refreshTokenHash), at)
}

func (s *Store) revokeByIndex(ctx context.Context, indexKey string, at time.Time) (bool, error) {
	id, err := s.get(ctx, indexKey)
	if isNilError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to resolve token index: %w", err)
	}
	return s.revoke(ctx, id, at)
}

func (s *Store) revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	if at.IsZero() {
		at = time.Now()
	}
	ok, err := s.eval(ctx, luaRevokeToken, []string{s.tokenKey(id)}, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("failed to execute atomic revoke: %w", err)
	}
	return ok, nil
}

// SaveAPIKey stores an API key.
func (s *Store) SaveAPIKey(ctx context.Context, key *storage.APIKey) (err error) {
	ctx, span := s.startSpan(ctx, "save_api_key")
	defer s.finish(ctx, span, "save_api_key", time.Now(), &err)

	if key == nil || key.KeyHash == "" {
		return fmt.Errorf("key hash is required")
	}

	data, err := json.Marshal(apiKeyJSON(*key))
	if err != nil {
		return fmt.Errorf("failed to marshal api key: %w", err)
	}
	if err := s.setNX(ctx, s.apiKeyKey(key.KeyHash), string(data)); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to save api key: %w", err)
	}
	return nil
}

// GetEnabledAPIKey loads the enabled key registered for serverName.
func (s *Store) GetEnabledAPIKey(ctx context.Context, keyHash, serverName string) (_ *storage.APIKey, err error) {
	ctx, span := s.startSpan(ctx, "get_api_key")
	defer s.finish(ctx, span, "get_api_key", time.Now(), &err)

	data, err := s.get(ctx, s.apiKeyKey(keyHash))
	if isNilError(err) {
		return nil, storage.ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	var j apiKeyJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal api key: %w", err)
	}
	if !j.Enabled || j.ServerName != serverName {
		return nil, storage.ErrAPIKeyNotFound
	}
	key := storage.APIKey(j)
	return &key, nil
}

// SetAPIKeyEnabled toggles a key.
func (s *Store) SetAPIKeyEnabled(ctx context.Context, keyHash string, enabled bool) (err error) {
	ctx, span := s.startSpan(ctx, "set_api_key_enabled")
	defer s.finish(ctx, span, "set_api_key_enabled", time.Now(), &err)

	flag := "0"
	if enabled {
		flag = "1"
	}
	ok, err := s.eval(ctx, luaSetAPIKeyEnabled, []string{s.apiKeyKey(keyHash)}, flag)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	if !ok {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}
