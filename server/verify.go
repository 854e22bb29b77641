package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-gatekeeper/instrumentation"
	"github.com/giantswarm/mcp-gatekeeper/internal/util"
	"github.com/giantswarm/mcp-gatekeeper/security"
	"github.com/giantswarm/mcp-gatekeeper/storage"
)

// CredentialKind is the shape of a resolved bearer credential.
type CredentialKind string

const (
	// CredentialAPIKey is a static "sk-" key bound to one tool server.
	CredentialAPIKey CredentialKind = "api_key"

	// CredentialOAuthToken is an access token issued by the token endpoint.
	CredentialOAuthToken CredentialKind = "oauth_token"
)

// Identity is a resolved bearer credential.
type Identity struct {
	Kind     CredentialKind
	UserID   string
	ClientID string // empty for API keys

	// ServerName is the tool server an API key is bound to. Empty for OAuth tokens.
	ServerName string

	// Scopes is empty, never nil, when the credential carries no scope.
	Scopes []string

	// ExpiresAt is the access token expiry in Unix seconds; 0 for API keys.
	ExpiresAt int64

	// Resource is the resource indicator recorded on the token, if any.
	Resource string
}

// VerifyAccessToken resolves an access token to its identity. Unknown,
// revoked and expired tokens all yield ErrUnauthenticated.
func (s *Server) VerifyAccessToken(ctx context.Context, accessToken string) (*Identity, error) {
	if accessToken == "" {
		return nil, ErrUnauthenticated
	}

	tok, err := s.tokenStore.GetActiveTokenByAccessToken(ctx, security.HashToken(accessToken))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}
	if tok.Revoked() || s.now().After(tok.ExpiresAt) {
		return nil, ErrUnauthenticated
	}

	return &Identity{
		Kind:      CredentialOAuthToken,
		UserID:    tok.UserID,
		ClientID:  tok.ClientID,
		Scopes:    util.SplitScope(tok.Scope),
		ExpiresAt: tok.ExpiresAt.Unix(),
		Resource:  tok.Resource,
	}, nil
}

// ResolveBearer is the resource gateway's single entry point. A value with
// the API key prefix is looked up as an enabled key for serverName; anything
// else is verified as an OAuth access token, which is valid on every server.
// A credential that resolves on neither path yields ErrUnauthenticated.
func (s *Server) ResolveBearer(ctx context.Context, bearer, serverName string) (_ *Identity, err error) {
	bearer = strings.TrimSpace(bearer)
	kind := CredentialOAuthToken
	if security.IsAPIKey(bearer) {
		kind = CredentialAPIKey
	}

	ctx, span := s.startSpan(ctx, "server.ResolveBearer",
		attribute.String(instrumentation.AttrCredentialKind, string(kind)),
		attribute.String(instrumentation.AttrServerName, serverName))
	defer func() {
		result := "resolved"
		switch {
		case errors.Is(err, ErrUnauthenticated):
			result = "unauthenticated"
		case err != nil:
			result = "error"
		}
		s.metrics().RecordBearerResolution(ctx, string(kind), result)
		if errors.Is(err, ErrUnauthenticated) {
			// expected outcome, not a span error
			s.endSpan(span, nil)
			return
		}
		s.endSpan(span, err)
	}()

	if bearer == "" {
		return nil, ErrUnauthenticated
	}

	if kind == CredentialAPIKey {
		key, err := s.apiKeyStore.GetEnabledAPIKey(ctx, security.HashToken(bearer), serverName)
		if err != nil {
			if errors.Is(err, storage.ErrAPIKeyNotFound) {
				return nil, ErrUnauthenticated
			}
			return nil, fmt.Errorf("failed to load api key: %w", err)
		}
		return &Identity{
			Kind:       CredentialAPIKey,
			UserID:     key.UserID,
			ServerName: key.ServerName,
			Scopes:     []string{},
		}, nil
	}

	return s.VerifyAccessToken(ctx, bearer)
}

// RevokeToken revokes token, trying it first as an access token and then as
// a refresh token. Either revokes the whole pair. Unknown and already revoked
// tokens are a no-op.
func (s *Server) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	hash := security.HashToken(token)
	now := s.now()

	ok, err := s.tokenStore.RevokeByAccessToken(ctx, hash, now)
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	if ok {
		s.recordRevocation(ctx, "", "access_token")
		return nil
	}

	ok, err = s.tokenStore.RevokeByRefreshToken(ctx, hash, now)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if ok {
		s.recordRevocation(ctx, "", "refresh_token")
	}
	return nil
}

// RevokeClientToken is RevokeToken for the revocation endpoint (RFC 7009):
// only tokens issued to clientID are revoked. Tokens of other clients are
// silently left alone.
func (s *Server) RevokeClientToken(ctx context.Context, clientID, token string) error {
	if token == "" {
		return nil
	}
	hash := security.HashToken(token)

	tok, err := s.tokenStore.GetActiveTokenByAccessToken(ctx, hash)
	tokenType := "access_token"
	switch {
	case err == nil && tok.ClientID != clientID:
		s.Logger.Debug("Revocation for token of another client ignored", "client_id", clientID)
		return nil
	case errors.Is(err, storage.ErrTokenNotFound):
		tokenType = "refresh_token"
		tok, err = s.tokenStore.GetActiveTokenByRefreshToken(ctx, hash, clientID)
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("failed to load token for revocation: %w", err)
	}

	ok, err := s.tokenStore.RevokeToken(ctx, tok.ID, s.now())
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if ok {
		s.recordRevocation(ctx, clientID, tokenType)
	}
	return nil
}

func (s *Server) recordRevocation(ctx context.Context, clientID, tokenType string) {
	s.Auditor.LogTokenRevoked(ctx, clientID, tokenType)
	s.metrics().RecordTokenRevocation(ctx, tokenType)
}

// CreateAPIKey mints an "sk-" key for userID on serverName. The key is
// returned once; only its digest is stored.
func (s *Server) CreateAPIKey(ctx context.Context, userID, serverName string) (string, error) {
	if userID == "" || serverName == "" {
		return "", fmt.Errorf("user ID and server name are required")
	}

	key, err := security.GenerateAPIKey()
	if err != nil {
		return "", err
	}
	record := &storage.APIKey{
		KeyHash:    security.HashToken(key),
		UserID:     userID,
		ServerName: serverName,
		Enabled:    true,
		CreatedAt:  s.now(),
	}
	if err := s.apiKeyStore.SaveAPIKey(ctx, record); err != nil {
		return "", fmt.Errorf("failed to save api key: %w", err)
	}

	s.Auditor.LogEvent(ctx, security.Event{
		Type:    security.EventAPIKeyCreated,
		UserID:  userID,
		Details: map[string]any{"server_name": serverName},
	})
	s.Logger.Info("Created API key",
		"server_name", serverName,
		"key_prefix", util.SafeTruncate(key, len(security.APIKeyPrefix)+4))
	return key, nil
}

// SetAPIKeyEnabled enables or disables the given key.
func (s *Server) SetAPIKeyEnabled(ctx context.Context, key string, enabled bool) error {
	if !security.IsAPIKey(key) {
		return fmt.Errorf("not an API key")
	}
	return s.apiKeyStore.SetAPIKeyEnabled(ctx, security.HashToken(key), enabled)
}

// ExpiryTime returns ExpiresAt as a time. Zero for API keys.
func (i *Identity) ExpiryTime() time.Time {
	if i.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(i.ExpiresAt, 0)
}
