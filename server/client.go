package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-gatekeeper/instrumentation"
	"github.com/giantswarm/mcp-gatekeeper/security"
	"github.com/giantswarm/mcp-gatekeeper/storage"
)

// Client type constants
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Token endpoint authentication methods accepted at registration (RFC 7591)
const (
	TokenEndpointAuthMethodNone = "none"
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// Grant and response types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

// dummySecretHash is compared against when the client does not exist so the
// timing of a lookup miss matches that of a wrong secret.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ClientMetadata is the registration request (RFC 7591).
type ClientMetadata struct {
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	ClientName              string
	Scope                   string
}

// RegisterClient validates metadata and persists a new client. The clear-text
// secret is returned only here and is empty for public clients.
func (s *Server) RegisterClient(ctx context.Context, metadata ClientMetadata, clientIP string) (_ *storage.Client, _ string, err error) {
	ctx, span := s.startSpan(ctx, "server.RegisterClient")
	defer func() { s.endSpan(span, err) }()

	if err := s.validateClientMetadata(&metadata); err != nil {
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventClientRegistrationRejected,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		s.Logger.Warn("Client registration rejected", "error", err, "client_ip", clientIP)
		return nil, "", err
	}

	now := s.now()
	client := &storage.Client{
		ClientID:                uuid.NewString(),
		RedirectURIs:            metadata.RedirectURIs,
		GrantTypes:              metadata.GrantTypes,
		ResponseTypes:           metadata.ResponseTypes,
		TokenEndpointAuthMethod: metadata.TokenEndpointAuthMethod,
		ClientName:              metadata.ClientName,
		Scope:                   metadata.Scope,
		IssuedAt:                now,
	}

	var secret string
	if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodNone {
		secret, err = security.GenerateToken()
		if err != nil {
			return nil, "", err
		}
		client.ClientSecretHash, err = security.HashSecret(secret)
		if err != nil {
			return nil, "", err
		}
		if s.Config.ClientSecretTTL > 0 {
			client.SecretExpiresAt = now.Add(time.Duration(s.Config.ClientSecretTTL) * time.Second)
		}
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	clientType := ClientTypeConfidential
	if client.IsPublic() {
		clientType = ClientTypePublic
	}
	s.Auditor.LogClientRegistered(ctx, client.ClientID, clientType, clientIP)
	s.metrics().RecordClientRegistration(ctx, clientType)
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", client.Scope)

	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", clientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)

	return client, secret, nil
}

// validateClientMetadata applies defaults (authorization_code, code, none)
// and rejects anything the server cannot honour.
func (s *Server) validateClientMetadata(m *ClientMetadata) error {
	if len(m.RedirectURIs) == 0 {
		return fmt.Errorf("%w: at least one redirect URI is required", ErrInvalidRedirectURI)
	}
	for _, uri := range m.RedirectURIs {
		if err := ValidateRedirectURIForRegistration(uri); err != nil {
			return err
		}
	}

	if len(m.GrantTypes) == 0 {
		m.GrantTypes = []string{GrantTypeAuthorizationCode}
	}
	for _, gt := range m.GrantTypes {
		if gt != GrantTypeAuthorizationCode && gt != GrantTypeRefreshToken {
			return fmt.Errorf("%w: unsupported grant type %q", ErrInvalidClientMetadata, gt)
		}
	}

	if len(m.ResponseTypes) == 0 {
		m.ResponseTypes = []string{ResponseTypeCode}
	}
	for _, rt := range m.ResponseTypes {
		if rt != ResponseTypeCode {
			return fmt.Errorf("%w: unsupported response type %q", ErrInvalidClientMetadata, rt)
		}
	}

	switch m.TokenEndpointAuthMethod {
	case "":
		m.TokenEndpointAuthMethod = TokenEndpointAuthMethodNone
	case TokenEndpointAuthMethodNone, TokenEndpointAuthMethodPost:
	default:
		return fmt.Errorf("%w: unsupported token_endpoint_auth_method %q", ErrInvalidClientMetadata, m.TokenEndpointAuthMethod)
	}
	return nil
}

// GetClient returns the client, or storage.ErrClientNotFound when it does not
// exist or its secret has expired. Expiry is evaluated on every lookup.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, storage.ErrClientNotFound
	}
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.SecretExpired(s.now()) {
		s.Logger.Debug("Client secret expired, treating client as not found", "client_id", clientID)
		return nil, storage.ErrClientNotFound
	}
	return client, nil
}

// AuthenticateClient verifies the token endpoint caller. Public clients must
// not present a secret; confidential clients must present the one issued at
// registration. Every failure is ErrInvalidClient.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		// burn the same bcrypt time as a real comparison
		security.VerifySecret(dummySecretHash, clientSecret)
		if !errors.Is(err, storage.ErrClientNotFound) {
			return nil, fmt.Errorf("failed to load client: %w", err)
		}
		s.Auditor.LogAuthFailure(ctx, clientID, clientIP, "unknown_client")
		return nil, ErrInvalidClient
	}

	if client.IsPublic() {
		if clientSecret != "" {
			s.Auditor.LogAuthFailure(ctx, clientID, clientIP, "public_client_presented_secret")
			return nil, ErrInvalidClient
		}
		return client, nil
	}

	if !security.VerifySecret(client.ClientSecretHash, clientSecret) {
		s.Auditor.LogAuthFailure(ctx, clientID, clientIP, "invalid_client_secret")
		return nil, ErrInvalidClient
	}
	return client, nil
}
