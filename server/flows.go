package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-gatekeeper/instrumentation"
	"github.com/giantswarm/mcp-gatekeeper/internal/util"
	"github.com/giantswarm/mcp-gatekeeper/security"
	"github.com/giantswarm/mcp-gatekeeper/storage"
)

// TokenTypeBearer is the token_type of every issued access token.
const TokenTypeBearer = "bearer"

// AuthorizationRequest carries the parameters of an authorization request.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Resource            string
	ResponseType        string
}

// TokenResult is the token endpoint success payload.
type TokenResult struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string
}

// ValidateAuthorizationRequest checks an authorization request before consent
// is shown. The returned client is used to render the consent page.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) (*storage.Client, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	if req.RedirectURI == "" {
		return nil, fmt.Errorf("%w: redirect_uri is required", ErrInvalidRequest)
	}
	if req.ResponseType != "" && req.ResponseType != ResponseTypeCode {
		return nil, fmt.Errorf("%w: response_type must be code", ErrInvalidRequest)
	}
	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return nil, err
	}

	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	if err := validateRedirectURI(client, req.RedirectURI); err != nil {
		return nil, err
	}
	return client, nil
}

// CreateAuthorizationCode mints a single-use code for an approved request.
// Only the SHA-256 digest of the code is stored.
func (s *Server) CreateAuthorizationCode(ctx context.Context, req *AuthorizationRequest, userID string) (_ string, err error) {
	ctx, span := s.startSpan(ctx, "server.CreateAuthorizationCode",
		attribute.String(instrumentation.AttrClientID, req.ClientID))
	defer func() { s.endSpan(span, err) }()

	if userID == "" {
		return "", fmt.Errorf("%w: user is not signed in", ErrInvalidRequest)
	}
	if _, err := s.ValidateAuthorizationRequest(ctx, req); err != nil {
		return "", err
	}

	code, err := security.GenerateToken()
	if err != nil {
		return "", err
	}

	now := s.now()
	record := &storage.AuthorizationCode{
		CodeHash:      security.HashToken(code),
		ClientID:      req.ClientID,
		UserID:        userID,
		CodeChallenge: req.CodeChallenge,
		RedirectURI:   req.RedirectURI,
		Scope:         req.Scope,
		Resource:      req.Resource,
		ExpiresAt:     now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
		CreatedAt:     now,
	}
	if err := s.codeStore.SaveAuthorizationCode(ctx, record); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Auditor.LogCodeIssued(ctx, userID, req.ClientID, req.Scope)
	s.metrics().RecordCodeIssued(ctx)
	s.Logger.Debug("Issued authorization code",
		"client_id", req.ClientID,
		"code_prefix", util.SafeTruncate(code, credentialLogPrefix))

	return code, nil
}

// ExchangeAuthorizationCode redeems a code. The checks run in a fixed order:
// lookup, expiry, redirect URI, PKCE, resource binding, then the atomic
// mark-used. A failed check therefore never consumes the code. Every
// rejection is ErrInvalidGrant.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, clientID, code, codeVerifier, redirectURI, resource string) (_ *TokenResult, err error) {
	ctx, span := s.startSpan(ctx, "server.ExchangeAuthorizationCode",
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode))
	defer func() { s.endSpan(span, err) }()

	reject := func(reason string) error {
		return s.rejectGrant(ctx, clientID, GrantTypeAuthorizationCode, reason)
	}

	codeHash := security.HashToken(code)
	authCode, err := s.codeStore.GetUnusedAuthorizationCode(ctx, codeHash, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return nil, reject("code_not_found")
		}
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}

	if s.now().After(authCode.ExpiresAt) {
		return nil, reject("code_expired")
	}

	if authCode.RedirectURI != redirectURI {
		return nil, reject("redirect_uri_mismatch")
	}

	if !verifyPKCE(authCode.CodeChallenge, codeVerifier) {
		s.metrics().RecordPKCEValidationFailed(ctx)
		s.Auditor.LogEvent(ctx, security.Event{
			Type:     security.EventPKCEValidationFailed,
			UserID:   authCode.UserID,
			ClientID: clientID,
		})
		return nil, reject("pkce_mismatch")
	}

	boundResource, err := s.bindResource(ctx, clientID, authCode.UserID, authCode.Resource, resource)
	if err != nil {
		return nil, reject("resource_mismatch")
	}

	won, err := s.codeStore.MarkAuthorizationCodeUsed(ctx, codeHash, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark authorization code used: %w", err)
	}
	if !won {
		s.metrics().RecordCodeReplayRejected(ctx)
		s.Auditor.LogEvent(ctx, security.Event{
			Type:     security.EventAuthorizationCodeReplay,
			UserID:   authCode.UserID,
			ClientID: clientID,
			Details:  map[string]any{"severity": "high"},
		})
		s.Logger.Warn("Concurrent redemption of authorization code rejected",
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, credentialLogPrefix))
		return nil, reject("code_already_used")
	}

	result, err := s.issueTokenPair(ctx, clientID, authCode.UserID, authCode.Scope, boundResource)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenIssued(ctx, authCode.UserID, clientID, authCode.Scope)
	s.metrics().RecordCodeExchange(ctx)
	instrumentation.AddOAuthFlowAttributes(span, clientID, authCode.UserID, authCode.Scope)

	return result, nil
}

// ExchangeRefreshToken rotates a refresh token: the presented pair is revoked
// as soon as it is matched, before expiry and resource checks and before the
// new pair is minted, so a failure after that point leaves no usable pair
// rather than two. Of concurrent refreshes with the same token
// only the one whose revocation takes effect gets a new pair.
func (s *Server) ExchangeRefreshToken(ctx context.Context, clientID, refreshToken, scope, resource string) (_ *TokenResult, err error) {
	ctx, span := s.startSpan(ctx, "server.ExchangeRefreshToken",
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken))
	defer func() { s.endSpan(span, err) }()

	reject := func(reason string) error {
		return s.rejectGrant(ctx, clientID, GrantTypeRefreshToken, reason)
	}

	if refreshToken == "" {
		return nil, reject("missing_refresh_token")
	}

	old, err := s.tokenStore.GetActiveTokenByRefreshToken(ctx, security.HashToken(refreshToken), clientID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, reject("refresh_token_not_found")
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	// revoke first: any rejection below still leaves the presented token spent
	now := s.now()
	revoked, err := s.tokenStore.RevokeToken(ctx, old.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke rotated token: %w", err)
	}
	if !revoked {
		s.Logger.Warn("Concurrent refresh token rotation rejected",
			"client_id", clientID,
			"token_id", old.ID)
		return nil, reject("refresh_token_already_rotated")
	}

	if !old.RefreshExpiresAt.IsZero() && now.After(old.RefreshExpiresAt) {
		return nil, reject("refresh_token_expired")
	}

	if scope == "" {
		scope = old.Scope
	}
	boundResource, err := s.bindResource(ctx, clientID, old.UserID, old.Resource, resource)
	if err != nil {
		return nil, reject("resource_mismatch")
	}

	result, err := s.issueTokenPair(ctx, clientID, old.UserID, scope, boundResource)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenRefreshed(ctx, old.UserID, clientID)
	s.metrics().RecordTokenRefresh(ctx)
	instrumentation.AddOAuthFlowAttributes(span, clientID, old.UserID, scope)

	return result, nil
}

// rejectGrant records a failed redemption and returns ErrInvalidGrant. The
// reason is kept server-side.
func (s *Server) rejectGrant(ctx context.Context, clientID, grantType, reason string) error {
	s.Auditor.LogInvalidGrant(ctx, clientID, grantType, reason)
	s.metrics().RecordGrantRejected(ctx, grantType, reason)
	s.Logger.Debug("Grant rejected",
		"client_id", clientID,
		"grant_type", grantType,
		"reason", reason)
	return ErrInvalidGrant
}

// bindResource resolves the resource indicator of a new token pair. The
// caller's value takes precedence over the stored one; a difference is
// audited, and rejected under StrictResourceBinding.
func (s *Server) bindResource(ctx context.Context, clientID, userID, stored, requested string) (string, error) {
	if requested == "" {
		return stored, nil
	}
	if stored != "" && util.NormalizeURL(stored) != util.NormalizeURL(requested) {
		s.Auditor.LogEvent(ctx, security.Event{
			Type:     security.EventResourceMismatch,
			UserID:   userID,
			ClientID: clientID,
			Details: map[string]any{
				"authorized_resource": stored,
				"requested_resource":  requested,
				"strict":              s.Config.StrictResourceBinding,
			},
		})
		if s.Config.StrictResourceBinding {
			return "", ErrInvalidGrant
		}
	}
	return requested, nil
}

// issueTokenPair mints and persists a new access/refresh pair.
func (s *Server) issueTokenPair(ctx context.Context, clientID, userID, scope, resource string) (*TokenResult, error) {
	accessToken, err := security.GenerateToken()
	if err != nil {
		return nil, err
	}
	refreshToken, err := security.GenerateToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	record := &storage.Token{
		ID:               uuid.NewString(),
		ClientID:         clientID,
		UserID:           userID,
		AccessTokenHash:  security.HashToken(accessToken),
		RefreshTokenHash: security.HashToken(refreshToken),
		Scope:            scope,
		Resource:         resource,
		ExpiresAt:        now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
		CreatedAt:        now,
	}
	if s.Config.RefreshTokenTTL > 0 {
		record.RefreshExpiresAt = now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second)
	}

	if err := s.tokenStore.SaveToken(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}

	return &TokenResult{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}
