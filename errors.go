package gatekeeper

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/mcp-gatekeeper/server"
)

// OAuth error codes
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeInvalidClient         = "invalid_client"
	ErrorCodeInvalidToken          = "invalid_token"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrorCodeUnsupportedGrantType  = "unsupported_grant_type"
	ErrorCodeAccessDenied          = "access_denied"
	ErrorCodeServerError           = "server_error"
	ErrorCodeRateLimitExceeded     = "rate_limit_exceeded"
)

// OAuthError is an OAuth 2.0 error response.
type OAuthError struct {
	Code        string // OAuth error code, e.g. "invalid_grant"
	Description string // safe for clients
	Status      int
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant_type is not authorization_code or refresh_token
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError hides an internal failure
	ErrServerError = func() *OAuthError {
		return NewOAuthError(ErrorCodeServerError, "The server encountered an unexpected error", http.StatusInternalServerError)
	}
)

// oauthErrorFrom maps a server core error to the response the client sees.
// Details of grant failures are never exposed. Unknown errors become
// server_error and are expected to be logged by the caller.
func oauthErrorFrom(err error) *OAuthError {
	var oauthErr *OAuthError
	switch {
	case errors.As(err, &oauthErr):
		return oauthErr
	case errors.Is(err, server.ErrInvalidGrant):
		return ErrInvalidGrant("The provided grant is invalid, expired or already used")
	case errors.Is(err, server.ErrInvalidClient):
		return ErrInvalidClient("Client authentication failed")
	case errors.Is(err, server.ErrInvalidRedirectURI):
		return NewOAuthError(ErrorCodeInvalidRedirectURI, "Redirect URI is not acceptable", http.StatusBadRequest)
	case errors.Is(err, server.ErrInvalidClientMetadata):
		return NewOAuthError(ErrorCodeInvalidClientMetadata, err.Error(), http.StatusBadRequest)
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrInvalidRequest(err.Error())
	default:
		return ErrServerError()
	}
}
