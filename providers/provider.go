// Package providers defines the upstream identity provider used to sign
// users in to the authorization server before they approve a consent
// request. The gatekeeper is the OAuth client here: it redirects the
// browser to the provider, redeems the returned code and reads the
// provider's user info to learn who approved the request.
package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider is an upstream OAuth 2.0 / OIDC identity provider.
type Provider interface {
	// Name returns the provider name (e.g., "oidc", "github")
	Name() string

	// AuthorizationURL returns the URL the browser is sent to for sign-in.
	// codeChallenge is an S256 PKCE challenge.
	AuthorizationURL(state, codeChallenge string) string

	// ExchangeCode redeems the callback code using the PKCE verifier.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// UserInfo resolves the signed-in user from the provider token.
	UserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error)

	// HealthCheck verifies that the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// UserInfo represents user information from a provider
type UserInfo struct {
	// ID is the stable user identifier at the provider ("sub" for OIDC)
	ID string

	// Email is the user's email address
	Email string

	// EmailVerified indicates if the email is verified
	EmailVerified bool

	// Name is the user's full name
	Name string
}
