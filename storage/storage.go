package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClientNotFound is returned when a client does not exist.
	ErrClientNotFound = errors.New("client not found")

	// ErrAuthorizationCodeNotFound is returned when no unused code matches.
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrTokenNotFound is returned when no active token record matches.
	ErrTokenNotFound = errors.New("token not found")

	// ErrAPIKeyNotFound is returned when no enabled API key matches.
	ErrAPIKeyNotFound = errors.New("api key not found")

	// ErrAlreadyExists is returned when saving a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// ClientStore persists OAuth client registrations. Clients are immutable once saved.
type ClientStore interface {
	// SaveClient persists a newly registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns the client with the given ID or ErrClientNotFound.
	// Secret expiry is not evaluated here.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// AuthorizationCodeStore persists authorization codes.
type AuthorizationCodeStore interface {
	// SaveAuthorizationCode persists a freshly minted code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetUnusedAuthorizationCode returns the code matching (codeHash, clientID, used=false)
	// or ErrAuthorizationCodeNotFound.
	GetUnusedAuthorizationCode(ctx context.Context, codeHash, clientID string) (*AuthorizationCode, error)

	// MarkAuthorizationCodeUsed flips used to true iff it is still false.
	// It returns true only for the single caller whose write took effect.
	// SECURITY: implementations MUST perform this as one atomic conditional write.
	MarkAuthorizationCodeUsed(ctx context.Context, codeHash, clientID string) (bool, error)
}

// TokenStore persists issued access/refresh token pairs.
type TokenStore interface {
	// SaveToken persists a newly minted token pair.
	SaveToken(ctx context.Context, token *Token) error

	// GetActiveTokenByAccessToken returns the unrevoked record for an access token digest.
	// Expiry is not evaluated here.
	GetActiveTokenByAccessToken(ctx context.Context, accessTokenHash string) (*Token, error)

	// GetActiveTokenByRefreshToken returns the unrevoked record matching (refreshTokenHash, clientID).
	GetActiveTokenByRefreshToken(ctx context.Context, refreshTokenHash, clientID string) (*Token, error)

	// RevokeToken sets revokedAt on the record with the given ID if it is still active.
	// It reports whether this call performed the revocation.
	RevokeToken(ctx context.Context, id string, at time.Time) (bool, error)

	// RevokeByAccessToken revokes the active record holding the access token digest.
	RevokeByAccessToken(ctx context.Context, accessTokenHash string, at time.Time) (bool, error)

	// RevokeByRefreshToken revokes the active record holding the refresh token digest.
	RevokeByRefreshToken(ctx context.Context, refreshTokenHash string, at time.Time) (bool, error)
}

// APIKeyStore persists static API keys for tool servers.
type APIKeyStore interface {
	// SaveAPIKey persists a new API key.
	SaveAPIKey(ctx context.Context, key *APIKey) error

	// GetEnabledAPIKey returns the enabled key matching (keyHash, serverName) or ErrAPIKeyNotFound.
	GetEnabledAPIKey(ctx context.Context, keyHash, serverName string) (*APIKey, error)

	// SetAPIKeyEnabled toggles a key. Returns ErrAPIKeyNotFound for unknown keys.
	SetAPIKeyEnabled(ctx context.Context, keyHash string, enabled bool) error
}

// Store is implemented by every backend.
type Store interface {
	ClientStore
	AuthorizationCodeStore
	TokenStore
	APIKeyStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Client is a registered OAuth client.
type Client struct {
	ClientID string

	// ClientSecretHash is the bcrypt hash of the secret. Empty for public clients.
	ClientSecretHash string

	// SecretExpiresAt is zero when the secret never expires.
	SecretExpiresAt time.Time

	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	ClientName              string
	Scope                   string
	IssuedAt                time.Time
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == "none" || c.ClientSecretHash == ""
}

// SecretExpired reports whether the client's secret expiry has passed at now.
func (c *Client) SecretExpired(now time.Time) bool {
	return !c.SecretExpiresAt.IsZero() && now.After(c.SecretExpiresAt)
}

// AuthorizationCode is a single-use credential minted after user consent.
type AuthorizationCode struct {
	CodeHash      string
	ClientID      string
	UserID        string
	CodeChallenge string
	RedirectURI   string
	Scope         string
	Resource      string
	ExpiresAt     time.Time
	Used          bool
	CreatedAt     time.Time
}

// Token is an issued access/refresh token pair.
type Token struct {
	ID               string
	ClientID         string
	UserID           string
	AccessTokenHash  string
	RefreshTokenHash string
	Scope            string
	Resource         string
	ExpiresAt        time.Time

	// RefreshExpiresAt is zero when the refresh token has no expiry.
	RefreshExpiresAt time.Time

	// RevokedAt is zero while the pair is active.
	RevokedAt time.Time
	CreatedAt time.Time
}

// Revoked reports whether the pair has been revoked.
func (t *Token) Revoked() bool {
	return !t.RevokedAt.IsZero()
}

// APIKey is a static non-expiring credential bound to one tool server.
type APIKey struct {
	KeyHash    string
	UserID     string
	ServerName string
	Enabled    bool
	CreatedAt  time.Time
}
