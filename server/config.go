package server

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid.
	// A negative value issues refresh tokens that never expire.
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// ClientSecretTTL sets client_secret_expires_at for confidential clients.
	// Once it passes, the client is treated as not registered.
	ClientSecretTTL int64 // seconds, default: 0 (never expires)

	// StrictResourceBinding rejects a token request whose resource differs
	// from the one recorded at authorization time. When false the caller's
	// value wins and the mismatch is audited.
	// Default: false
	StrictResourceBinding bool

	// AllowInsecureHTTP permits an http:// issuer on a non-loopback host.
	// WARNING: exposes every credential to the network
	// Default: false
	AllowInsecureHTTP bool

	// AllowPublicClientRegistration allows unauthenticated dynamic client registration.
	// When false, registration requires RegistrationAccessToken.
	// Default: false
	AllowPublicClientRegistration bool

	// RegistrationAccessToken is the bearer token required for client registration
	RegistrationAccessToken string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int
}
