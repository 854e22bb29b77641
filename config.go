package gatekeeper

import "time"

// DefaultLoginPath is the sign-in endpoint when LoginConfig.Path is empty.
const DefaultLoginPath = "/login"

const (
	defaultProviderTimeout = 15 * time.Second
	defaultCORSMaxAge      = 3600
)

// Config holds the HTTP surface configuration. The authorization server core
// is configured separately through server.Config.
type Config struct {
	// ResourceServers names the MCP tool servers mounted under /mcp/{name}.
	// Each gets its own protected resource metadata document.
	ResourceServers []string

	// ResourceBaseURL is the public base URL of the gateway.
	// Default: the issuer
	ResourceBaseURL string

	// ScopesSupported is advertised in both metadata documents.
	ScopesSupported []string

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Upstream sign-in settings
	Login LoginConfig
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP on /oauth/ endpoints. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// RegistrationsPerHour bounds client registrations per IP. Zero disables the limit.
	RegistrationsPerHour int

	// MaxEntries bounds the number of tracked IPs per limiter.
	// Default: security.DefaultMaxRateLimitEntries
	MaxEntries int
}

// LoginConfig holds the upstream sign-in settings.
type LoginConfig struct {
	// Path of the sign-in endpoint; the callback is Path + "/callback".
	// Default: /login
	Path string

	// ProviderTimeout bounds the code exchange and user info calls.
	// Default: 15s
	ProviderTimeout time.Duration
}

// applyDefaults fills zero values. The receiver is modified in place.
func (c *Config) applyDefaults(issuer string) {
	if c.ResourceBaseURL == "" {
		c.ResourceBaseURL = issuer
	}
	if c.Login.Path == "" {
		c.Login.Path = DefaultLoginPath
	}
	if c.Login.ProviderTimeout <= 0 {
		c.Login.ProviderTimeout = defaultProviderTimeout
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = c.RateLimit.Rate * 2
	}
}

// CallbackPath is where the upstream provider redirects after sign-in.
func (c *Config) CallbackPath() string {
	return c.Login.Path + "/callback"
}
