package config

import (
	"strings"
	"time"

	gatekeeper "github.com/giantswarm/mcp-gatekeeper"
	"github.com/giantswarm/mcp-gatekeeper/internal/session"
	"github.com/giantswarm/mcp-gatekeeper/server"
)

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// ServerConfig returns the authorization server core configuration.
func (c *Config) ServerConfig() *server.Config {
	return &server.Config{
		Issuer:                        c.Issuer,
		AuthorizationCodeTTL:          seconds(c.OAuth.AuthorizationCodeTTL),
		AccessTokenTTL:                seconds(c.OAuth.AccessTokenTTL),
		RefreshTokenTTL:               seconds(c.OAuth.RefreshTokenTTL),
		ClientSecretTTL:               seconds(c.OAuth.ClientSecretTTL),
		StrictResourceBinding:         c.OAuth.StrictResourceBinding,
		AllowInsecureHTTP:             c.OAuth.AllowInsecureHTTP,
		AllowPublicClientRegistration: c.OAuth.AllowPublicRegistration,
		RegistrationAccessToken:       c.OAuth.RegistrationToken,
		TrustProxy:                    c.OAuth.TrustProxy,
		TrustedProxyCount:             c.OAuth.TrustedProxyCount,
	}
}

// HandlerConfig returns the HTTP surface configuration.
func (c *Config) HandlerConfig() *gatekeeper.Config {
	return &gatekeeper.Config{
		ResourceServers: c.ToolServers,
		ResourceBaseURL: c.ResourceBaseURL,
		ScopesSupported: c.Scopes,
		RateLimit: gatekeeper.RateLimitConfig{
			Rate:                 c.RateLimit.Rate,
			Burst:                c.RateLimit.Burst,
			RegistrationsPerHour: c.RateLimit.RegistrationsPerHour,
			MaxEntries:           c.RateLimit.MaxEntries,
		},
		Login: gatekeeper.LoginConfig{
			ProviderTimeout: c.Provider.Timeout,
		},
	}
}

// SessionConfig returns the cookie store configuration. hashKey is used
// when no key is configured.
func (c *Config) SessionConfig(hashKey []byte) session.Config {
	if c.Session.HashKey != "" {
		hashKey = []byte(c.Session.HashKey)
	}
	var blockKey []byte
	if c.Session.BlockKey != "" {
		blockKey = []byte(c.Session.BlockKey)
	}
	return session.Config{
		HashKey:    hashKey,
		BlockKey:   blockKey,
		CookieName: c.Session.CookieName,
		Secure:     strings.HasPrefix(c.Issuer, "https://"),
		MaxAge:     int(seconds(c.Session.MaxAge)),
	}
}
