package server

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/giantswarm/mcp-gatekeeper/internal/util"
)

// applySecureDefaults fills zero values with the secure defaults and logs
// warnings for settings that weaken the server.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.ClientSecretTTL < 0 {
		config.ClientSecretTTL = 0
	}
	if config.TrustedProxyCount <= 0 {
		config.TrustedProxyCount = 1
	}
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPublicClientRegistration {
		logger.Warn("SECURITY WARNING: Public client registration is ENABLED",
			"risk", "DoS attacks via unlimited client registration",
			"recommendation", "Set AllowPublicClientRegistration=false and use RegistrationAccessToken")
	}
	if !config.AllowPublicClientRegistration && config.RegistrationAccessToken == "" {
		logger.Warn("CONFIGURATION WARNING: RegistrationAccessToken not configured",
			"risk", "Client registration will fail",
			"recommendation", "Set RegistrationAccessToken or enable AllowPublicClientRegistration")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"trusted_proxy_count", config.TrustedProxyCount)
	}
	if config.RefreshTokenTTL < 0 {
		logger.Warn("SECURITY NOTICE: Refresh tokens never expire",
			"recommendation", "Set RefreshTokenTTL to bound the lifetime of a stolen refresh token")
	}
}

// Validate checks the configuration after defaults are applied. HTTPS is
// required for the issuer except on loopback hosts.
func (c *Config) Validate(logger *slog.Logger) error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if issuerURL.Host == "" {
		return fmt.Errorf("invalid issuer URL: missing host")
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		hostname := issuerURL.Hostname()
		if util.IsLoopbackHostname(hostname) {
			logger.Warn("DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", c.Issuer)
			return nil
		}
		if !c.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS (got %s://%s); set AllowInsecureHTTP for non-production use",
				issuerURL.Scheme, hostname)
		}
		logger.Error("CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
			"issuer", c.Issuer,
			"hostname", hostname)
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}
