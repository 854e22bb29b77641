package oidc

import (
	"fmt"
	"net"
	"net/url"
)

// ValidateIssuerURL requires an https issuer that does not point at a
// loopback, private or link-local address.
func ValidateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}

	if ip := net.ParseIP(host); ip != nil {
		switch {
		case ip.IsLoopback():
			return fmt.Errorf("issuer URL must not point to loopback addresses")
		case ip.IsPrivate():
			return fmt.Errorf("issuer URL must not point to private IP ranges")
		case ip.IsLinkLocalUnicast():
			return fmt.Errorf("issuer URL must not point to link-local addresses")
		}
	}
	return nil
}

// ValidateScopes bounds the number and length of requested upstream scopes.
func ValidateScopes(scopes []string) error {
	if len(scopes) > 50 {
		return fmt.Errorf("too many scopes (max 50, got %d)", len(scopes))
	}
	for i, scope := range scopes {
		if scope == "" {
			return fmt.Errorf("scope at index %d is empty", i)
		}
		if len(scope) > 256 {
			return fmt.Errorf("scope at index %d exceeds maximum length of 256 characters", i)
		}
	}
	return nil
}
