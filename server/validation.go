package server

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/giantswarm/mcp-gatekeeper/internal/util"
	"github.com/giantswarm/mcp-gatekeeper/security"
	"github.com/giantswarm/mcp-gatekeeper/storage"
)

// PKCE constants (RFC 7636). Only S256 is supported.
const (
	PKCEMethodS256 = "S256"

	// S256 challenges are base64url(sha256) without padding: always 43 characters.
	s256ChallengeLength = 43
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// DangerousSchemes lists URI schemes that must never be registered as redirect targets
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// ComputeS256Challenge returns base64url(sha256(verifier)) without padding.
func ComputeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// verifyPKCE reports whether verifier hashes to challenge.
func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	return security.ConstantTimeEqual(ComputeS256Challenge(verifier), challenge)
}

// validateCodeChallenge checks the authorization request's PKCE parameters.
func validateCodeChallenge(challenge, method string) error {
	if challenge == "" {
		return fmt.Errorf("%w: code_challenge is required", ErrInvalidRequest)
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("%w: code_challenge_method must be S256", ErrInvalidRequest)
	}
	if len(challenge) != s256ChallengeLength {
		return fmt.Errorf("%w: code_challenge must be a base64url SHA-256 digest", ErrInvalidRequest)
	}
	for _, c := range challenge {
		if !isBase64URLChar(c) {
			return fmt.Errorf("%w: code_challenge must be a base64url SHA-256 digest", ErrInvalidRequest)
		}
	}
	return nil
}

func isBase64URLChar(c rune) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
}

// validateRedirectURI checks that redirectURI is registered for the client.
// Matching is exact string comparison.
func validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("%w: redirect_uri is required", ErrInvalidRequest)
	}
	if !util.Contains(client.RedirectURIs, redirectURI) {
		return fmt.Errorf("%w: redirect_uri not registered for client", ErrInvalidRedirectURI)
	}
	return nil
}

// ValidateRedirectURIForRegistration checks a redirect URI offered at registration:
// absolute with a host, no fragment, not a dangerous scheme, and plain http
// only on loopback hosts. Custom schemes such as "cursor://" are allowed.
func ValidateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("%w: malformed URI", ErrInvalidRedirectURI)
	}
	if parsed.Scheme == "" {
		return fmt.Errorf("%w: URI must be absolute", ErrInvalidRedirectURI)
	}
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("%w: URI must not contain a fragment", ErrInvalidRedirectURI)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if util.Contains(DangerousSchemes, scheme) {
		return fmt.Errorf("%w: scheme %q is not allowed", ErrInvalidRedirectURI, scheme)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%w: URI must include a host", ErrInvalidRedirectURI)
	}
	if scheme == SchemeHTTP && !util.IsLoopbackHostname(parsed.Hostname()) {
		return fmt.Errorf("%w: http is only allowed for loopback hosts", ErrInvalidRedirectURI)
	}
	return nil
}
