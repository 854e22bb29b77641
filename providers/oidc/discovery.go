package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const discoveryPath = "/.well-known/openid-configuration"

// DiscoveryDocument is the subset of OIDC provider metadata the sign-in flow uses.
type DiscoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserInfoEndpoint              string   `json:"userinfo_endpoint"`
	JWKSUri                       string   `json:"jwks_uri"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// DiscoveryClient fetches and caches discovery documents. Concurrent misses
// for the same issuer share one upstream request.
type DiscoveryClient struct {
	httpClient *http.Client
	cacheTTL   time.Duration
	logger     *slog.Logger
	group      singleflight.Group

	mu      sync.RWMutex
	entries map[string]discoveryEntry

	// skipValidation allows loopback issuers in tests
	skipValidation bool
}

type discoveryEntry struct {
	doc     *DiscoveryDocument
	expires time.Time
}

// NewDiscoveryClient creates a discovery client. A nil httpClient gets a 10s
// timeout, a zero cacheTTL defaults to one hour.
func NewDiscoveryClient(httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *DiscoveryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL == 0 {
		cacheTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryClient{
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		logger:     logger,
		entries:    make(map[string]discoveryEntry),
	}
}

// Discover returns the discovery document of issuerURL, from cache when fresh.
func (c *DiscoveryClient) Discover(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	if !c.skipValidation {
		if err := ValidateIssuerURL(issuerURL); err != nil {
			return nil, fmt.Errorf("invalid issuer URL: %w", err)
		}
	}

	c.mu.RLock()
	entry, ok := c.entries[issuerURL]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.doc, nil
	}

	v, err, _ := c.group.Do(issuerURL, func() (any, error) {
		doc, err := c.fetch(ctx, issuerURL)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[issuerURL] = discoveryEntry{doc: doc, expires: time.Now().Add(c.cacheTTL)}
		c.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DiscoveryDocument), nil
}

func (c *DiscoveryClient) fetch(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(issuerURL, "/")+discoveryPath, nil)
	if err != nil {
		return nil, fmt.Errorf("building discovery request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching discovery document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding discovery document: %w", err)
	}
	if err := validateDocument(&doc, c.skipValidation); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	c.logger.Info("Fetched OIDC discovery document",
		"issuer", issuerURL,
		"token_endpoint", doc.TokenEndpoint)
	return &doc, nil
}

// validateDocument requires every endpoint the sign-in flow calls, over
// HTTPS unless allowLoopback is set.
func validateDocument(doc *DiscoveryDocument, allowLoopback bool) error {
	for name, endpoint := range map[string]string{
		"issuer":                 doc.Issuer,
		"authorization_endpoint": doc.AuthorizationEndpoint,
		"token_endpoint":         doc.TokenEndpoint,
		"userinfo_endpoint":      doc.UserInfoEndpoint,
	} {
		if endpoint == "" {
			return fmt.Errorf("%s is missing", name)
		}
		if !strings.HasPrefix(endpoint, "https://") && !allowLoopback {
			return fmt.Errorf("%s must use HTTPS: %s", name, endpoint)
		}
	}
	return nil
}
