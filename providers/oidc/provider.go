package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-gatekeeper/providers"
)

var _ providers.Provider = (*Provider)(nil)

const providerName = "oidc"

// Config holds the OIDC client registration at the upstream issuer.
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string

	// RedirectURL is the gatekeeper's sign-in callback, e.g. https://auth.example.com/login/callback
	RedirectURL string

	// Scopes default to openid, email and profile.
	Scopes []string

	// HTTPClient is used for discovery, the code exchange and user info.
	HTTPClient *http.Client

	// RequestTimeout bounds each upstream call when the caller's context has no deadline.
	// Default: 30s
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Provider signs users in at an OIDC issuer.
type Provider struct {
	oauth          *oauth2.Config
	userInfoURL    string
	issuerURL      string
	discovery      *DiscoveryClient
	httpClient     *http.Client
	requestTimeout time.Duration
}

// NewProvider discovers the issuer's endpoints and builds the provider.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	return newProvider(ctx, cfg, false)
}

func newProvider(ctx context.Context, cfg *Config, skipValidation bool) (*Provider, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	if err := ValidateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	discovery := NewDiscoveryClient(httpClient, 0, cfg.Logger)
	discovery.skipValidation = skipValidation

	doc, err := discovery.Discover(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, err
	}

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       append([]string(nil), scopes...),
			Endpoint: oauth2.Endpoint{
				AuthURL:  doc.AuthorizationEndpoint,
				TokenURL: doc.TokenEndpoint,
			},
		},
		userInfoURL:    doc.UserInfoEndpoint,
		issuerURL:      cfg.IssuerURL,
		discovery:      discovery,
		httpClient:     httpClient,
		requestTimeout: timeout,
	}, nil
}

// Name returns "oidc".
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL builds the sign-in redirect with an S256 challenge.
func (p *Provider) AuthorizationURL(state, codeChallenge string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"))
}

func (p *Provider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

// ExchangeCode redeems the callback code.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return providers.ExchangeCodeWithPKCE(ctx, p.oauth, p.httpClient, code, codeVerifier)
}

type userInfoClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// UserInfo calls the userinfo endpoint. The "sub" claim becomes the user ID.
func (p *Provider) UserInfo(ctx context.Context, token *oauth2.Token) (*providers.UserInfo, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var claims userInfoClaims
	if err := providers.GetJSON(ctx, p.httpClient, p.userInfoURL, token, &claims); err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("user info has no subject")
	}

	return &providers.UserInfo{
		ID:            claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}, nil
}

// HealthCheck refetches the discovery document.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	_, err := p.discovery.Discover(ctx, p.issuerURL)
	return err
}
