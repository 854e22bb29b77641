package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/giantswarm/mcp-gatekeeper/providers"
	"github.com/giantswarm/mcp-gatekeeper/providers/oidc"
)

var _ providers.Provider = (*Provider)(nil)

const (
	providerName = "github"

	defaultAPIBase = "https://api.github.com"
)

// ErrOrganizationRequired is returned when a user is not a member of any allowed organization.
var ErrOrganizationRequired = errors.New("user is not a member of any allowed organization")

// Config holds the GitHub OAuth App registration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes default to user:email and read:user.
	Scopes []string

	// AllowedOrganizations restricts sign-in to members of these organizations.
	AllowedOrganizations []string

	HTTPClient *http.Client

	// RequestTimeout bounds each GitHub call. Default: 30s
	RequestTimeout time.Duration
}

// Provider signs users in with GitHub.
type Provider struct {
	oauth                *oauth2.Config
	httpClient           *http.Client
	requestTimeout       time.Duration
	allowedOrganizations []string

	// apiBase is replaced in tests
	apiBase string
}

// NewProvider creates a GitHub provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := slices.Clone(cfg.Scopes)
	if len(scopes) == 0 {
		scopes = []string{"user:email", "read:user"}
	}
	if len(cfg.AllowedOrganizations) > 0 && !slices.Contains(scopes, "read:org") {
		scopes = append(scopes, "read:org")
	}
	if err := oidc.ValidateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	for _, org := range cfg.AllowedOrganizations {
		if org == "" {
			return nil, fmt.Errorf("organization name cannot be empty")
		}
		if len(org) > 39 {
			return nil, fmt.Errorf("organization name %q exceeds maximum length of 39 characters", org)
		}
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     oauthgithub.Endpoint,
		},
		httpClient:           httpClient,
		requestTimeout:       timeout,
		allowedOrganizations: slices.Clone(cfg.AllowedOrganizations),
		apiBase:              defaultAPIBase,
	}, nil
}

// Name returns "github".
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL builds the GitHub authorize redirect with an S256 challenge.
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

// ExchangeCode redeems the callback code. GitHub OAuth Apps return no refresh token.
func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return providers.ExchangeCodeWithPKCE(ctx, p.oauth, p.httpClient, code, verifier)
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

type githubOrg struct {
	Login string `json:"login"`
}

// UserInfo reads the GitHub profile. The numeric account ID becomes the user
// ID since logins can be renamed.
func (p *Provider) UserInfo(ctx context.Context, token *oauth2.Token) (*providers.UserInfo, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var user githubUser
	if err := providers.GetJSON(ctx, p.httpClient, p.apiBase+"/user", token, &user); err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("user info has no account ID")
	}

	info := &providers.UserInfo{
		ID:    strconv.FormatInt(user.ID, 10),
		Email: user.Email,
		Name:  user.Name,
	}
	if info.Name == "" {
		info.Name = user.Login
	}

	// the public profile email is unverified; prefer the verified primary
	var emails []githubEmail
	if err := providers.GetJSON(ctx, p.httpClient, p.apiBase+"/user/emails", token, &emails); err == nil {
		if email, ok := primaryEmail(emails); ok {
			info.Email = email
			info.EmailVerified = true
		}
	}

	if len(p.allowedOrganizations) > 0 {
		var orgs []githubOrg
		if err := providers.GetJSON(ctx, p.httpClient, p.apiBase+"/user/orgs", token, &orgs); err != nil {
			return nil, fmt.Errorf("failed to fetch organizations: %w", err)
		}
		if !p.isMember(orgs) {
			return nil, ErrOrganizationRequired
		}
	}

	return info, nil
}

func primaryEmail(emails []githubEmail) (string, bool) {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, true
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, true
		}
	}
	return "", false
}

func (p *Provider) isMember(orgs []githubOrg) bool {
	for _, org := range orgs {
		for _, allowed := range p.allowedOrganizations {
			if strings.EqualFold(org.Login, allowed) {
				return true
			}
		}
	}
	return false
}

// HealthCheck calls the unauthenticated rate limit endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/rate_limit", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github api unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github health check failed with status %d", resp.StatusCode)
	}
	return nil
}
