package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gatekeeper "github.com/giantswarm/mcp-gatekeeper"
	"github.com/giantswarm/mcp-gatekeeper/internal/config"
	"github.com/giantswarm/mcp-gatekeeper/providers"
	"github.com/giantswarm/mcp-gatekeeper/providers/github"
	"github.com/giantswarm/mcp-gatekeeper/providers/oidc"
)

// newProvider builds the upstream sign-in provider. The redirect URL
// defaults to the gatekeeper's own callback.
func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (providers.Provider, error) {
	p := cfg.Provider
	redirectURL := p.RedirectURL
	if redirectURL == "" {
		redirectURL = strings.TrimSuffix(cfg.Issuer, "/") + gatekeeper.DefaultLoginPath + "/callback"
	}

	switch p.Type {
	case config.ProviderOIDC:
		return oidc.NewProvider(ctx, &oidc.Config{
			IssuerURL:      p.IssuerURL,
			ClientID:       p.ClientID,
			ClientSecret:   p.ClientSecret,
			RedirectURL:    redirectURL,
			Scopes:         p.Scopes,
			RequestTimeout: p.Timeout,
			Logger:         logger,
		})
	case config.ProviderGitHub:
		return github.NewProvider(&github.Config{
			ClientID:             p.ClientID,
			ClientSecret:         p.ClientSecret,
			RedirectURL:          redirectURL,
			Scopes:               p.Scopes,
			AllowedOrganizations: p.AllowedOrganizations,
			RequestTimeout:       p.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown provider type %q", p.Type)
	}
}
