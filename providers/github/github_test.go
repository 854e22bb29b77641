package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"golang.org/x/oauth2"
)

func newTestProvider(t *testing.T, cfg *Config, handler http.Handler) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	if cfg.ClientID == "" {
		cfg.ClientID = "gh-client"
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = "gh-secret"
	}
	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	p.apiBase = srv.URL
	p.httpClient = srv.Client()
	return p
}

func githubAPI(emails []githubEmail, orgs []githubOrg) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_valid" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(githubUser{ID: 583231, Login: "octocat", Email: "public@example.com"})
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(emails)
	})
	mux.HandleFunc("/user/orgs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(orgs)
	})
	mux.HandleFunc("/rate_limit", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	return mux
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{name: "valid", cfg: &Config{ClientID: "a", ClientSecret: "b"}},
		{name: "missing client ID", cfg: &Config{ClientSecret: "b"}, wantErr: true},
		{name: "missing secret", cfg: &Config{ClientID: "a"}, wantErr: true},
		{name: "empty org", cfg: &Config{ClientID: "a", ClientSecret: "b", AllowedOrganizations: []string{""}}, wantErr: true},
		{name: "empty scope", cfg: &Config{ClientID: "a", ClientSecret: "b", Scopes: []string{""}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProvider_AuthorizationURL(t *testing.T) {
	p, err := NewProvider(&Config{
		ClientID:             "gh-client",
		ClientSecret:         "gh-secret",
		RedirectURL:          "https://auth.example.com/login/callback",
		AllowedOrganizations: []string{"giantswarm"},
	})
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(p.AuthorizationURL("st", "ch"))
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "github.com" {
		t.Errorf("host = %q", u.Host)
	}
	q := u.Query()
	if q.Get("scope") != "user:email read:user read:org" {
		t.Errorf("scope = %q, want read:org appended", q.Get("scope"))
	}
	if q.Get("code_challenge") != "ch" || q.Get("code_challenge_method") != "S256" || q.Get("state") != "st" {
		t.Errorf("query = %v", q)
	}
}

func TestProvider_UserInfo(t *testing.T) {
	token := &oauth2.Token{AccessToken: "gho_valid"}

	t.Run("verified primary email wins", func(t *testing.T) {
		p := newTestProvider(t, &Config{}, githubAPI([]githubEmail{
			{Email: "old@example.com", Verified: true},
			{Email: "primary@example.com", Primary: true, Verified: true},
		}, nil))

		info, err := p.UserInfo(context.Background(), token)
		if err != nil {
			t.Fatalf("UserInfo() error = %v", err)
		}
		if info.ID != "583231" || info.Name != "octocat" {
			t.Errorf("info = %+v", info)
		}
		if info.Email != "primary@example.com" || !info.EmailVerified {
			t.Errorf("email = %q verified=%v", info.Email, info.EmailVerified)
		}
	})

	t.Run("unverified emails keep public profile email", func(t *testing.T) {
		p := newTestProvider(t, &Config{}, githubAPI([]githubEmail{{Email: "x@example.com", Primary: true}}, nil))

		info, err := p.UserInfo(context.Background(), token)
		if err != nil {
			t.Fatalf("UserInfo() error = %v", err)
		}
		if info.Email != "public@example.com" || info.EmailVerified {
			t.Errorf("email = %q verified=%v", info.Email, info.EmailVerified)
		}
	})

	t.Run("organization member", func(t *testing.T) {
		p := newTestProvider(t, &Config{AllowedOrganizations: []string{"GiantSwarm"}},
			githubAPI(nil, []githubOrg{{Login: "other"}, {Login: "giantswarm"}}))

		if _, err := p.UserInfo(context.Background(), token); err != nil {
			t.Errorf("UserInfo() error = %v", err)
		}
	})

	t.Run("not an organization member", func(t *testing.T) {
		p := newTestProvider(t, &Config{AllowedOrganizations: []string{"giantswarm"}},
			githubAPI(nil, []githubOrg{{Login: "other"}}))

		_, err := p.UserInfo(context.Background(), token)
		if !errors.Is(err, ErrOrganizationRequired) {
			t.Errorf("UserInfo() error = %v, want ErrOrganizationRequired", err)
		}
	})

	t.Run("rejected token", func(t *testing.T) {
		p := newTestProvider(t, &Config{}, githubAPI(nil, nil))

		if _, err := p.UserInfo(context.Background(), &oauth2.Token{AccessToken: "nope"}); err == nil {
			t.Error("UserInfo() expected error")
		}
	})
}

func TestProvider_HealthCheck(t *testing.T) {
	p := newTestProvider(t, &Config{}, githubAPI(nil, nil))
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	down := newTestProvider(t, &Config{}, http.NotFoundHandler())
	if err := down.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() expected error for 404")
	}
}
