package server

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/giantswarm/mcp-gatekeeper/storage"
)

var hexSecret = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestRegisterClient_Defaults(t *testing.T) {
	srv, clock := setupTestServer(t)
	ctx := context.Background()

	client, secret, err := srv.RegisterClient(ctx, ClientMetadata{
		RedirectURIs: []string{testRedirectURI},
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if secret != "" || client.ClientSecretHash != "" {
		t.Error("public client must not get a secret")
	}
	if client.ClientID == "" {
		t.Error("client ID not assigned")
	}
	if len(client.GrantTypes) != 1 || client.GrantTypes[0] != GrantTypeAuthorizationCode {
		t.Errorf("GrantTypes = %v", client.GrantTypes)
	}
	if len(client.ResponseTypes) != 1 || client.ResponseTypes[0] != ResponseTypeCode {
		t.Errorf("ResponseTypes = %v", client.ResponseTypes)
	}
	if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodNone {
		t.Errorf("TokenEndpointAuthMethod = %q", client.TokenEndpointAuthMethod)
	}
	if !client.IssuedAt.Equal(clock.Now()) {
		t.Errorf("IssuedAt = %v, want %v", client.IssuedAt, clock.Now())
	}

	stored, err := srv.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if stored.RedirectURIs[0] != testRedirectURI {
		t.Errorf("stored RedirectURIs = %v", stored.RedirectURIs)
	}
}

func TestRegisterClient_Confidential(t *testing.T) {
	srv, _ := setupTestServer(t)

	client, secret, err := srv.RegisterClient(context.Background(), ClientMetadata{
		RedirectURIs:            []string{testRedirectURI},
		GrantTypes:              []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodPost,
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if !hexSecret.MatchString(secret) {
		t.Errorf("secret = %q, want 64 hex characters", secret)
	}
	if client.ClientSecretHash == "" || client.ClientSecretHash == secret {
		t.Error("secret must be stored hashed")
	}
	if client.IsPublic() {
		t.Error("client_secret_post client reported as public")
	}
	if !client.SecretExpiresAt.IsZero() {
		t.Error("SecretExpiresAt set without ClientSecretTTL")
	}
}

func TestRegisterClient_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		metadata ClientMetadata
		wantErr  error
	}{
		{
			name:     "no redirect URIs",
			metadata: ClientMetadata{},
			wantErr:  ErrInvalidRedirectURI,
		},
		{
			name:     "insecure redirect",
			metadata: ClientMetadata{RedirectURIs: []string{"http://app.example/cb"}},
			wantErr:  ErrInvalidRedirectURI,
		},
		{
			name:     "implicit grant",
			metadata: ClientMetadata{RedirectURIs: []string{testRedirectURI}, GrantTypes: []string{"implicit"}},
			wantErr:  ErrInvalidClientMetadata,
		},
		{
			name:     "token response type",
			metadata: ClientMetadata{RedirectURIs: []string{testRedirectURI}, ResponseTypes: []string{"token"}},
			wantErr:  ErrInvalidClientMetadata,
		},
		{
			name:     "basic auth method",
			metadata: ClientMetadata{RedirectURIs: []string{testRedirectURI}, TokenEndpointAuthMethod: "client_secret_basic"},
			wantErr:  ErrInvalidClientMetadata,
		},
	}

	srv, _ := setupTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := srv.RegisterClient(context.Background(), tt.metadata, "192.0.2.1")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("RegisterClient() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetClient_SecretExpiry(t *testing.T) {
	srv, clock := setupTestServer(t, func(c *Config) { c.ClientSecretTTL = 3600 })
	ctx := context.Background()

	client, _, err := srv.RegisterClient(ctx, ClientMetadata{
		RedirectURIs:            []string{testRedirectURI},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodPost,
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if want := clock.Now().Add(time.Hour); !client.SecretExpiresAt.Equal(want) {
		t.Errorf("SecretExpiresAt = %v, want %v", client.SecretExpiresAt, want)
	}

	if _, err := srv.GetClient(ctx, client.ClientID); err != nil {
		t.Fatalf("GetClient() before expiry error = %v", err)
	}

	clock.Advance(time.Hour + time.Second)

	if _, err := srv.GetClient(ctx, client.ClientID); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() after expiry error = %v, want ErrClientNotFound", err)
	}
	// the record itself is untouched
	if _, err := srv.clientStore.GetClient(ctx, client.ClientID); err != nil {
		t.Errorf("stored client lookup error = %v", err)
	}
}

func TestAuthenticateClient(t *testing.T) {
	srv, _ := setupTestServer(t)
	ctx := context.Background()

	publicID := registerPublicClient(t, srv)
	confidential, secret, err := srv.RegisterClient(ctx, ClientMetadata{
		RedirectURIs:            []string{testRedirectURI},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodPost,
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{name: "public without secret", clientID: publicID},
		{name: "public with secret", clientID: publicID, secret: "anything", wantErr: true},
		{name: "confidential with secret", clientID: confidential.ClientID, secret: secret},
		{name: "confidential wrong secret", clientID: confidential.ClientID, secret: secret + "x", wantErr: true},
		{name: "confidential no secret", clientID: confidential.ClientID, wantErr: true},
		{name: "unknown client", clientID: "does-not-exist", secret: secret, wantErr: true},
		{name: "empty client", clientID: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := srv.AuthenticateClient(ctx, tt.clientID, tt.secret, "192.0.2.1")
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidClient) {
					t.Errorf("error = %v, want ErrInvalidClient", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if client.ClientID != tt.clientID {
				t.Errorf("ClientID = %q, want %q", client.ClientID, tt.clientID)
			}
		})
	}
}
