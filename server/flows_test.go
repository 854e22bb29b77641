package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-gatekeeper/internal/testutil"
)

func TestValidateAuthorizationRequest(t *testing.T) {
	srv, _ := setupTestServer(t)
	clientID := registerPublicClient(t, srv)
	challenge, _ := testutil.GeneratePKCEPair()

	valid := func() *AuthorizationRequest {
		return &AuthorizationRequest{
			ClientID:            clientID,
			RedirectURI:         testRedirectURI,
			CodeChallenge:       challenge,
			CodeChallengeMethod: PKCEMethodS256,
		}
	}

	tests := []struct {
		name    string
		modify  func(*AuthorizationRequest)
		wantErr error
	}{
		{name: "valid", modify: func(*AuthorizationRequest) {}},
		{name: "response_type code", modify: func(r *AuthorizationRequest) { r.ResponseType = "code" }},
		{name: "missing client", modify: func(r *AuthorizationRequest) { r.ClientID = "" }, wantErr: ErrInvalidRequest},
		{name: "missing redirect", modify: func(r *AuthorizationRequest) { r.RedirectURI = "" }, wantErr: ErrInvalidRequest},
		{name: "missing challenge", modify: func(r *AuthorizationRequest) { r.CodeChallenge = "" }, wantErr: ErrInvalidRequest},
		{name: "plain method", modify: func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" }, wantErr: ErrInvalidRequest},
		{name: "token response", modify: func(r *AuthorizationRequest) { r.ResponseType = "token" }, wantErr: ErrInvalidRequest},
		{name: "unknown client", modify: func(r *AuthorizationRequest) { r.ClientID = "unknown" }, wantErr: ErrInvalidClient},
		{name: "unregistered redirect", modify: func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example/cb" }, wantErr: ErrInvalidRedirectURI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.modify(req)
			_, err := srv.ValidateAuthorizationRequest(context.Background(), req)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateAuthorizationCode_RequiresUser(t *testing.T) {
	srv, _ := setupTestServer(t)
	clientID := registerPublicClient(t, srv)
	challenge, _ := testutil.GeneratePKCEPair()

	_, err := srv.CreateAuthorizationCode(context.Background(), &AuthorizationRequest{
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	}, "")
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("error = %v, want ErrInvalidRequest", err)
	}
}

func TestExchangeAuthorizationCode_RoundTrip(t *testing.T) {
	srv, clock := setupTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, srv, clientID, challenge, "")

	result, err := srv.ExchangeAuthorizationCode(ctx, clientID, code, verifier, testRedirectURI, "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	testutil.AssertEqual(t, result.TokenType, "bearer")
	testutil.AssertEqual(t, result.ExpiresIn, int64(3600))
	testutil.AssertEqual(t, result.Scope, "tools:read tools:write")
	if result.AccessToken == "" || result.RefreshToken == "" || result.AccessToken == result.RefreshToken {
		t.Fatalf("unexpected token pair %+v", result)
	}

	identity, err := srv.VerifyAccessToken(ctx, result.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken() error = %v", err)
	}
	testutil.AssertEqual(t, identity.UserID, testUserID)
	testutil.AssertEqual(t, identity.ClientID, clientID)
	testutil.AssertEqual(t, identity.Kind, CredentialOAuthToken)
	testutil.AssertEqual(t, identity.ExpiresAt, clock.Now().Add(time.Hour).Unix())
	if len(identity.Scopes) != 2 || identity.Scopes[0] != "tools:read" || identity.Scopes[1] != "tools:write" {
		t.Errorf("Scopes = %v", identity.Scopes)
	}
}

func TestExchangeAuthorizationCode_WrongVerifierDoesNotBurnCode(t *testing.T) {
	srv, _ := setupTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, srv, clientID, challenge, "")

	_, err := srv.ExchangeAuthorizationCode(ctx, clientID, code, verifier+"x", testRedirectURI, "")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("wrong verifier error = %v, want ErrInvalidGrant", err)
	}

	if _, err := srv.ExchangeAuthorizationCode(ctx, clientID, code, verifier, testRedirectURI, ""); err != nil {
		t.Fatalf("retry with correct verifier error = %v", err)
	}
}

func TestExchangeAuthorizationCode_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		exchange func(t *testing.T, srv *Server, clientID, code, verifier string) error
	}{
		{
			name: "redirect mismatch",
			exchange: func(t *testing.T, srv *Server, clientID, code, verifier string) error {
				_, err := srv.ExchangeAuthorizationCode(context.Background(), clientID, code, verifier, "https://app.example/other", "")
				return err
			},
		},
		{
			name: "other client",
			exchange: func(t *testing.T, srv *Server, _, code, verifier string) error {
				other := registerPublicClient(t, srv)
				_, err := srv.ExchangeAuthorizationCode(context.Background(), other, code, verifier, testRedirectURI, "")
				return err
			},
		},
		{
			name: "unknown code",
			exchange: func(t *testing.T, srv *Server, clientID, _, verifier string) error {
				_, err := srv.ExchangeAuthorizationCode(context.Background(), clientID, "not-a-code", verifier, testRedirectURI, "")
				return err
			},
		},
		{
			name: "empty verifier",
			exchange: func(t *testing.T, srv *Server, clientID, code, _ string) error {
				_, err := srv.ExchangeAuthorizationCode(context.Background(), clientID, code, "", testRedirectURI, "")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := setupTestServer(t)
			clientID := registerPublicClient(t, srv)
			challenge, verifier := testutil.GeneratePKCEPair()
			code := issueCode(t, srv, clientID, challenge, "")

			if err := tt.exchange(t, srv, clientID, code, verifier); !errors.Is(err, ErrInvalidGrant) {
				t.Errorf("error = %v, want ErrInvalidGrant", err)
			}
		})
	}
}

func TestExchangeAuthorizationCode_Expired(t *testing.T) {
	srv, clock := setupTestServer(t)
	clientID := registerPublicClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, srv, clientID, challenge, "")

	clock.Advance(10*time.Minute + time.Second)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), clientID, code, verifier, testRedirectURI, "")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeAuthorizationCode_SingleUse(t *testing.T) {
	srv, _ := setupTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, srv, clientID, challenge, "")

	if _, err := srv.ExchangeAuthorizationCode(ctx, clientID, code, verifier, testRedirectURI, ""); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	if _, err := srv.ExchangeAuthorizationCode(ctx, clientID, code, verifier, testRedirectURI, ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second exchange error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeAuthorizationCode_ConcurrentRedemption(t *testing.T) {
	srv, _ := setupTestServer(t)
	clientID := registerPublicClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, srv, clientID, challenge, "")

	const attempts = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := srv.ExchangeAuthorizationCode(context.Background(), clientID, code, verifier, testRedirectURI, "")
			switch {
			case err == nil:
				successes.Add(1)
			case !errors.Is(err, ErrInvalidGrant):
				t.Errorf("unexpected error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful redemptions = %d, want 1", got)
	}
}

func TestExchangeAuthorizationCode_ResourceBinding(t *testing.T) {
	t.Run("caller value wins", func(t *testing.T) {
		srv, _ := setupTestServer(t)
		clientID := registerPublicClient(t, srv)
		challenge, verifier := testutil.GeneratePKCEPair()
		code := issueCode(t, srv, clientID, challenge, "https://mcp.example/eloa")

		result, err := srv.ExchangeAuthorizationCode(context.Background(), clientID, code, verifier, testRedirectURI, "https://mcp.example/otto")
		if err != nil {
			t.Fatalf("error = %v", err)
		}
		identity, err := srv.VerifyAccessToken(context.Background(), result.AccessToken)
		if err != nil {
			t.Fatalf("VerifyAccessToken() error = %v", err)
		}
		testutil.AssertEqual(t, identity.Resource, "https://mcp.example/otto")
	})

	t.Run("stored value kept when omitted", func(t *testing.T) {
		srv, _ := setupTestServer(t)
		clientID := registerPublicClient(t, srv)
		challenge, verifier := testutil.GeneratePKCEPair()
		code := issueCode(t, srv, clientID, challenge, "https://mcp.example/eloa")

		result, err := srv.ExchangeAuthorizationCode(context.Background(), clientID, code, verifier, testRedirectURI, "")
		if err != nil {
			t.Fatalf("error = %v", err)
		}
		identity, _ := srv.VerifyAccessToken(context.Background(), result.AccessToken)
		testutil.AssertEqual(t, identity.Resource, "https://mcp.example/eloa")
	})

	t.Run("strict mismatch rejected without burning code", func(t *testing.T) {
		srv, _ := setupTestServer(t, func(c *Config) { c.StrictResourceBinding = true })
		ctx := context.Background()
		clientID := registerPublicClient(t, srv)
		challenge, verifier := testutil.GeneratePKCEPair()
		code := issueCode(t, srv, clientID, challenge, "https://mcp.example/eloa")

		_, err := srv.ExchangeAuthorizationCode(ctx, clientID, code, verifier, testRedirectURI, "https://mcp.example/otto")
		if !errors.Is(err, ErrInvalidGrant) {
			t.Fatalf("error = %v, want ErrInvalidGrant", err)
		}

		// trailing slash normalizes to the same resource
		if _, err := srv.ExchangeAuthorizationCode(ctx, clientID, code, verifier, testRedirectURI, "https://mcp.example/eloa/"); err != nil {
			t.Errorf("matching resource error = %v", err)
		}
	})
}

func TestExchangeRefreshToken_Rotation(t *testing.T) {
	srv, _ := setupTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, srv, clientID, challenge, "")

	first, err := srv.ExchangeAuthorizationCode(ctx, clientID, code, verifier, testRedirectURI, "")
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	second, err := srv.ExchangeRefreshToken(ctx, clientID, first.RefreshToken, "", "")
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	if second.AccessToken == first.AccessToken || second.RefreshToken == first.RefreshToken {
		t.Error("refresh must mint a brand-new pair")
	}
	testutil.AssertEqual(t, second.Scope, first.Scope)

	if _, err := srv.ExchangeRefreshToken(ctx, clientID, first.RefreshToken, "", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("reuse of rotated refresh token error = %v, want ErrInvalidGrant", err)
	}
	if _, err := srv.VerifyAccessToken(ctx, first.AccessToken); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("old access token error = %v, want ErrUnauthenticated", err)
	}
	if _, err := srv.VerifyAccessToken(ctx, second.AccessToken); err != nil {
		t.Errorf("new access token error = %v", err)
	}
}

func TestExchangeRefreshToken_ScopeOverride(t *testing.T) {
	srv, _ := setupTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, srv, clientID, challenge, "")

	first, err := srv.ExchangeAuthorizationCode(ctx, clientID, code, verifier, testRedirectURI, "")
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}
	second, err := srv.ExchangeRefreshToken(ctx, clientID, first.RefreshToken, "tools:read", "")
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	testutil.AssertEqual(t, second.Scope, "tools:read")
}

func TestExchangeRefreshToken_Rejections(t *testing.T) {
	srv, clock := setupTestServer(t, func(c *Config) { c.RefreshTokenTTL = 86400 })
	ctx := context.Background()
	clientID := registerPublicClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, srv, clientID, challenge, "")

	pair, err := srv.ExchangeAuthorizationCode(ctx, clientID, code, verifier, testRedirectURI, "")
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	if _, err := srv.ExchangeRefreshToken(ctx, clientID, "", "", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("empty token error = %v, want ErrInvalidGrant", err)
	}
	if _, err := srv.ExchangeRefreshToken(ctx, clientID, pair.AccessToken, "", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("access token as refresh error = %v, want ErrInvalidGrant", err)
	}
	other := registerPublicClient(t, srv)
	if _, err := srv.ExchangeRefreshToken(ctx, other, pair.RefreshToken, "", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("other client error = %v, want ErrInvalidGrant", err)
	}

	clock.Advance(24*time.Hour + time.Second)
	if _, err := srv.ExchangeRefreshToken(ctx, clientID, pair.RefreshToken, "", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expired refresh token error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeRefreshToken_RejectionStillSpendsToken(t *testing.T) {
	srv, _ := setupTestServer(t, func(c *Config) { c.StrictResourceBinding = true })
	ctx := context.Background()
	clientID := registerPublicClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, srv, clientID, challenge, "https://mcp.example/eloa")

	pair, err := srv.ExchangeAuthorizationCode(ctx, clientID, code, verifier, testRedirectURI, "")
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	if _, err := srv.ExchangeRefreshToken(ctx, clientID, pair.RefreshToken, "", "https://mcp.example/otto"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("mismatched resource error = %v, want ErrInvalidGrant", err)
	}

	// the matched pair was revoked before the resource check
	if _, err := srv.ExchangeRefreshToken(ctx, clientID, pair.RefreshToken, "", "https://mcp.example/eloa"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("retry after rejection error = %v, want ErrInvalidGrant", err)
	}
	if _, err := srv.VerifyAccessToken(ctx, pair.AccessToken); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("access token after rejected refresh error = %v, want ErrUnauthenticated", err)
	}
}

func TestExchangeRefreshToken_NeverExpires(t *testing.T) {
	srv, clock := setupTestServer(t, func(c *Config) { c.RefreshTokenTTL = -1 })
	ctx := context.Background()
	clientID := registerPublicClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, srv, clientID, challenge, "")

	pair, err := srv.ExchangeAuthorizationCode(ctx, clientID, code, verifier, testRedirectURI, "")
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	clock.Advance(5 * 365 * 24 * time.Hour)
	if _, err := srv.ExchangeRefreshToken(ctx, clientID, pair.RefreshToken, "", ""); err != nil {
		t.Errorf("refresh error = %v", err)
	}
}

func TestExchangeRefreshToken_Concurrent(t *testing.T) {
	srv, _ := setupTestServer(t)
	ctx := context.Background()
	clientID := registerPublicClient(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := issueCode(t, srv, clientID, challenge, "")

	pair, err := srv.ExchangeAuthorizationCode(ctx, clientID, code, verifier, testRedirectURI, "")
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	const attempts = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := srv.ExchangeRefreshToken(ctx, clientID, pair.RefreshToken, "", ""); err == nil {
				successes.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful refreshes = %d, want 1", got)
	}
}

// TestPublicClientScenario walks a public client through registration,
// consent, exchange, replay, refresh and refresh reuse.
func TestPublicClientScenario(t *testing.T) {
	srv, _ := setupTestServer(t)
	ctx := context.Background()

	client, _, err := srv.RegisterClient(ctx, ClientMetadata{
		RedirectURIs: []string{"https://app.example/cb"},
		ClientName:   "C1",
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	code, err := srv.CreateAuthorizationCode(ctx, &AuthorizationRequest{
		ClientID:            client.ClientID,
		RedirectURI:         "https://app.example/cb",
		CodeChallenge:       ComputeS256Challenge("verifier-1"),
		CodeChallengeMethod: PKCEMethodS256,
	}, testUserID)
	if err != nil {
		t.Fatalf("CreateAuthorizationCode() error = %v", err)
	}

	pair, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, "verifier-1", "https://app.example/cb", "")
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}
	testutil.AssertEqual(t, pair.ExpiresIn, int64(3600))

	if _, err := srv.ExchangeAuthorizationCode(ctx, client.ClientID, code, "verifier-1", "https://app.example/cb", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("re-exchange error = %v, want ErrInvalidGrant", err)
	}

	if _, err := srv.ExchangeRefreshToken(ctx, client.ClientID, pair.RefreshToken, "", ""); err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	if _, err := srv.ExchangeRefreshToken(ctx, client.ClientID, pair.RefreshToken, "", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("re-refresh error = %v, want ErrInvalidGrant", err)
	}
}
