package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/giantswarm/mcp-gatekeeper/internal/testutil"
	"github.com/giantswarm/mcp-gatekeeper/storage/memory"
)

const (
	testUserID      = "user-123"
	testRedirectURI = "https://app.example/cb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestServer returns a server on an in-memory store with a mock clock.
func setupTestServer(t *testing.T, modify ...func(*Config)) (*Server, *testutil.MockTime) {
	t.Helper()

	config := &Config{
		Issuer:                        "https://auth.example.com",
		AllowPublicClientRegistration: true,
	}
	for _, m := range modify {
		m(config)
	}

	srv, err := New(memory.New(), config, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	clock := testutil.NewMockTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	srv.SetClock(clock.Now)
	return srv, clock
}

// registerPublicClient registers a public client with testRedirectURI.
func registerPublicClient(t *testing.T, srv *Server) string {
	t.Helper()
	client, secret, err := srv.RegisterClient(context.Background(), ClientMetadata{
		RedirectURIs: []string{testRedirectURI},
		ClientName:   "Test Client",
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if secret != "" {
		t.Fatalf("public client got a secret")
	}
	return client.ClientID
}

// issueCode approves an authorization request for testUserID and returns the code.
func issueCode(t *testing.T, srv *Server, clientID, challenge, resource string) string {
	t.Helper()
	code, err := srv.CreateAuthorizationCode(context.Background(), &AuthorizationRequest{
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Scope:               "tools:read tools:write",
		Resource:            resource,
	}, testUserID)
	if err != nil {
		t.Fatalf("CreateAuthorizationCode() error = %v", err)
	}
	return code
}

func TestNew(t *testing.T) {
	if _, err := New(nil, &Config{Issuer: "https://auth.example.com"}, nil); err == nil {
		t.Error("New() without store should fail")
	}
	if _, err := New(memory.New(), &Config{}, discardLogger()); err == nil {
		t.Error("New() without issuer should fail")
	}

	srv, err := New(memory.New(), &Config{Issuer: "https://auth.example.com"}, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	testutil.AssertEqual(t, srv.Config.AuthorizationCodeTTL, int64(600))
	testutil.AssertEqual(t, srv.Config.AccessTokenTTL, int64(3600))
	testutil.AssertEqual(t, srv.Config.RefreshTokenTTL, int64(7776000))
	testutil.AssertEqual(t, srv.Config.TrustedProxyCount, 1)
}
