// Package storagetest is a conformance suite run by every storage.Store backend.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-gatekeeper/security"
	"github.com/giantswarm/mcp-gatekeeper/storage"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("AuthorizationCodes", func(t *testing.T) { testAuthorizationCodes(t, newStore(t)) })
	t.Run("MarkUsedIsSingleWinner", func(t *testing.T) { testMarkUsedConcurrent(t, newStore(t)) })
	t.Run("Tokens", func(t *testing.T) { testTokens(t, newStore(t)) })
	t.Run("RevokeIsSingleWinner", func(t *testing.T) { testRevokeConcurrent(t, newStore(t)) })
	t.Run("APIKeys", func(t *testing.T) { testAPIKeys(t, newStore(t)) })
}

// Times are compared at millisecond precision since that is what the
// relational and Valkey backends persist.
var baseTime = time.Now().UTC().Truncate(time.Millisecond)

// NewClient returns a public client record with a fresh ID.
func NewClient() *storage.Client {
	return &storage.Client{
		ClientID:                uuid.NewString(),
		RedirectURIs:            []string{"https://app.example/cb", "http://127.0.0.1:8765/cb"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		ClientName:              "Test Client",
		Scope:                   "tools",
		IssuedAt:                baseTime,
	}
}

// NewAuthorizationCode returns an unused code for clientID expiring in ten minutes.
func NewAuthorizationCode(clientID string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		CodeHash:      security.HashToken(uuid.NewString()),
		ClientID:      clientID,
		UserID:        "user-1",
		CodeChallenge: "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		RedirectURI:   "https://app.example/cb",
		Scope:         "tools",
		Resource:      "https://mcp.example/mcp/eloa",
		ExpiresAt:     baseTime.Add(10 * time.Minute),
		CreatedAt:     baseTime,
	}
}

// NewToken returns an active token pair for clientID.
func NewToken(clientID string) *storage.Token {
	return &storage.Token{
		ID:               uuid.NewString(),
		ClientID:         clientID,
		UserID:           "user-1",
		AccessTokenHash:  security.HashToken(uuid.NewString()),
		RefreshTokenHash: security.HashToken(uuid.NewString()),
		Scope:            "tools",
		Resource:         "https://mcp.example/mcp/eloa",
		ExpiresAt:        baseTime.Add(time.Hour),
		RefreshExpiresAt: baseTime.Add(90 * 24 * time.Hour),
		CreatedAt:        baseTime,
	}
}

func closeStore(t *testing.T, s storage.Store) {
	t.Cleanup(func() { _ = s.Close() })
}

func testClients(t *testing.T, s storage.Store) {
	closeStore(t, s)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	_, err := s.GetClient(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrClientNotFound)

	client := NewClient()
	client.ClientSecretHash = "$2a$10$hash"
	client.TokenEndpointAuthMethod = "client_secret_post"
	client.SecretExpiresAt = baseTime.Add(time.Hour)
	require.NoError(t, s.SaveClient(ctx, client))

	got, err := s.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)
	assert.Equal(t, client.ClientSecretHash, got.ClientSecretHash)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.GrantTypes, got.GrantTypes)
	assert.Equal(t, client.ResponseTypes, got.ResponseTypes)
	assert.Equal(t, client.TokenEndpointAuthMethod, got.TokenEndpointAuthMethod)
	assert.Equal(t, client.ClientName, got.ClientName)
	assert.Equal(t, client.Scope, got.Scope)
	assert.True(t, client.IssuedAt.Equal(got.IssuedAt), "issued at %v != %v", got.IssuedAt, client.IssuedAt)
	assert.True(t, client.SecretExpiresAt.Equal(got.SecretExpiresAt), "secret expiry %v != %v", got.SecretExpiresAt, client.SecretExpiresAt)

	// a client without secret expiry round-trips a zero time
	public := NewClient()
	require.NoError(t, s.SaveClient(ctx, public))
	got, err = s.GetClient(ctx, public.ClientID)
	require.NoError(t, err)
	assert.True(t, got.SecretExpiresAt.IsZero())
	assert.True(t, got.IsPublic())

	require.ErrorIs(t, s.SaveClient(ctx, public), storage.ErrAlreadyExists)
}

func testAuthorizationCodes(t *testing.T, s storage.Store) {
	closeStore(t, s)
	ctx := context.Background()

	code := NewAuthorizationCode("client-a")
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.GetUnusedAuthorizationCode(ctx, code.CodeHash, "client-a")
	require.NoError(t, err)
	assert.Equal(t, code.UserID, got.UserID)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
	assert.Equal(t, code.RedirectURI, got.RedirectURI)
	assert.Equal(t, code.Scope, got.Scope)
	assert.Equal(t, code.Resource, got.Resource)
	assert.False(t, got.Used)
	assert.True(t, code.ExpiresAt.Equal(got.ExpiresAt))

	_, err = s.GetUnusedAuthorizationCode(ctx, code.CodeHash, "client-b")
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound, "code must be bound to its client")

	ok, err := s.MarkAuthorizationCodeUsed(ctx, code.CodeHash, "client-b")
	require.NoError(t, err)
	assert.False(t, ok, "another client must not consume the code")

	ok, err = s.MarkAuthorizationCodeUsed(ctx, code.CodeHash, "client-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkAuthorizationCodeUsed(ctx, code.CodeHash, "client-a")
	require.NoError(t, err)
	assert.False(t, ok, "second mark must report no effect")

	_, err = s.GetUnusedAuthorizationCode(ctx, code.CodeHash, "client-a")
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)

	ok, err = s.MarkAuthorizationCodeUsed(ctx, "unknown", "client-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testMarkUsedConcurrent(t *testing.T, s storage.Store) {
	closeStore(t, s)
	ctx := context.Background()

	code := NewAuthorizationCode("client-a")
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	const attempts = 20
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.MarkAuthorizationCodeUsed(ctx, code.CodeHash, "client-a")
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one concurrent mark-used must succeed")
}

func testTokens(t *testing.T, s storage.Store) {
	closeStore(t, s)
	ctx := context.Background()

	tok := NewToken("client-a")
	require.NoError(t, s.SaveToken(ctx, tok))

	got, err := s.GetActiveTokenByAccessToken(ctx, tok.AccessTokenHash)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
	assert.Equal(t, tok.UserID, got.UserID)
	assert.Equal(t, tok.ClientID, got.ClientID)
	assert.Equal(t, tok.Scope, got.Scope)
	assert.Equal(t, tok.Resource, got.Resource)
	assert.True(t, tok.ExpiresAt.Equal(got.ExpiresAt))
	assert.True(t, tok.RefreshExpiresAt.Equal(got.RefreshExpiresAt))
	assert.False(t, got.Revoked())

	got, err = s.GetActiveTokenByRefreshToken(ctx, tok.RefreshTokenHash, "client-a")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)

	_, err = s.GetActiveTokenByRefreshToken(ctx, tok.RefreshTokenHash, "client-b")
	require.ErrorIs(t, err, storage.ErrTokenNotFound, "refresh lookup must be bound to the client")

	_, err = s.GetActiveTokenByAccessToken(ctx, "unknown")
	require.ErrorIs(t, err, storage.ErrTokenNotFound)

	// revoke by ID
	ok, err := s.RevokeToken(ctx, tok.ID, baseTime)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.RevokeToken(ctx, tok.ID, baseTime)
	require.NoError(t, err)
	assert.False(t, ok, "revoking twice must report no effect")

	_, err = s.GetActiveTokenByAccessToken(ctx, tok.AccessTokenHash)
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetActiveTokenByRefreshToken(ctx, tok.RefreshTokenHash, "client-a")
	require.ErrorIs(t, err, storage.ErrTokenNotFound)

	// revoke by access digest
	tok2 := NewToken("client-a")
	require.NoError(t, s.SaveToken(ctx, tok2))
	ok, err = s.RevokeByRefreshToken(ctx, tok2.AccessTokenHash, baseTime)
	require.NoError(t, err)
	assert.False(t, ok, "an access digest must not match as refresh")
	ok, err = s.RevokeByAccessToken(ctx, tok2.AccessTokenHash, baseTime)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.RevokeByAccessToken(ctx, tok2.AccessTokenHash, baseTime)
	require.NoError(t, err)
	assert.False(t, ok)

	// revoke by refresh digest
	tok3 := NewToken("client-a")
	require.NoError(t, s.SaveToken(ctx, tok3))
	ok, err = s.RevokeByRefreshToken(ctx, tok3.RefreshTokenHash, baseTime)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = s.GetActiveTokenByAccessToken(ctx, tok3.AccessTokenHash)
	require.ErrorIs(t, err, storage.ErrTokenNotFound, "revoking by refresh kills the whole pair")

	ok, err = s.RevokeByAccessToken(ctx, "unknown", baseTime)
	require.NoError(t, err)
	assert.False(t, ok)

	// a pair without refresh token
	tok4 := NewToken("client-a")
	tok4.RefreshTokenHash = ""
	require.NoError(t, s.SaveToken(ctx, tok4))
	_, err = s.GetActiveTokenByAccessToken(ctx, tok4.AccessTokenHash)
	require.NoError(t, err)
	ok, err = s.RevokeByRefreshToken(ctx, "", baseTime)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRevokeConcurrent(t *testing.T, s storage.Store) {
	closeStore(t, s)
	ctx := context.Background()

	tok := NewToken("client-a")
	require.NoError(t, s.SaveToken(ctx, tok))

	const attempts = 20
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.RevokeToken(ctx, tok.ID, time.Now())
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one concurrent revoke must take effect")
}

func testAPIKeys(t *testing.T, s storage.Store) {
	closeStore(t, s)
	ctx := context.Background()

	hash := security.HashToken(fmt.Sprintf("sk-%s", uuid.NewString()))
	key := &storage.APIKey{
		KeyHash:    hash,
		UserID:     "user-1",
		ServerName: "eloa",
		Enabled:    true,
		CreatedAt:  baseTime,
	}
	require.NoError(t, s.SaveAPIKey(ctx, key))

	got, err := s.GetEnabledAPIKey(ctx, hash, "eloa")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.True(t, got.Enabled)

	_, err = s.GetEnabledAPIKey(ctx, hash, "otto")
	require.ErrorIs(t, err, storage.ErrAPIKeyNotFound, "key must be scoped to its server")

	require.NoError(t, s.SetAPIKeyEnabled(ctx, hash, false))
	_, err = s.GetEnabledAPIKey(ctx, hash, "eloa")
	require.ErrorIs(t, err, storage.ErrAPIKeyNotFound, "disabled key must not resolve")

	require.NoError(t, s.SetAPIKeyEnabled(ctx, hash, true))
	_, err = s.GetEnabledAPIKey(ctx, hash, "eloa")
	require.NoError(t, err)

	require.ErrorIs(t, s.SetAPIKeyEnabled(ctx, "unknown", false), storage.ErrAPIKeyNotFound)
}
