// Package mock provides a scriptable providers.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-gatekeeper/providers"
)

var _ providers.Provider = (*MockProvider)(nil)

// MockProvider records calls and delegates to replaceable funcs.
type MockProvider struct {
	NameFunc             func() string
	AuthorizationURLFunc func(state, codeChallenge string) string
	ExchangeCodeFunc     func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)
	UserInfoFunc         func(ctx context.Context, token *oauth2.Token) (*providers.UserInfo, error)
	HealthCheckFunc      func(ctx context.Context) error

	mu         sync.RWMutex
	callCounts map[string]int
	verifiers  []string
}

// NewMockProvider returns a provider that accepts every code and signs in
// "mock-user-123".
func NewMockProvider() *MockProvider {
	return &MockProvider{
		callCounts: make(map[string]int),
		NameFunc:   func() string { return "mock" },
		AuthorizationURLFunc: func(state, codeChallenge string) string {
			q := url.Values{}
			q.Set("state", state)
			q.Set("code_challenge", codeChallenge)
			q.Set("code_challenge_method", "S256")
			return "https://idp.example.com/authorize?" + q.Encode()
		},
		ExchangeCodeFunc: func(_ context.Context, code, _ string) (*oauth2.Token, error) {
			if code == "" {
				return nil, fmt.Errorf("empty code")
			}
			return &oauth2.Token{AccessToken: "mock-upstream-token", TokenType: "Bearer"}, nil
		},
		UserInfoFunc: func(context.Context, *oauth2.Token) (*providers.UserInfo, error) {
			return &providers.UserInfo{
				ID:            "mock-user-123",
				Email:         "mock@example.com",
				EmailVerified: true,
				Name:          "Mock User",
			}, nil
		},
		HealthCheckFunc: func(context.Context) error { return nil },
	}
}

func (m *MockProvider) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// Name implements providers.Provider.
func (m *MockProvider) Name() string {
	m.record("Name")
	return m.NameFunc()
}

// AuthorizationURL implements providers.Provider.
func (m *MockProvider) AuthorizationURL(state, codeChallenge string) string {
	m.record("AuthorizationURL")
	return m.AuthorizationURLFunc(state, codeChallenge)
}

// ExchangeCode implements providers.Provider and remembers the verifier.
func (m *MockProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	m.record("ExchangeCode")
	m.mu.Lock()
	m.verifiers = append(m.verifiers, codeVerifier)
	m.mu.Unlock()
	return m.ExchangeCodeFunc(ctx, code, codeVerifier)
}

// UserInfo implements providers.Provider.
func (m *MockProvider) UserInfo(ctx context.Context, token *oauth2.Token) (*providers.UserInfo, error) {
	m.record("UserInfo")
	return m.UserInfoFunc(ctx, token)
}

// HealthCheck implements providers.Provider.
func (m *MockProvider) HealthCheck(ctx context.Context) error {
	m.record("HealthCheck")
	return m.HealthCheckFunc(ctx)
}

// CallCount returns how often method was called.
func (m *MockProvider) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCounts[method]
}

// Verifiers returns the PKCE verifiers passed to ExchangeCode, in order.
func (m *MockProvider) Verifiers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.verifiers...)
}
