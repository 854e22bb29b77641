package gatekeeper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-gatekeeper/internal/session"
	"github.com/giantswarm/mcp-gatekeeper/providers/mock"
	"github.com/giantswarm/mcp-gatekeeper/server"
	"github.com/giantswarm/mcp-gatekeeper/storage/memory"
)

const testRedirectURI = "https://app.example/cb"

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([0-9a-f]+)"`)

type testEnv struct {
	server   *server.Server
	handler  *Handler
	http     *httptest.Server
	client   *http.Client
	provider *mock.MockProvider
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, modify ...func(*server.Config, *Config)) *testEnv {
	t.Helper()

	serverConfig := &server.Config{
		Issuer:                        "https://auth.example.com",
		AllowPublicClientRegistration: true,
	}
	config := &Config{
		ResourceServers: []string{"eloa", "otto"},
		ScopesSupported: []string{"tools:read", "tools:write"},
	}
	for _, m := range modify {
		m(serverConfig, config)
	}

	srv, err := server.New(memory.New(), serverConfig, discardLogger())
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	sessions, err := session.New(session.Config{HashKey: bytes.Repeat([]byte("k"), 32)})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	provider := mock.NewMockProvider()

	h, err := NewHandler(srv, sessions, provider, config, discardLogger())
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	t.Cleanup(h.Close)

	ts := httptest.NewServer(h.Routes())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &testEnv{server: srv, handler: h, http: ts, client: client, provider: provider}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.http.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e.do(t, req)
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.http.URL+path, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(t, req)
}

func (e *testEnv) postJSON(t *testing.T, path string, body any, bearer string) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, e.http.URL+path, bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return e.do(t, req)
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s status = %d, want %d, body: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func wantOAuthError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	wantStatus(t, resp, status)
	var body ErrorResponse
	decodeJSON(t, resp, &body)
	if body.Error != code {
		t.Errorf("error = %q, want %q", body.Error, code)
	}
}

func (e *testEnv) registerPublicClient(t *testing.T) string {
	t.Helper()
	resp := e.postJSON(t, PathRegister, ClientRegistrationRequest{
		RedirectURIs: []string{testRedirectURI},
		ClientName:   "C1",
	}, "")
	wantStatus(t, resp, http.StatusCreated)

	var reg ClientRegistrationResponse
	decodeJSON(t, resp, &reg)
	if reg.ClientID == "" {
		t.Fatal("registration returned no client_id")
	}
	return reg.ClientID
}

// signIn completes the upstream sign-in through the mock provider.
func (e *testEnv) signIn(t *testing.T) {
	t.Helper()
	resp := e.get(t, "/login?return_to=/")
	wantStatus(t, resp, http.StatusFound)

	upstream, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := upstream.Query().Get("state")

	resp = e.get(t, "/login/callback?"+url.Values{"code": {"upstream-code"}, "state": {state}}.Encode())
	wantStatus(t, resp, http.StatusFound)
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Fatalf("callback redirected to %q", loc)
	}
}

func authorizeQuery(clientID, challenge string) url.Values {
	return url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"state":                 {"st-1"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"scope":                 {"tools:read"},
		"response_type":         {"code"},
	}
}

// consent renders the consent page and returns the CSRF token on it.
func (e *testEnv) consent(t *testing.T, query url.Values) string {
	t.Helper()
	resp := e.get(t, PathAuthorize+"?"+query.Encode())
	wantStatus(t, resp, http.StatusOK)

	body, _ := io.ReadAll(resp.Body)
	m := csrfPattern.FindSubmatch(body)
	if m == nil {
		t.Fatalf("consent page has no CSRF token: %s", body)
	}
	return string(m[1])
}

// approve signs in if needed, approves the request and returns the redirect.
func (e *testEnv) approve(t *testing.T, query url.Values) *url.URL {
	t.Helper()
	csrf := e.consent(t, query)

	form := url.Values{}
	for k, v := range query {
		form[k] = v
	}
	form.Set("csrf_token", csrf)
	form.Set("action", "approve")

	resp := e.postForm(t, PathAuthorize, form)
	wantStatus(t, resp, http.StatusFound)
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func (e *testEnv) exchangeCode(t *testing.T, clientID, code, verifier string) *http.Response {
	t.Helper()
	return e.postForm(t, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {testRedirectURI},
	})
}

func (e *testEnv) refresh(t *testing.T, clientID, refreshToken string) *http.Response {
	t.Helper()
	return e.postForm(t, PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refreshToken},
	})
}

func TestPublicClientScenarioOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	clientID := env.registerPublicClient(t)
	env.signIn(t)

	challenge := server.ComputeS256Challenge("verifier-1")
	redirect := env.approve(t, authorizeQuery(clientID, challenge))

	if got := redirect.Scheme + "://" + redirect.Host + redirect.Path; got != testRedirectURI {
		t.Fatalf("redirected to %q", got)
	}
	if redirect.Query().Get("state") != "st-1" {
		t.Errorf("state = %q", redirect.Query().Get("state"))
	}
	code := redirect.Query().Get("code")
	if code == "" {
		t.Fatal("no code in redirect")
	}

	resp := env.exchangeCode(t, clientID, code, "verifier-1")
	wantStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}

	var tokens TokenResponse
	decodeJSON(t, resp, &tokens)
	if tokens.TokenType != "bearer" || tokens.ExpiresIn != 3600 || tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("token response = %+v", tokens)
	}

	identity, err := env.server.VerifyAccessToken(context.Background(), tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken() error = %v", err)
	}
	if identity.UserID != "mock-user-123" || identity.ClientID != clientID {
		t.Errorf("identity = %+v", identity)
	}

	wantOAuthError(t, env.exchangeCode(t, clientID, code, "verifier-1"), http.StatusBadRequest, ErrorCodeInvalidGrant)

	resp = env.refresh(t, clientID, tokens.RefreshToken)
	wantStatus(t, resp, http.StatusOK)
	var rotated TokenResponse
	decodeJSON(t, resp, &rotated)
	if rotated.AccessToken == tokens.AccessToken || rotated.RefreshToken == tokens.RefreshToken {
		t.Error("refresh did not rotate the pair")
	}

	wantOAuthError(t, env.refresh(t, clientID, tokens.RefreshToken), http.StatusBadRequest, ErrorCodeInvalidGrant)
}

func TestAuthorization_RedirectsToLogin(t *testing.T) {
	env := newTestEnv(t)
	clientID := env.registerPublicClient(t)

	query := authorizeQuery(clientID, server.ComputeS256Challenge("v"))
	resp := env.get(t, PathAuthorize+"?"+query.Encode())
	wantStatus(t, resp, http.StatusFound)

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if loc.Path != "/login" {
		t.Fatalf("redirected to %q, want /login", loc.Path)
	}
	returnTo := loc.Query().Get("return_to")
	if !strings.HasPrefix(returnTo, PathAuthorize+"?") {
		t.Errorf("return_to = %q", returnTo)
	}

	// the sign-in round trip lands back on the consent page
	resp = env.get(t, loc.RequestURI())
	upstream, _ := url.Parse(resp.Header.Get("Location"))
	if upstream.Query().Get("code_challenge_method") != "S256" || upstream.Query().Get("code_challenge") == "" {
		t.Errorf("upstream redirect lacks PKCE: %s", upstream)
	}
	resp = env.get(t, "/login/callback?"+url.Values{"code": {"c"}, "state": {upstream.Query().Get("state")}}.Encode())
	wantStatus(t, resp, http.StatusFound)
	if resp.Header.Get("Location") != returnTo {
		t.Errorf("callback redirected to %q, want %q", resp.Header.Get("Location"), returnTo)
	}

	verifiers := env.provider.Verifiers()
	if len(verifiers) != 1 || verifiers[0] == "" {
		t.Errorf("provider verifiers = %v", verifiers)
	}
}

func TestAuthorization_InvalidRequests(t *testing.T) {
	env := newTestEnv(t)
	clientID := env.registerPublicClient(t)
	challenge := server.ComputeS256Challenge("v")

	tests := []struct {
		name     string
		modify   func(url.Values)
		wantCode string
	}{
		{"unknown client", func(q url.Values) { q.Set("client_id", "nope") }, ErrorCodeInvalidClient},
		{"unregistered redirect", func(q url.Values) { q.Set("redirect_uri", "https://evil.example/cb") }, ErrorCodeInvalidRequest},
		{"plain method", func(q url.Values) { q.Set("code_challenge_method", "plain") }, ErrorCodeInvalidRequest},
		{"missing challenge", func(q url.Values) { q.Del("code_challenge") }, ErrorCodeInvalidRequest},
		{"token response type", func(q url.Values) { q.Set("response_type", "token") }, ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := authorizeQuery(clientID, challenge)
			tt.modify(q)
			wantOAuthError(t, env.get(t, PathAuthorize+"?"+q.Encode()), http.StatusBadRequest, tt.wantCode)
		})
	}
}

func TestAuthorizationDecision(t *testing.T) {
	env := newTestEnv(t)
	clientID := env.registerPublicClient(t)
	env.signIn(t)
	query := authorizeQuery(clientID, server.ComputeS256Challenge("v"))

	t.Run("deny", func(t *testing.T) {
		form := url.Values{}
		for k, v := range query {
			form[k] = v
		}
		form.Set("csrf_token", env.consent(t, query))
		form.Set("action", "deny")

		resp := env.postForm(t, PathAuthorize, form)
		wantStatus(t, resp, http.StatusFound)
		loc, _ := url.Parse(resp.Header.Get("Location"))
		if loc.Query().Get("error") != ErrorCodeAccessDenied || loc.Query().Get("state") != "st-1" {
			t.Errorf("deny redirect = %s", loc)
		}
		if loc.Query().Get("code") != "" {
			t.Error("deny must not issue a code")
		}
	})

	t.Run("bad csrf", func(t *testing.T) {
		env.consent(t, query)
		form := url.Values{}
		for k, v := range query {
			form[k] = v
		}
		form.Set("csrf_token", "forged")
		form.Set("action", "approve")

		wantOAuthError(t, env.postForm(t, PathAuthorize, form), http.StatusForbidden, ErrorCodeInvalidRequest)
	})

	t.Run("unknown action", func(t *testing.T) {
		form := url.Values{}
		for k, v := range query {
			form[k] = v
		}
		form.Set("csrf_token", env.consent(t, query))
		form.Set("action", "maybe")

		wantOAuthError(t, env.postForm(t, PathAuthorize, form), http.StatusBadRequest, ErrorCodeInvalidRequest)
	})
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	clientID := env.registerPublicClient(t)
	env.signIn(t)

	resp := env.postForm(t, PathLogout, url.Values{})
	wantStatus(t, resp, http.StatusSeeOther)

	query := authorizeQuery(clientID, server.ComputeS256Challenge("v"))
	resp = env.get(t, PathAuthorize+"?"+query.Encode())
	wantStatus(t, resp, http.StatusFound)
	if !strings.HasPrefix(resp.Header.Get("Location"), "/login?") {
		t.Errorf("signed-out user was not sent to sign-in: %q", resp.Header.Get("Location"))
	}
}

func TestLoginCallback_Rejections(t *testing.T) {
	env := newTestEnv(t)

	t.Run("state mismatch", func(t *testing.T) {
		env.get(t, "/login")
		resp := env.get(t, "/login/callback?code=c&state=wrong")
		wantOAuthError(t, resp, http.StatusBadRequest, ErrorCodeInvalidRequest)
	})

	t.Run("provider error", func(t *testing.T) {
		resp := env.get(t, "/login/callback?error=access_denied")
		wantOAuthError(t, resp, http.StatusForbidden, ErrorCodeAccessDenied)
	})

	t.Run("exchange failure", func(t *testing.T) {
		env.provider.ExchangeCodeFunc = func(context.Context, string, string) (*oauth2.Token, error) {
			return nil, errors.New("upstream down")
		}
		resp := env.get(t, "/login")
		upstream, _ := url.Parse(resp.Header.Get("Location"))
		resp = env.get(t, "/login/callback?"+url.Values{"code": {"c"}, "state": {upstream.Query().Get("state")}}.Encode())
		wantOAuthError(t, resp, http.StatusBadGateway, ErrorCodeServerError)
	})
}

func TestSafeReturnTo(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/oauth/authorize?client_id=a", "/oauth/authorize?client_id=a"},
		{"https://evil.example/", "/"},
		{"//evil.example/", "/"},
		{"/\\evil.example", "/"},
		{"relative", "/"},
	}
	for _, tt := range tests {
		if got := safeReturnTo(tt.in); got != tt.want {
			t.Errorf("safeReturnTo(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
