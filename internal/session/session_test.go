package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		HashKey:  []byte(strings.Repeat("h", 32)),
		BlockKey: []byte(strings.Repeat("b", 32)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

// carry returns a new request carrying the cookies set on rec.
func carry(rec *httptest.ResponseRecorder) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		r.AddCookie(c)
	}
	return r
}

func TestNew_RequiresHashKey(t *testing.T) {
	if _, err := New(Config{HashKey: []byte("short")}); err == nil {
		t.Error("New() accepted a short hash key")
	}
}

func TestSignInAndOut(t *testing.T) {
	s := newTestStore(t)

	rec := httptest.NewRecorder()
	if err := s.SignIn(rec, httptest.NewRequest(http.MethodGet, "/", nil), "user-1"); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || !cookies[0].HttpOnly {
		t.Fatalf("cookies = %+v, want one HttpOnly cookie", cookies)
	}
	if got := s.UserID(carry(rec)); got != "user-1" {
		t.Errorf("UserID() = %q, want user-1", got)
	}

	out := httptest.NewRecorder()
	if err := s.SignOut(out, carry(rec)); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if c := out.Result().Cookies(); len(c) != 1 || c[0].MaxAge >= 0 {
		t.Errorf("SignOut cookie = %+v, want expired", c)
	}
}

func TestUserID_TamperedCookie(t *testing.T) {
	s := newTestStore(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: defaultCookieName, Value: "forged"})
	if got := s.UserID(r); got != "" {
		t.Errorf("UserID() = %q, want empty", got)
	}
}

func TestCSRFToken(t *testing.T) {
	s := newTestStore(t)

	rec := httptest.NewRecorder()
	token, err := s.CSRFToken(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("CSRFToken() error = %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64", len(token))
	}

	r := carry(rec)
	again, err := s.CSRFToken(httptest.NewRecorder(), r)
	if err != nil {
		t.Fatalf("CSRFToken() error = %v", err)
	}
	if again != token {
		t.Error("CSRF token changed within a session")
	}

	if !s.ValidCSRF(carry(rec), token) {
		t.Error("ValidCSRF() rejected the session token")
	}
	if s.ValidCSRF(carry(rec), token[:63]+"x") {
		t.Error("ValidCSRF() accepted a wrong token")
	}
	if s.ValidCSRF(httptest.NewRequest(http.MethodGet, "/", nil), token) {
		t.Error("ValidCSRF() accepted a token without a session")
	}
}

func TestLoginRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := httptest.NewRecorder()
	if err := s.BeginLogin(rec, httptest.NewRequest(http.MethodGet, "/login", nil), "state-1", "verifier-1", "/oauth/authorize?x=1"); err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}

	t.Run("mismatch", func(t *testing.T) {
		_, _, err := s.CompleteLogin(httptest.NewRecorder(), carry(rec), "state-2")
		if !errors.Is(err, ErrLoginStateMismatch) {
			t.Errorf("error = %v, want ErrLoginStateMismatch", err)
		}
	})

	t.Run("match", func(t *testing.T) {
		done := httptest.NewRecorder()
		verifier, returnTo, err := s.CompleteLogin(done, carry(rec), "state-1")
		if err != nil {
			t.Fatalf("CompleteLogin() error = %v", err)
		}
		if verifier != "verifier-1" || returnTo != "/oauth/authorize?x=1" {
			t.Errorf("got (%q, %q)", verifier, returnTo)
		}

		// consumed
		if _, _, err := s.CompleteLogin(httptest.NewRecorder(), carry(done), "state-1"); !errors.Is(err, ErrLoginStateMismatch) {
			t.Errorf("replayed callback error = %v, want ErrLoginStateMismatch", err)
		}
	})
}
