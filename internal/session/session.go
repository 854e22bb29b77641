package session

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/giantswarm/mcp-gatekeeper/security"
)

const (
	defaultCookieName = "gatekeeper_session"

	// DefaultMaxAge is how long a signed-in session lasts.
	DefaultMaxAge = 86400 * 7

	// loginMaxAge bounds an in-flight upstream sign-in.
	loginMaxAge = 600

	keyUserID        = "user_id"
	keyCSRF          = "csrf"
	keyLoginState    = "login_state"
	keyLoginVerifier = "login_verifier"
	keyLoginReturnTo = "login_return_to"
)

// ErrLoginStateMismatch is returned when a sign-in callback does not match
// the sign-in this browser started.
var ErrLoginStateMismatch = errors.New("login state mismatch")

// Config configures the cookie store.
type Config struct {
	// HashKey authenticates the cookie. 32 or 64 bytes.
	HashKey []byte

	// BlockKey encrypts the cookie (AES). 16, 24 or 32 bytes, or nil to only sign it.
	BlockKey []byte

	// CookieName defaults to "gatekeeper_session".
	CookieName string

	// Secure marks the cookie HTTPS-only. Enable whenever the issuer is https.
	Secure bool

	// MaxAge in seconds. Default: 7 days
	MaxAge int
}

// Store reads and writes the session cookie.
type Store struct {
	cookies *sessions.CookieStore
	name    string
	maxAge  int
	secure  bool
}

// New creates a cookie-backed session store.
func New(cfg Config) (*Store, error) {
	if len(cfg.HashKey) < 32 {
		return nil, fmt.Errorf("session hash key must be at least 32 bytes")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}

	keys := [][]byte{cfg.HashKey}
	if len(cfg.BlockKey) > 0 {
		keys = append(keys, cfg.BlockKey)
	}
	cookies := sessions.NewCookieStore(keys...)
	cookies.Options = options(cfg.MaxAge, cfg.Secure)

	return &Store{
		cookies: cookies,
		name:    cfg.CookieName,
		maxAge:  cfg.MaxAge,
		secure:  cfg.Secure,
	}, nil
}

func options(maxAge int, secure bool) *sessions.Options {
	return &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// get returns the session. A cookie that fails to decode (rotated keys,
// tampering) yields a fresh session rather than an error.
func (s *Store) get(r *http.Request) *sessions.Session {
	sess, err := s.cookies.Get(r, s.name)
	if err != nil {
		sess, _ = s.cookies.New(r, s.name)
		sess.IsNew = true
	}
	return sess
}

// UserID returns the signed-in user, or "" when nobody is signed in.
func (s *Store) UserID(r *http.Request) string {
	userID, _ := s.get(r).Values[keyUserID].(string)
	return userID
}

// SignIn records userID as signed in. Any in-flight sign-in state and the
// previous CSRF token are dropped.
func (s *Store) SignIn(w http.ResponseWriter, r *http.Request, userID string) error {
	sess := s.get(r)
	sess.Values = map[any]any{keyUserID: userID}
	sess.Options = options(s.maxAge, s.secure)
	return sess.Save(r, w)
}

// SignOut expires the cookie.
func (s *Store) SignOut(w http.ResponseWriter, r *http.Request) error {
	sess := s.get(r)
	sess.Values = map[any]any{}
	sess.Options = options(-1, s.secure)
	return sess.Save(r, w)
}

// CSRFToken returns the session's consent CSRF token, creating and saving
// one when absent.
func (s *Store) CSRFToken(w http.ResponseWriter, r *http.Request) (string, error) {
	sess := s.get(r)
	if token, ok := sess.Values[keyCSRF].(string); ok && token != "" {
		return token, nil
	}

	token, err := security.GenerateToken()
	if err != nil {
		return "", err
	}
	sess.Values[keyCSRF] = token
	if err := sess.Save(r, w); err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}
	return token, nil
}

// ValidCSRF reports whether token matches the session's CSRF token.
func (s *Store) ValidCSRF(r *http.Request, token string) bool {
	expected, _ := s.get(r).Values[keyCSRF].(string)
	if expected == "" || token == "" {
		return false
	}
	return security.ConstantTimeEqual(expected, token)
}

// BeginLogin stores the state and PKCE verifier of an upstream sign-in.
// The cookie lifetime is shortened until the sign-in completes.
func (s *Store) BeginLogin(w http.ResponseWriter, r *http.Request, state, verifier, returnTo string) error {
	sess := s.get(r)
	sess.Values[keyLoginState] = state
	sess.Values[keyLoginVerifier] = verifier
	sess.Values[keyLoginReturnTo] = returnTo
	if _, signedIn := sess.Values[keyUserID]; !signedIn {
		sess.Options = options(loginMaxAge, s.secure)
	}
	return sess.Save(r, w)
}

// CompleteLogin checks state against the stored sign-in and returns its
// verifier and return path. The stored sign-in is consumed either way.
func (s *Store) CompleteLogin(w http.ResponseWriter, r *http.Request, state string) (verifier, returnTo string, err error) {
	sess := s.get(r)
	expected, _ := sess.Values[keyLoginState].(string)
	verifier, _ = sess.Values[keyLoginVerifier].(string)
	returnTo, _ = sess.Values[keyLoginReturnTo].(string)

	delete(sess.Values, keyLoginState)
	delete(sess.Values, keyLoginVerifier)
	delete(sess.Values, keyLoginReturnTo)
	if err := sess.Save(r, w); err != nil {
		return "", "", fmt.Errorf("failed to save session: %w", err)
	}

	if expected == "" || state == "" || !security.ConstantTimeEqual(expected, state) {
		return "", "", ErrLoginStateMismatch
	}
	return verifier, returnTo, nil
}
