package gatekeeper

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-gatekeeper/internal/session"
	"github.com/giantswarm/mcp-gatekeeper/security"
)

// safeReturnTo accepts only same-origin relative paths. Anything else
// becomes "/".
func safeReturnTo(returnTo string) string {
	if returnTo == "" || !strings.HasPrefix(returnTo, "/") ||
		strings.HasPrefix(returnTo, "//") || strings.HasPrefix(returnTo, "/\\") {
		return "/"
	}
	u, err := url.Parse(returnTo)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return returnTo
}

func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request, returnTo string) {
	target := h.config.Login.Path + "?" + url.Values{"return_to": {returnTo}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

// ServeLogin starts the upstream sign-in with a fresh state and PKCE verifier.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := safeReturnTo(r.URL.Query().Get("return_to"))

	state, err := security.GenerateToken()
	if err != nil {
		h.writeServerError(w, r, "Failed to generate sign-in state", err)
		return
	}
	verifier := oauth2.GenerateVerifier()

	if err := h.sessions.BeginLogin(w, r, state, verifier, returnTo); err != nil {
		h.writeServerError(w, r, "Failed to store sign-in state", err)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, h.provider.AuthorizationURL(state, oauth2.S256ChallengeFromVerifier(verifier)), http.StatusFound)
}

// ServeLoginCallback completes the upstream sign-in and returns the user to
// where the sign-in started.
func (h *Handler) ServeLoginCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	clientIP := h.clientIP(r)

	if providerErr := query.Get("error"); providerErr != "" {
		h.auditCallbackFailure(ctx, clientIP, "provider_error: "+providerErr)
		h.writeError(w, NewOAuthError(ErrorCodeAccessDenied, "Sign-in was cancelled or refused", http.StatusForbidden))
		return
	}

	verifier, returnTo, err := h.sessions.CompleteLogin(w, r, query.Get("state"))
	if err != nil {
		if errors.Is(err, session.ErrLoginStateMismatch) {
			h.auditCallbackFailure(ctx, clientIP, "state_mismatch")
			h.writeError(w, ErrInvalidRequest("Sign-in state does not match, please start again"))
			return
		}
		h.writeServerError(w, r, "Failed to read sign-in state", err)
		return
	}

	code := query.Get("code")
	if code == "" {
		h.auditCallbackFailure(ctx, clientIP, "missing_code")
		h.writeError(w, ErrInvalidRequest("Required parameter 'code' missing"))
		return
	}

	providerCtx, cancel := context.WithTimeout(ctx, h.config.Login.ProviderTimeout)
	defer cancel()

	providerName := h.provider.Name()
	metrics := h.instrumentation.Metrics()

	token, err := h.provider.ExchangeCode(providerCtx, code, verifier)
	metrics.RecordProviderAPICall(ctx, providerName, "exchange_code", err)
	if err != nil {
		h.logger.Warn("Upstream code exchange failed", "provider", providerName, "error", err)
		h.auditCallbackFailure(ctx, clientIP, "code_exchange_failed")
		h.writeError(w, NewOAuthError(ErrorCodeServerError, "Sign-in with the identity provider failed", http.StatusBadGateway))
		return
	}

	info, err := h.provider.UserInfo(providerCtx, token)
	metrics.RecordProviderAPICall(ctx, providerName, "user_info", err)
	if err != nil {
		h.logger.Warn("Upstream user info failed", "provider", providerName, "error", err)
		h.auditCallbackFailure(ctx, clientIP, "user_info_failed")
		h.writeError(w, NewOAuthError(ErrorCodeAccessDenied, "The identity provider did not confirm your identity", http.StatusForbidden))
		return
	}

	if err := h.sessions.SignIn(w, r, info.ID); err != nil {
		h.writeServerError(w, r, "Failed to store session", err)
		return
	}

	h.server.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventUserSignedIn,
		UserID:    info.ID,
		IPAddress: clientIP,
		Details:   map[string]any{"provider": providerName},
	})
	h.logger.Info("User signed in", "provider", providerName)

	http.Redirect(w, r, safeReturnTo(returnTo), http.StatusFound)
}

func (h *Handler) auditCallbackFailure(ctx context.Context, clientIP, reason string) {
	h.server.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventProviderCallbackFailed,
		IPAddress: clientIP,
		Details:   map[string]any{"reason": reason},
	})
}

// ServeLogout clears the session.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.SignOut(w, r); err != nil {
		h.writeServerError(w, r, "Failed to clear session", err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
