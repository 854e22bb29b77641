package gatekeeper

import (
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-gatekeeper/instrumentation"
	"github.com/giantswarm/mcp-gatekeeper/server"
	"github.com/giantswarm/mcp-gatekeeper/storage"
)

// setTokenCORSHeaders lets browser-based MCP clients call the token and
// revocation endpoints from any origin. No cookies are involved.
func setTokenCORSHeaders(w http.ResponseWriter) {
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	header.Set("Access-Control-Max-Age", strconv.Itoa(defaultCORSMaxAge))
}

// ServePreflightRequest answers CORS preflight requests with 204.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, _ *http.Request) {
	setTokenCORSHeaders(w)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// ServeToken handles the token endpoint for the authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	setTokenCORSHeaders(w)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	grantType := r.PostForm.Get("grant_type")
	switch grantType {
	case "":
		h.writeError(w, ErrInvalidRequest("grant_type is required"))
		return
	case server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken:
	default:
		h.writeError(w, ErrUnsupportedGrantType("Grant type "+grantType+" is not supported"))
		return
	}

	instrumentation.SetSpanAttributes(trace.SpanFromContext(r.Context()),
		attribute.String(instrumentation.AttrGrantType, grantType))

	client, oauthErr := h.authenticateClient(w, r)
	if client == nil {
		if oauthErr != nil {
			h.writeError(w, oauthErr)
		}
		return
	}

	if grantType == server.GrantTypeAuthorizationCode {
		h.handleAuthorizationCodeGrant(w, r, client)
		return
	}
	h.handleRefreshTokenGrant(w, r, client)
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, client *storage.Client) {
	form := r.PostForm
	code := form.Get("code")
	verifier := form.Get("code_verifier")
	redirectURI := form.Get("redirect_uri")

	switch {
	case code == "":
		h.writeError(w, ErrInvalidRequest("Required parameter 'code' missing"))
		return
	case verifier == "":
		h.writeError(w, ErrInvalidRequest("Required parameter 'code_verifier' missing"))
		return
	case redirectURI == "":
		h.writeError(w, ErrInvalidRequest("Required parameter 'redirect_uri' missing"))
		return
	}

	result, err := h.server.ExchangeAuthorizationCode(r.Context(), client.ClientID, code, verifier, redirectURI, form.Get("resource"))
	if err != nil {
		h.writeMappedError(w, r, "Failed to exchange authorization code", err)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", client.ClientID)
	h.writeTokenResponse(w, result)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, client *storage.Client) {
	form := r.PostForm
	refreshToken := form.Get("refresh_token")
	if refreshToken == "" {
		h.writeError(w, ErrInvalidRequest("Required parameter 'refresh_token' missing"))
		return
	}

	result, err := h.server.ExchangeRefreshToken(r.Context(), client.ClientID, refreshToken, form.Get("scope"), form.Get("resource"))
	if err != nil {
		h.writeMappedError(w, r, "Failed to refresh token", err)
		return
	}

	h.writeTokenResponse(w, result)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, result *server.TokenResult) {
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  result.AccessToken,
		TokenType:    result.TokenType,
		ExpiresIn:    result.ExpiresIn,
		RefreshToken: result.RefreshToken,
		Scope:        result.Scope,
	})
}

// ServeTokenRevocation handles the RFC 7009 revocation endpoint. Once the
// client is authenticated the answer is always 200, whether or not the
// token existed or belonged to the caller.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	setTokenCORSHeaders(w)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	client, oauthErr := h.authenticateClient(w, r)
	if client == nil {
		if oauthErr != nil {
			h.writeError(w, oauthErr)
		}
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, ErrInvalidRequest("Required parameter 'token' missing"))
		return
	}

	if err := h.server.RevokeClientToken(r.Context(), client.ClientID, token); err != nil {
		h.logger.ErrorContext(r.Context(), "Token revocation failed", "client_id", client.ClientID, "error", err)
	}

	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// authenticateClient reads the client credentials from HTTP Basic or the
// form (client_secret_post) and verifies them. A nil client with a nil
// error means the response was already written.
func (h *Handler) authenticateClient(w http.ResponseWriter, r *http.Request) (*storage.Client, *OAuthError) {
	clientID := r.PostForm.Get("client_id")
	secret := r.PostForm.Get("client_secret")

	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		if clientID != "" && clientID != basicID {
			return nil, ErrInvalidRequest("client_id does not match the authenticated client")
		}
		if secret != "" {
			return nil, ErrInvalidRequest("Client credentials must be sent in one place only")
		}
		clientID, secret = basicID, basicSecret
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := h.server.AuthenticateClient(r.Context(), clientID, secret, h.clientIP(r))
	if err != nil {
		if errors.Is(err, server.ErrInvalidClient) {
			h.logger.Warn("Client authentication failed", "client_id", clientID, "ip", h.clientIP(r))
			return nil, ErrInvalidClient("Client authentication failed")
		}
		h.writeServerError(w, r, "Failed to authenticate client", err)
		return nil, nil
	}

	instrumentation.SetSpanAttributes(trace.SpanFromContext(r.Context()),
		attribute.String(instrumentation.AttrClientID, client.ClientID))
	return client, nil
}
