package gatekeeper

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-gatekeeper/security"
	"github.com/giantswarm/mcp-gatekeeper/server"
	"github.com/giantswarm/mcp-gatekeeper/storage"
)

// ServeClientRegistration handles dynamic client registration (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := h.clientIP(r)

	if h.registrationLimiter != nil && !h.registrationLimiter.Allow(clientIP) {
		h.recordRateLimitExceeded(ctx, "registration", clientIP)
		h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded,
			"Client registration rate limit exceeded. Please try again later.", http.StatusTooManyRequests))
		return
	}

	if !h.registrationAuthorized(r) {
		h.server.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventClientRegistrationRejected,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": "missing or invalid registration access token"},
		})
		h.logger.Warn("Client registration rejected: missing or invalid authorization", "client_ip", clientIP)
		h.writeError(w, NewOAuthError(ErrorCodeInvalidToken,
			"Registration requires a valid registration access token", http.StatusUnauthorized))
		return
	}

	var req ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRegistrationBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidRequest("Request body must be a JSON client metadata document"))
		return
	}

	client, secret, err := h.server.RegisterClient(ctx, server.ClientMetadata{
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		ClientName:              req.ClientName,
		Scope:                   req.Scope,
	}, clientIP)
	if err != nil {
		h.writeMappedError(w, r, "Failed to register client", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, registrationResponse(client, secret))
}

// registrationAuthorized checks the registration access token unless public
// registration is enabled.
func (h *Handler) registrationAuthorized(r *http.Request) bool {
	cfg := h.server.Config
	if cfg.AllowPublicClientRegistration {
		return true
	}
	if cfg.RegistrationAccessToken == "" {
		return false
	}

	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return false
	}
	return security.ConstantTimeEqual(strings.TrimSpace(token), cfg.RegistrationAccessToken)
}

func registrationResponse(client *storage.Client, secret string) ClientRegistrationResponse {
	resp := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.IssuedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   client.Scope,
	}
	if secret != "" {
		var expiresAt int64
		if !client.SecretExpiresAt.IsZero() {
			expiresAt = client.SecretExpiresAt.Unix()
		}
		resp.ClientSecretExpiresAt = &expiresAt
	}
	return resp
}
