package gatekeeper

import (
	"net/http"
	"slices"
	"strings"

	"github.com/giantswarm/mcp-gatekeeper/server"
)

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, _ *http.Request) {
	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")

	w.Header().Set("Access-Control-Allow-Origin", "*")
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + PathAuthorize,
		TokenEndpoint:          issuer + PathToken,
		RegistrationEndpoint:   issuer + PathRegister,
		RevocationEndpoint:     issuer + PathRevoke,
		ScopesSupported:        h.config.ScopesSupported,
		ResponseTypesSupported: []string{server.ResponseTypeCode},
		GrantTypesSupported:    []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{
			server.TokenEndpointAuthMethodNone,
			server.TokenEndpointAuthMethodPost,
		},
		CodeChallengeMethodsSupported: []string{server.PKCEMethodS256},
	})
}

// ServeProtectedResourceMetadata serves RFC 9728 metadata for the gateway
// root or, under /mcp/{server}, for one tool server.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimSuffix(h.config.ResourceBaseURL, "/")

	if name := r.PathValue("server"); name != "" {
		if !slices.Contains(h.config.ResourceServers, name) {
			http.NotFound(w, r)
			return
		}
		resource += "/mcp/" + name
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	h.writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   []string{strings.TrimSuffix(h.server.Config.Issuer, "/")},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.config.ScopesSupported,
	})
}

// ResourceMetadataURL is the metadata document the gateway points to in its
// 401 challenge for the named tool server.
func (c *Config) ResourceMetadataURL(serverName string) string {
	return strings.TrimSuffix(c.ResourceBaseURL, "/") + PathProtectedResourceMetadata + "/mcp/" + serverName
}

// ResourceURL is the resource indicator of the named tool server.
func (c *Config) ResourceURL(serverName string) string {
	return strings.TrimSuffix(c.ResourceBaseURL, "/") + "/mcp/" + serverName
}
