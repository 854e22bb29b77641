// Package oidc implements providers.Provider for any OpenID Connect issuer
// (Dex, Google, Keycloak, ...). Endpoints come from the issuer's discovery
// document, which is validated for HTTPS and cached.
package oidc
