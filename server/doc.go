// Package server implements the authorization server core.
//
// The Server type owns four concerns, each backed by a storage interface:
//   - Client Registry: dynamic registration and lookup (secret expiry is
//     evaluated on every lookup)
//   - Authorization Code Issuer: single-use, PKCE-bound codes minted after consent
//   - Token Exchange Engine: authorization_code and refresh_token grants with
//     refresh token rotation
//   - Token Verifier / Revoker: access token verification, revocation and the
//     dual-mode ResolveBearer used by the resource gateway
//
// Credentials never reach storage in clear text: codes, tokens and API keys
// are stored as SHA-256 digests and client secrets as bcrypt hashes.
//
// Example usage:
//
//	store := memory.New()
//	srv, err := server.New(store, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
