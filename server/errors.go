package server

import "errors"

// Errors returned by the server core. The HTTP layer maps each to an OAuth
// error code; wrapped details are for logs only.
var (
	// ErrInvalidRequest marks a malformed authorization request.
	ErrInvalidRequest = errors.New("invalid_request")

	// ErrInvalidClient marks an unknown client, an expired client secret or failed client authentication.
	ErrInvalidClient = errors.New("invalid_client")

	// ErrInvalidRedirectURI marks a redirect URI that is not registered or not acceptable for registration.
	ErrInvalidRedirectURI = errors.New("invalid_redirect_uri")

	// ErrInvalidClientMetadata marks a registration request with unsupported metadata.
	ErrInvalidClientMetadata = errors.New("invalid_client_metadata")

	// ErrInvalidGrant is the single answer for every failed code or refresh
	// redemption. Callers must not learn which check failed.
	ErrInvalidGrant = errors.New("invalid_grant")

	// ErrUnauthenticated means a bearer credential did not resolve. It is a
	// recoverable condition, not a server fault.
	ErrUnauthenticated = errors.New("unauthenticated")
)
