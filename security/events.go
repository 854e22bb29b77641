package security

// Audit event types.
const (
	// EventClientRegistered is logged when a client registers dynamically.
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when registration is refused (bad token, metadata).
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventAuthorizationCodeIssued is logged when consent is approved and a code minted.
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationDenied is logged when the user denies consent.
	EventAuthorizationDenied = "authorization_denied"

	// EventTokenIssued is logged when a code is exchanged for a token pair.
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated.
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when an explicit revocation affected a record.
	EventTokenRevoked = "token_revoked" //nolint:gosec // event name, not a credential

	// EventAuthFailure is logged when client authentication fails.
	EventAuthFailure = "auth_failure"

	// EventInvalidGrant is logged when a code or refresh redemption is rejected.
	EventInvalidGrant = "invalid_grant"

	// EventPKCEValidationFailed is logged when the verifier does not match the challenge.
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventAuthorizationCodeReplay is logged when a concurrent redemption already consumed the code.
	EventAuthorizationCodeReplay = "authorization_code_replay"

	// EventResourceMismatch is logged when the token request names a different resource than the code.
	EventResourceMismatch = "resource_mismatch"

	// EventRateLimitExceeded is logged when a rate limiter rejects a request.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventUserSignedIn is logged after a successful upstream sign-in.
	EventUserSignedIn = "user_signed_in"

	// EventProviderCallbackFailed is logged when the upstream sign-in callback is rejected.
	EventProviderCallbackFailed = "provider_callback_failed"

	// EventAPIKeyCreated is logged when an API key is minted.
	EventAPIKeyCreated = "api_key_created"

	// EventToolCall is logged for each authorized tool dispatch.
	EventToolCall = "tool_call"
)
