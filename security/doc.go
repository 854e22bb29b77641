// Package security holds the cross-cutting protections of the authorization
// server and gateway: credential generation and digests, the security audit
// log, per-identifier rate limiting, request IDs, response security headers
// and client IP extraction.
//
// # Credentials
//
// Authorization codes, access tokens and refresh tokens are 32 random bytes,
// hex encoded (64 characters). API keys carry the "sk-" prefix followed by the
// same shape. Hex never contains 'k' or '-', so the two namespaces cannot
// collide. Only SHA-256 digests (HashToken) are persisted; client secrets are
// bcrypt hashed.
//
// # Rate limiting
//
// RateLimiter keeps one token bucket (golang.org/x/time/rate) per identifier
// and bounds memory with LRU eviction plus a periodic idle cleanup:
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//		// 429
//	}
package security
