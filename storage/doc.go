// Package storage defines the persistence contract of the authorization server.
//
// The core holds no state between requests. Every invariant (single-use
// authorization codes, one-shot refresh tokens, revocation) is enforced by a
// read followed by a conditional write against a Store implementation:
//
//   - memory: in-process maps guarded by a mutex, for tests and single-node use
//   - sqlstore: PostgreSQL or SQLite through database/sql
//   - valkey: Valkey/Redis with Lua scripts for the conditional writes
//
// Credential values (codes, access tokens, refresh tokens, API keys) are stored
// as SHA-256 digests. Callers pass digests, never clear-text values.
package storage
