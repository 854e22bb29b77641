// Package valkey stores gatekeeper state in Valkey (or any Redis-compatible server).
//
// # Key Schema
//
// All keys share a configurable prefix (default "gatekeeper:"):
//
//	{prefix}client:{clientID}          -> JSON(Client)
//	{prefix}code:{codeHash}            -> JSON(AuthorizationCode), TTL past expiry
//	{prefix}token:{id}                 -> JSON(Token)
//	{prefix}token:access:{hash}        -> token ID
//	{prefix}token:refresh:{hash}       -> token ID
//	{prefix}apikey:{keyHash}           -> JSON(APIKey)
//
// Records are created with SET NX so a duplicate key surfaces as
// storage.ErrAlreadyExists.
//
// # Atomic Operations
//
// Marking a code used and revoking a token pair run as Lua scripts that read,
// check and rewrite the record in one step. Of any number of concurrent
// callers exactly one observes true.
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "gatekeeper:",
//	})
package valkey
