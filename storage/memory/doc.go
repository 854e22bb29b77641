// Package memory provides an in-memory implementation of storage.Store.
//
// All maps are guarded by a single sync.RWMutex; conditional writes
// (MarkAuthorizationCodeUsed, the Revoke* family) run under the write lock,
// so they are atomic with respect to every other operation on the store.
//
// Nothing is persisted across restarts. Use storage/sqlstore or storage/valkey
// for multi-instance deployments.
//
//	store := memory.New()
//	defer store.Close()
package memory
