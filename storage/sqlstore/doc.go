// Package sqlstore implements storage.Store on a relational database through
// database/sql. Two dialects are supported:
//
//   - DialectPostgres, driver github.com/lib/pq
//   - DialectSQLite, driver modernc.org/sqlite (pure Go, no cgo)
//
// The schema lives in embedded golang-migrate migrations; call Migrate (or set
// Config.AutoMigrate) before use.
//
// The single-use and revocation transitions are conditional UPDATE statements
// ("... WHERE used = FALSE", "... WHERE revoked_at IS NULL") whose affected
// row count decides the winner, so they hold across any number of server
// instances sharing the database.
//
// Timestamps are stored as Unix milliseconds; zero means "not set".
package sqlstore
