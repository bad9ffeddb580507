// Package storage keeps the audit trail of entry results and account operations.
//
// Two drivers are supported:
//   - "file": append-only JSON Lines
//   - "sqlite": a single SQLite database file (modernc.org/sqlite)
package storage
