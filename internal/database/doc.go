// Package database provides the PostgreSQL connection pool backing the
// durable sale ledger.
package database
