// Package postgres provides PostgreSQL implementations of the store
// interfaces. All implementations accept a store.DBTX, so they work
// identically against a connection pool or inside a transaction.
package postgres
