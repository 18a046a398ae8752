// Package database reads and writes pin state directly in PostgreSQL.
//
// PinStore implements polling.Source against the tasks table and provides
// the Pin and Unpin mutations. It runs against a pgxpool.Pool in production
// and a single pgx.Conn in tests.
package database
