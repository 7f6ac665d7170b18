// Package storage persists tasks, mail connections, and the mail notice
// ledger in a single SQLite file.
//
// The database is opened with WAL and a single writer connection; all
// ledger mutations are single statements or small transactions, so
// concurrent scheduler ticks see at least read-committed isolation.
package storage
