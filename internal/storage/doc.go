// Package storage persists users, chat rooms and messages.
//
// Two drivers are available:
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
//   - "memory": process-local maps, for development and tests
package storage
