// Package storage persists execution history and reported exceptions.
//
// Drivers:
//   - file: JSON Lines under a path prefix, recent records replayed on open
//   - sqlite / pgx: SQL tables created by embedded goose migrations
//
// A Recorder feeds schedule.done events from the bus into a Store.
package storage
