// Package storage keeps a bounded history of worker runs.
//
// Two backends are available: an append-only JSON Lines file that is
// compacted in place, and SQLite. Both retain the newest
// Config.HistorySize runs per worker.
package storage
