// Package storage persists attempt results for the scheduler and serves the
// recent-results feed of the admin API.
//
// Drivers:
//   - memory: bounded per-job ring, lost on restart
//   - file: JSON Lines append log plus an in-memory tail per job
//   - sqlite: SQLite database file (modernc.org/sqlite, WAL)
package storage
