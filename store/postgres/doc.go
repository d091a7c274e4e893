// Package postgres provides a PostgreSQL-backed store for Backstop using
// pgx/v5 with embedded SQL migrations.
//
// The backend leans on the database for every cross-process guarantee:
// the unique constraints on idempotency keys and dead-letter job IDs pick
// admission winners, guarded UPDATEs implement the state-machine
// compare-and-sets, and the safe-mode singleton is swapped under a
// version check. No in-process locking is involved, so any number of
// service instances can share one database.
package postgres
