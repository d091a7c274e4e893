// Package store defines the aggregate persistence interface. Each subsystem
// (idempotency, retry, dlq, safemode) defines its own store interface.
// The composite Store composes them all. Backends: Postgres, Redis, Memory.
package store

import (
	"context"

	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/idempotency"
	"github.com/khaacho/backstop/retry"
	"github.com/khaacho/backstop/safemode"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (postgres, redis, memory) implements all of them.
type Store interface {
	idempotency.Store
	retry.Store
	dlq.Store
	safemode.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
