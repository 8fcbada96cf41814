// Package instance defines the abstraction for the single compute
// resource whose power state lazyrunner controls. Each backend (GCP
// Compute Engine, Yandex Cloud, a local Docker container) implements
// the Instance interface so the lifecycle controller stays
// provider-agnostic.
package instance

import "context"

// Instance is the contract every backend must satisfy.
//
// The instance is long-lived: it is created out of band and lazyrunner
// only toggles its power state.  Start and Stop are idempotent --
// starting a running instance or stopping a stopped one is a no-op that
// still reports success.
type Instance interface {
	// Start powers the instance on.  The returned bool reports whether
	// the instance ended up in a running-ish state according to the
	// provider.
	Start(ctx context.Context) (running bool, err error)

	// Stop powers the instance off.
	Stop(ctx context.Context) error

	// IsRunning reports whether the provider considers the instance
	// running.  Each backend decides which provider states count as
	// "running-ish" (booting states included).
	IsRunning(ctx context.Context) (bool, error)

	// Close releases API clients.  It never changes the power state.
	Close() error
}
