// Package registry guarantees at most one live connection per account id
// for the process and serializes the setup of concurrent openers, per
// spec §4.G. It is the Go-generic counterpart of the source's
// ConnectionRegistry: a map guarded by a lock, plus a singleflight
// barrier so concurrent callers building the same account's connection
// share one in-flight build instead of racing.
package registry

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Builder constructs a fresh connection for accountID. The registry calls
// it at most once per account id per "generation" (between a Connect and
// the matching Remove); the caller is responsible for running whatever
// initialize/subscribe sequence the connection needs before returning.
type Builder[T any] func(ctx context.Context) (T, error)

// Registry maps account ids to live connections of type T.
type Registry[T any] struct {
	group singleflight.Group

	mu          sync.RWMutex
	connections map[string]T
}

// New constructs an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{connections: make(map[string]T)}
}

// Connect returns the existing connection for accountID if one exists.
// Otherwise it runs build exactly once even if multiple callers race to
// connect the same account id concurrently; every such caller observes
// the same resulting connection.
func (r *Registry[T]) Connect(ctx context.Context, accountID string, build Builder[T]) (T, error) {
	if conn, ok := r.Get(accountID); ok {
		return conn, nil
	}

	v, err, _ := r.group.Do(accountID, func() (any, error) {
		if conn, ok := r.Get(accountID); ok {
			return conn, nil
		}
		conn, err := build(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.connections[accountID] = conn
		r.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Get returns the installed connection for accountID, if any.
func (r *Registry[T]) Get(accountID string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[accountID]
	return conn, ok
}

// Remove purges accountID's entry. It does not cancel an in-flight
// singleflight.Do call for that id; by the time Remove can observe the
// connection, the build that installed it has already completed.
func (r *Registry[T]) Remove(accountID string) {
	r.mu.Lock()
	delete(r.connections, accountID)
	r.mu.Unlock()
}

// Len reports how many connections are currently installed; mainly useful
// for tests and diagnostics.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
