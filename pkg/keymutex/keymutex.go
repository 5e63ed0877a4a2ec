// Package keymutex serializes operations against one key while leaving
// different keys independent. The engine uses it to guarantee that a peer's
// negotiation state is mutated by at most one signal handler at a time,
// since a single poll batch can carry several signals for the same peer.
package keymutex

import (
	"context"
	"sync"
)

type entry struct {
	sem  chan struct{} // capacity 1
	refs int
}

// KeyMutex is a set of cooperative per-key mutexes. Entries are created on
// first use and dropped once the last holder or waiter releases, so torn
// down peers leave nothing behind.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *KeyMutex {
	return &KeyMutex{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key, queueing behind any in-flight holder.
// It returns ctx.Err() if the context is done before acquisition.
func (k *KeyMutex) Lock(ctx context.Context, key string) error {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.release(key, e)
		return ctx.Err()
	}
}

// Unlock releases the mutex for key. Unlocking a key that is not held is a
// programming error and panics.
func (k *KeyMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	k.mu.Unlock()
	if !ok {
		panic("keymutex: unlock of unheld key " + key)
	}

	select {
	case <-e.sem:
	default:
		panic("keymutex: unlock of unheld key " + key)
	}
	k.release(key, e)
}

func (k *KeyMutex) release(key string, e *entry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}

// Len returns the number of live entries, for tests and introspection.
func (k *KeyMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// With runs fn while holding the mutex for key.
func (k *KeyMutex) With(ctx context.Context, key string, fn func() error) error {
	if err := k.Lock(ctx, key); err != nil {
		return err
	}
	defer k.Unlock(key)
	return fn()
}
