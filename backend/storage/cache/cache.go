// Package cache defines the shared-cache protocol every room mutation runs
// on: get-with-token plus single-key compare-and-swap. There is no cross-key
// atomicity and callers must tolerate CAS losing to a concurrent writer.
package cache

import "time"

// Token identifies the version of a key's value. It changes on every
// successful write, so a CompareAndSwap with a stale token fails.
type Token uint64

// Store is the coordination substrate. Deployments back it with a
// replicated cache; tests and single-node runs use Memory.
type Store interface {
	// Get returns the current value, or false if the key is absent.
	Get(key string) ([]byte, bool)
	// GetWithToken returns the value together with its CAS token.
	GetWithToken(key string) ([]byte, Token, bool)
	// Set writes unconditionally. It is used only to materialize a
	// brand-new key before the first GetWithToken; existing keys are
	// always updated through CompareAndSwap.
	Set(key string, value []byte, ttl time.Duration) bool
	// CompareAndSwap replaces the value iff token still matches. A false
	// return means another writer won the race (or the key expired) and
	// the caller must re-read.
	CompareAndSwap(key string, token Token, value []byte, ttl time.Duration) bool
	// Delete removes the key. Rooms are removed through the deleted
	// sentinel instead, so a removal cannot clobber a concurrent CAS.
	Delete(key string)
}
