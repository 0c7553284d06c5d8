package cache

import "time"

// StepAction tells Update what to do after one step of a retry loop.
type StepAction int

const (
	// ActSwap attempts the CompareAndSwap; on loss the loop re-reads.
	ActSwap StepAction = iota
	// ActStop ends the loop without a swap. Precondition failures are not
	// races: retrying them would only repeat the same verdict and waste
	// the budget reserved for genuine write conflicts.
	ActStop
	// ActReread restarts the iteration with a fresh read, used after a
	// blind Set materializes a brand-new key so CAS has a token to work
	// with.
	ActReread
)

// Step is one iteration of a bounded CAS retry loop. found is false when
// the key is absent or holds the deleted sentinel (empty value).
type Step func(value []byte, found bool) (newValue []byte, action StepAction, err error)

// Update runs step against key until a CompareAndSwap succeeds, step stops
// the loop, or the retry budget runs out. It is the single read-modify-CAS
// primitive shared by every room mutation and by the prober's host
// election; only the step differs. Retries are tight, with no backoff: a
// room key has at most two writers.
//
// ok is false when the budget was exhausted, which callers surface as an
// internal error.
func Update(store Store, key string, limit int, ttl time.Duration, step Step) (retries int, ok bool, err error) {
	for retries = 0; retries < limit; retries++ {
		value, token, found := store.GetWithToken(key)
		if found && len(value) == 0 {
			// Deleted sentinel: swapping in an empty value is how an
			// emptied room is removed without racing re-creation.
			found = false
		}
		newValue, action, stepErr := step(value, found)
		if stepErr != nil {
			return retries, true, stepErr
		}
		switch action {
		case ActStop:
			return retries, true, nil
		case ActReread:
			continue
		}
		if store.CompareAndSwap(key, token, newValue, ttl) {
			return retries, true, nil
		}
		// Another writer won; recompute from a fresh read.
	}
	return retries, false, nil
}
