/*
SPDX-License-Identifier: Apache-2.0
*/

// Package backoff provides a per-key exponential backoff, used by the
// Watcher for its reconnect backoff.
package backoff

import (
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"
)

// Backoff tracks one exponential-backoff state per (key, activity) pair. An
// "activity" is a caller-chosen label (e.g. a watcher's current failure kind)
// so that a key switching to a new
// kind of activity restarts from the initial delay instead of inheriting the
// previous activity's accumulated backoff.
type Backoff struct {
	lock       sync.Mutex
	activities map[any]any
	limiter    workqueue.RateLimiter
}

// NewBackoff creates a Backoff with the given initial delay and cap.
func NewBackoff(initialDelay, maxDelay time.Duration) *Backoff {
	return &Backoff{
		activities: make(map[any]any),
		limiter:    workqueue.NewItemExponentialFailureRateLimiter(initialDelay, maxDelay),
	}
}

// Next returns the delay to wait before the next attempt for (key, activity),
// advancing the internal failure count. Switching activity for an
// already-tracked key resets that key's accumulated backoff.
func (b *Backoff) Next(key any, activity any) time.Duration {
	b.lock.Lock()
	defer b.lock.Unlock()

	if act, ok := b.activities[key]; ok && act != activity {
		b.limiter.Forget([2]any{key, act})
	}

	b.activities[key] = activity
	return b.limiter.When([2]any{key, activity})
}

// Forget clears all accumulated backoff state for key, e.g. after a
// successful attempt.
func (b *Backoff) Forget(key any) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if act, ok := b.activities[key]; ok {
		b.limiter.Forget([2]any{key, act})
	}

	delete(b.activities, key)
}
