// Package lock provides per-key critical sections with a bounded wait.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a section could not be entered within the wait.
var ErrTimeout = errors.New("lock: acquire timed out")

// Locker hands out exclusive sections keyed by string. The returned release
// function must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (release func(), err error)
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Keyed is an in-process Locker. Entries exist only while someone holds or
// waits for the key, so memory stays proportional to active players.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewKeyed creates an empty in-process locker.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Acquire implements Locker. A non-positive wait means wait until ctx ends.
func (k *Keyed) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				k.unref(key, e)
			})
		}, nil
	case <-timeout:
		k.unref(key, e)
		return nil, ErrTimeout
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}
}

func (k *Keyed) unref(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
