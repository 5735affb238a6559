// Package sitelock provides per-site advisory locks.
package sitelock

import (
	"context"
	"sync"
)

// Locker hands out one mutual-exclusion token per site id. Distinct sites never contend.
type Locker struct {
	mu    sync.Mutex
	sites map[string]*siteLock
}

type siteLock struct {
	ch   chan struct{}
	refs int
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{sites: make(map[string]*siteLock)}
}

func (l *Locker) acquireRef(siteID string) *siteLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.sites[siteID]
	if !ok {
		sl = &siteLock{ch: make(chan struct{}, 1)}
		l.sites[siteID] = sl
	}
	sl.refs++
	return sl
}

func (l *Locker) releaseRef(siteID string, sl *siteLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(l.sites, siteID)
	}
}

// Lock blocks until the site's token is free or ctx is done. The returned func releases it.
func (l *Locker) Lock(ctx context.Context, siteID string) (func(), error) {
	sl := l.acquireRef(siteID)
	select {
	case sl.ch <- struct{}{}:
		return l.unlocker(siteID, sl), nil
	case <-ctx.Done():
		l.releaseRef(siteID, sl)
		return nil, ctx.Err()
	}
}

// TryLock takes the token only if it is immediately available.
func (l *Locker) TryLock(siteID string) (func(), bool) {
	sl := l.acquireRef(siteID)
	select {
	case sl.ch <- struct{}{}:
		return l.unlocker(siteID, sl), true
	default:
		l.releaseRef(siteID, sl)
		return nil, false
	}
}

func (l *Locker) unlocker(siteID string, sl *siteLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-sl.ch
			l.releaseRef(siteID, sl)
		})
	}
}
