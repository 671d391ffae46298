// Package ratelimit serializes page fetches per store domain. At most one
// fetch runs against a domain at a time, and consecutive fetches are
// spaced by the domain's delay measured from when the previous fetch
// finished, not when it started.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	busy        bool
	lastRelease time.Time
	released    chan struct{}
}

// Limiter hands out per-domain fetch slots.
type Limiter struct {
	mu           sync.Mutex
	defaultDelay time.Duration
	delays       map[string]time.Duration
	domains      map[string]*entry

	now func() time.Time
}

// New builds a limiter with the given default spacing and optional
// per-domain overrides.
func New(defaultDelay time.Duration, overrides map[string]time.Duration) *Limiter {
	delays := make(map[string]time.Duration, len(overrides))
	for domain, d := range overrides {
		delays[domain] = d
	}
	return &Limiter{
		defaultDelay: defaultDelay,
		delays:       delays,
		domains:      make(map[string]*entry),
		now:          time.Now,
	}
}

// SetDelay overrides the spacing for one domain. Stores can carry their
// own rate limit; zero restores the default.
func (l *Limiter) SetDelay(domain string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d <= 0 {
		delete(l.delays, domain)
		return
	}
	l.delays[domain] = d
}

// Delay reports the effective spacing for a domain.
func (l *Limiter) Delay(domain string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delayLocked(domain)
}

func (l *Limiter) delayLocked(domain string) time.Duration {
	if d, ok := l.delays[domain]; ok {
		return d
	}
	return l.defaultDelay
}

func (l *Limiter) entryLocked(domain string) *entry {
	e, ok := l.domains[domain]
	if !ok {
		e = &entry{released: make(chan struct{})}
		l.domains[domain] = e
	}
	return e
}

// Acquire blocks until the domain's slot is free and the spacing since
// the last Release has elapsed. A cancelled context returns its error
// and leaves the limiter state untouched.
func (l *Limiter) Acquire(ctx context.Context, domain string) error {
	for {
		l.mu.Lock()
		e := l.entryLocked(domain)
		now := l.now()
		ready := e.lastRelease.Add(l.delayLocked(domain))

		if !e.busy && !now.Before(ready) {
			e.busy = true
			l.mu.Unlock()
			return nil
		}

		if e.busy {
			released := e.released
			l.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-released:
			}
			continue
		}

		wait := ready.Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Release frees the domain's slot and stamps the moment the fetch
// finished, which is what the next Acquire spaces against.
func (l *Limiter) Release(domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(domain)
	e.lastRelease = l.now()
	if e.busy {
		e.busy = false
		close(e.released)
		e.released = make(chan struct{})
	}
}
