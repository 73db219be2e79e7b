// Package ratelimit implements a sliding-window request limiter keyed
// by caller (and optionally operation).
package ratelimit

import (
	"sync"
	"time"

	"github.com/sandboxd/sandboxd/internal/errdefs"
)

// Config tunes the limiter.
type Config struct {
	// Limit is the maximum number of requests per window per key.
	Limit int
	// Window is the sliding window length.
	Window time.Duration
	// SweepInterval controls eviction of idle keys.
	SweepInterval time.Duration
}

// Limiter tracks request timestamps per key.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a limiter and starts the idle-key sweeper.
func New(cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string][]time.Time),
		stopCh:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.sweepLoop()
	return l
}

// Allow records a request for key and reports whether it is within the
// limit. Denials return a RateLimitError carrying the retry hint.
func (l *Limiter) Allow(key string) error {
	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.windows[key]
	// Drop timestamps that slid out of the window.
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.cfg.Limit {
		l.windows[key] = kept
		retry := kept[0].Add(l.cfg.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return &errdefs.RateLimitError{RetryAfter: retry}
	}

	l.windows[key] = append(kept, now)
	return nil
}

// Stop terminates the sweeper.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *Limiter) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep evicts keys whose every timestamp has expired.
func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.cfg.Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, times := range l.windows {
		alive := false
		for _, t := range times {
			if t.After(cutoff) {
				alive = true
				break
			}
		}
		if !alive {
			delete(l.windows, key)
		}
	}
}
