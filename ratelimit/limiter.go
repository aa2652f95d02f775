// Copyright 2025 PromptGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit gates inbound requests per client key before any governed
// work begins. Counters are in-memory and per-instance; a restart clears them,
// which is an accepted trade-off rather than a bug.
package ratelimit

import (
	"sync"
	"time"
)

// Default limiter configuration.
const (
	DefaultWindow        = 60 * time.Second
	DefaultLimit         = 100
	DefaultBurst         = 10
	DefaultSweepInterval = 5 * time.Minute
	DefaultStaleAfter    = 10 * time.Minute
)

// window tracks one client key's counters. The fixed window resets lazily on
// the next request after it elapses; the burst slice tracks requests within
// the current 1-second slice.
type window struct {
	requestCount int
	windowStart  time.Time

	burstCount int
	burstSlice int64 // unix second of the current burst slice

	lastRequest time.Time
}

// Config holds limiter settings. Zero values fall back to defaults.
type Config struct {
	// Window is the fixed window length W.
	Window time.Duration

	// Limit is the request capacity N per window.
	Limit int

	// Burst is the maximum requests B within one 1-second slice.
	Burst int

	// SweepInterval is how often stale entries are collected.
	SweepInterval time.Duration

	// StaleAfter is how long an idle client entry survives.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

// Limiter is a sliding fixed-window rate limiter with a per-second burst
// guard. Safe for concurrent use; the single map lock is held briefly and
// never while another lock is acquired.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*window

	// now is injectable for tests.
	now func() time.Time

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// Option customizes Limiter construction.
type Option func(*Limiter)

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter with the given configuration.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:       cfg.withDefaults(),
		windows:   make(map[string]*window),
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether the client key may proceed. Entries are created
// lazily on first request; window reset is lazy, checked on each call.
func (l *Limiter) Allow(clientKey string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[clientKey]
	if !exists {
		l.windows[clientKey] = &window{
			requestCount: 1,
			windowStart:  now,
			burstCount:   1,
			burstSlice:   now.Unix(),
			lastRequest:  now,
		}
		return true
	}

	// Lazy window reset.
	if now.Sub(w.windowStart) >= l.cfg.Window {
		w.requestCount = 0
		w.windowStart = now
	}

	// Burst guard: reject more than Burst requests inside one second,
	// even when under the window capacity.
	if now.Unix() == w.burstSlice {
		if w.burstCount >= l.cfg.Burst {
			w.lastRequest = now
			return false
		}
	} else {
		w.burstSlice = now.Unix()
		w.burstCount = 0
	}

	if w.requestCount >= l.cfg.Limit {
		w.lastRequest = now
		return false
	}

	w.requestCount++
	w.burstCount++
	w.lastRequest = now
	return true
}

// Status returns the current count and window start for a client key.
func (l *Limiter) Status(clientKey string) (count int, windowStart time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[clientKey]
	if !exists {
		return 0, time.Time{}, false
	}
	return w.requestCount, w.windowStart, true
}

// StartSweeper launches the background goroutine that evicts idle client
// entries. Eviction is configuration-driven, never request-path logic.
func (l *Limiter) StartSweeper() {
	l.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(l.cfg.SweepInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					l.sweep()
				case <-l.stopSweep:
					return
				}
			}
		}()
	})
}

// StopSweeper terminates the background sweeper.
func (l *Limiter) StopSweeper() {
	select {
	case <-l.stopSweep:
	default:
		close(l.stopSweep)
	}
}

// sweep removes entries idle longer than StaleAfter to bound memory.
func (l *Limiter) sweep() int {
	cutoff := l.now().Add(-l.cfg.StaleAfter)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if w.lastRequest.Before(cutoff) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// TrackedClients returns the number of client keys currently tracked.
func (l *Limiter) TrackedClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
