// Package ratelimit provides per-key request metering for API-key traffic.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one admission check, carrying what the standard
// rate-limit response headers need.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter admits or rejects a request for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

type bucketEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MemoryLimiter is a per-key token bucket limiter. Idle entries are dropped
// by a cleanup loop so the map cannot grow without bound.
type MemoryLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucketEntry
	perSecond rate.Limit
	burst     int

	cleanupInterval time.Duration
	idleTTL         time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter creates a limiter allowing requestsPerSecond sustained
// with the given burst, and starts its cleanup loop.
func NewMemoryLimiter(requestsPerSecond float64, burst int, logger *slog.Logger) *MemoryLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &MemoryLimiter{
		buckets:         make(map[string]*bucketEntry),
		perSecond:       rate.Limit(requestsPerSecond),
		burst:           burst,
		cleanupInterval: 5 * time.Minute,
		idleTTL:         15 * time.Minute,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
	}
	go l.cleanupLoop()
	return l
}

// Close stops the cleanup loop.
func (l *MemoryLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
	return nil
}

// Allow checks and consumes one request for the key.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := time.Now()

	l.mu.Lock()
	entry, ok := l.buckets[key]
	if !ok {
		entry = &bucketEntry{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[key] = entry
	}
	entry.lastAccess = now
	allowed := entry.limiter.Allow()
	remaining := int(entry.limiter.Tokens())
	l.mu.Unlock()

	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Limit:     l.burst,
		Remaining: remaining,
		Reset:     now.Add(time.Duration(float64(time.Second) / float64(l.perSecond))),
	}, nil
}

func (l *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *MemoryLimiter) cleanup() {
	cutoff := time.Now().Add(-l.idleTTL)
	removed := 0
	l.mu.Lock()
	for key, entry := range l.buckets {
		if entry.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	l.mu.Unlock()
	if removed > 0 {
		l.logger.Debug("dropped idle rate limiter entries", "removed", removed)
	}
}
