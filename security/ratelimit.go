package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/giantswarm/oauth-grants/clock"
)

const (
	// DefaultRateLimiterMaxEntries caps tracked identifiers before LRU eviction.
	DefaultRateLimiterMaxEntries = 10000

	defaultRateLimiterCleanupInterval = 5 * time.Minute
	defaultRateLimiterIdleTimeout     = 30 * time.Minute
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// Rate is the sustained number of events per second per identifier.
	Rate float64

	// Burst is the number of events allowed at once.
	Burst int

	// MaxEntries bounds tracked identifiers; 0 means unlimited.
	// Negative values select DefaultRateLimiterMaxEntries.
	MaxEntries int

	// CleanupInterval is how often idle identifiers are dropped (default 5m).
	CleanupInterval time.Duration

	// IdleTimeout is how long an identifier may stay unused before cleanup (default 30m).
	IdleTimeout time.Duration

	// Clock overrides the time source (default clock.Real).
	Clock clock.Clock

	Logger *slog.Logger
}

// RateLimiter provides per-identifier token-bucket limiting with LRU eviction.
// The grant core uses it to keep replay and mismatch floods from drowning the
// audit log: one identifier per (event type, client).
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element // identifier -> list element
	lruList    *list.List               // LRU list of *rateLimiterEntry
	rate       rate.Limit
	burst      int
	maxEntries int
	idle       time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// Statistics
	totalEvictions int64
	totalCleanups  int64
}

// NewRateLimiter creates a rate limiter with default capacity and cleanup.
func NewRateLimiter(eventsPerSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(RateLimiterConfig{
		Rate:       eventsPerSecond,
		Burst:      burst,
		MaxEntries: DefaultRateLimiterMaxEntries,
		Logger:     logger,
	})
}

// NewRateLimiterWithConfig creates a rate limiter and starts its cleanup loop.
// Call Stop to release the goroutine.
func NewRateLimiterWithConfig(cfg RateLimiterConfig) *RateLimiter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries < 0 {
		cfg.MaxEntries = DefaultRateLimiterMaxEntries
		logger.Warn("Invalid maxEntries, using default", "maxEntries", cfg.MaxEntries)
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultRateLimiterCleanupInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultRateLimiterIdleTimeout
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		rate:            rate.Limit(cfg.Rate),
		burst:           cfg.Burst,
		maxEntries:      cfg.MaxEntries,
		idle:            cfg.IdleTimeout,
		clock:           clock.OrReal(cfg.Clock),
		logger:          logger,
		cleanupInterval: cfg.CleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether an event for identifier may proceed.
// A nil RateLimiter allows everything.
func (rl *RateLimiter) Allow(identifier string) bool {
	if rl == nil {
		return true
	}
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.rate, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// evictLRU removes the least recently used entry.
// Must be called with mutex locked.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier", entry.identifier,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(rl.idle)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that have not been used for maxIdleTime.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	// Walk from the back: entries there are the least recently used.
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= maxIdleTime {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	if rl == nil {
		return
	}
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int     // Current number of tracked identifiers
	MaxEntries     int     // Maximum allowed entries (0 = unlimited)
	TotalEvictions int64   // Total number of LRU evictions
	TotalCleanups  int64   // Total number of cleanup operations
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current rate limiter statistics.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}
	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}
	return stats
}
