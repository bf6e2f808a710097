package guard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// issueEntry tracks the token bucket for one identity.
type issueEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IssueLimiter caps how fast one identity can request new challenges.
// It is safe for concurrent use.
type IssueLimiter struct {
	mu       sync.Mutex
	limiters map[string]*issueEntry
	rps      rate.Limit
	burst    int
	entryTTL time.Duration

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewIssueLimiter allows rps challenges per second per identity with the
// given burst. Idle identities are forgotten after entryTTL.
func NewIssueLimiter(rps float64, burst int, entryTTL time.Duration) *IssueLimiter {
	if burst <= 0 {
		burst = 1
	}
	if entryTTL <= 0 {
		entryTTL = 10 * time.Minute
	}
	rl := &IssueLimiter{
		limiters:    make(map[string]*issueEntry),
		rps:         rate.Limit(rps),
		burst:       burst,
		entryTTL:    entryTTL,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	if rps <= 0 {
		rl.rps = rate.Inf
	}

	go rl.cleanupLoop(entryTTL / 2)

	return rl
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (rl *IssueLimiter) Close() {
	select {
	case <-rl.stopCleanup:
	default:
		close(rl.stopCleanup)
	}
	<-rl.cleanupDone
}

// Allow consumes one token for identity.
func (rl *IssueLimiter) Allow(identity string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[identity]
	if !exists {
		entry = &issueEntry{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[identity] = entry
	}
	entry.lastAccess = time.Now()

	return entry.limiter.Allow()
}

func (rl *IssueLimiter) cleanupLoop(interval time.Duration) {
	defer close(rl.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *IssueLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.entryTTL)
	for id, entry := range rl.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.limiters, id)
		}
	}
}

// size returns the number of tracked identities.
func (rl *IssueLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
