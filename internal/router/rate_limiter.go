package router

import (
	"sync"
	"time"
)

// RateLimiter implements a fixed-window per-participant event budget. The
// window opens at a participant's first event and resets once it has elapsed.
// ARCHITECTURAL DISCOVERY: Per-client state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	clients map[string]*clientLimit
}

type clientLimit struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit events per window for each participant.
// A non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*clientLimit),
	}
}

// Allow records one event for participantID and reports whether it fits the budget
func (rl *RateLimiter) Allow(participantID string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, ok := rl.clients[participantID]
	if !ok || now.Sub(entry.windowStart) >= rl.window {
		rl.clients[participantID] = &clientLimit{count: 1, windowStart: now}
		return true
	}

	if entry.count >= rl.limit {
		return false
	}
	entry.count++
	return true
}

// Cleanup removes entries idle for more than five windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for id, entry := range rl.clients {
		if now.Sub(entry.windowStart) > 5*rl.window {
			delete(rl.clients, id)
		}
	}
}

// Tracked returns the number of participants with live state
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
