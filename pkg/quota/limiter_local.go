package quota

import (
	"sync"

	"golang.org/x/time/rate"
)

// LocalLimiter is the in-process fallback when no Redis is available.
// Each agent gets its own token bucket; state is per-instance, so in a
// multi-instance deployment limits are effectively multiplied by the
// instance count.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewLocalLimiter creates a limiter refilling at ratePerSecond up to
// burst tokens per agent.
func NewLocalLimiter(ratePerSecond float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

// Allow consumes one token from the agent's bucket.
func (l *LocalLimiter) Allow(agentID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[agentID]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[agentID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
