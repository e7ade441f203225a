// ABOUTME: Per-client token bucket limiting inbound user messages
// ABOUTME: Limiters are created on first use and pruned after sitting idle

package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type ingressLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

// newIngressLimiter allows perSecond messages per client with the given
// burst. A non-positive rate disables limiting.
func newIngressLimiter(perSecond float64, burst int) *ingressLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &ingressLimiter{
		limit:    limit,
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
}

func (l *ingressLimiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[clientID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[clientID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *ingressLimiter) Forget(clientID string) {
	l.mu.Lock()
	delete(l.limiters, clientID)
	l.mu.Unlock()
}

// prune drops limiters idle for longer than idle and returns how many.
func (l *ingressLimiter) prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for id, e := range l.limiters {
		if now.Sub(e.lastSeen) > idle {
			delete(l.limiters, id)
			n++
		}
	}
	return n
}
