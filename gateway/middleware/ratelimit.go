package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"agentpay/registry"
)

type rateEntry struct {
	limiter *rate.Limiter
	perMin  int
}

// RateLimiter enforces each agent's configured requests-per-minute with a
// token bucket. Agents with a zero limit are unthrottled.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rateEntry
}

// NewRateLimiter constructs an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{visitors: make(map[string]*rateEntry)}
}

// Middleware throttles authenticated agent requests. It must run after
// AgentAuth so the agent principal is on the context.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, ok := AgentFromContext(r.Context())
		if !ok || agent.RateLimitPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.obtain(agent).Allow() {
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":{"code":"transient","message":"rate limit exceeded"}}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// obtain returns the agent's limiter, rebuilding it when the configured
// limit changed since the last request.
func (rl *RateLimiter) obtain(agent *registry.Agent) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.visitors[agent.ID]
	if ok && entry.perMin == agent.RateLimitPerMinute {
		return entry.limiter
	}
	perSecond := float64(agent.RateLimitPerMinute) / 60.0
	burst := agent.RateLimitPerMinute
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	rl.visitors[agent.ID] = &rateEntry{limiter: limiter, perMin: agent.RateLimitPerMinute}
	return limiter
}
