// Package ratelimit provides the per-agent token-bucket gates that guard
// authentication and append traffic.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AgentGate keeps one token bucket per agent id. Buckets are created on
// first use and dropped again once idle, so the map does not grow with
// every agent that ever connected.
type AgentGate struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAgentGate builds a gate allowing rps sustained requests per agent
// with the given burst. Non-positive values disable limiting.
func NewAgentGate(rps float64, burst int) *AgentGate {
	return &AgentGate{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether one request by agentID fits its budget
func (g *AgentGate) Allow(agentID string) bool {
	if g.rps <= 0 || g.burst <= 0 {
		return true
	}

	g.mu.Lock()
	b, ok := g.buckets[agentID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(g.rps, g.burst)}
		g.buckets[agentID] = b
	}
	b.lastSeen = time.Now()
	g.mu.Unlock()

	return b.limiter.Allow()
}

// Prune drops buckets idle for longer than maxIdle and returns how many
// were removed
func (g *AgentGate) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, b := range g.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(g.buckets, id)
			removed++
		}
	}
	return removed
}
