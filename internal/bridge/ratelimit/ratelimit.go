// Package ratelimit enforces a per-agent request budget on the HTTP
// surface.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter hands out tokens from one bucket per agent. Each bucket holds
// at most `requests` tokens and refills continuously at requests/window.
type Limiter struct {
	requests int
	window   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   int
	lastFill time.Time
}

// Window returns the configured refill window.
func (l *Limiter) Window() time.Duration {
	return l.window
}

func New(requests int, window time.Duration) *Limiter {
	return &Limiter{
		requests: requests,
		window:   window,
		now:      time.Now,
		buckets:  make(map[string]*bucket),
	}
}

// Allow consumes one token for the agent. When the bucket is empty it
// returns false and the wait until the next token becomes available.
func (l *Limiter) Allow(agentID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[agentID]
	if !ok {
		b = &bucket{tokens: l.requests, lastFill: now}
		l.buckets[agentID] = b
	} else {
		l.refill(b, now)
	}

	if b.tokens > 0 {
		b.tokens--
		return true, 0
	}

	perToken := l.window / time.Duration(l.requests)
	wait := perToken - now.Sub(b.lastFill)
	if wait < 0 {
		wait = 0
	}
	return false, wait
}

// refill adds the tokens earned since the last fill. The fill time only
// advances by whole token intervals so partial progress is not lost.
func (l *Limiter) refill(b *bucket, now time.Time) {
	perToken := l.window / time.Duration(l.requests)
	elapsed := now.Sub(b.lastFill)
	if elapsed < perToken {
		return
	}
	earned := int(elapsed / perToken)
	b.tokens += earned
	if b.tokens > l.requests {
		b.tokens = l.requests
		b.lastFill = now
	} else {
		b.lastFill = b.lastFill.Add(time.Duration(earned) * perToken)
	}
}
