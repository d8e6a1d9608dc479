// Package ratelimit applies token-bucket limits per user and per
// client IP. The two scopes are independent: exhausting either rejects
// the request. Buckets for principals not seen recently are evicted.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/monitoring"
)

const evictAfter = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds the per-user and per-IP bucket maps.
type Limiter struct {
	mu    sync.Mutex
	cfg   config.RateLimitConfig
	users map[string]*bucket
	ips   map[string]*bucket
}

func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		cfg:   cfg,
		users: make(map[string]*bucket),
		ips:   make(map[string]*bucket),
	}
}

// SetConfig applies hot-reloaded limits. Existing buckets are dropped
// so new limits take effect immediately.
func (l *Limiter) SetConfig(cfg config.RateLimitConfig) {
	l.mu.Lock()
	l.cfg = cfg
	l.users = make(map[string]*bucket)
	l.ips = make(map[string]*bucket)
	l.mu.Unlock()
}

// Allow checks both scopes for one request. userRate overrides the
// global per-user rate when positive, letting tenant quotas raise or
// lower a user's budget.
func (l *Limiter) Allow(userID, clientIP string, userRate float64, userBurst int) error {
	l.mu.Lock()
	now := time.Now()

	rateU, burstU := l.cfg.UserRate, l.cfg.UserBurst
	if userRate > 0 {
		rateU = userRate
	}
	if userBurst > 0 {
		burstU = userBurst
	}
	ub := l.bucketLocked(l.users, userID, rateU, burstU, now)
	ib := l.bucketLocked(l.ips, clientIP, l.cfg.IPRate, l.cfg.IPBurst, now)
	l.mu.Unlock()

	if userID != "" && !ub.limiter.Allow() {
		monitoring.RecordRateLimited("user")
		return apperrors.E(apperrors.KindRateLimited, "user rate limit exceeded").
			WithRetryAfter(retryAfter(ub.limiter))
	}
	if clientIP != "" && !ib.limiter.Allow() {
		monitoring.RecordRateLimited("ip")
		return apperrors.E(apperrors.KindRateLimited, "client rate limit exceeded").
			WithRetryAfter(retryAfter(ib.limiter))
	}
	return nil
}

func (l *Limiter) bucketLocked(m map[string]*bucket, key string, r float64, burst int, now time.Time) *bucket {
	b, ok := m[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(r), burst)}
		m[key] = b
	}
	b.lastSeen = now
	return b
}

// retryAfter estimates when the next token lands. The reservation is
// cancelled so the probe itself consumes nothing.
func retryAfter(lim *rate.Limiter) time.Duration {
	res := lim.Reserve()
	d := res.Delay()
	res.Cancel()
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Evict drops buckets idle past the eviction window. Called from a
// background ticker.
func (l *Limiter) Evict() {
	cutoff := time.Now().Add(-evictAfter)
	l.mu.Lock()
	for k, b := range l.users {
		if b.lastSeen.Before(cutoff) {
			delete(l.users, k)
		}
	}
	for k, b := range l.ips {
		if b.lastSeen.Before(cutoff) {
			delete(l.ips, k)
		}
	}
	l.mu.Unlock()
}

// Run evicts idle buckets until the stop channel closes.
func (l *Limiter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Evict()
		}
	}
}
