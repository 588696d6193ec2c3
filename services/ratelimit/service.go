// Package ratelimit keeps one token bucket per client for the credential
// endpoints (login and password reset requests).
package ratelimit

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Defaults applied by NewLimiter to zero Config fields
const (
	DefaultStaleAfter    = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Config sets the bucket of every client. RequestsPerMinute <= 0 disables limiting.
type Config struct {
	RequestsPerMinute float64
	Burst             int
	StaleAfter        time.Duration
	Now               func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out one rate.Limiter per client key and forgets clients
// that have been idle for StaleAfter
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client

	limit      rate.Limit
	burst      int
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewLimiter creates a limiter
func NewLimiter(cfg Config, logger *zap.Logger) *Limiter {
	l := &Limiter{
		clients:    make(map[string]*client),
		limit:      rate.Inf,
		burst:      cfg.Burst,
		staleAfter: cfg.StaleAfter,
		now:        cfg.Now,
		logger:     logger,
	}
	if cfg.RequestsPerMinute > 0 {
		l.limit = rate.Limit(cfg.RequestsPerMinute / 60)
	}
	if l.burst < 1 {
		l.burst = 1
	}
	if l.staleAfter <= 0 {
		l.staleAfter = DefaultStaleAfter
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Allow consumes one token from key's bucket. An empty key is never limited.
func (l *Limiter) Allow(key string) bool {
	if key == "" || l.limit == rate.Inf {
		return true
	}
	now := l.now()

	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	allowed := c.limiter.AllowN(now, 1)
	if !allowed {
		l.logger.Warn("rate limit exceeded", zap.String("client", key))
	}
	return allowed
}

// Sweep drops clients idle for longer than StaleAfter and returns how many
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.staleAfter)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Run sweeps every interval until ctx is done
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("swept idle rate limit clients", zap.Int("removed", n))
			}
		}
	}
}

// ClientKey derives the limiter key from a remote address. IPv6 clients are
// grouped by /64 so rotating addresses inside one subnet share a bucket.
// Addresses without a parseable IP yield "".
func ClientKey(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	return ip.Mask(net.CIDRMask(64, 128)).String() + "/64"
}
