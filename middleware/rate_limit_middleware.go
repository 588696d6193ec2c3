package middleware

import (
	"net/http"

	"github.com/zari-lab/labdata/internal/observability"
	"github.com/zari-lab/labdata/services/ratelimit"
	"github.com/zari-lab/labdata/utils"
	"go.uber.org/zap"
)

// ClientLimiter consumes one request from a client's budget
type ClientLimiter interface {
	Allow(key string) bool
}

// RateLimitMiddleware throttles credential endpoints per client IP
type RateLimitMiddleware struct {
	limiter ClientLimiter
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewRateLimitMiddleware creates a new RateLimitMiddleware
func NewRateLimitMiddleware(limiter ClientLimiter, metrics *observability.Metrics, logger *zap.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
	}
}

// Limit rejects requests over the client's budget with 429
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return m.limit(next, false)
}

// LimitLogin is Limit that also counts rejections as rate limited logins
func (m *RateLimitMiddleware) LimitLogin(next http.Handler) http.Handler {
	return m.limit(next, true)
}

func (m *RateLimitMiddleware) limit(next http.Handler, login bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ratelimit.ClientKey(r.RemoteAddr)
		if m.limiter.Allow(key) {
			next.ServeHTTP(w, r)
			return
		}

		m.metrics.IncRateLimited()
		if login {
			m.metrics.IncLogin(observability.LoginRateLimited)
		}
		m.logger.Warn("request rate limited",
			zap.String("request_id", GetRequestIDFromContext(r.Context())),
			zap.String("client", key),
			zap.String("path", r.URL.Path))
		_ = utils.WriteTooManyRequests(w, "Too many attempts. Please try again later.", nil)
	})
}
