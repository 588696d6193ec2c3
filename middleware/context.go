package middleware

import (
	"context"
	"net"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/zari-lab/labdata/auth"
	"github.com/zari-lab/labdata/models"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// SessionKey is the context key for the verified session
	SessionKey contextKey = "session"

	// PrincipalKey is the context key for the principal behind the session
	PrincipalKey contextKey = "principal"
)

// GetRequestIDFromContext retrieves the request ID from context, falling
// back to the one assigned by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return chimw.GetReqID(ctx)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetSessionFromContext retrieves the session from context
func GetSessionFromContext(ctx context.Context) *auth.Session {
	if val := ctx.Value(SessionKey); val != nil {
		if s, ok := val.(*auth.Session); ok {
			return s
		}
	}
	return nil
}

// WithSession adds a session to the context
func WithSession(ctx context.Context, s *auth.Session) context.Context {
	return context.WithValue(ctx, SessionKey, s)
}

// GetPrincipalFromContext retrieves the logged-in principal from context
func GetPrincipalFromContext(ctx context.Context) *models.Principal {
	if val := ctx.Value(PrincipalKey); val != nil {
		if p, ok := val.(*models.Principal); ok {
			return p
		}
	}
	return nil
}

// WithPrincipal adds the logged-in principal to the context
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// ClientOrigin returns the client IP recorded in audit events. It relies on
// RealIP having rewritten RemoteAddr for proxied requests.
func ClientOrigin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
