package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/zari-lab/labdata/auth"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/services/session"
	"github.com/zari-lab/labdata/utils"
	"go.uber.org/zap"
)

// Redirect targets of the session gate
const (
	LoginPath = "/login"
	HomePath  = "/home"
)

// SessionTransport reads and clears the session carried by a request
type SessionTransport interface {
	Read(r *http.Request) (*auth.Session, error)
	Clear(w http.ResponseWriter)
}

// SessionChecker decides whether a session may proceed
type SessionChecker interface {
	Check(ctx context.Context, s *auth.Session, area session.Area, origin string) session.CheckResult
}

// exemptPaths need no session. Entries ending in "/" match as prefixes.
var exemptPaths = []string{
	"/login",
	"/register",
	"/reset_password",
	"/reset_password/",
	"/static/",
	"/health",
	"/ready",
	"/metrics",
}

// adminPrefixes mark the administrative areas
var adminPrefixes = []string{"/manage", "/requests"}

// AuthMiddleware gates every request on a live session
type AuthMiddleware struct {
	transport SessionTransport
	checker   SessionChecker
	logger    *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(transport SessionTransport, checker SessionChecker, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		transport: transport,
		checker:   checker,
		logger:    logger,
	}
}

// RequireSession runs the session check before every non-exempt request.
// Allowed requests carry the session and principal in their context;
// the rest are redirected with a flash message.
func (m *AuthMiddleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		s, err := m.transport.Read(r)
		if err != nil {
			if !errors.Is(err, auth.ErrNoSession) {
				m.logger.Warn("rejected session cookie",
					zap.String("request_id", requestID),
					zap.Error(err))
				m.transport.Clear(w)
			}
			s = nil
		}

		result := m.checker.Check(ctx, s, AreaFor(r.URL.Path), ClientOrigin(r))
		switch result.Outcome {
		case session.OutcomeAllow:
			ctx = WithSession(ctx, s)
			ctx = WithPrincipal(ctx, result.Principal)
			next.ServeHTTP(w, r.WithContext(ctx))

		case session.OutcomeHome:
			m.logger.Info("access to administrative area denied",
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path),
				zap.String("principal_id", s.PrincipalID.String()))
			SetFlash(w, FlashMessage{Category: FlashError, Text: result.Message})
			http.Redirect(w, r, HomePath, http.StatusSeeOther)

		default:
			if result.ClearSession {
				m.transport.Clear(w)
			}
			var messages []FlashMessage
			if result.Message != "" {
				messages = append(messages, FlashMessage{Category: FlashWarning, Text: result.Message})
			}
			SetFlash(w, append(messages, Warnings(result.Warnings)...)...)
			http.Redirect(w, r, LoginPath, http.StatusSeeOther)
		}
	})
}

// RequireRole rejects principals whose role fails allowed with 403.
// It must run behind RequireSession.
func (m *AuthMiddleware) RequireRole(allowed func(models.Role) bool, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			p := GetPrincipalFromContext(ctx)
			if p == nil {
				m.logger.Error("principal not found in context",
					zap.String("request_id", requestID))
				_ = utils.WriteUnauthorized(w, "Authentication required")
				return
			}

			if !allowed(p.Role) {
				m.logger.Warn("insufficient permissions",
					zap.String("request_id", requestID),
					zap.String("principal_id", p.ID.String()),
					zap.String("role", string(p.Role)))
				_ = utils.WriteForbidden(w, message)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IsExempt reports whether path is served without a session
func IsExempt(path string) bool {
	for _, p := range exemptPaths {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

// AreaFor classifies path for the session check
func AreaFor(path string) session.Area {
	for _, prefix := range adminPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return session.AreaAdministrative
		}
	}
	return session.AreaGeneral
}
