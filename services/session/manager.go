// Package session implements the session lifecycle: login, logout and the
// per-request timeout gate, with the principal's login bookkeeping kept in
// step with the audit trail.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zari-lab/labdata/auth"
	"github.com/zari-lab/labdata/internal/observability"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"github.com/zari-lab/labdata/services"
	"go.uber.org/zap"
)

// DefaultLifetime is how long a login stays valid
const DefaultLifetime = 120 * time.Minute

// AuditRecorder writes audit events synchronously
type AuditRecorder interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// Config configures a Manager
type Config struct {
	Lifetime time.Duration
	Now      func() time.Time
}

// Manager owns the session state transitions of principals.
//
// Store failures while applying a transition are logged and returned as
// warnings; the transition itself (session established or cleared) still
// happens.
type Manager struct {
	principals repositories.PrincipalRepository
	audit      AuditRecorder
	hasher     auth.PasswordHasher
	lifetime   time.Duration
	now        func() time.Time
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewManager creates a session manager. metrics may be nil.
func NewManager(principals repositories.PrincipalRepository, audit AuditRecorder, hasher auth.PasswordHasher, logger *zap.Logger, metrics *observability.Metrics, cfg Config) *Manager {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		principals: principals,
		audit:      audit,
		hasher:     hasher,
		lifetime:   cfg.Lifetime,
		now:        func() time.Time { return cfg.Now().UTC() },
		logger:     logger,
		metrics:    metrics,
	}
}

// Lifetime returns the configured session lifetime
func (m *Manager) Lifetime() time.Duration {
	return m.lifetime
}

// LoginResult is the outcome of a successful login
type LoginResult struct {
	Principal *models.Principal
	Session   auth.Session
	Warnings  []string
}

// Login authenticates email/password, marks the principal logged in and
// records a login event. Unknown emails and wrong passwords both fail with
// services.ErrInvalidCredentials.
func (m *Manager) Login(ctx context.Context, email, password, origin string) (*LoginResult, error) {
	p, err := m.principals.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			m.metrics.IncLogin(observability.LoginFailure)
			return nil, services.ErrInvalidCredentials
		}
		return nil, services.NewStoreError("failed to look up principal", err)
	}
	if !m.hasher.Verify(password, p.PasswordHash) {
		m.metrics.IncLogin(observability.LoginFailure)
		m.logger.Info("login rejected", zap.String("email", email), zap.String("origin", origin))
		return nil, services.ErrInvalidCredentials
	}

	now := m.now()
	result := &LoginResult{Principal: p, Session: auth.SessionFor(p, now)}

	applied, err := m.principals.MarkLoggedIn(ctx, p.ID, now)
	if err != nil || !applied {
		m.logger.Warn("failed to update principal status on login",
			zap.String("principal_id", p.ID.String()),
			zap.String("email", p.Email),
			zap.Error(err))
		result.Warnings = append(result.Warnings, "Warning: User status update failed.")
	}
	p.Status = true
	p.LoginTime = &now
	p.LastVisited = &now

	event := models.NewAuditEvent(models.AuditEventLogin).
		At(now).
		WithPrincipal(p.ID, p.Email).
		WithOrigin(origin)
	if err := m.audit.Record(ctx, event); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("Warning: Failed to log login event: %v", err))
	}

	m.metrics.IncLogin(observability.LoginSuccess)
	m.logger.Info("principal logged in",
		zap.String("principal_id", p.ID.String()),
		zap.String("email", p.Email))
	return result, nil
}

// LogoutResult describes a completed logout. The caller clears the session
// whatever the warnings say.
type LogoutResult struct {
	Elapsed  time.Duration
	Warnings []string
}

// Logout ends the session s: it accumulates the time since login into the
// principal's session_duration, marks them logged out and records a logout
// event. A missing login_time counts as zero elapsed time.
func (m *Manager) Logout(ctx context.Context, s *auth.Session, origin string) (*LogoutResult, error) {
	if s == nil {
		return nil, services.ErrNoSession
	}
	result := &LogoutResult{}

	p, err := m.principals.GetByID(ctx, s.PrincipalID)
	if err != nil {
		m.logger.Warn("failed to load principal on logout",
			zap.String("principal_id", s.PrincipalID.String()),
			zap.Error(err))
		result.Warnings = append(result.Warnings, "Warning: Could not update logout status.")
		return result, nil
	}

	now := m.now()
	if since, ok := p.State().Since(); ok {
		result.Elapsed = now.Sub(since)
	} else {
		m.logger.Warn("logout without login time",
			zap.String("principal_id", p.ID.String()),
			zap.String("email", p.Email))
	}

	warnings, _ := m.endSession(ctx, p, now, result.Elapsed, models.AuditEventLogout, origin)
	result.Warnings = append(result.Warnings, warnings...)

	m.metrics.IncLogout()
	m.logger.Info("principal logged out",
		zap.String("principal_id", p.ID.String()),
		zap.Float64("elapsed_seconds", result.Elapsed.Seconds()))
	return result, nil
}

// Area classifies the part of the application a request targets
type Area int

const (
	AreaGeneral Area = iota
	// AreaAdministrative is user management and registration requests
	AreaAdministrative
)

// Outcome is the gate's decision for a request
type Outcome int

const (
	OutcomeAllow Outcome = iota
	// OutcomeLogin sends the caller to the login page
	OutcomeLogin
	// OutcomeHome sends the caller to the home page
	OutcomeHome
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeLogin:
		return "login"
	case OutcomeHome:
		return "home"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// CheckResult is the gate's verdict for one request
type CheckResult struct {
	Outcome      Outcome
	Principal    *models.Principal // set when Outcome is OutcomeAllow
	ClearSession bool
	TimedOut     bool
	Message      string // user-facing reason for a redirect
	Warnings     []string
}

// Check gates a request carrying session s into area. A session is live only
// while its principal is logged in and it was issued by the current login.
// Principals idle past the lifetime are logged out server-side and a
// session_timeout event is recorded. Any unexpected failure clears the session.
func (m *Manager) Check(ctx context.Context, s *auth.Session, area Area, origin string) CheckResult {
	if s == nil {
		return CheckResult{Outcome: OutcomeLogin}
	}

	p, err := m.principals.GetByID(ctx, s.PrincipalID)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			m.logger.Error("error in session timeout check",
				zap.String("principal_id", s.PrincipalID.String()),
				zap.Error(err))
		}
		return CheckResult{Outcome: OutcomeLogin, ClearSession: true}
	}

	state := p.State()
	since, loggedIn := state.Since()
	// issued-at is carried with second precision
	if !loggedIn || s.IssuedAt.Before(since.Truncate(time.Second)) {
		m.logger.Info("stale session rejected",
			zap.String("principal_id", p.ID.String()),
			zap.Bool("logged_in", loggedIn))
		return CheckResult{
			Outcome:      OutcomeLogin,
			ClearSession: true,
			Message:      "Your session has ended. Please log in again.",
		}
	}

	if area == AreaAdministrative && !p.Role.IsPrivileged() {
		return CheckResult{
			Outcome: OutcomeHome,
			Message: "You do not have permission to access this page",
		}
	}

	now := m.now()
	if state.Expired(now, m.lifetime) {
		elapsed := state.Elapsed(now)
		m.logger.Info("session timeout",
			zap.String("principal_id", p.ID.String()),
			zap.String("email", p.Email),
			zap.Float64("elapsed_seconds", elapsed.Seconds()))

		warnings, ended := m.endSession(ctx, p, now, elapsed, models.AuditEventSessionTimeout, origin)
		if ended {
			m.metrics.IncSessionTimeout()
		}
		return CheckResult{
			Outcome:      OutcomeLogin,
			ClearSession: true,
			TimedOut:     true,
			Message:      "Your session has expired. Please log in again.",
			Warnings:     warnings,
		}
	}

	return CheckResult{Outcome: OutcomeAllow, Principal: p}
}

// endSession marks p logged out with elapsed added to its duration and
// records eventType. Failures become warnings. A timeout that another request
// already applied is not recorded again; ended reports whether this call
// recorded the event.
func (m *Manager) endSession(ctx context.Context, p *models.Principal, now time.Time, elapsed time.Duration, eventType models.AuditEventType, origin string) (warnings []string, ended bool) {
	applied, err := m.principals.MarkLoggedOut(ctx, p.ID, elapsed.Seconds())
	switch {
	case err != nil:
		m.logger.Warn("failed to update principal status",
			zap.String("principal_id", p.ID.String()),
			zap.String("email", p.Email),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		warnings = append(warnings, "Warning: User logout update failed.")
		p.SessionDuration += elapsed.Seconds()
	case !applied && eventType == models.AuditEventSessionTimeout:
		m.logger.Info("session already ended",
			zap.String("principal_id", p.ID.String()),
			zap.String("event_type", string(eventType)))
		return nil, false
	case !applied:
		// already logged out, nothing to accumulate
	default:
		p.SessionDuration += elapsed.Seconds()
	}
	p.Status = false
	p.LoginTime = nil

	event := models.NewAuditEvent(eventType).
		At(now).
		WithPrincipal(p.ID, p.Email).
		WithOrigin(origin).
		WithChanges(map[string]any{"elapsed_seconds": elapsed.Seconds()})
	if err := m.audit.Record(ctx, event); err != nil {
		warnings = append(warnings, fmt.Sprintf("Warning: Failed to log %s event: %v", eventType, err))
	}
	return warnings, true
}
