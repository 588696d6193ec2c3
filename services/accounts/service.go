// Package accounts manages principals outside of their session lifecycle:
// registration and its approval workflow, administration, profiles and
// password resets.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zari-lab/labdata/auth"
	"github.com/zari-lab/labdata/config"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"github.com/zari-lab/labdata/services"
	"github.com/zari-lab/labdata/services/notify"
	"go.uber.org/zap"
)

// MaskedValue replaces sensitive profile fields for callers below ultra_superuser
const MaskedValue = "*****"

// AuditLogger records audit events. LogEvent may queue; Record writes through.
type AuditLogger interface {
	Record(ctx context.Context, event *models.AuditEvent) error
	LogEvent(event *models.AuditEvent) error
}

// Config configures an AccountService
type Config struct {
	// PublicBaseURL prefixes the links sent in reset emails
	PublicBaseURL string
	Now           func() time.Time
}

// AccountService implements account administration
type AccountService struct {
	principals repositories.PrincipalRepository
	pending    repositories.PendingPrincipalRepository
	txManager  repositories.TransactionManager
	audit      AuditLogger
	hasher     auth.PasswordHasher
	reset      *auth.ResetTokens
	sender     notify.Sender
	baseURL    string
	now        func() time.Time
	logger     *zap.Logger
}

// NewAccountService creates an account service. txManager may be nil.
func NewAccountService(
	repos *repositories.Repositories,
	txManager repositories.TransactionManager,
	audit AuditLogger,
	hasher auth.PasswordHasher,
	reset *auth.ResetTokens,
	sender notify.Sender,
	logger *zap.Logger,
	cfg Config,
) *AccountService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &AccountService{
		principals: repos.Principals,
		pending:    repos.Pending,
		txManager:  txManager,
		audit:      audit,
		hasher:     hasher,
		reset:      reset,
		sender:     sender,
		baseURL:    strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		now:        func() time.Time { return cfg.Now().UTC() },
		logger:     logger,
	}
}

// RegisterInput is a registration request
type RegisterInput struct {
	Email       string      `json:"email" validate:"required,email,max=254"`
	Username    string      `json:"username" validate:"required,min=3,max=64"`
	Password    string      `json:"password" validate:"required,min=8,max=72"`
	Role        models.Role `json:"role" validate:"omitempty,role"`
	FirstName   string      `json:"first_name" validate:"max=100"`
	LastName    string      `json:"last_name" validate:"max=100"`
	PhoneNumber string      `json:"phone_number" validate:"max=32"`
	Nationality string      `json:"nationality" validate:"max=100"`
	Profession  string      `json:"profession" validate:"max=100"`
}

func (in RegisterInput) profile() models.Profile {
	return models.Profile{
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		PhoneNumber: in.PhoneNumber,
		Nationality: in.Nationality,
		Profession:  in.Profession,
	}
}

// Register stores a registration awaiting approval. Email and username must
// be unused by both principals and pending registrations.
func (s *AccountService) Register(ctx context.Context, in RegisterInput, origin string) (*models.PendingPrincipal, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.Username = strings.TrimSpace(in.Username)
	if in.Email == "" || in.Username == "" || in.Password == "" {
		return nil, services.NewValidationError("email, username and password are required")
	}

	if err := s.ensureAvailable(ctx, in.Email, in.Username); err != nil {
		return nil, err
	}

	digest, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, services.WrapInternal("failed to hash password", err)
	}

	pp := models.NewPendingPrincipal(in.Email, in.Username, digest, in.Role, in.profile(), s.now())
	if err := s.pending.Create(ctx, pp); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.NewConflictError("Email or username already exists or is pending approval.")
		}
		return nil, services.NewStoreError("failed to store registration", err)
	}

	s.logEvent(ctx, models.NewAuditEvent(models.AuditEventUserRegistered).
		At(s.now()).
		WithEmail(pp.Email).
		WithOrigin(origin).
		WithChanges(map[string]any{"pending_id": pp.ID.String(), "username": pp.Username, "role": pp.Role}))

	s.logger.Info("registration submitted",
		zap.String("pending_id", pp.ID.String()),
		zap.String("email", pp.Email))
	return pp, nil
}

func (s *AccountService) ensureAvailable(ctx context.Context, email, username string) error {
	emailTaken, err := anyFound(ctx, email, s.principals.GetByEmail, s.pendingByEmail)
	if err != nil {
		return err
	}
	if emailTaken {
		return services.NewConflictError("Email already exists or is pending approval. Please use a different email.").
			WithDetail("field", "email")
	}

	usernameTaken, err := anyFound(ctx, username, s.principals.GetByUsername, s.pendingByUsername)
	if err != nil {
		return err
	}
	if usernameTaken {
		return services.NewConflictError("Username already exists or is pending approval. Please choose a different username.").
			WithDetail("field", "username")
	}
	return nil
}

func (s *AccountService) pendingByEmail(ctx context.Context, email string) (*models.PendingPrincipal, error) {
	return s.pending.GetByEmail(ctx, email)
}

func (s *AccountService) pendingByUsername(ctx context.Context, username string) (*models.PendingPrincipal, error) {
	return s.pending.GetByUsername(ctx, username)
}

// anyFound reports whether key resolves in either store
func anyFound(ctx context.Context, key string,
	principal func(context.Context, string) (*models.Principal, error),
	pending func(context.Context, string) (*models.PendingPrincipal, error),
) (bool, error) {
	if _, err := principal(ctx, key); err == nil {
		return true, nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return false, services.NewStoreError("failed to check uniqueness", err)
	}
	if _, err := pending(ctx, key); err == nil {
		return true, nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return false, services.NewStoreError("failed to check uniqueness", err)
	}
	return false, nil
}

// PrincipalView is a principal as shown to administrators
type PrincipalView struct {
	ID             uuid.UUID   `json:"id"`
	FullName       string      `json:"full_name"`
	Username       string      `json:"username"`
	Email          string      `json:"email"`
	FirstName      string      `json:"first_name"`
	LastName       string      `json:"last_name"`
	PhoneNumber    string      `json:"phone_number"`
	Nationality    string      `json:"nationality"`
	Profession     string      `json:"profession"`
	Role           models.Role `json:"role"`
	Active         bool        `json:"active"`
	LastVisited    *time.Time  `json:"last_visited,omitempty"`
	SessionMinutes float64     `json:"session_duration_minutes"`
}

// PendingView is a registration as shown to administrators
type PendingView struct {
	ID             uuid.UUID   `json:"id"`
	FullName       string      `json:"full_name"`
	Username       string      `json:"username"`
	Email          string      `json:"email"`
	FirstName      string      `json:"first_name"`
	LastName       string      `json:"last_name"`
	PhoneNumber    string      `json:"phone_number"`
	Nationality    string      `json:"nationality"`
	Profession     string      `json:"profession"`
	Role           models.Role `json:"role"`
	Status         string      `json:"status"`
	SubmissionTime time.Time   `json:"submission_time"`
}

func fullName(p models.Profile) string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// maskProfile hides the sensitive fields unless the viewer is ultra
func maskProfile(p models.Profile, viewer models.Role) models.Profile {
	if viewer.IsUltra() {
		return p
	}
	p.PhoneNumber = MaskedValue
	p.Nationality = MaskedValue
	p.Profession = MaskedValue
	return p
}

func viewPrincipal(p *models.Principal, viewer models.Role) PrincipalView {
	profile := maskProfile(p.Profile, viewer)
	return PrincipalView{
		ID:             p.ID,
		FullName:       fullName(p.Profile),
		Username:       p.Username,
		Email:          p.Email,
		FirstName:      profile.FirstName,
		LastName:       profile.LastName,
		PhoneNumber:    profile.PhoneNumber,
		Nationality:    profile.Nationality,
		Profession:     profile.Profession,
		Role:           p.Role,
		Active:         p.Status,
		LastVisited:    p.LastVisited,
		SessionMinutes: p.SessionMinutes(),
	}
}

func viewPending(pp *models.PendingPrincipal, viewer models.Role) PendingView {
	profile := maskProfile(pp.Profile, viewer)
	return PendingView{
		ID:             pp.ID,
		FullName:       fullName(pp.Profile),
		Username:       pp.Username,
		Email:          pp.Email,
		FirstName:      profile.FirstName,
		LastName:       profile.LastName,
		PhoneNumber:    profile.PhoneNumber,
		Nationality:    profile.Nationality,
		Profession:     profile.Profession,
		Role:           pp.Role,
		Status:         pp.Status,
		SubmissionTime: pp.SubmissionTime,
	}
}

func requirePrivileged(actor *models.Principal) error {
	if actor == nil || !actor.Role.IsPrivileged() {
		return services.NewAuthzError("You do not have permission to access this page")
	}
	return nil
}

// ListPrincipals returns all principals ordered by username
func (s *AccountService) ListPrincipals(ctx context.Context, actor *models.Principal) ([]PrincipalView, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	principals, err := s.principals.List(ctx)
	if err != nil {
		return nil, services.NewStoreError("failed to list users", err)
	}
	views := make([]PrincipalView, 0, len(principals))
	for _, p := range principals {
		views = append(views, viewPrincipal(p, actor.Role))
	}
	return views, nil
}

// GetPrincipal returns one principal
func (s *AccountService) GetPrincipal(ctx context.Context, actor *models.Principal, id uuid.UUID) (*PrincipalView, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	p, err := s.principals.GetByID(ctx, id)
	if err != nil {
		return nil, services.FromRepository("User not found", err)
	}
	view := viewPrincipal(p, actor.Role)
	return &view, nil
}

// ListPending returns registrations oldest first
func (s *AccountService) ListPending(ctx context.Context, actor *models.Principal) ([]PendingView, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	pending, err := s.pending.List(ctx)
	if err != nil {
		return nil, services.NewStoreError("failed to list registrations", err)
	}
	views := make([]PendingView, 0, len(pending))
	for _, pp := range pending {
		views = append(views, viewPending(pp, actor.Role))
	}
	return views, nil
}

// GetPending returns one registration
func (s *AccountService) GetPending(ctx context.Context, actor *models.Principal, id uuid.UUID) (*PendingView, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	pp, err := s.pending.GetByID(ctx, id)
	if err != nil {
		return nil, services.FromRepository("Pending user not found", err)
	}
	view := viewPending(pp, actor.Role)
	return &view, nil
}

// Approve promotes a registration to a logged-out principal
func (s *AccountService) Approve(ctx context.Context, actor *models.Principal, id uuid.UUID, origin string) (*models.Principal, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}

	var pp *models.PendingPrincipal
	approve := func(ctx context.Context) (*models.Principal, error) {
		var err error
		pp, err = s.pending.GetByID(ctx, id)
		if err != nil {
			return nil, services.FromRepository("Pending user not found", err)
		}

		p := pp.Promote(s.now())
		if err := s.principals.Create(ctx, p); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return nil, services.NewConflictError("a user with this email or username already exists")
			}
			return nil, services.NewStoreError("failed to create user", err)
		}
		if _, err := s.pending.Delete(ctx, id); err != nil {
			return nil, services.NewStoreError("failed to remove registration", err)
		}
		return p, nil
	}

	var p *models.Principal
	var err error
	if s.txManager != nil {
		p, err = services.WithTransactionResult(ctx, s.txManager, func(ctx context.Context, _ repositories.Transaction) (*models.Principal, error) {
			return approve(ctx)
		})
	} else {
		p, err = approve(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, models.NewAuditEvent(models.AuditEventUserApproved).
		At(s.now()).
		WithPrincipal(actor.ID, actor.Email).
		WithOrigin(origin).
		WithChanges(map[string]any{
			"target_id": id.String(),
			"user_id":   p.ID.String(),
			"email":     pp.Email,
			"username":  pp.Username,
		}))

	s.logger.Info("registration approved",
		zap.String("pending_id", id.String()),
		zap.String("principal_id", p.ID.String()),
		zap.String("approved_by", actor.Username))
	return p, nil
}

// Reject deletes a registration
func (s *AccountService) Reject(ctx context.Context, actor *models.Principal, id uuid.UUID, origin string) error {
	if err := requirePrivileged(actor); err != nil {
		return err
	}

	pp, err := s.pending.GetByID(ctx, id)
	if err != nil {
		return services.FromRepository("Pending user not found", err)
	}
	deleted, err := s.pending.Delete(ctx, id)
	if err != nil {
		return services.NewStoreError("failed to remove registration", err)
	}
	if !deleted {
		return services.NewNotFoundError("Pending user not found", nil)
	}

	s.logEvent(ctx, models.NewAuditEvent(models.AuditEventUserRejected).
		At(s.now()).
		WithPrincipal(actor.ID, actor.Email).
		WithOrigin(origin).
		WithChanges(map[string]any{
			"target_id": id.String(),
			"email":     pp.Email,
			"username":  pp.Username,
		}))

	s.logger.Info("registration rejected",
		zap.String("pending_id", id.String()),
		zap.String("rejected_by", actor.Username))
	return nil
}

// UpdateInput lists the administrator-editable fields. Nil fields are left alone.
type UpdateInput struct {
	FirstName   *string      `json:"first_name" validate:"omitempty,max=100"`
	LastName    *string      `json:"last_name" validate:"omitempty,max=100"`
	PhoneNumber *string      `json:"phone_number" validate:"omitempty,max=32"`
	Nationality *string      `json:"nationality" validate:"omitempty,max=100"`
	Profession  *string      `json:"profession" validate:"omitempty,max=100"`
	Status      *bool        `json:"status"`
	Role        *models.Role `json:"role" validate:"omitempty,role"`
}

func (in UpdateInput) fields() map[string]any {
	fields := make(map[string]any)
	set := func(name string, v *string) {
		if v != nil {
			fields[name] = *v
		}
	}
	set("first_name", in.FirstName)
	set("last_name", in.LastName)
	set("phone_number", in.PhoneNumber)
	set("nationality", in.Nationality)
	set("profession", in.Profession)
	if in.Role != nil {
		fields["role"] = *in.Role
	}
	return fields
}

// UpdatePrincipal applies in to principal id. Only ultra superusers may update.
// Setting status to false ends the principal's session; status can only be
// set to true by logging in.
func (s *AccountService) UpdatePrincipal(ctx context.Context, actor *models.Principal, id uuid.UUID, in UpdateInput, origin string) (*PrincipalView, error) {
	if actor == nil || !actor.Role.IsUltra() {
		return nil, services.NewAuthzError("Unauthorized")
	}
	if in.Role != nil && !in.Role.Valid() {
		return nil, services.NewValidationError(fmt.Sprintf("unknown role %q", *in.Role)).WithDetail("field", "role")
	}
	if in.Status != nil && *in.Status {
		return nil, services.NewValidationError("status can only be set by logging in").WithDetail("field", "status")
	}

	fields := in.fields()
	if len(fields) == 0 && in.Status == nil {
		return nil, services.NewValidationError("No changes made")
	}

	target, err := s.principals.GetByID(ctx, id)
	if err != nil {
		return nil, services.FromRepository("User not found", err)
	}

	changes := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		changes[k] = v
	}

	if len(fields) > 0 {
		applied, err := s.principals.UpdateFields(ctx, id, fields)
		if err != nil {
			return nil, services.NewStoreError("failed to update user", err)
		}
		if !applied {
			return nil, services.NewNotFoundError("User not found", nil)
		}
	}

	if in.Status != nil && target.Status {
		elapsed := target.State().Elapsed(s.now())
		if _, err := s.principals.MarkLoggedOut(ctx, id, elapsed.Seconds()); err != nil {
			return nil, services.NewStoreError("failed to update user status", err)
		}
		changes["status"] = false
	}

	s.logEvent(ctx, models.NewAuditEvent(models.AuditEventUserUpdate).
		At(s.now()).
		WithPrincipal(actor.ID, actor.Email).
		WithOrigin(origin).
		WithChanges(map[string]any{"target_id": id.String(), "changes": changes}))

	updated, err := s.principals.GetByID(ctx, id)
	if err != nil {
		return nil, services.FromRepository("User not found", err)
	}
	view := viewPrincipal(updated, actor.Role)
	return &view, nil
}

// Profile returns the caller's own principal
func (s *AccountService) Profile(ctx context.Context, principalID uuid.UUID) (*models.Principal, error) {
	p, err := s.principals.GetByID(ctx, principalID)
	if err != nil {
		return nil, services.FromRepository("User profile not found", err)
	}
	return p, nil
}

// RequestPasswordReset mails a reset link to email. Unknown addresses are
// logged and otherwise indistinguishable from known ones.
func (s *AccountService) RequestPasswordReset(ctx context.Context, email, origin string) error {
	p, err := s.principals.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.logger.Info("password reset requested for unknown email", zap.String("email", email))
			return nil
		}
		return services.NewStoreError("failed to look up user", err)
	}

	token, expires, err := s.reset.Issue(p.Email)
	if err != nil {
		return services.WrapInternal("failed to issue reset token", err)
	}

	link := fmt.Sprintf("%s/reset_password/%s", s.baseURL, token)
	body := fmt.Sprintf("Click the link to reset your password: %s\nThis link will expire in %d minutes.",
		link, int(expires.Sub(s.now()).Round(time.Minute).Minutes()))
	if err := s.sender.Send(ctx, p.Email, "Password Reset Request", body); err != nil {
		return services.WrapInternal("failed to send reset email", err)
	}

	s.logEvent(ctx, models.NewAuditEvent(models.AuditEventPasswordResetRequested).
		At(s.now()).
		WithPrincipal(p.ID, p.Email).
		WithOrigin(origin))
	return nil
}

// ConfirmPasswordReset sets a new password for the principal named by token
func (s *AccountService) ConfirmPasswordReset(ctx context.Context, token, password, origin string) error {
	email, err := s.reset.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return services.NewAuthError("The reset link has expired. Please request a new one.")
		}
		return services.ErrInvalidResetToken
	}
	if password == "" {
		return services.NewValidationError("password is required").WithDetail("field", "password")
	}

	digest, err := s.hasher.Hash(password)
	if err != nil {
		return services.WrapInternal("failed to hash password", err)
	}
	applied, err := s.principals.SetPasswordHash(ctx, email, digest)
	if err != nil {
		return services.NewStoreError("failed to reset password", err)
	}
	if !applied {
		return services.NewNotFoundError("Invalid user for this token.", nil)
	}

	event := models.NewAuditEvent(models.AuditEventPasswordReset).
		At(s.now()).
		WithEmail(email).
		WithOrigin(origin)
	if p, err := s.principals.GetByEmail(ctx, email); err == nil {
		event.WithPrincipal(p.ID, p.Email)
	}
	s.logEvent(ctx, event)

	s.logger.Info("password reset", zap.String("email", email))
	return nil
}

// BootstrapAdmin makes sure the configured ultra superuser exists.
// It reports whether a principal was created.
func (s *AccountService) BootstrapAdmin(ctx context.Context, cfg config.BootstrapConfig) (bool, error) {
	if cfg.Email == "" || cfg.Username == "" || cfg.Password == "" {
		return false, services.NewValidationError("bootstrap email, username and password are required")
	}

	if _, err := s.principals.GetByEmail(ctx, cfg.Email); err == nil {
		s.logger.Debug("bootstrap admin already exists", zap.String("email", cfg.Email))
		return false, nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return false, services.NewStoreError("failed to look up bootstrap admin", err)
	}

	digest, err := s.hasher.Hash(cfg.Password)
	if err != nil {
		return false, services.WrapInternal("failed to hash password", err)
	}

	admin := models.NewPrincipal(cfg.Email, cfg.Username, digest, models.RoleUltraSuperuser)
	admin.CreatedAt = s.now()
	if err := s.principals.Create(ctx, admin); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return false, services.NewConflictError("username is taken by another user").WithDetail("field", "username")
		}
		return false, services.NewStoreError("failed to create bootstrap admin", err)
	}

	s.logger.Info("created bootstrap admin",
		zap.String("principal_id", admin.ID.String()),
		zap.String("email", admin.Email))
	return true, nil
}

// logEvent queues event, writing it synchronously when the queue refuses it
func (s *AccountService) logEvent(ctx context.Context, event *models.AuditEvent) {
	if err := s.audit.LogEvent(event); err == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Error("failed to audit account event",
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
	}
}
