package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zari-lab/labdata/auth"
	"github.com/zari-lab/labdata/config"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"github.com/zari-lab/labdata/repositories/memory"
	"github.com/zari-lab/labdata/services"
	"github.com/zari-lab/labdata/services/notify"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// recordingAudit captures events; queueing is refused when closed is set
type recordingAudit struct {
	mu     sync.Mutex
	events []*models.AuditEvent
	closed bool
}

func (a *recordingAudit) Record(_ context.Context, e *models.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *recordingAudit) LogEvent(e *models.AuditEvent) error {
	if a.closed {
		return errors.New("audit service not started")
	}
	return a.Record(context.Background(), e)
}

func (a *recordingAudit) ofType(t models.AuditEventType) []*models.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*models.AuditEvent
	for _, e := range a.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

type failingSender struct{}

func (failingSender) Send(context.Context, string, string, string) error {
	return errors.New("relay unavailable")
}

type fixture struct {
	service *AccountService
	repos   *repositories.Repositories
	audit   *recordingAudit
	mail    *notify.LogSender
	now     time.Time
	ultra   *models.Principal
	super   *models.Principal
	normal  *models.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repos: memory.NewStore(nil).NewRepositories(),
		audit: &recordingAudit{},
		mail:  notify.NewLogSender(zap.NewNop()),
		now:   time.Date(2026, 1, 20, 14, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.service = NewAccountService(f.repos, nil, f.audit,
		auth.NewBcryptHasher(bcrypt.MinCost),
		auth.NewResetTokens("reset-secret", time.Hour, clock),
		f.mail, zap.NewNop(),
		Config{PublicBaseURL: "https://lab.test/", Now: clock})

	ctx := context.Background()
	f.ultra = models.NewPrincipal("root@lab.test", "root", "x", models.RoleUltraSuperuser)
	f.super = models.NewPrincipal("sue@lab.test", "sue", "x", models.RoleSuperuser)
	f.normal = models.NewPrincipal("ned@lab.test", "ned", "x", models.RoleNormal)
	f.normal.Profile = models.Profile{FirstName: "Ned", LastName: "Okafor", PhoneNumber: "+254700", Nationality: "KE", Profession: "Chemist"}
	for _, p := range []*models.Principal{f.ultra, f.super, f.normal} {
		require.NoError(t, f.repos.Principals.Create(ctx, p))
	}
	return f
}

func registration(email, username string) RegisterInput {
	return RegisterInput{
		Email:       email,
		Username:    username,
		Password:    "correct horse",
		FirstName:   "Amara",
		LastName:    "Diallo",
		PhoneNumber: "+221770",
		Nationality: "SN",
		Profession:  "Agronomist",
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("stores a pending registration", func(t *testing.T) {
		f := newFixture(t)

		pp, err := f.service.Register(ctx, registration("amara@lab.test", "amara"), "10.0.0.9")
		require.NoError(t, err)
		assert.Equal(t, models.PendingStatus, pp.Status)
		assert.Equal(t, models.RoleNormal, pp.Role)
		assert.True(t, pp.SubmissionTime.Equal(f.now))
		assert.NotEqual(t, "correct horse", pp.PasswordHash)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(pp.PasswordHash), []byte("correct horse")))

		stored, err := f.repos.Pending.GetByEmail(ctx, "amara@lab.test")
		require.NoError(t, err)
		assert.Equal(t, pp.ID, stored.ID)
		assert.Len(t, f.audit.ofType(models.AuditEventUserRegistered), 1)
	})

	tests := []struct {
		name     string
		email    string
		username string
		field    string
	}{
		{"email of a principal", "ned@lab.test", "fresh", "email"},
		{"username of a principal", "fresh@lab.test", "ned", "username"},
		{"email of a pending registration", "amara@lab.test", "other", "email"},
		{"username of a pending registration", "other@lab.test", "amara", "username"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.service.Register(ctx, registration("amara@lab.test", "amara"), "")
			require.NoError(t, err)

			_, err = f.service.Register(ctx, registration(tt.email, tt.username), "")
			require.Error(t, err)
			assert.True(t, services.IsConflictError(err))
			assert.Equal(t, tt.field, services.GetErrorDetails(err)["field"])
		})
	}

	t.Run("requires credentials", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.Register(ctx, RegisterInput{Email: "x@lab.test", Username: "x"}, "")
		assert.True(t, services.IsValidationError(err))
	})
}

func TestApproveAndReject(t *testing.T) {
	ctx := context.Background()

	t.Run("approve promotes and removes the registration", func(t *testing.T) {
		f := newFixture(t)
		in := registration("amara@lab.test", "amara")
		in.Role = models.RoleSuperuser
		pp, err := f.service.Register(ctx, in, "")
		require.NoError(t, err)

		p, err := f.service.Approve(ctx, f.super, pp.ID, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, models.RoleSuperuser, p.Role)
		assert.False(t, p.Status)
		assert.Nil(t, p.LoginTime)
		assert.Zero(t, p.SessionDuration)

		stored, err := f.repos.Principals.GetByEmail(ctx, "amara@lab.test")
		require.NoError(t, err)
		assert.Equal(t, pp.PasswordHash, stored.PasswordHash)
		assert.Equal(t, "Agronomist", stored.Profession)

		_, err = f.repos.Pending.GetByID(ctx, pp.ID)
		assert.ErrorIs(t, err, repositories.ErrNotFound)

		events := f.audit.ofType(models.AuditEventUserApproved)
		require.Len(t, events, 1)
		var changes map[string]any
		require.NoError(t, json.Unmarshal(events[0].Changes, &changes))
		assert.Equal(t, "amara@lab.test", changes["email"])
		assert.Equal(t, "amara", changes["username"])
		assert.Equal(t, "sue@lab.test", events[0].Email)
	})

	t.Run("reject deletes", func(t *testing.T) {
		f := newFixture(t)
		pp, err := f.service.Register(ctx, registration("amara@lab.test", "amara"), "")
		require.NoError(t, err)

		require.NoError(t, f.service.Reject(ctx, f.ultra, pp.ID, ""))
		pending, err := f.service.ListPending(ctx, f.ultra)
		require.NoError(t, err)
		assert.Empty(t, pending)
		assert.Len(t, f.audit.ofType(models.AuditEventUserRejected), 1)

		_, err = f.repos.Principals.GetByEmail(ctx, "amara@lab.test")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	t.Run("normal role is forbidden", func(t *testing.T) {
		f := newFixture(t)
		pp, err := f.service.Register(ctx, registration("amara@lab.test", "amara"), "")
		require.NoError(t, err)

		_, err = f.service.Approve(ctx, f.normal, pp.ID, "")
		assert.ErrorIs(t, err, services.ErrInsufficientRole)
		assert.ErrorIs(t, f.service.Reject(ctx, f.normal, pp.ID, ""), services.ErrInsufficientRole)
	})

	t.Run("unknown registration", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.Approve(ctx, f.super, uuid.New(), "")
		assert.ErrorIs(t, err, services.ErrPendingNotFound)
		assert.True(t, services.IsNotFoundError(f.service.Reject(ctx, f.super, uuid.New(), "")))
	})

	t.Run("audit falls back to a direct write", func(t *testing.T) {
		f := newFixture(t)
		f.audit.closed = true
		pp, err := f.service.Register(ctx, registration("amara@lab.test", "amara"), "")
		require.NoError(t, err)

		require.NoError(t, f.service.Reject(ctx, f.super, pp.ID, ""))
		assert.Len(t, f.audit.ofType(models.AuditEventUserRejected), 1)
	})
}

func TestListAndGetMasking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	views, err := f.service.ListPrincipals(ctx, f.super)
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, []string{"ned", "root", "sue"}, []string{views[0].Username, views[1].Username, views[2].Username})

	ned := views[0]
	assert.Equal(t, "Ned Okafor", ned.FullName)
	assert.Equal(t, MaskedValue, ned.PhoneNumber)
	assert.Equal(t, MaskedValue, ned.Nationality)
	assert.Equal(t, MaskedValue, ned.Profession)

	full, err := f.service.GetPrincipal(ctx, f.ultra, f.normal.ID)
	require.NoError(t, err)
	assert.Equal(t, "+254700", full.PhoneNumber)
	assert.Equal(t, "Chemist", full.Profession)

	_, err = f.service.ListPrincipals(ctx, f.normal)
	assert.True(t, services.IsAuthzError(err))

	_, err = f.service.GetPrincipal(ctx, f.super, uuid.New())
	assert.ErrorIs(t, err, services.ErrPrincipalNotFound)

	pp, err := f.service.Register(ctx, registration("amara@lab.test", "amara"), "")
	require.NoError(t, err)
	pending, err := f.service.GetPending(ctx, f.super, pp.ID)
	require.NoError(t, err)
	assert.Equal(t, MaskedValue, pending.PhoneNumber)
	assert.Equal(t, "Amara Diallo", pending.FullName)
}

func TestUpdatePrincipal(t *testing.T) {
	ctx := context.Background()

	str := func(s string) *string { return &s }
	boolean := func(b bool) *bool { return &b }
	role := func(r models.Role) *models.Role { return &r }

	t.Run("ultra updates profile and role", func(t *testing.T) {
		f := newFixture(t)

		view, err := f.service.UpdatePrincipal(ctx, f.ultra, f.normal.ID, UpdateInput{
			Profession: str("Soil scientist"),
			Role:       role(models.RoleSuperuser),
		}, "")
		require.NoError(t, err)
		assert.Equal(t, "Soil scientist", view.Profession)
		assert.Equal(t, models.RoleSuperuser, view.Role)

		events := f.audit.ofType(models.AuditEventUserUpdate)
		require.Len(t, events, 1)
		assert.Contains(t, string(events[0].Changes), "Soil scientist")
	})

	t.Run("deactivating ends the session", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.repos.Principals.MarkLoggedIn(ctx, f.normal.ID, f.now.Add(-10*time.Minute))
		require.NoError(t, err)

		view, err := f.service.UpdatePrincipal(ctx, f.ultra, f.normal.ID, UpdateInput{Status: boolean(false)}, "")
		require.NoError(t, err)
		assert.False(t, view.Active)

		p, err := f.repos.Principals.GetByID(ctx, f.normal.ID)
		require.NoError(t, err)
		assert.Nil(t, p.LoginTime)
		assert.InDelta(t, 600, p.SessionDuration, 0.001)
	})

	t.Run("rejections", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.UpdatePrincipal(ctx, f.super, f.normal.ID, UpdateInput{FirstName: str("N")}, "")
		assert.True(t, services.IsAuthzError(err), "superuser may not update")

		_, err = f.service.UpdatePrincipal(ctx, f.ultra, f.normal.ID, UpdateInput{Status: boolean(true)}, "")
		assert.True(t, services.IsValidationError(err))

		_, err = f.service.UpdatePrincipal(ctx, f.ultra, f.normal.ID, UpdateInput{Role: role("admin")}, "")
		assert.True(t, services.IsValidationError(err))

		_, err = f.service.UpdatePrincipal(ctx, f.ultra, f.normal.ID, UpdateInput{}, "")
		assert.True(t, services.IsValidationError(err))

		_, err = f.service.UpdatePrincipal(ctx, f.ultra, uuid.New(), UpdateInput{FirstName: str("N")}, "")
		assert.True(t, services.IsNotFoundError(err))

		assert.Empty(t, f.audit.ofType(models.AuditEventUserUpdate))
	})
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()

	tokenFrom := func(t *testing.T, body string) string {
		t.Helper()
		const marker = "https://lab.test/reset_password/"
		i := strings.Index(body, marker)
		require.GreaterOrEqual(t, i, 0, body)
		return strings.Fields(body[i+len(marker):])[0]
	}

	t.Run("request and confirm", func(t *testing.T) {
		f := newFixture(t)

		require.NoError(t, f.service.RequestPasswordReset(ctx, "ned@lab.test", "10.0.0.5"))
		sent := f.mail.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "ned@lab.test", sent[0].Recipient)
		assert.Equal(t, "Password Reset Request", sent[0].Subject)
		assert.Contains(t, sent[0].Body, "expire in 60 minutes")
		assert.Len(t, f.audit.ofType(models.AuditEventPasswordResetRequested), 1)

		f.now = f.now.Add(30 * time.Minute)
		require.NoError(t, f.service.ConfirmPasswordReset(ctx, tokenFrom(t, sent[0].Body), "n3w-passw0rd", ""))

		p, err := f.repos.Principals.GetByEmail(ctx, "ned@lab.test")
		require.NoError(t, err)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte("n3w-passw0rd")))
		assert.Len(t, f.audit.ofType(models.AuditEventPasswordReset), 1)
	})

	t.Run("unknown email is silent", func(t *testing.T) {
		f := newFixture(t)

		require.NoError(t, f.service.RequestPasswordReset(ctx, "ghost@lab.test", ""))
		assert.Empty(t, f.mail.Sent())
		assert.Empty(t, f.audit.ofType(models.AuditEventPasswordResetRequested))
	})

	t.Run("expired link", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.service.RequestPasswordReset(ctx, "ned@lab.test", ""))
		token := tokenFrom(t, f.mail.Sent()[0].Body)

		f.now = f.now.Add(61 * time.Minute)
		err := f.service.ConfirmPasswordReset(ctx, token, "n3w-passw0rd", "")
		assert.True(t, services.IsAuthError(err))
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("tampered link", func(t *testing.T) {
		f := newFixture(t)

		err := f.service.ConfirmPasswordReset(ctx, "not-a-token", "n3w-passw0rd", "")
		assert.ErrorIs(t, err, services.ErrInvalidResetToken)
	})

	t.Run("mail failure is reported", func(t *testing.T) {
		f := newFixture(t)
		f.service.sender = failingSender{}

		err := f.service.RequestPasswordReset(ctx, "ned@lab.test", "")
		assert.True(t, services.IsInternalError(err))
	})
}

func TestBootstrapAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := config.BootstrapConfig{Enabled: true, Email: "admin@lab.test", Username: "admin", Password: "change-me-now"}

	created, err := f.service.BootstrapAdmin(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, created)

	admin, err := f.repos.Principals.GetByEmail(ctx, "admin@lab.test")
	require.NoError(t, err)
	assert.Equal(t, models.RoleUltraSuperuser, admin.Role)
	assert.False(t, admin.Status)

	created, err = f.service.BootstrapAdmin(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, created, "idempotent")

	_, err = f.service.BootstrapAdmin(ctx, config.BootstrapConfig{Email: "x@lab.test"})
	assert.True(t, services.IsValidationError(err))
}

func TestProfile(t *testing.T) {
	f := newFixture(t)

	p, err := f.service.Profile(context.Background(), f.normal.ID)
	require.NoError(t, err)
	assert.Equal(t, "+254700", p.PhoneNumber, "own profile is not masked")

	_, err = f.service.Profile(context.Background(), uuid.New())
	assert.True(t, services.IsNotFoundError(err))
}
