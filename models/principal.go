package models

import (
	"time"

	"github.com/google/uuid"
)

// Role represents the authorization level of a principal
type Role string

const (
	RoleNormal         Role = "normal"
	RoleSuperuser      Role = "superuser"
	RoleUltraSuperuser Role = "ultra_superuser"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleNormal, RoleSuperuser, RoleUltraSuperuser:
		return true
	}
	return false
}

// IsPrivileged returns true for roles allowed into the administrative areas
func (r Role) IsPrivileged() bool {
	return r == RoleSuperuser || r == RoleUltraSuperuser
}

// IsUltra returns true for the top-level administrator role
func (r Role) IsUltra() bool {
	return r == RoleUltraSuperuser
}

// Profile holds the descriptive fields shared by principals and registrations
type Profile struct {
	FirstName   string `json:"first_name" db:"first_name"`
	LastName    string `json:"last_name" db:"last_name"`
	PhoneNumber string `json:"phone_number" db:"phone_number"`
	Nationality string `json:"nationality" db:"nationality"`
	Profession  string `json:"profession" db:"profession"`
}

// Principal is an authenticated user account.
// Status and LoginTime are only written through the store's
// MarkLoggedIn / MarkLoggedOut operations.
type Principal struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Email           string     `json:"email" db:"email"`
	Username        string     `json:"username" db:"username"`
	PasswordHash    string     `json:"-" db:"password_hash"`
	Role            Role       `json:"role" db:"role"`
	Profile
	Status          bool       `json:"status" db:"status"`
	LoginTime       *time.Time `json:"login_time,omitempty" db:"login_time"`
	LastVisited     *time.Time `json:"last_visited,omitempty" db:"last_visited"`
	SessionDuration float64    `json:"session_duration" db:"session_duration"` // cumulative seconds
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Principal model
func (Principal) TableName() string {
	return "principals"
}

// NewPrincipal creates a logged-out principal with no accumulated session time
func NewPrincipal(email, username, passwordHash string, role Role) *Principal {
	return &Principal{
		ID:           uuid.New(),
		Email:        email,
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
}

// State derives the session state from the stored status flags
func (p *Principal) State() SessionState {
	if p.Status && p.LoginTime != nil {
		return LoggedIn(*p.LoginTime)
	}
	return LoggedOut()
}

// SessionMinutes returns the cumulative session duration in minutes
func (p *Principal) SessionMinutes() float64 {
	return p.SessionDuration / 60
}

// PendingStatus is the only status a registration carries
const PendingStatus = "pending"

// PendingPrincipal is a registration awaiting approval
type PendingPrincipal struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Email          string    `json:"email" db:"email"`
	Username       string    `json:"username" db:"username"`
	PasswordHash   string    `json:"-" db:"password_hash"`
	Role           Role      `json:"role" db:"role"`
	Profile
	Status         string    `json:"status" db:"status"`
	SubmissionTime time.Time `json:"submission_time" db:"submission_time"`
}

// TableName returns the table name for the PendingPrincipal model
func (PendingPrincipal) TableName() string {
	return "pending_principals"
}

// NewPendingPrincipal creates a registration stamped with the given submission time
func NewPendingPrincipal(email, username, passwordHash string, role Role, profile Profile, at time.Time) *PendingPrincipal {
	if !role.Valid() {
		role = RoleNormal
	}
	return &PendingPrincipal{
		ID:             uuid.New(),
		Email:          email,
		Username:       username,
		PasswordHash:   passwordHash,
		Role:           role,
		Profile:        profile,
		Status:         PendingStatus,
		SubmissionTime: at,
	}
}

// Promote converts an approved registration into a logged-out principal
func (pp *PendingPrincipal) Promote(at time.Time) *Principal {
	return &Principal{
		ID:           uuid.New(),
		Email:        pp.Email,
		Username:     pp.Username,
		PasswordHash: pp.PasswordHash,
		Role:         pp.Role,
		Profile:      pp.Profile,
		CreatedAt:    at,
	}
}
