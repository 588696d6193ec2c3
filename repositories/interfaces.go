package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/zari-lab/labdata/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a uniqueness constraint is violated
	ErrDuplicate = errors.New("duplicate record")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns a context carrying the transaction; repositories
	// called with it take part in the transaction
	Context() context.Context
}

// PrincipalRepository is the Principal Store. Email and username are unique.
type PrincipalRepository interface {
	// Create inserts a principal, returning ErrDuplicate on email/username collision
	Create(ctx context.Context, p *models.Principal) error

	GetByID(ctx context.Context, id uuid.UUID) (*models.Principal, error)
	GetByEmail(ctx context.Context, email string) (*models.Principal, error)
	GetByUsername(ctx context.Context, username string) (*models.Principal, error)

	// List returns all principals ordered by username
	List(ctx context.Context) ([]*models.Principal, error)

	// MarkLoggedIn sets status=true, login_time=at, last_visited=at.
	// applied is false when no row matched.
	MarkLoggedIn(ctx context.Context, id uuid.UUID, at time.Time) (applied bool, err error)

	// MarkLoggedOut sets status=false, login_time=null and adds elapsedSeconds
	// to session_duration. It applies only to a logged-in principal, so of two
	// racing calls exactly one reports applied.
	MarkLoggedOut(ctx context.Context, id uuid.UUID, elapsedSeconds float64) (applied bool, err error)

	// UpdateFields applies a whitelisted set of column updates
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) (applied bool, err error)

	// SetPasswordHash replaces the password hash of the principal with email
	SetPasswordHash(ctx context.Context, email, hash string) (applied bool, err error)
}

// PrincipalUpdatableFields lists the columns UpdateFields accepts.
// Session status is not among them; it moves only through MarkLoggedIn/MarkLoggedOut.
var PrincipalUpdatableFields = []string{
	"first_name",
	"last_name",
	"phone_number",
	"nationality",
	"profession",
	"role",
}

// PendingPrincipalRepository stores registrations awaiting approval
type PendingPrincipalRepository interface {
	Create(ctx context.Context, p *models.PendingPrincipal) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PendingPrincipal, error)
	GetByEmail(ctx context.Context, email string) (*models.PendingPrincipal, error)
	GetByUsername(ctx context.Context, username string) (*models.PendingPrincipal, error)

	// List returns registrations oldest first
	List(ctx context.Context) ([]*models.PendingPrincipal, error)

	Delete(ctx context.Context, id uuid.UUID) (deleted bool, err error)
}

// AuditQuery narrows an audit listing. Zero fields match everything.
type AuditQuery struct {
	EventType   models.AuditEventType
	PrincipalID *uuid.UUID
	Limit       int
	Offset      int
}

// AuditRepository is the append-only audit trail
type AuditRepository interface {
	// Insert appends an audit event
	Insert(ctx context.Context, event *models.AuditEvent) error

	// List returns events newest first
	List(ctx context.Context, q AuditQuery) ([]*models.AuditEvent, error)
}

// Filter selects documents by top-level field equality and regular expressions.
// An empty filter matches every document.
type Filter struct {
	Equals  map[string]any
	Matches map[string]string
}

// Eq returns a filter with a single equality condition
func Eq(field string, value any) Filter {
	return Filter{}.Eq(field, value)
}

// Eq adds an equality condition
func (f Filter) Eq(field string, value any) Filter {
	eq := make(map[string]any, len(f.Equals)+1)
	for k, v := range f.Equals {
		eq[k] = v
	}
	eq[field] = value
	f.Equals = eq
	return f
}

// Regex adds a regular-expression condition on a string field
func (f Filter) Regex(field, pattern string) Filter {
	m := make(map[string]string, len(f.Matches)+1)
	for k, v := range f.Matches {
		m[k] = v
	}
	m[field] = pattern
	f.Matches = m
	return f
}

// FindOptions controls ordering and paging of Find
type FindOptions struct {
	SortBy     string
	Descending bool
	Limit      int
}

// DocumentRepository is one named collection of semi-structured documents
type DocumentRepository interface {
	// Name returns the collection name
	Name() string

	FindByID(ctx context.Context, id uuid.UUID) (models.Record, error)
	Find(ctx context.Context, filter Filter, opts FindOptions) ([]models.Record, error)

	// Insert stores doc, assigning a fresh _id when it has none
	Insert(ctx context.Context, doc models.Record) (uuid.UUID, error)

	// UpdateByID merges set into the stored document
	UpdateByID(ctx context.Context, id uuid.UUID, set models.Record) (matched bool, err error)

	// ReplaceByID swaps the whole document, keeping its id
	ReplaceByID(ctx context.Context, id uuid.UUID, doc models.Record) (matched bool, err error)

	Count(ctx context.Context, filter Filter) (int, error)
	DeleteByID(ctx context.Context, id uuid.UUID) (deleted bool, err error)
}

// DocumentStore hands out collections and reports store reachability
type DocumentStore interface {
	Collection(name string) DocumentRepository
	Ping(ctx context.Context) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Principals PrincipalRepository
	Pending    PendingPrincipalRepository
	AuditLogs  AuditRepository
	Documents  DocumentStore
}
