package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"go.uber.org/zap"
)

const principalColumns = `id, email, username, password_hash, role,
	first_name, last_name, phone_number, nationality, profession,
	status, login_time, last_visited, session_duration, created_at`

// PrincipalRepository implements the repositories.PrincipalRepository interface
type PrincipalRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPrincipalRepository creates a new principal repository
func NewPrincipalRepository(db *DB, logger *zap.Logger) repositories.PrincipalRepository {
	return &PrincipalRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new principal
func (r *PrincipalRepository) Create(ctx context.Context, p *models.Principal) error {
	query := `
		INSERT INTO principals (` + principalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		p.ID,
		p.Email,
		p.Username,
		p.PasswordHash,
		p.Role,
		p.FirstName,
		p.LastName,
		p.PhoneNumber,
		p.Nationality,
		p.Profession,
		p.Status,
		p.LoginTime,
		p.LastVisited,
		p.SessionDuration,
		p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create principal %s: %w", p.Email, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to create principal: %w", err)
	}

	r.logger.Debug("principal created", zap.String("id", p.ID.String()), zap.String("email", p.Email))
	return nil
}

// GetByID retrieves a principal by ID
func (r *PrincipalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	return r.getOne(ctx, "id", id)
}

// GetByEmail retrieves a principal by email
func (r *PrincipalRepository) GetByEmail(ctx context.Context, email string) (*models.Principal, error) {
	return r.getOne(ctx, "email", email)
}

// GetByUsername retrieves a principal by username
func (r *PrincipalRepository) GetByUsername(ctx context.Context, username string) (*models.Principal, error) {
	return r.getOne(ctx, "username", username)
}

func (r *PrincipalRepository) getOne(ctx context.Context, column string, value any) (*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE ` + column + ` = $1`

	executor := GetExecutor(ctx, r.db)
	p, err := scanPrincipal(executor.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("principal %s=%v: %w", column, value, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}
	return p, nil
}

// List retrieves all principals ordered by username
func (r *PrincipalRepository) List(ctx context.Context) ([]*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals ORDER BY username`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list principals: %w", err)
	}
	defer rows.Close()

	var principals []*models.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan principal: %w", err)
		}
		principals = append(principals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating principals: %w", err)
	}
	return principals, nil
}

// MarkLoggedIn records a successful login
func (r *PrincipalRepository) MarkLoggedIn(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE principals
		SET status = true, login_time = $2, last_visited = $2
		WHERE id = $1
	`
	return r.execApplied(ctx, "mark principal logged in", query, id, at)
}

// MarkLoggedOut closes the session and accumulates its duration
func (r *PrincipalRepository) MarkLoggedOut(ctx context.Context, id uuid.UUID, elapsedSeconds float64) (bool, error) {
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	query := `
		UPDATE principals
		SET status = false, login_time = NULL, session_duration = session_duration + $2
		WHERE id = $1 AND status = true
	`
	return r.execApplied(ctx, "mark principal logged out", query, id, elapsedSeconds)
}

// UpdateFields applies whitelisted column updates
func (r *PrincipalRepository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) (bool, error) {
	if len(fields) == 0 {
		return false, nil
	}

	sets := make([]string, 0, len(fields))
	args := []any{id}
	for _, column := range repositories.PrincipalUpdatableFields {
		value, ok := fields[column]
		if !ok {
			continue
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if len(sets) != len(fields) {
		return false, fmt.Errorf("failed to update principal: unsupported field in %v", keys(fields))
	}

	query := `UPDATE principals SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	return r.execApplied(ctx, "update principal", query, args...)
}

// SetPasswordHash replaces a principal's password hash
func (r *PrincipalRepository) SetPasswordHash(ctx context.Context, email, hash string) (bool, error) {
	query := `UPDATE principals SET password_hash = $2 WHERE email = $1`
	return r.execApplied(ctx, "set password hash", query, email, hash)
}

func (r *PrincipalRepository) execApplied(ctx context.Context, op, query string, args ...any) (bool, error) {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (*models.Principal, error) {
	p := &models.Principal{}
	var loginTime, lastVisited sql.NullTime
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.Username,
		&p.PasswordHash,
		&p.Role,
		&p.FirstName,
		&p.LastName,
		&p.PhoneNumber,
		&p.Nationality,
		&p.Profession,
		&p.Status,
		&loginTime,
		&lastVisited,
		&p.SessionDuration,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if loginTime.Valid {
		t := loginTime.Time
		p.LoginTime = &t
	}
	if lastVisited.Valid {
		t := lastVisited.Time
		p.LastVisited = &t
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
