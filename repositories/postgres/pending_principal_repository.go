package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"go.uber.org/zap"
)

const pendingColumns = `id, email, username, password_hash, role,
	first_name, last_name, phone_number, nationality, profession,
	status, submission_time`

// PendingPrincipalRepository implements the repositories.PendingPrincipalRepository interface
type PendingPrincipalRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPendingPrincipalRepository creates a new pending principal repository
func NewPendingPrincipalRepository(db *DB, logger *zap.Logger) repositories.PendingPrincipalRepository {
	return &PendingPrincipalRepository{
		db:     db,
		logger: logger,
	}
}

// Create stores a new registration
func (r *PendingPrincipalRepository) Create(ctx context.Context, p *models.PendingPrincipal) error {
	query := `
		INSERT INTO pending_principals (` + pendingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
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
		p.SubmissionTime,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create registration %s: %w", p.Email, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to create registration: %w", err)
	}

	r.logger.Debug("registration created", zap.String("id", p.ID.String()), zap.String("email", p.Email))
	return nil
}

// GetByID retrieves a registration by ID
func (r *PendingPrincipalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PendingPrincipal, error) {
	return r.getOne(ctx, "id", id)
}

// GetByEmail retrieves a registration by email
func (r *PendingPrincipalRepository) GetByEmail(ctx context.Context, email string) (*models.PendingPrincipal, error) {
	return r.getOne(ctx, "email", email)
}

// GetByUsername retrieves a registration by username
func (r *PendingPrincipalRepository) GetByUsername(ctx context.Context, username string) (*models.PendingPrincipal, error) {
	return r.getOne(ctx, "username", username)
}

func (r *PendingPrincipalRepository) getOne(ctx context.Context, column string, value any) (*models.PendingPrincipal, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_principals WHERE ` + column + ` = $1`

	executor := GetExecutor(ctx, r.db)
	p, err := scanPending(executor.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("registration %s=%v: %w", column, value, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return p, nil
}

// List returns registrations oldest first
func (r *PendingPrincipalRepository) List(ctx context.Context) ([]*models.PendingPrincipal, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_principals ORDER BY submission_time`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	defer rows.Close()

	var pending []*models.PendingPrincipal
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating registrations: %w", err)
	}
	return pending, nil
}

// Delete removes a registration
func (r *PendingPrincipalRepository) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, `DELETE FROM pending_principals WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete registration: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func scanPending(row rowScanner) (*models.PendingPrincipal, error) {
	p := &models.PendingPrincipal{}
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
		&p.SubmissionTime,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
