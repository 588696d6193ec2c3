package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"go.uber.org/zap"
)

// AuditRepository implements the repositories.AuditRepository interface.
// It never updates or deletes rows.
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends a new audit event
func (r *AuditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_events (
			id, principal_id, email, event_type, timestamp, ip_address, changes, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	var changes any
	if len(event.Changes) > 0 {
		changes = []byte(event.Changes)
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		event.ID,
		event.PrincipalID,
		event.Email,
		event.EventType,
		event.Timestamp,
		event.IPAddress,
		changes,
		event.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	r.logger.Debug("audit event inserted",
		zap.String("id", event.ID.String()),
		zap.String("event_type", string(event.EventType)))
	return nil
}

// List retrieves audit events newest first
func (r *AuditRepository) List(ctx context.Context, q repositories.AuditQuery) ([]*models.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if q.EventType != "" {
		args = append(args, q.EventType)
		where = append(where, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if q.PrincipalID != nil {
		args = append(args, *q.PrincipalID)
		where = append(where, fmt.Sprintf("principal_id = $%d", len(args)))
	}

	query := `
		SELECT id, principal_id, email, event_type, timestamp, ip_address, changes, error_message
		FROM audit_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY timestamp DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		e := &models.AuditEvent{}
		var (
			principalID uuid.NullUUID
			changes     []byte
			errMsg      sql.NullString
		)
		if err := rows.Scan(
			&e.ID,
			&principalID,
			&e.Email,
			&e.EventType,
			&e.Timestamp,
			&e.IPAddress,
			&changes,
			&errMsg,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if principalID.Valid {
			id := principalID.UUID
			e.PrincipalID = &id
		}
		if len(changes) > 0 {
			e.Changes = changes
		}
		if errMsg.Valid {
			msg := errMsg.String
			e.ErrorMessage = &msg
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}
