package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"go.uber.org/zap"
)

// DocumentStore keeps every collection in one JSONB table keyed by (collection, id)
type DocumentStore struct {
	db     *DB
	logger *zap.Logger
}

// NewDocumentStore creates a new document store
func NewDocumentStore(db *DB, logger *zap.Logger) *DocumentStore {
	return &DocumentStore{
		db:     db,
		logger: logger,
	}
}

// Collection returns the repository for one collection
func (s *DocumentStore) Collection(name string) repositories.DocumentRepository {
	return &DocumentRepository{
		db:         s.db,
		logger:     s.logger,
		collection: name,
	}
}

// Ping checks store connectivity
func (s *DocumentStore) Ping(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// DocumentRepository implements the repositories.DocumentRepository interface
type DocumentRepository struct {
	db         *DB
	logger     *zap.Logger
	collection string
}

// Name returns the collection name
func (r *DocumentRepository) Name() string {
	return r.collection
}

// FindByID retrieves a document by ID
func (r *DocumentRepository) FindByID(ctx context.Context, id uuid.UUID) (models.Record, error) {
	query := `SELECT data FROM documents WHERE collection = $1 AND id = $2`

	executor := GetExecutor(ctx, r.db)
	var data []byte
	if err := executor.QueryRowContext(ctx, query, r.collection, id).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s document %s: %w", r.collection, id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s document: %w", r.collection, err)
	}
	return repositories.DecodeRecord(data)
}

// Find retrieves documents matching filter
func (r *DocumentRepository) Find(ctx context.Context, filter repositories.Filter, opts repositories.FindOptions) ([]models.Record, error) {
	where, args, err := r.buildWhere(filter)
	if err != nil {
		return nil, err
	}

	query := `SELECT data FROM documents WHERE ` + where
	if opts.SortBy != "" {
		if !repositories.ValidFieldName(opts.SortBy) {
			return nil, fmt.Errorf("invalid sort field %q", opts.SortBy)
		}
		args = append(args, opts.SortBy)
		direction := "ASC"
		if opts.Descending {
			direction = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY data->$%d %s, id", len(args), direction)
	} else {
		query += " ORDER BY id"
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s documents: %w", r.collection, err)
	}
	defer rows.Close()

	var docs []models.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan %s document: %w", r.collection, err)
		}
		doc, err := repositories.DecodeRecord(data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s documents: %w", r.collection, err)
	}
	return docs, nil
}

// Insert stores a new document
func (r *DocumentRepository) Insert(ctx context.Context, doc models.Record) (uuid.UUID, error) {
	prepared, id := repositories.PrepareInsert(doc)
	data, err := repositories.EncodeRecord(prepared)
	if err != nil {
		return uuid.Nil, err
	}

	query := `INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, r.collection, id, data); err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, fmt.Errorf("%s document %s: %w", r.collection, id, repositories.ErrDuplicate)
		}
		return uuid.Nil, fmt.Errorf("failed to insert %s document: %w", r.collection, err)
	}

	r.logger.Debug("document inserted",
		zap.String("collection", r.collection),
		zap.String("id", id.String()))
	return id, nil
}

// UpdateByID merges top-level fields into the stored document
func (r *DocumentRepository) UpdateByID(ctx context.Context, id uuid.UUID, set models.Record) (bool, error) {
	data, err := repositories.EncodeRecord(set.Without(models.FieldID))
	if err != nil {
		return false, err
	}

	query := `UPDATE documents SET data = data || $3::jsonb WHERE collection = $1 AND id = $2`
	return r.exec(ctx, "update", query, r.collection, id, data)
}

// ReplaceByID overwrites the whole document, keeping its id
func (r *DocumentRepository) ReplaceByID(ctx context.Context, id uuid.UUID, doc models.Record) (bool, error) {
	replacement := doc.Clone()
	if replacement == nil {
		replacement = models.Record{}
	}
	replacement[models.FieldID] = id.String()
	data, err := repositories.EncodeRecord(replacement)
	if err != nil {
		return false, err
	}

	query := `UPDATE documents SET data = $3::jsonb WHERE collection = $1 AND id = $2`
	return r.exec(ctx, "replace", query, r.collection, id, data)
}

// Count counts documents matching filter
func (r *DocumentRepository) Count(ctx context.Context, filter repositories.Filter) (int, error) {
	where, args, err := r.buildWhere(filter)
	if err != nil {
		return 0, err
	}

	executor := GetExecutor(ctx, r.db)
	var n int
	if err := executor.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s documents: %w", r.collection, err)
	}
	return n, nil
}

// DeleteByID removes a document
func (r *DocumentRepository) DeleteByID(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `DELETE FROM documents WHERE collection = $1 AND id = $2`
	return r.exec(ctx, "delete", query, r.collection, id)
}

func (r *DocumentRepository) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s %s document: %w", op, r.collection, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// buildWhere renders equality conditions as one JSONB containment test and
// regex conditions as text matches, in sorted field order.
func (r *DocumentRepository) buildWhere(filter repositories.Filter) (string, []any, error) {
	if err := repositories.ValidateFilter(filter); err != nil {
		return "", nil, err
	}

	clauses := []string{"collection = $1"}
	args := []any{r.collection}

	if len(filter.Equals) > 0 {
		contains, err := repositories.EncodeRecord(models.Record(filter.Equals))
		if err != nil {
			return "", nil, err
		}
		args = append(args, contains)
		clauses = append(clauses, fmt.Sprintf("data @> $%d::jsonb", len(args)))
	}

	fields := make([]string, 0, len(filter.Matches))
	for k := range filter.Matches {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, field := range fields {
		args = append(args, field, filter.Matches[field])
		clauses = append(clauses, fmt.Sprintf("data->>$%d ~ $%d", len(args)-1, len(args)))
	}

	return strings.Join(clauses, " AND "), args, nil
}
