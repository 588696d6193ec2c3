// Package memory is an in-process backend for development and tests.
// Data lives only as long as the process.
package memory

import (
	"context"

	"github.com/zari-lab/labdata/repositories"
	"go.uber.org/zap"
)

// Store bundles the in-memory repositories
type Store struct {
	principals *PrincipalRepository
	pending    *PendingPrincipalRepository
	audit      *AuditRepository
	documents  *DocumentStore
	logger     *zap.Logger
}

// NewStore creates an empty store
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		principals: NewPrincipalRepository(),
		pending:    NewPendingPrincipalRepository(),
		audit:      NewAuditRepository(),
		documents:  NewDocumentStore(),
		logger:     logger,
	}
}

// NewRepositories returns the repository set backed by this store
func (s *Store) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Principals: s.principals,
		Pending:    s.pending,
		AuditLogs:  s.audit,
		Documents:  s.documents,
	}
}

// GetTransactionManager returns a manager whose transactions only scope a callback
func (s *Store) GetTransactionManager() repositories.TransactionManager {
	return &TransactionManager{logger: s.logger}
}

// TransactionManager runs callbacks without isolation. Writes made before a
// failing step are not undone.
type TransactionManager struct {
	logger *zap.Logger
}

// Begin returns a transaction handle bound to ctx
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return &Transaction{ctx: ctx}, nil
}

// InTransaction runs fn
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, _ := tm.Begin(ctx)
	if err := fn(tx.Context(), tx); err != nil {
		tm.logger.Debug("in-memory transaction failed, earlier writes are kept", zap.Error(err))
		return err
	}
	return nil
}

// Transaction is a no-op handle
type Transaction struct {
	ctx context.Context
}

func (t *Transaction) Commit() error            { return nil }
func (t *Transaction) Rollback() error          { return nil }
func (t *Transaction) Context() context.Context { return t.ctx }
