// Package versioning keeps the edit history of versionable documents.
// Every overwrite of a primary document is preceded by a snapshot of its
// current state in a companion versions collection, and any snapshot can
// be restored onto the primary.
package versioning

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zari-lab/labdata/internal/observability"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"github.com/zari-lab/labdata/services"
	"go.uber.org/zap"
)

// UnknownEditor is recorded as version_created_by when neither the editor
// nor the document's creator is known
const UnknownEditor = "Unknown"

// AuditRecorder writes audit events synchronously
type AuditRecorder interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// Config configures a VersioningService
type Config struct {
	// Collection is the primary collection; versions live in Collection + "_versions"
	Collection string
	Now        func() time.Time
}

// VersionsCollection returns the name of the versions collection for collection
func VersionsCollection(collection string) string {
	return collection + "_versions"
}

// VersioningService snapshots, lists and restores versions of one document kind
type VersioningService struct {
	store     repositories.DocumentStore
	primary   repositories.DocumentRepository
	versions  repositories.DocumentRepository
	audit     AuditRecorder
	txManager repositories.TransactionManager
	now       func() time.Time
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewVersioningService creates a versioning service. txManager may be nil, in
// which case snapshot and overwrite run as separate writes. metrics may be nil.
func NewVersioningService(store repositories.DocumentStore, audit AuditRecorder, txManager repositories.TransactionManager, logger *zap.Logger, metrics *observability.Metrics, cfg Config) *VersioningService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &VersioningService{
		store:     store,
		primary:   store.Collection(cfg.Collection),
		versions:  store.Collection(VersionsCollection(cfg.Collection)),
		audit:     audit,
		txManager: txManager,
		now:       func() time.Time { return cfg.Now().UTC() },
		logger:    logger,
		metrics:   metrics,
	}
}

// Snapshot stores the current state of document originalID as its next
// version and returns the stored version. The write is re-read before
// Snapshot reports success.
func (s *VersioningService) Snapshot(ctx context.Context, originalID uuid.UUID, current models.Record, editor string) (*models.Version, error) {
	count, err := s.versions.Count(ctx, repositories.Eq(models.FieldOriginalID, originalID.String()))
	if err != nil {
		return nil, services.NewStoreError("failed to count versions", err)
	}

	now := s.now()
	snapshot := current.Without(models.FieldID)
	snapshot[models.FieldOriginalID] = originalID.String()
	snapshot[models.FieldVersionNumber] = count + 1
	snapshot[models.FieldVersionCreatedAt] = versionCreatedAt(current, now)
	snapshot[models.FieldVersionSavedAt] = now
	snapshot[models.FieldVersionCreatedBy] = editorOf(current, editor)

	id, err := s.versions.Insert(ctx, snapshot)
	if err != nil {
		return nil, services.NewStoreError("failed to save version", err)
	}

	stored, err := s.versions.FindByID(ctx, id)
	if err != nil {
		return nil, services.NewStoreError("version not found after insertion", err).
			WithDetail("version_id", id.String())
	}

	version, err := models.VersionFromRecord(stored)
	if err != nil {
		return nil, services.NewStoreError("stored version is malformed", err)
	}

	s.metrics.IncVersionCreated()
	s.logger.Info("saved document version",
		zap.String("collection", s.primary.Name()),
		zap.String("original_id", originalID.String()),
		zap.Int("version_number", version.Number),
		zap.String("version_id", version.ID.String()))
	return version, nil
}

// ListVersions returns the versions of originalID, newest first
func (s *VersioningService) ListVersions(ctx context.Context, originalID uuid.UUID) ([]*models.Version, error) {
	records, err := s.versions.Find(ctx,
		repositories.Eq(models.FieldOriginalID, originalID.String()),
		repositories.FindOptions{SortBy: models.FieldVersionNumber, Descending: true})
	if err != nil {
		return nil, services.NewStoreError("failed to list versions", err)
	}

	versions := make([]*models.Version, 0, len(records))
	for _, r := range records {
		v, err := models.VersionFromRecord(r)
		if err != nil {
			s.logger.Warn("skipping malformed version",
				zap.String("original_id", originalID.String()),
				zap.Error(err))
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// GetVersion returns version versionID of originalID
func (s *VersioningService) GetVersion(ctx context.Context, originalID, versionID uuid.UUID) (*models.Version, error) {
	record, err := s.versions.FindByID(ctx, versionID)
	if err != nil {
		return nil, services.FromRepository("version not found", err)
	}
	v, err := models.VersionFromRecord(record)
	if err != nil {
		return nil, services.NewStoreError("stored version is malformed", err)
	}
	if v.OriginalID != originalID {
		return nil, services.NewNotFoundError("version not found", nil).
			WithDetail("version_id", versionID.String())
	}
	return v, nil
}

// Edit snapshots document id and then merges changes into it, stamping
// edited_at. created_at, created_by and collection are kept.
func (s *VersioningService) Edit(ctx context.Context, id uuid.UUID, changes models.Record, actor *models.Principal, origin string) (models.Record, error) {
	var saved *models.Version
	updated, err := s.atomically(ctx, func(ctx context.Context) (models.Record, error) {
		current, err := s.primary.FindByID(ctx, id)
		if err != nil {
			return nil, services.FromRepository("document not found", err)
		}

		saved, err = s.Snapshot(ctx, id, current, actorName(actor))
		if err != nil {
			return nil, err
		}

		set := changes.Without(models.FieldID, models.FieldCreatedAt, models.FieldCreatedBy, models.FieldCollection)
		set[models.FieldEditedAt] = s.now()
		matched, err := s.primary.UpdateByID(ctx, id, set)
		if err != nil {
			return nil, services.NewStoreError("failed to update document", err)
		}
		if !matched {
			return nil, services.NewNotFoundError("document not found", nil)
		}

		return s.reload(ctx, id)
	})
	if err != nil {
		if !services.IsNotFoundError(err) {
			s.recordFailure(ctx, models.AuditEventVersionSaveFailure, id, actor, origin, err)
		}
		return nil, err
	}

	s.logger.Info("edited versioned document",
		zap.String("id", id.String()),
		zap.Int("version_number", saved.Number))
	return updated, nil
}

// Restore replaces document originalID with the content of version
// versionID after snapshotting the document's current state. Only
// privileged principals may restore.
func (s *VersioningService) Restore(ctx context.Context, originalID, versionID uuid.UUID, actor *models.Principal, origin string) (models.Record, error) {
	if actor == nil || !actor.Role.IsPrivileged() {
		return nil, services.NewAuthzError("You do not have permission to restore versions")
	}

	var restoredFrom *models.Version
	restored, err := s.atomically(ctx, func(ctx context.Context) (models.Record, error) {
		version, err := s.GetVersion(ctx, originalID, versionID)
		if err != nil {
			return nil, err
		}
		restoredFrom = version

		current, err := s.primary.FindByID(ctx, originalID)
		if err != nil {
			return nil, services.FromRepository("document not found", err)
		}
		if _, err := s.Snapshot(ctx, originalID, current, actorName(actor)); err != nil {
			return nil, err
		}

		replacement := version.Content.Clone()
		replacement[models.FieldID] = originalID.String()
		replacement[models.FieldEditedAt] = s.now()

		matched, err := s.primary.ReplaceByID(ctx, originalID, replacement)
		if err != nil {
			return nil, services.NewStoreError("failed to restore document", err)
		}
		if !matched {
			return nil, services.NewNotFoundError("document not found", nil)
		}
		return s.reload(ctx, originalID)
	})
	if err != nil {
		if !services.IsNotFoundError(err) {
			s.recordFailure(ctx, models.AuditEventVersionRestoreFailure, originalID, actor, origin, err)
		}
		return nil, err
	}

	event := models.NewAuditEvent(models.AuditEventVersionRestored).
		At(s.now()).
		WithPrincipal(actor.ID, actor.Email).
		WithOrigin(origin).
		WithChanges(map[string]any{
			"document_id":    originalID.String(),
			"version_id":     versionID.String(),
			"version_number": restoredFrom.Number,
		})
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("failed to audit version restore", zap.Error(err))
	}

	s.metrics.IncVersionRestore()
	s.logger.Info("restored document version",
		zap.String("id", originalID.String()),
		zap.Int("version_number", restoredFrom.Number),
		zap.String("actor", actor.Username))
	return restored, nil
}

// VerifyStore checks that the versions collection accepts writes by
// snapshotting document id through the regular verified path. Each step
// is audited.
func (s *VersioningService) VerifyStore(ctx context.Context, id uuid.UUID, actor *models.Principal, origin string) (*models.Version, error) {
	if actor == nil || !actor.Role.IsPrivileged() {
		return nil, services.NewAuthzError("You do not have permission to verify version storage")
	}

	current, err := s.primary.FindByID(ctx, id)
	if err != nil {
		return nil, services.FromRepository("document not found", err)
	}

	if err := s.store.Ping(ctx); err != nil {
		err = services.NewStoreError("version history database is inaccessible", err)
		s.recordFailure(ctx, models.AuditEventVersionInsertFailure, id, actor, origin, err)
		return nil, err
	}

	attempt := models.NewAuditEvent(models.AuditEventVersionInsertAttempt).
		At(s.now()).
		WithPrincipal(actor.ID, actor.Email).
		WithOrigin(origin).
		WithChanges(map[string]any{"document_id": id.String()})
	if err := s.audit.Record(ctx, attempt); err != nil {
		s.logger.Warn("failed to audit version insert attempt", zap.Error(err))
	}

	version, err := s.Snapshot(ctx, id, current, actorName(actor))
	if err != nil {
		s.recordFailure(ctx, models.AuditEventVersionInsertFailure, id, actor, origin, err)
		return nil, err
	}

	success := models.NewAuditEvent(models.AuditEventVersionInsertSuccess).
		At(s.now()).
		WithPrincipal(actor.ID, actor.Email).
		WithOrigin(origin).
		WithChanges(map[string]any{
			"document_id":    id.String(),
			"version_id":     version.ID.String(),
			"version_number": version.Number,
		})
	if err := s.audit.Record(ctx, success); err != nil {
		s.logger.Warn("failed to audit version insert success", zap.Error(err))
	}
	return version, nil
}

// atomically runs fn in a transaction when a manager is configured
func (s *VersioningService) atomically(ctx context.Context, fn func(ctx context.Context) (models.Record, error)) (models.Record, error) {
	if s.txManager == nil {
		return fn(ctx)
	}
	return services.WithTransactionResult(ctx, s.txManager, func(ctx context.Context, _ repositories.Transaction) (models.Record, error) {
		return fn(ctx)
	})
}

// recordFailure audits a failed versioning step. ctx must not carry the
// failed transaction.
func (s *VersioningService) recordFailure(ctx context.Context, eventType models.AuditEventType, id uuid.UUID, actor *models.Principal, origin string, cause error) {
	s.logger.Error("versioning operation failed",
		zap.String("event_type", string(eventType)),
		zap.String("document_id", id.String()),
		zap.Error(cause))

	event := models.NewAuditEvent(eventType).
		At(s.now()).
		WithOrigin(origin).
		WithChanges(map[string]any{"document_id": id.String()}).
		WithError(cause)
	if actor != nil {
		event.WithPrincipal(actor.ID, actor.Email)
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Error("failed to audit versioning failure", zap.Error(err))
	}
}

func (s *VersioningService) reload(ctx context.Context, id uuid.UUID) (models.Record, error) {
	doc, err := s.primary.FindByID(ctx, id)
	if err != nil {
		return nil, services.FromRepository("failed to reload document", err)
	}
	return doc, nil
}

func versionCreatedAt(current models.Record, now time.Time) time.Time {
	if t, ok := current.Time(models.FieldEditedAt); ok {
		return t
	}
	if t, ok := current.Time(models.FieldCreatedAt); ok {
		return t
	}
	return now
}

func editorOf(current models.Record, editor string) string {
	if editor != "" {
		return editor
	}
	if by := current.String(models.FieldCreatedBy); by != "" {
		return by
	}
	return UnknownEditor
}

func actorName(actor *models.Principal) string {
	if actor == nil {
		return ""
	}
	return actor.Username
}
