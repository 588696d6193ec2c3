// Package forms stores lab form submissions: create, read, edit, delete,
// per-user file listings and CSV export. Edits of versioned kinds go
// through the versioning service.
package forms

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"github.com/zari-lab/labdata/services"
	"github.com/zari-lab/labdata/utils"
	"go.uber.org/zap"
)

// AuditRecorder writes audit events synchronously
type AuditRecorder interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// Editor performs versioned edits
type Editor interface {
	Edit(ctx context.Context, id uuid.UUID, changes models.Record, actor *models.Principal, origin string) (models.Record, error)
}

// FormService implements the form operations over a document store
type FormService struct {
	store    repositories.DocumentStore
	registry *Registry
	editors  map[string]Editor
	audit    AuditRecorder
	now      func() time.Time
	logger   *zap.Logger
}

// NewFormService creates a form service. now may be nil.
func NewFormService(store repositories.DocumentStore, registry *Registry, audit AuditRecorder, logger *zap.Logger, now func() time.Time) *FormService {
	if now == nil {
		now = time.Now
	}
	return &FormService{
		store:    store,
		registry: registry,
		editors:  make(map[string]Editor),
		audit:    audit,
		now:      func() time.Time { return now().UTC() },
		logger:   logger,
	}
}

// UseVersioning routes edits of kind through editor
func (s *FormService) UseVersioning(kind string, editor Editor) {
	s.editors[kind] = editor
}

// Registry returns the form registry
func (s *FormService) Registry() *Registry {
	return s.registry
}

// Create validates and stores a new submission of kind
func (s *FormService) Create(ctx context.Context, kind string, data models.Record, actor *models.Principal) (models.Record, error) {
	k, err := s.registry.Lookup(kind)
	if err != nil {
		return nil, err
	}

	doc, err := repositories.NormalizeRecord(data.Without(models.FieldID, models.FieldEditedAt))
	if err != nil {
		return nil, services.NewValidationError("form data is not a valid document")
	}
	if err := k.Check(doc); err != nil {
		return nil, err
	}

	doc[models.FieldCreatedAt] = s.now()
	doc[models.FieldCreatedBy] = actor.Username
	doc[models.FieldCollection] = k.Title

	coll := s.store.Collection(k.Name)
	id, err := coll.Insert(ctx, doc)
	if err != nil {
		return nil, services.NewStoreError("failed to save form", err)
	}

	s.logger.Info("form submitted",
		zap.String("kind", k.Name),
		zap.String("id", id.String()),
		zap.String("created_by", actor.Username))
	return s.load(ctx, coll, id)
}

// Get returns submission id of kind
func (s *FormService) Get(ctx context.Context, kind string, id uuid.UUID) (models.Record, error) {
	k, err := s.registry.Lookup(kind)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, s.store.Collection(k.Name), id)
}

// Edit merges changes into submission id, stamping edited_at. The merged
// document must still pass the kind's checks. Versioned kinds snapshot
// the previous state first.
func (s *FormService) Edit(ctx context.Context, kind string, id uuid.UUID, changes models.Record, actor *models.Principal, origin string) (models.Record, error) {
	k, err := s.registry.Lookup(kind)
	if err != nil {
		return nil, err
	}
	coll := s.store.Collection(k.Name)

	current, err := s.load(ctx, coll, id)
	if err != nil {
		return nil, err
	}
	patch, err := repositories.NormalizeRecord(changes.Without(
		models.FieldID, models.FieldCreatedAt, models.FieldCreatedBy, models.FieldCollection, models.FieldEditedAt))
	if err != nil {
		return nil, services.NewValidationError("form data is not a valid document")
	}

	merged := current.Clone()
	for field, v := range patch {
		merged[field] = v
	}
	if err := k.Check(merged); err != nil {
		return nil, err
	}

	if editor, ok := s.editors[k.Name]; ok {
		return editor.Edit(ctx, id, patch, actor, origin)
	}

	patch[models.FieldEditedAt] = s.now()
	matched, err := coll.UpdateByID(ctx, id, patch)
	if err != nil {
		return nil, services.NewStoreError("failed to update form", err)
	}
	if !matched {
		return nil, services.NewNotFoundError("document not found", nil)
	}
	return s.load(ctx, coll, id)
}

// Delete removes submission id. Only its creator may delete it.
func (s *FormService) Delete(ctx context.Context, kind string, id uuid.UUID, actor *models.Principal, origin string) error {
	k, err := s.registry.Lookup(kind)
	if err != nil {
		return err
	}
	coll := s.store.Collection(k.Name)

	doc, err := s.load(ctx, coll, id)
	if err != nil {
		return err
	}
	if doc.String(models.FieldCreatedBy) != actor.Username {
		return services.NewAuthzError("You can only delete files you created")
	}

	deleted, err := coll.DeleteByID(ctx, id)
	if err != nil {
		return services.NewStoreError("failed to delete form", err)
	}
	if !deleted {
		return services.NewNotFoundError("document not found", nil)
	}

	event := models.NewAuditEvent(models.AuditEventDocumentDeleted).
		At(s.now()).
		WithPrincipal(actor.ID, actor.Email).
		WithOrigin(origin).
		WithChanges(map[string]any{"kind": k.Name, "document_id": id.String()})
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("failed to audit document deletion", zap.Error(err))
	}

	s.logger.Info("form deleted", zap.String("kind", k.Name), zap.String("id", id.String()))
	return nil
}

// MyFiles lists every submission created by actor, newest first
func (s *FormService) MyFiles(ctx context.Context, actor *models.Principal) ([]models.DocumentSummary, error) {
	files := make([]models.DocumentSummary, 0)
	for _, k := range s.registry.Kinds() {
		docs, err := s.store.Collection(k.Name).Find(ctx,
			repositories.Eq(models.FieldCreatedBy, actor.Username),
			repositories.FindOptions{SortBy: models.FieldCreatedAt, Descending: true})
		if err != nil {
			return nil, services.NewStoreError("failed to list files", err)
		}
		for _, doc := range docs {
			if summary, ok := models.SummarizeRecord(k.Name, k.DocumentTitle(doc), doc); ok {
				files = append(files, summary)
			}
		}
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].CreatedAt.After(files[j].CreatedAt)
	})
	return files, nil
}

// SearchInput narrows a submission search. Empty fields match everything.
type SearchInput struct {
	Title     string // form title or kind name
	CreatedBy string // part of created_by or analyzed_by, any case
	Date      string // YYYY-MM-DD
}

// formDateFields carry the date a form was filled in, as YYYY-MM-DD text
var formDateFields = []string{"date", "date_of_analysis", "date_checked"}

// Search lists submissions of every kind matching in, newest first. A
// submission matches the date when it was created that day or one of its
// own date fields holds it.
func (s *FormService) Search(ctx context.Context, in SearchInput) ([]models.DocumentSummary, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.CreatedBy = strings.TrimSpace(in.CreatedBy)
	in.Date = strings.TrimSpace(in.Date)

	if in.Date != "" {
		if _, err := time.Parse(utils.DateLayout, in.Date); err != nil {
			return nil, services.NewValidationError("Invalid date format provided. Expected format is YYYY-MM-DD.").
				WithDetail("field", "date")
		}
	}
	filters := searchFilters(in)

	files := make([]models.DocumentSummary, 0)
	for _, k := range s.registry.Kinds() {
		if in.Title != "" && !strings.EqualFold(in.Title, k.Title) && in.Title != k.Name {
			continue
		}
		seen := make(map[uuid.UUID]bool)
		coll := s.store.Collection(k.Name)
		for _, filter := range filters {
			docs, err := coll.Find(ctx, filter,
				repositories.FindOptions{SortBy: models.FieldCreatedAt, Descending: true})
			if err != nil {
				return nil, services.NewStoreError("failed to search submissions", err)
			}
			for _, doc := range docs {
				summary, ok := models.SummarizeRecord(k.Name, k.DocumentTitle(doc), doc)
				if !ok || seen[summary.ID] {
					continue
				}
				seen[summary.ID] = true
				files = append(files, summary)
			}
		}
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].CreatedAt.After(files[j].CreatedAt)
	})
	s.logger.Debug("submissions searched",
		zap.String("title", in.Title),
		zap.String("created_by", in.CreatedBy),
		zap.String("date", in.Date),
		zap.Int("results", len(files)))
	return files, nil
}

// searchFilters expands the creator and date alternatives into one filter
// per combination.
func searchFilters(in SearchInput) []repositories.Filter {
	filters := []repositories.Filter{{}}

	if in.CreatedBy != "" {
		pattern := "(?i)" + regexp.QuoteMeta(in.CreatedBy)
		filters = expand(filters,
			func(f repositories.Filter) repositories.Filter { return f.Regex(models.FieldCreatedBy, pattern) },
			func(f repositories.Filter) repositories.Filter { return f.Regex("analyzed_by", pattern) },
		)
	}

	if in.Date != "" {
		alternatives := []func(repositories.Filter) repositories.Filter{
			func(f repositories.Filter) repositories.Filter {
				return f.Regex(models.FieldCreatedAt, "^"+regexp.QuoteMeta(in.Date)+"T")
			},
		}
		for _, field := range formDateFields {
			field := field
			alternatives = append(alternatives, func(f repositories.Filter) repositories.Filter {
				return f.Eq(field, in.Date)
			})
		}
		filters = expand(filters, alternatives...)
	}
	return filters
}

func expand(filters []repositories.Filter, alternatives ...func(repositories.Filter) repositories.Filter) []repositories.Filter {
	out := make([]repositories.Filter, 0, len(filters)*len(alternatives))
	for _, f := range filters {
		for _, alt := range alternatives {
			out = append(out, alt(f))
		}
	}
	return out
}

func (s *FormService) load(ctx context.Context, coll repositories.DocumentRepository, id uuid.UUID) (models.Record, error) {
	doc, err := coll.FindByID(ctx, id)
	if err != nil {
		return nil, services.FromRepository("document not found", err)
	}
	return doc, nil
}
