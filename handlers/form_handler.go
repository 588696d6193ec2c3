package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/zari-lab/labdata/middleware"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/services/forms"
	"github.com/zari-lab/labdata/utils"
	"go.uber.org/zap"
)

// VerifyStoreRequest names the document written to check the version store
type VerifyStoreRequest struct {
	DocumentID string `json:"document_id" validate:"required"`
}

// FormService defines the form operations used by the handler
type FormService interface {
	Create(ctx context.Context, kind string, data models.Record, actor *models.Principal) (models.Record, error)
	Get(ctx context.Context, kind string, id uuid.UUID) (models.Record, error)
	Edit(ctx context.Context, kind string, id uuid.UUID, changes models.Record, actor *models.Principal, origin string) (models.Record, error)
	Delete(ctx context.Context, kind string, id uuid.UUID, actor *models.Principal, origin string) error
	MyFiles(ctx context.Context, actor *models.Principal) ([]models.DocumentSummary, error)
	Search(ctx context.Context, in forms.SearchInput) ([]models.DocumentSummary, error)
	ExportCSV(ctx context.Context, kind string, id uuid.UUID) (*forms.Export, error)
}

// VersionService defines the versioning operations used by the handler
type VersionService interface {
	ListVersions(ctx context.Context, originalID uuid.UUID) ([]*models.Version, error)
	Restore(ctx context.Context, originalID, versionID uuid.UUID, actor *models.Principal, origin string) (models.Record, error)
	VerifyStore(ctx context.Context, id uuid.UUID, actor *models.Principal, origin string) (*models.Version, error)
}

// FormHandler handles lab form submissions and their versions
type FormHandler struct {
	forms    FormService
	versions VersionService
	logger   *zap.Logger
}

// NewFormHandler creates a new FormHandler
func NewFormHandler(forms FormService, versions VersionService, logger *zap.Logger) *FormHandler {
	return &FormHandler{
		forms:    forms,
		versions: versions,
		logger:   logger,
	}
}

// HandleCreate handles POST /forms/{kind}
func (h *FormHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var data models.Record
	if err := utils.DecodeJSON(w, r, &data); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	doc, err := h.forms.Create(r.Context(), chi.URLParam(r, "kind"), data, middleware.GetPrincipalFromContext(r.Context()))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, doc)
}

// HandleGet handles GET /forms/{kind}/{id}
func (h *FormHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	doc, err := h.forms.Get(r.Context(), chi.URLParam(r, "kind"), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, doc)
}

// HandleEdit handles PUT /forms/{kind}/{id}
func (h *FormHandler) HandleEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var changes models.Record
	if err := utils.DecodeJSON(w, r, &changes); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	ctx := r.Context()
	doc, err := h.forms.Edit(ctx, chi.URLParam(r, "kind"), id, changes, middleware.GetPrincipalFromContext(ctx), middleware.ClientOrigin(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, doc)
}

// HandleDelete handles DELETE /forms/{kind}/{id}
func (h *FormHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	ctx := r.Context()
	if err := h.forms.Delete(ctx, chi.URLParam(r, "kind"), id, middleware.GetPrincipalFromContext(ctx), middleware.ClientOrigin(r)); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleMyFiles handles GET /files
func (h *FormHandler) HandleMyFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.forms.MyFiles(r.Context(), middleware.GetPrincipalFromContext(r.Context()))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, files)
}

// HandleSearch handles GET /forms?title=&created_by=&date=
func (h *FormHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	in := forms.SearchInput{
		Title:     params.Get("title"),
		CreatedBy: params.Get("created_by"),
		Date:      params.Get("date"),
	}
	if err := utils.ValidateVar(in.Date, "omitempty,datetime="+utils.DateLayout, "date"); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	files, err := h.forms.Search(r.Context(), in)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, files)
}

// HandleExportCSV handles GET /forms/{kind}/{id}/csv
func (h *FormHandler) HandleExportCSV(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	export, err := h.forms.ExportCSV(r.Context(), chi.URLParam(r, "kind"), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename))
	w.WriteHeader(http.StatusOK)
	if err := export.WriteTo(w); err != nil {
		h.logger.Error("failed to write csv export",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
	}
}

// HandleListVersions handles GET /forms/water_analysis/{id}/versions
func (h *FormHandler) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	versions, err := h.versions.ListVersions(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, versions)
}

// HandleRestore handles POST /forms/water_analysis/{id}/versions/{versionID}/restore
func (h *FormHandler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	versionID, ok := parseIDParam(w, r, "versionID")
	if !ok {
		return
	}

	ctx := r.Context()
	doc, err := h.versions.Restore(ctx, id, versionID, middleware.GetPrincipalFromContext(ctx), middleware.ClientOrigin(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, doc)
}

// HandleVerifyStore handles POST /manage/versions/verify
func (h *FormHandler) HandleVerifyStore(w http.ResponseWriter, r *http.Request) {
	var req VerifyStoreRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	documentID, err := utils.ParseUUID(req.DocumentID, "document_id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	ctx := r.Context()
	version, err := h.versions.VerifyStore(ctx, documentID, middleware.GetPrincipalFromContext(ctx), middleware.ClientOrigin(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, version)
}
