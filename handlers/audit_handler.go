package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"github.com/zari-lab/labdata/utils"
	"go.uber.org/zap"
)

// AuditLister reads the audit trail
type AuditLister interface {
	List(ctx context.Context, q repositories.AuditQuery) ([]*models.AuditEvent, error)
}

// AuditHandler serves the audit trail to administrators
type AuditHandler struct {
	audit  AuditLister
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(audit AuditLister, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  audit,
		logger: logger,
	}
}

// HandleList handles GET /manage/audit?event_type=&principal_id=&limit=&offset=
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseAuditQuery(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	events, err := h.audit.List(r.Context(), q)
	if err != nil {
		h.logger.Error("failed to list audit events", zap.Error(err))
		_ = utils.WriteError(w, http.StatusServiceUnavailable, "Audit trail is unavailable", nil)
		return
	}
	if events == nil {
		events = []*models.AuditEvent{}
	}
	_ = utils.WriteOK(w, events)
}

func parseAuditQuery(r *http.Request) (repositories.AuditQuery, error) {
	params := r.URL.Query()
	q := repositories.AuditQuery{EventType: models.AuditEventType(params.Get("event_type"))}

	if raw := params.Get("principal_id"); raw != "" {
		id, err := utils.ParseUUID(raw, "principal_id")
		if err != nil {
			return q, err
		}
		q.PrincipalID = &id
	}

	var err error
	if q.Limit, err = intParam(params.Get("limit"), "limit", "min=1"); err != nil {
		return q, err
	}
	if q.Offset, err = intParam(params.Get("offset"), "offset", "min=0"); err != nil {
		return q, err
	}
	return q, nil
}

// intParam parses an optional integer query parameter; empty yields zero
func intParam(raw, field, tag string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &utils.ValidationError{
			Message: "Validation failed",
			Fields:  map[string]string{field: field + " must be a whole number"},
		}
	}
	if err := utils.ValidateVar(n, tag, field); err != nil {
		return 0, err
	}
	return n, nil
}
