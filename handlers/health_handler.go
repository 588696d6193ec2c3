package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	auditsvc "github.com/zari-lab/labdata/services/audit"
	"github.com/zari-lab/labdata/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Audit     *auditsvc.Stats   `json:"audit,omitempty"`
}

// Pinger reports whether a store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuditStatsProvider reports the state of the audit worker pool
type AuditStatsProvider interface {
	GetStats() auditsvc.Stats
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db     *sql.DB
	store  Pinger
	audit  AuditStatsProvider
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. db is nil on the memory backend.
func NewHealthHandler(db *sql.DB, store Pinger, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		store:  store,
		logger: logger,
	}
}

// WithAuditStats makes readiness depend on a running audit pool
func (h *HealthHandler) WithAuditStats(audit AuditStatsProvider) *HealthHandler {
	h.audit = audit
	return h
}

// HandleHealth handles GET /health
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /ready
// Readiness check - validates that the database and document store answer
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.checkDatabase(ctx); err != nil {
			h.logger.Warn("database health check failed", zap.Error(err))
			checks["database"] = "unhealthy"
			allHealthy = false
		} else {
			checks["database"] = "healthy"
		}
	}

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("document store health check failed", zap.Error(err))
			checks["documents"] = "unhealthy"
			allHealthy = false
		} else {
			checks["documents"] = "healthy"
		}
	}

	var auditStats *auditsvc.Stats
	if h.audit != nil {
		stats := h.audit.GetStats()
		auditStats = &stats
		if stats.Started {
			checks["audit"] = "healthy"
		} else {
			checks["audit"] = "unhealthy"
			allHealthy = false
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Audit:     auditStats,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	return h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
