package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/zari-lab/labdata/middleware"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/services/accounts"
	"github.com/zari-lab/labdata/utils"
	"go.uber.org/zap"
)

// ResetRequest asks for a password reset link
type ResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetConfirmRequest sets a new password with a reset token
type ResetConfirmRequest struct {
	Password        string `json:"password" validate:"required,min=8,max=72"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=Password"`
}

// MessageResponse carries a user-facing confirmation
type MessageResponse struct {
	Message string `json:"message"`
}

// resetRequestedMessage is shown whether or not the email is known
const resetRequestedMessage = "If an account with that email exists, a password reset link has been sent."

// AccountService defines the account operations used by the handler
type AccountService interface {
	Register(ctx context.Context, in accounts.RegisterInput, origin string) (*models.PendingPrincipal, error)
	RequestPasswordReset(ctx context.Context, email, origin string) error
	ConfirmPasswordReset(ctx context.Context, token, password, origin string) error
	Profile(ctx context.Context, principalID uuid.UUID) (*models.Principal, error)
	ListPrincipals(ctx context.Context, actor *models.Principal) ([]accounts.PrincipalView, error)
	GetPrincipal(ctx context.Context, actor *models.Principal, id uuid.UUID) (*accounts.PrincipalView, error)
	UpdatePrincipal(ctx context.Context, actor *models.Principal, id uuid.UUID, in accounts.UpdateInput, origin string) (*accounts.PrincipalView, error)
	ListPending(ctx context.Context, actor *models.Principal) ([]accounts.PendingView, error)
	Approve(ctx context.Context, actor *models.Principal, id uuid.UUID, origin string) (*models.Principal, error)
	Reject(ctx context.Context, actor *models.Principal, id uuid.UUID, origin string) error
}

// AccountHandler handles registration, password reset, profile and the
// administrative user endpoints
type AccountHandler struct {
	accounts AccountService
	logger   *zap.Logger
}

// NewAccountHandler creates a new AccountHandler
func NewAccountHandler(accounts AccountService, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		logger:   logger,
	}
}

// HandleRegister handles POST /register
func (h *AccountHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in accounts.RegisterInput
	if err := utils.DecodeJSON(w, r, &in); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(in); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	pending, err := h.accounts.Register(r.Context(), in, middleware.ClientOrigin(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteCreated(w, map[string]interface{}{
		"id":      pending.ID,
		"status":  pending.Status,
		"message": "Registration submitted. An administrator will review your request.",
	})
}

// HandleRequestReset handles POST /reset_password
func (h *AccountHandler) HandleRequestReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := h.accounts.RequestPasswordReset(r.Context(), req.Email, middleware.ClientOrigin(r)); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, MessageResponse{Message: resetRequestedMessage})
}

// HandleConfirmReset handles POST /reset_password/{token}
func (h *AccountHandler) HandleConfirmReset(w http.ResponseWriter, r *http.Request) {
	var req ResetConfirmRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	token := chi.URLParam(r, "token")
	if err := h.accounts.ConfirmPasswordReset(r.Context(), token, req.Password, middleware.ClientOrigin(r)); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, MessageResponse{Message: "Your password has been updated. Please log in."})
}

// HandleProfile handles GET /profile
func (h *AccountHandler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetPrincipalFromContext(r.Context())
	if actor == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	p, err := h.accounts.Profile(r.Context(), actor.ID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, p)
}

// HandleListUsers handles GET /manage/users
func (h *AccountHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	views, err := h.accounts.ListPrincipals(r.Context(), middleware.GetPrincipalFromContext(r.Context()))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, views)
}

// HandleGetUser handles GET /manage/users/{id}
func (h *AccountHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	view, err := h.accounts.GetPrincipal(r.Context(), middleware.GetPrincipalFromContext(r.Context()), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, view)
}

// HandleUpdateUser handles PATCH /manage/users/{id}
func (h *AccountHandler) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var in accounts.UpdateInput
	if err := utils.DecodeJSON(w, r, &in); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(in); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	view, err := h.accounts.UpdatePrincipal(r.Context(), middleware.GetPrincipalFromContext(r.Context()), id, in, middleware.ClientOrigin(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, view)
}

// HandleListRequests handles GET /requests
func (h *AccountHandler) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	views, err := h.accounts.ListPending(r.Context(), middleware.GetPrincipalFromContext(r.Context()))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, views)
}

// HandleApprove handles POST /requests/{id}/approve
func (h *AccountHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	p, err := h.accounts.Approve(r.Context(), middleware.GetPrincipalFromContext(r.Context()), id, middleware.ClientOrigin(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, map[string]interface{}{
		"id":       p.ID,
		"username": p.Username,
		"message":  "User approved successfully",
	})
}

// HandleReject handles POST /requests/{id}/reject
func (h *AccountHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.accounts.Reject(r.Context(), middleware.GetPrincipalFromContext(r.Context()), id, middleware.ClientOrigin(r)); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, MessageResponse{Message: "User request rejected"})
}

// parseIDParam reads a UUID URL parameter, answering 400 when malformed
func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := utils.ParseUUID(chi.URLParam(r, name), name)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return uuid.Nil, false
	}
	return id, true
}
