package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/zari-lab/labdata/auth"
	"github.com/zari-lab/labdata/middleware"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/services/session"
	"github.com/zari-lab/labdata/utils"
	"go.uber.org/zap"
)

// LoginRequest represents a login form submission
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SessionResponse describes the logged-in principal
type SessionResponse struct {
	Username string                    `json:"username"`
	Email    string                    `json:"email"`
	Role     models.Role               `json:"role"`
	Warnings []string                  `json:"warnings,omitempty"`
	Messages []middleware.FlashMessage `json:"messages,omitempty"`
}

// LogoutResponse reports the length of the ended session
type LogoutResponse struct {
	ElapsedSeconds float64  `json:"elapsed_seconds"`
	Warnings       []string `json:"warnings,omitempty"`
}

// SessionService defines the session operations used by the handler
type SessionService interface {
	Login(ctx context.Context, email, password, origin string) (*session.LoginResult, error)
	Logout(ctx context.Context, s *auth.Session, origin string) (*session.LogoutResult, error)
}

// SessionEstablisher writes and clears the session cookie
type SessionEstablisher interface {
	Establish(w http.ResponseWriter, s auth.Session) error
	Clear(w http.ResponseWriter)
}

// SessionHandler handles login, logout and the landing view
type SessionHandler struct {
	sessions  SessionService
	transport SessionEstablisher
	logger    *zap.Logger
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(sessions SessionService, transport SessionEstablisher, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		transport: transport,
		logger:    logger,
	}
}

// HandleLogin handles POST /login
func (h *SessionHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	result, err := h.sessions.Login(r.Context(), req.Email, req.Password, middleware.ClientOrigin(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := h.transport.Establish(w, result.Session); err != nil {
		h.logger.Error("failed to establish session",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to establish session")
		return
	}

	messages := append([]middleware.FlashMessage{{Category: middleware.FlashSuccess, Text: "Logged in successfully"}},
		middleware.Warnings(result.Warnings)...)
	middleware.SetFlash(w, messages...)

	_ = utils.WriteOK(w, SessionResponse{
		Username: result.Principal.Username,
		Email:    result.Principal.Email,
		Role:     result.Principal.Role,
		Warnings: result.Warnings,
	})
}

// HandleLogout handles POST /logout
func (h *SessionHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	s := middleware.GetSessionFromContext(r.Context())

	result, err := h.sessions.Logout(r.Context(), s, middleware.ClientOrigin(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.transport.Clear(w)

	messages := append([]middleware.FlashMessage{{
		Category: middleware.FlashSuccess,
		Text:     fmt.Sprintf("Logged out. Session duration: %.2f minutes", result.Elapsed.Minutes()),
	}}, middleware.Warnings(result.Warnings)...)
	middleware.SetFlash(w, messages...)

	_ = utils.WriteOK(w, LogoutResponse{
		ElapsedSeconds: result.Elapsed.Seconds(),
		Warnings:       result.Warnings,
	})
}

// HandleHome handles GET /home: the caller's summary plus pending flash messages
func (h *SessionHandler) HandleHome(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	if p == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	_ = utils.WriteOK(w, SessionResponse{
		Username: p.Username,
		Email:    p.Email,
		Role:     p.Role,
		Messages: middleware.ConsumeFlash(w, r),
	})
}
