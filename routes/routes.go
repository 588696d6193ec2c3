package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zari-lab/labdata/app"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	if deps.Config.Server.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Every page except the exempt ones requires a live session
	r.Use(deps.AuthMiddleware.RequireSession)

	// Operational endpoints
	r.Get("/health", deps.HealthHandler.HandleHealth)
	r.Get("/ready", deps.HealthHandler.HandleReadiness)
	if deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	if dir := deps.Config.Server.StaticDir; dir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(dir))))
	}

	sessions := deps.SessionHandler
	accounts := deps.AccountHandler
	forms := deps.FormHandler

	// Credentials
	r.With(deps.RateLimitMiddleware.LimitLogin).Post("/login", sessions.HandleLogin)
	r.Post("/logout", sessions.HandleLogout)
	r.Post("/register", accounts.HandleRegister)
	r.With(deps.RateLimitMiddleware.Limit).Post("/reset_password", accounts.HandleRequestReset)
	r.Post("/reset_password/{token}", accounts.HandleConfirmReset)

	// Personal pages
	r.Get("/home", sessions.HandleHome)
	r.Get("/profile", accounts.HandleProfile)
	r.Get("/files", forms.HandleMyFiles)
	r.Get("/forms", forms.HandleSearch)

	// Lab forms
	r.Route("/forms/{kind}", func(r chi.Router) {
		r.Post("/", forms.HandleCreate)
		r.Get("/{id}", forms.HandleGet)
		r.Put("/{id}", forms.HandleEdit)
		r.Delete("/{id}", forms.HandleDelete)
		r.Get("/{id}/csv", forms.HandleExportCSV)
	})
	r.Get("/forms/water_analysis/{id}/versions", forms.HandleListVersions)
	r.Post("/forms/water_analysis/{id}/versions/{versionID}/restore", forms.HandleRestore)

	// Administration
	r.Route("/manage", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireRole(models.Role.IsPrivileged, "You do not have permission to access this page"))
		r.Get("/users", accounts.HandleListUsers)
		r.Get("/users/{id}", accounts.HandleGetUser)
		r.With(deps.AuthMiddleware.RequireRole(models.Role.IsUltra, "Unauthorized")).
			Patch("/users/{id}", accounts.HandleUpdateUser)
		r.Post("/versions/verify", forms.HandleVerifyStore)
		r.Get("/audit", deps.AuditHandler.HandleList)
	})
	r.Route("/requests", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireRole(models.Role.IsPrivileged, "You do not have permission to access this page"))
		r.Get("/", accounts.HandleListRequests)
		r.Post("/{id}/approve", accounts.HandleApprove)
		r.Post("/{id}/reject", accounts.HandleReject)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
