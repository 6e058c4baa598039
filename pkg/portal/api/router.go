package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/filevault/filevault/internal/logger"
	"github.com/filevault/filevault/pkg/portal/api/auth"
	"github.com/filevault/filevault/pkg/portal/api/handlers"
	apiMiddleware "github.com/filevault/filevault/pkg/portal/api/middleware"
	"github.com/filevault/filevault/pkg/portal/store"
	"github.com/filevault/filevault/pkg/upload"
)

// NewRouter creates and configures the chi router with all middleware and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout to prevent hung requests
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /health/ready - Readiness probe
//   - POST /api/v1/auth/register - Account creation
//   - POST /api/v1/auth/login - User authentication
//   - POST /api/v1/auth/refresh - Token refresh
//   - GET /api/v1/auth/me - Current user info
//   - POST /api/v1/uploads - Initialize upload session
//   - PUT /api/v1/uploads/{id}/chunks/{index} - Upload one chunk
//   - GET /api/v1/uploads/{id} - Session view
//   - DELETE /api/v1/uploads/{id} - Abort session
//   - GET /api/v1/files - Paginated file listing
//   - GET /api/v1/files/{id} - File details
//   - GET /api/v1/files/{id}/download - Download (stream or signed URL)
//   - PATCH /api/v1/files/{id} - Rename
//   - DELETE /api/v1/files/{id} - Soft delete
//   - GET /api/v1/users - User listing (admin only)
func NewRouter(
	jwtService *auth.JWTService,
	portalStore *store.GORMStore,
	engine *upload.Engine,
	checks map[string]handlers.ReadinessCheck,
) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	healthHandler := handlers.NewHealthHandler(checks)

	// Health routes - unauthenticated
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	authHandler := handlers.NewAuthHandler(portalStore, jwtService)
	uploadHandler := handlers.NewUploadHandler(engine, portalStore)
	fileHandler := handlers.NewFileHandler(portalStore, engine.Backend())
	userHandler := handlers.NewUserHandler(portalStore)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Auth routes - mostly unauthenticated
		r.Route("/auth", func(r chi.Router) {
			// Public endpoints
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)

			// Authenticated endpoint
			r.Group(func(r chi.Router) {
				r.Use(apiMiddleware.JWTAuth(jwtService))
				r.Get("/me", authHandler.Me)
			})
		})

		// Protected routes - require authentication
		r.Group(func(r chi.Router) {
			r.Use(apiMiddleware.JWTAuth(jwtService))

			// Resumable uploads
			r.Route("/uploads", func(r chi.Router) {
				r.Post("/", uploadHandler.Initialize)
				r.Get("/{id}", uploadHandler.GetSession)
				r.Delete("/{id}", uploadHandler.Abort)
				r.Put("/{id}/chunks/{index}", uploadHandler.UploadChunk)
			})

			// File management
			r.Route("/files", func(r chi.Router) {
				r.Get("/", fileHandler.List)
				r.Get("/{id}", fileHandler.Get)
				r.Get("/{id}/download", fileHandler.Download)
				r.Patch("/{id}", fileHandler.Rename)
				r.Delete("/{id}", fileHandler.Delete)
			})

			// User management (admin only)
			r.Route("/users", func(r chi.Router) {
				r.Use(apiMiddleware.RequireAdmin())
				r.Get("/", userHandler.List)
				r.Delete("/{username}", userHandler.Delete)
			})
		})
	})

	return r
}

// isHealthPath returns true if the request path is a healthcheck endpoint.
func isHealthPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/")
}

// requestLogger is a custom middleware that logs requests using the internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
//   - Healthcheck requests are logged at DEBUG level to reduce noise
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		}

		// Log healthcheck requests at DEBUG to avoid polluting logs in k8s
		if isHealthPath(r.URL.Path) {
			logger.Debug("API request completed", logArgs...)
		} else {
			logger.Info("API request completed", logArgs...)
		}
	})
}
