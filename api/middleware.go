package api

import (
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/stevecastle/lowkey-grid/logger"
)

// Role defines the required access level for a route.
type Role int

const (
	RolePublic Role = iota
	RoleProtected
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the SSE stream working through the logger.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logger logs one line per request.
func Logger(log logger.Logger, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	}
}

// CORS wraps next with a permissive policy for the given origins; no
// origins means any origin.
func CORS(origins []string, next http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: true,
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "Cache-Control"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		ExposedHeaders:   []string{"Content-Length"},
	}).Handler(next)
}

// applyMiddlewares guards protected routes when token auth is enabled.
func (s *Server) applyMiddlewares(handler http.HandlerFunc, role Role) http.Handler {
	var h http.Handler = handler
	if role != RolePublic && s.tokens != nil {
		h = s.tokens.Middleware(h)
	}
	return h
}
