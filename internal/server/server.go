package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lazypower/chronicle/internal/engine"
	"github.com/lazypower/chronicle/internal/store"
)

// Server is the chronicle HTTP API server.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	log     *slog.Logger
	router  chi.Router
	version string
	started time.Time

	// Now stamps transaction time on writes. Tests pin it.
	Now func() time.Time
}

// New creates a new Server around an engine and its database.
func New(eng *engine.Engine, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:      eng.DB,
		engine:  eng,
		log:     logger,
		version: version,
		started: time.Now(),
		Now:     func() time.Time { return time.Now().UTC() },
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/entities/{entityID}", func(r chi.Router) {
			r.Put("/", s.handleUpsertEntity)
			r.Get("/", s.handleGetEntity)
			r.Get("/as-of", s.handleEntityAsOf)
			r.Get("/history", s.handleEntityHistory)
			r.Post("/access", s.handleRecordAccess)
			r.Post("/end", s.handleEndEntity)
			r.Get("/relationships", s.handleTraverse)
		})
		r.Put("/relationships", s.handleUpsertRelationship)

		r.Route("/owners/{ownerID}", func(r chi.Router) {
			r.Get("/preferences", s.handleListPreferences)
			r.Post("/preferences/{key}", s.handleObserve)
			r.Get("/preferences/{key}", s.handleResolve)
			r.Get("/patterns", s.handleListPatterns)
			r.Get("/items", s.handleListItems)
			r.Get("/items/due", s.handleDueItems)
			r.Get("/context", s.handleGetContext)
		})

		r.Post("/events", s.handleAppendEvent)

		r.Post("/items", s.handleAddItem)
		r.Post("/items/{itemID}/complete", s.handleCompleteItem)
		r.Post("/items/{itemID}/cancel", s.handleCancelItem)

		r.Post("/jobs/decay", s.handleDecayJob)
		r.Post("/jobs/sweep", s.handleSweepJob)
		r.Post("/jobs/patterns", s.handlePatternJob)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.PingContext(r.Context()); err != nil {
		dbOK = false
	}
	schema, _ := s.db.SchemaVersion()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime":         time.Since(s.started).Seconds(),
		"db":             dbOK,
		"db_path":        s.db.Path,
		"schema_version": schema,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the store error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case store.IsValidation(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid json")
		return false
	}
	return true
}

// queryTime parses an optional RFC 3339 query parameter. Absent means zero.
func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, &store.ValidationError{Field: name, Reason: "must be an RFC 3339 timestamp"}
	}
	return t.UTC(), nil
}
