package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vbonduro/siteassess/internal/autosave"
	"github.com/vbonduro/siteassess/internal/domain"
	"github.com/vbonduro/siteassess/internal/entity"
	"github.com/vbonduro/siteassess/internal/photostore"
	"github.com/vbonduro/siteassess/internal/syncengine"
)

// Session is the signed-in user state the boundary manages.
type Session interface {
	SetToken(token string) error
	Clear()
	CurrentUser(ctx context.Context) (string, error)
}

type Deps struct {
	Registry *entity.Registry
	Autosave *autosave.Coordinator
	Engine   *syncengine.Engine
	Session  Session
	Files    photostore.Files
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type Server struct {
	reg      *entity.Registry
	autosave *autosave.Coordinator
	engine   *syncengine.Engine
	session  Session
	files    photostore.Files
	gatherer prometheus.Gatherer
	mux      *http.ServeMux
	logger   *slog.Logger

	formsMu sync.Mutex
	forms   map[formKey]*autosave.Binding
}

type formKey struct {
	section domain.SectionID
	step    string
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		reg:      deps.Registry,
		autosave: deps.Autosave,
		engine:   deps.Engine,
		session:  deps.Session,
		files:    deps.Files,
		gatherer: deps.Gatherer,
		mux:      http.NewServeMux(),
		logger:   logger,
		forms:    make(map[formKey]*autosave.Binding),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /assessments", s.handleCreateAssessment)
	s.mux.HandleFunc("GET /assessments", s.handleListAssessments)
	s.mux.HandleFunc("GET /assessments/{id}", s.handleGetAssessment)
	s.mux.HandleFunc("DELETE /assessments/{id}", s.handleDeleteAssessment)
	s.mux.HandleFunc("PATCH /assessments/{id}/sections/{section}/steps/{step}", s.handleUpdateStep)

	s.mux.HandleFunc("GET /session", s.handleGetSession)
	s.mux.HandleFunc("PUT /session/active", s.handleSetActive)
	s.mux.HandleFunc("PUT /session/token", s.handleSetToken)
	s.mux.HandleFunc("DELETE /session", s.handleLogout)

	s.mux.HandleFunc("GET /forms/{section}/{step}", s.handleLoadForm)
	s.mux.HandleFunc("POST /forms/{section}/{step}", s.handleEmitForm)
	s.mux.HandleFunc("POST /forms/flush", s.handleFlushForms)

	s.mux.HandleFunc("POST /assessments/{id}/photos", s.handleUploadPhoto)
	s.mux.HandleFunc("GET /assessments/{id}/photos", s.handleListPhotos)
	s.mux.HandleFunc("PATCH /assessments/{id}/photos/{photoID}", s.handleUpdatePhotoNotes)
	s.mux.HandleFunc("DELETE /assessments/{id}/photos/{photoID}", s.handleDeletePhoto)
	s.mux.HandleFunc("GET /assessments/{id}/photos/{photoID}/file", s.handleGetPhotoFile)

	s.mux.HandleFunc("POST /assessments/{id}/submit", s.handleSubmit)
	s.mux.HandleFunc("POST /assessments/{id}/sync-photos", s.handleSyncPhotos)

	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// securityHeaders sets the API response headers on every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; img-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder wraps http.ResponseWriter to capture the written status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps progress streams working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestLogger(s.logger, securityHeaders(s.mux)).ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled and then shuts down,
// flushing pending form saves before returning.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.logger.Info("starting server", "addr", addr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close flushes and releases the form bindings.
func (s *Server) Close() {
	if s.autosave != nil {
		s.autosave.Flush()
	}
	s.formsMu.Lock()
	defer s.formsMu.Unlock()
	for k, b := range s.forms {
		b.Close()
		delete(s.forms, k)
	}
}

const maxJSONBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}

// writeError maps domain errors to status codes. Unexpected errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(msg, "error", err)
		s.writeJSON(w, status, map[string]string{"error": msg})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrNotDraft),
		errors.Is(err, autosave.ErrNoActiveAssessment):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnknownSection),
		errors.Is(err, domain.ErrUnknownStep),
		errors.Is(err, domain.ErrUnknownField),
		errors.Is(err, domain.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// closeWithLog closes c and logs any error, using label to identify the resource.
func closeWithLog(c io.Closer, label string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close resource", "label", label, "error", err)
	}
}
