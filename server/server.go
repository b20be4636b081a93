package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/richinex/urlverify/model"
	"github.com/richinex/urlverify/storage"
	"github.com/richinex/urlverify/verifier"
	"go.uber.org/zap"
)

// Service is the verifier surface served over HTTP.
type Service interface {
	ProcessURL(ctx context.Context, url, query string, forceRefresh bool) (model.VerificationRecord, error)
	Query(ctx context.Context, f verifier.Filter) ([]model.VerificationRecord, error)
	Summary(ctx context.Context) (verifier.Summary, error)
	Lookup(ctx context.Context, url, query string) (model.VerificationRecord, error)
}

// Server routes HTTP requests to a Service.
type Server struct {
	svc    Service
	hub    *Hub
	logger *zap.Logger
	now    func() time.Time
	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock sets the clock used to stamp calls.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a server. Commits published on hub are streamed to
// websocket clients. A nil hub gets a private hub nothing publishes to.
func New(svc Service, hub *Hub, opts ...Option) *Server {
	if hub == nil {
		hub = NewHub()
	}
	s := &Server{
		svc:    svc,
		hub:    hub,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/verifications", func(r chi.Router) {
		r.With(callTime(s.now)).Post("/", s.handleVerify)
		r.Get("/", s.handleList)
		r.Get("/summary", s.handleSummary)
		r.Get("/lookup", s.handleLookup)
		r.Get("/stream", s.handleStream)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully and closes the stream hub.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	<-errCh
	return nil
}

type verifyRequest struct {
	URL          string `json:"url"`
	Query        string `json:"query"`
	ForceRefresh bool   `json:"force_refresh"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	rec, err := s.svc.ProcessURL(r.Context(), req.URL, req.Query, req.ForceRefresh)
	if err != nil {
		status := http.StatusInternalServerError
		if verifier.IsAgreementFailure(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("verification failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.svc.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if strings.TrimSpace(url) == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	rec, err := s.svc.Lookup(r.Context(), url, r.URL.Query().Get("query"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func parseFilter(r *http.Request) (verifier.Filter, error) {
	q := r.URL.Query()

	category, err := verifier.ParseCategory(q.Get("category"))
	if err != nil {
		return verifier.Filter{}, err
	}

	f := verifier.Filter{
		Category:  category,
		Search:    q.Get("search"),
		URLPrefix: q.Get("url_prefix"),
	}
	if v := q.Get("newest_first"); v != "" {
		if f.NewestFirst, err = strconv.ParseBool(v); err != nil {
			return verifier.Filter{}, fmt.Errorf("invalid newest_first: %q", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return verifier.Filter{}, fmt.Errorf("invalid limit: %q", v)
		}
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
