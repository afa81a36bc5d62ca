package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/config"
	"github.com/jae-tech/digduck-crawler/internal/crawler"
	"github.com/jae-tech/digduck-crawler/internal/metrics"
	"github.com/jae-tech/digduck-crawler/internal/store"
)

// JobService is the job lifecycle surface the API drives.
type JobService interface {
	StartJob(ctx context.Context, req crawler.StartRequest) (crawler.Job, error)
	CancelJob(ctx context.Context, jobID, requestingUser string) (crawler.Job, error)
	GetJob(ctx context.Context, jobID string) (crawler.JobDetail, error)
	ListJobs(ctx context.Context, filter crawler.JobFilter) (crawler.JobPage, error)
	Statistics(ctx context.Context, email string) (crawler.Statistics, error)
}

// ReadinessFunc reports whether downstream dependencies can serve traffic.
type ReadinessFunc func(ctx context.Context) error

// Options carries the optional collaborators of a Server.
type Options struct {
	PageLogs store.PageLogRepository
	Ready    ReadinessFunc
	Logger   *zap.Logger
}

// Server wires HTTP handlers to the job service.
type Server struct {
	router chi.Router
	jobs   JobService
	ready  ReadinessFunc
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs JobService, serverCfg config.ServerConfig, authCfg config.AuthConfig, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:   jobs,
		ready:  opts.Ready,
		logger: logger.Named("api"),
	}
	timeout := time.Duration(serverCfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	pages := NewPageLogHandler(opts.PageLogs, s.logger)
	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if authCfg.Enabled {
			r.Use(apiKeyMiddleware(authCfg.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.startJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
				r.Get("/pages", pages.ListPages)
			})
		})
		r.Get("/statistics", s.statistics)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var req crawler.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.jobs.StartJob(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, "start job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseJobFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	detail, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":     detail.Job,
		"results": detail.Results,
		"elapsed": detail.Elapsed().Milliseconds(),
	})
}

type cancelRequest struct {
	UserEmail string `json:"userEmail"`
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.UserEmail) == "" {
		writeError(w, http.StatusBadRequest, "userEmail is required")
		return
	}
	job, err := s.jobs.CancelJob(r.Context(), jobID, req.UserEmail)
	if err != nil {
		s.writeServiceError(w, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Statistics(r.Context(), r.URL.Query().Get("user_email"))
	if err != nil {
		s.writeServiceError(w, "statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeServiceError maps caller errors onto 4xx codes. Anything else is
// logged and reported without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrBadRequest), errors.Is(err, crawler.ErrUnsupportedSite):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrLicenseInvalid):
		return http.StatusForbidden
	case errors.Is(err, crawler.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrJobAlreadyRunning), errors.Is(err, crawler.ErrInvalidJobState):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parseJobFilter(r *http.Request) (crawler.JobFilter, error) {
	q := r.URL.Query()
	filter := crawler.JobFilter{
		UserEmail: strings.TrimSpace(q.Get("user_email")),
		Status:    crawler.JobStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		Site:      crawler.Site(strings.ToUpper(strings.TrimSpace(q.Get("site")))),
		Type:      crawler.JobType(strings.ToUpper(strings.TrimSpace(q.Get("job_type")))),
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		return crawler.JobFilter{}, errors.New("invalid from")
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		return crawler.JobFilter{}, errors.New("invalid to")
	}
	if filter.Page, err = parsePositive(q.Get("page")); err != nil {
		return crawler.JobFilter{}, errors.New("invalid page")
	}
	if filter.Limit, err = parsePositive(q.Get("limit")); err != nil {
		return crawler.JobFilter{}, errors.New("invalid limit")
	}
	return filter, nil
}

func parseTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parsePositive(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, fmt.Errorf("not a positive integer: %q", raw)
	}
	return val, nil
}

func parseJobID(r *http.Request) (string, error) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		return "", errors.New("job_id is required")
	}
	if _, err := uuid.Parse(jobID); err != nil {
		return "", errors.New("invalid job_id")
	}
	return jobID, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
