// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package server exposes the manager over HTTP and streams its state to
// WebSocket clients.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/export"
	"github.com/olivere/jobdispatch/ingest"
)

// Server is a web server with a JSON API and a WebSocket backend.
type Server struct {
	m        *jobdispatch.Manager
	ingestor *ingest.Ingestor
	exporter *export.Service
	logger   *slog.Logger
	interval time.Duration
	h        *hub
	apiKeys  []string
	mp       metric.MeterProvider
	metrics  http.Handler // serves GET /metrics if set
	httpm    *httpMetrics
}

// Option configures a Server.
type Option func(*Server)

// WithIngestor enables POST /v1/items.
func WithIngestor(in *ingest.Ingestor) Option {
	return func(srv *Server) {
		srv.ingestor = in
	}
}

// WithExporter enables GET /v1/export.xlsx.
func WithExporter(e *export.Service) Option {
	return func(srv *Server) {
		srv.exporter = e
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(srv *Server) {
		srv.logger = logger
	}
}

// WithStateInterval sets how often the state is sent to WebSocket
// clients. The default is one second.
func WithStateInterval(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.interval = d
		}
	}
}

// WithAPIKeys requires one of keys as bearer token on all /v1 routes.
// Without keys, the API is open.
func WithAPIKeys(keys []string) Option {
	return func(srv *Server) {
		srv.apiKeys = nil
		for _, k := range keys {
			if k != "" {
				srv.apiKeys = append(srv.apiKeys, k)
			}
		}
	}
}

// WithMeterProvider sets where HTTP request metrics are recorded.
// The global MeterProvider is used by default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(srv *Server) {
		srv.mp = mp
	}
}

// WithMetricsHandler serves h at GET /metrics, e.g. the handler returned
// by NewPrometheus.
func WithMetricsHandler(h http.Handler) Option {
	return func(srv *Server) {
		srv.metrics = h
	}
}

// New initializes a new Server.
func New(m *jobdispatch.Manager, options ...Option) *Server {
	srv := &Server{
		m:        m,
		logger:   slog.Default(),
		interval: time.Second,
		h:        newHub(),
	}
	for _, opt := range options {
		opt(srv)
	}
	if srv.mp == nil {
		srv.mp = otel.GetMeterProvider()
	}
	srv.httpm = newHTTPMetrics(srv.mp)
	return srv
}

// Handler returns the routes of the server.
func (srv *Server) Handler() http.Handler {
	r := http.NewServeMux()
	r.HandleFunc("POST /v1/jobs", srv.submitJob)
	r.HandleFunc("GET /v1/jobs", srv.listJobs)
	r.HandleFunc("GET /v1/jobs/{id}", srv.jobStatus)
	r.HandleFunc("POST /v1/items", srv.ingestItem)
	r.HandleFunc("GET /v1/export.xlsx", srv.exportXLSX)
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("GET /ready", srv.ready)
	r.Handle("GET /ws", wsserver{srv: srv})
	if srv.metrics != nil {
		r.Handle("GET /metrics", srv.metrics)
	}
	return srv.logRequests(srv.requireAPIKey(r))
}

// Start runs the WebSocket hub and the state watcher until ctx is done.
func (srv *Server) Start(ctx context.Context) {
	go srv.h.run(ctx)
	go srv.watcher(ctx)
}

// Serve starts the web server at the given address and shuts it down
// when ctx is done.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	srv.Start(ctx)

	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- hs.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// -- Handlers --

type submitRequest struct {
	Type     string                 `json:"type"`
	Payload  map[string]interface{} `json:"payload"`
	Priority int                    `json:"priority"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (srv *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := srv.m.Submit(r.Context(), req.Type, req.Payload, req.Priority)
	if err != nil {
		writeError(w, submitStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: id})
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, jobdispatch.ErrUnmappedJobType),
		errors.Is(err, jobdispatch.ErrInvalidPriority),
		errors.Is(err, jobdispatch.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, jobdispatch.ErrDuplicateJob):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (srv *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := srv.m.Status(r.Context(), r.PathValue("id"))
	if errors.Is(err, jobdispatch.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (srv *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &jobdispatch.ListRequest{
		Type:  q.Get("type"),
		State: q.Get("state"),
	}
	var err error
	if req.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rsp, err := srv.m.List(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rsp)
}

type ingestResponse struct {
	*ingest.Result
	Status string `json:"status"`
}

func (srv *Server) ingestItem(w http.ResponseWriter, r *http.Request) {
	if srv.ingestor == nil {
		writeError(w, http.StatusNotImplemented, errors.New("ingestion is not configured"))
		return
	}
	var c ingest.Content
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := srv.ingestor.Ingest(r.Context(), c)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, ingestResponse{Result: res, Status: res.Status()})
}

func (srv *Server) exportXLSX(w http.ResponseWriter, r *http.Request) {
	if srv.exporter == nil {
		writeError(w, http.StatusNotImplemented, errors.New("export is not configured"))
		return
	}
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	b, err := srv.exporter.WriteXLSX(r.Context(), export.Request{Type: q.Get("type"), State: q.Get("state"), Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="jobs.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// health always answers 200 while the process runs; the body tells
// whether providers are degraded.
func (srv *Server) health(w http.ResponseWriter, r *http.Request) {
	report, err := srv.m.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ready answers 503 unless at least one provider is healthy.
func (srv *Server) ready(w http.ResponseWriter, r *http.Request) {
	report, err := srv.m.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	status := http.StatusOK
	if report.Status != jobdispatch.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// -- Helpers --

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid number " + strconv.Quote(s))
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (srv *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The upgrader needs the hijackable writer
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		srv.httpm.observe(r, rec.status, elapsed.Seconds())
		srv.logger.Info("http.request",
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed_ms", elapsed.Milliseconds(),
		)
	})
}

// requireAPIKey rejects /v1 requests without a valid bearer token.
// Health, readiness, metrics, and the WebSocket stay open.
func (srv *Server) requireAPIKey(next http.Handler) http.Handler {
	if len(srv.apiKeys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !srv.validAPIKey(strings.TrimSpace(token)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="jobdispatch"`)
			writeError(w, http.StatusUnauthorized, errors.New("invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) validAPIKey(token string) bool {
	var valid bool
	for _, k := range srv.apiKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(k)) == 1 {
			valid = true
		}
	}
	return valid
}

// -- State --

// State is the current state of the manager, as sent to WebSocket clients.
type State struct {
	Type       string                    `json:"type"`
	Stats      *jobdispatch.Stats        `json:"stats,omitempty"`
	Health     *jobdispatch.HealthReport `json:"health,omitempty"`
	Pending    []*jobdispatch.Job        `json:"pending,omitempty"`
	InProgress []*jobdispatch.Job        `json:"in_progress,omitempty"`
	Completed  []*jobdispatch.Job        `json:"completed,omitempty"`
	Failed     []*jobdispatch.Job        `json:"failed,omitempty"`
}

func (srv *Server) state(ctx context.Context) (*State, error) {
	newState := &State{Type: "SET_STATE"}
	stats, err := srv.m.Stats(ctx, &jobdispatch.StatsRequest{})
	if err != nil {
		return nil, err
	}
	newState.Stats = stats
	if newState.Health, err = srv.m.Health(ctx); err != nil {
		return nil, err
	}
	lists := []struct {
		state string
		limit int
		dst   *[]*jobdispatch.Job
	}{
		{jobdispatch.Pending, 50, &newState.Pending},
		{jobdispatch.InProgress, 50, &newState.InProgress},
		{jobdispatch.Completed, 10, &newState.Completed},
		{jobdispatch.Failed, 10, &newState.Failed},
	}
	for _, l := range lists {
		rsp, err := srv.m.List(ctx, &jobdispatch.ListRequest{State: l.state, Limit: l.limit})
		if err != nil {
			return nil, err
		}
		*l.dst = rsp.Jobs
	}
	return newState, nil
}

func (srv *Server) watcher(ctx context.Context) {
	t := time.NewTicker(srv.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			newState, err := srv.state(ctx)
			if err != nil {
				srv.logger.Error("server.state.failed", "err", err)
				continue
			}
			payload, err := json.Marshal(newState)
			if err != nil {
				srv.logger.Error("server.state.failed", "err", err)
				continue
			}
			srv.h.publish(payload)
		case <-ctx.Done():
			return
		}
	}
}
