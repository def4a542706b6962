// Package server receives trigger events over HTTP and executes the
// resulting runs one at a time.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cigate/internal/core"
	"cigate/internal/history"
	"cigate/internal/ledger"
	"cigate/internal/trigger"
)

// ErrQueueFull is returned when no more runs can be queued.
var ErrQueueFull = errors.New("run queue is full")

// RunExecutor executes a pending run. *core.Runner implements it.
type RunExecutor interface {
	Execute(ctx context.Context, p *core.Pipeline, report *core.Report) error
}

// History stores and serves run reports. *history.Store implements it.
type History interface {
	core.Recorder
	Get(ctx context.Context, runID string) (*core.Report, error)
	List(ctx context.Context, limit int) ([]*core.Report, error)
}

type Options struct {
	Pipeline      *core.Pipeline
	Runner        RunExecutor
	History       History
	Ledger        *ledger.Ledger // optional
	LedgerKey     ed25519.PublicKey
	WebhookSecret []byte
	QueueSize     int
	Logger        *slog.Logger
}

// Server owns the HTTP API and the single run worker.
type Server struct {
	pipeline  *core.Pipeline
	runner    RunExecutor
	history   History
	ledger    *ledger.Ledger
	ledgerKey ed25519.PublicKey
	logger    *slog.Logger

	mu    sync.Mutex
	queue chan *core.Report

	webhook *WebhookHandler
}

func New(opts Options) *Server {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		pipeline:  opts.Pipeline,
		runner:    opts.Runner,
		history:   opts.History,
		ledger:    opts.Ledger,
		ledgerKey: opts.LedgerKey,
		logger:    opts.Logger,
		queue:     make(chan *core.Report, opts.QueueSize),
	}
	s.webhook = NewWebhookHandler(opts.WebhookSecret, opts.Logger, s.respondToEvent)
	return s
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/webhooks/github", s.webhook.ServeHTTP)
	r.Post("/events", s.handleEvent)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/ledger/verify", s.handleVerifyLedger)
	return r
}

// Enqueue creates a pending run for ev when it matches the pipeline's
// trigger rules. queued is false when no rule matched.
func (s *Server) Enqueue(ctx context.Context, ev trigger.Event) (*core.Report, bool, error) {
	if !trigger.Match(s.pipeline.Rules(), ev) {
		s.logger.Info("event does not match any trigger rule, no run created", "event", ev.String())
		return nil, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Only Enqueue sends, and only under mu, so a free slot stays free.
	if len(s.queue) == cap(s.queue) {
		return nil, true, ErrQueueFull
	}
	report := core.NewReport(s.pipeline, ev)
	if err := s.history.RecordRun(ctx, report); err != nil {
		return nil, true, fmt.Errorf("record pending run: %w", err)
	}
	s.queue <- report
	s.logger.Info("run queued", "run_id", report.RunID, "event", ev.String(), "queued", len(s.queue))
	return report, true, nil
}

// Serve executes queued runs one at a time until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case report := <-s.queue:
			if err := s.runner.Execute(ctx, s.pipeline, report); err != nil {
				s.logger.Warn("run failed", "run_id", report.RunID, "error", err)
			}
		}
	}
}

// ListenAndServe runs the HTTP server and the worker until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = s.Serve(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	<-workerDone
	return nil
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev trigger.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}
	s.respondToEvent(w, r, ev)
}

func (s *Server) respondToEvent(w http.ResponseWriter, r *http.Request, ev trigger.Event) {
	kind, err := trigger.ParseKind(string(ev.Kind))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev.Kind = kind

	report, queued, err := s.Enqueue(r.Context(), ev)
	switch {
	case errors.Is(err, ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.logger.Error("cannot queue run", "error", err)
		writeError(w, http.StatusInternalServerError, "cannot queue run")
	case !queued:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "run_id": report.RunID})
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "cannot list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		writeError(w, http.StatusInternalServerError, "cannot load run")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotFound, "ledger disabled")
		return
	}
	if err := s.ledger.VerifyChain(s.ledgerKey); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "failed", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "blocks": s.ledger.NextIndex()})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
