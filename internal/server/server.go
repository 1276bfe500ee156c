// Package server exposes pipeline runs, approval gates and the run ledger
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"pipewarden/internal/core"
	"pipewarden/internal/ledger"
)

// Run states reported by the server. A finished run carries its outcome.
const (
	StateQueued   = "queued"
	StateRunning  = "running"
	StateFinished = "finished"
)

// Options wires the server to a controller and its collaborators. Ledger and
// Metrics are optional.
type Options struct {
	Controller *core.Controller
	Broker     *core.ApprovalBroker
	Ledger     *ledger.Ledger
	PublicKey  string
	Metrics    http.Handler
	// Vars are placeholders added to every submitted run.
	Vars map[string]string
	// MaxConcurrent caps runs executing at once; queued runs wait for a slot.
	MaxConcurrent int
	Logger        *slog.Logger
}

// RunRecord is the server's view of one submitted run.
type RunRecord struct {
	ID          string                `json:"id"`
	Pipeline    string                `json:"pipeline"`
	Branch      string                `json:"branch"`
	BuildID     string                `json:"buildId,omitempty"`
	State       string                `json:"state"`
	SubmittedAt time.Time             `json:"submittedAt"`
	Outcome     *core.PipelineOutcome `json:"outcome,omitempty"`
	Error       string                `json:"error,omitempty"`
}

type Server struct {
	router *chi.Mux
	opts   Options
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu   sync.RWMutex
	runs map[string]*RunRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Broker == nil {
		opts.Broker = opts.Controller.Approvals
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router: chi.NewRouter(),
		opts:   opts,
		logger: opts.Logger,
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		runs:   make(map[string]*RunRecord),
		ctx:    ctx,
		cancel: cancel,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics)
	}

	s.router.Post("/pipelines", s.handleSubmit)
	s.router.Get("/runs", s.handleListRuns)
	s.router.Get("/runs/{runID}", s.handleGetRun)
	MountApprovals(s.router, s.opts.Broker)

	s.router.Route("/ledger", func(r chi.Router) {
		r.Get("/verify", s.handleVerifyLedger)
		r.Get("/runs/{runID}", s.handleLedgerRun)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Shutdown cancels in-flight runs and waits for them to record their outcome.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues p for execution and returns its run record.
func (s *Server) Submit(p *core.Pipeline, opts core.RunOptions) *RunRecord {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	rec := &RunRecord{
		ID:          opts.RunID,
		Pipeline:    p.Name,
		Branch:      opts.Branch,
		BuildID:     opts.BuildID,
		State:       StateQueued,
		SubmittedAt: time.Now().UTC(),
	}
	// The copy is taken before execute can touch rec.
	snapshot := *rec
	s.mu.Lock()
	s.runs[rec.ID] = rec
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(p, opts)
	return &snapshot
}

func (s *Server) execute(p *core.Pipeline, opts core.RunOptions) {
	defer s.wg.Done()
	logger := s.logger.With("run", opts.RunID, "pipeline", p.Name)

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.update(opts.RunID, func(r *RunRecord) {
			r.State = StateFinished
			r.Error = "server shutting down before run started"
		})
		return
	}
	defer s.sem.Release(1)

	s.update(opts.RunID, func(r *RunRecord) { r.State = StateRunning })
	logger.Info("Run started")

	out, err := s.opts.Controller.Run(s.ctx, p, opts)
	s.update(opts.RunID, func(r *RunRecord) {
		r.State = StateFinished
		r.Outcome = out
		if out != nil {
			r.BuildID = out.BuildID
		}
		if err != nil {
			r.Error = err.Error()
		}
	})
	if err != nil {
		logger.Error("Run ended with internal fault", "error", err)
		return
	}
	logger.Info("Run finished", "status", out.Status)
}

func (s *Server) update(id string, fn func(*RunRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		fn(r)
	}
}

// Run returns a copy of the record for id.
func (s *Server) Run(id string) (RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return RunRecord{}, false
	}
	return *r, true
}

// Runs lists records, newest submission first.
func (s *Server) Runs() []RunRecord {
	s.mu.RLock()
	out := make([]RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// LoggingMiddleware logs each request with its status and latency.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

var errNotFound = errors.New("not found")

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, errNotFound)
}
