package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/cwbudde/clvecadd/internal/cl"
	"github.com/cwbudde/clvecadd/internal/probe"
	"github.com/cwbudde/clvecadd/internal/store"
)

// Options configures a Server. Driver is required.
type Options struct {
	Addr   string
	Driver cl.Driver
	// Store receives completed runs; nil disables persistence.
	Store store.Store
	// KernelDir is the directory kernel paths in job requests resolve
	// against. Empty means the working directory.
	KernelDir  string
	MaxJobs    int
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// Server represents the HTTP server
type Server struct {
	jobManager   *JobManager
	addr         string
	driver       cl.Driver
	store        store.Store
	kernelDir    string
	jobTimeout   time.Duration
	pingInterval time.Duration
	logger       *slog.Logger

	// device is a one-slot semaphore; holding it grants the device.
	device  chan struct{}
	baseCtx context.Context
	stop    context.CancelFunc
	workers sync.WaitGroup
	server  *http.Server
}

// NewServer creates a new HTTP server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	kernelDir := opts.KernelDir
	if kernelDir == "" {
		kernelDir = "."
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		jobManager:   NewJobManager(opts.MaxJobs),
		addr:         opts.Addr,
		driver:       opts.Driver,
		store:        opts.Store,
		kernelDir:    kernelDir,
		jobTimeout:   opts.JobTimeout,
		pingInterval: 30 * time.Second,
		logger:       logger,
		device:       make(chan struct{}, 1),
		baseCtx:      ctx,
		stop:         stop,
	}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed API wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)
	mux.HandleFunc("/api/v1/platforms", s.handlePlatforms)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server and blocks until it stops. A graceful
// Shutdown makes Start return nil.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.addr, "driver", s.driver.Name())
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, cancels unfinished jobs and waits for
// their workers, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	err := s.server.Shutdown(ctx)

	s.jobManager.CancelAll()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("waiting for jobs: %w", ctx.Err()))
	}
	return err
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}
	jobID := parts[0]

	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodDelete:
		s.handleCancelJob(w, r, jobID)
	case (sub == "" || sub == "status") && r.Method == http.MethodGet:
		s.handleGetJobStatus(w, r, jobID)
	case sub == "events" && r.Method == http.MethodGet:
		s.handleJobStream(w, r, jobID)
	case sub == "" || sub == "status" || sub == "events":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var config JobConfig
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
			return
		}
	}
	if err := config.normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := resolveKernelPath(s.kernelDir, config.KernelPath); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job := s.startJob(config)

	s.logger.Info("Job created", "job_id", job.ID, "count", config.Count, "seed", *config.Seed)
	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// jobStatus is the body of GET /api/v1/jobs/:id/status.
type jobStatus struct {
	*Job
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, jobStatus{Job: job, ElapsedSeconds: job.Elapsed().Seconds()})
}

// handleCancelJob handles DELETE /api/v1/jobs/:id
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	err := s.jobManager.Cancel(jobID)
	switch {
	case errors.Is(err, ErrJobNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, ErrJobFinished):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// platformsResponse is the body of GET /api/v1/platforms.
type platformsResponse struct {
	Driver    string            `json:"driver"`
	Platforms []cl.PlatformInfo `json:"platforms"`
	Host      probe.Host        `json:"host"`
}

// handlePlatforms handles GET /api/v1/platforms
func (s *Server) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	inv, err := probe.Inventory(s.driver)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if inv == nil {
		inv = []cl.PlatformInfo{}
	}
	writeJSON(w, http.StatusOK, platformsResponse{
		Driver:    s.driver.Name(),
		Platforms: inv,
		Host:      probe.HostInfo(),
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
