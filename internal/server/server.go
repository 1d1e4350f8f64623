// Package server exposes correction jobs over HTTP: start, poll, cancel and
// list, plus a reference coverage view.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/andreiashu/sepcorr"
	"github.com/andreiashu/sepcorr/internal/config"
	"github.com/andreiashu/sepcorr/internal/history"
)

// StatusRunning is reported for jobs that have not finished.
const StatusRunning = "running"

// errOutsideDataDir rejects request paths that resolve outside data_dir.
var errOutsideDataDir = errors.New("path is outside the data directory")

// Server bundles router, job registry and history for the job API.
type Server struct {
	cfg     config.Config
	store   *history.Store // optional
	logger  *log.Logger
	engine  *gin.Engine
	baseCtx context.Context
	stop    context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

type job struct {
	id        string
	input     string
	reference string
	handle    *sepcorr.Handle

	mu      sync.Mutex
	percent float64
	message string
	status  string
	summary *sepcorr.Summary
	err     error
}

// JobView is the JSON shape of a job.
type JobView struct {
	ID        string           `json:"id"`
	Input     string           `json:"input"`
	Reference string           `json:"reference"`
	Status    string           `json:"status"`
	Percent   float64          `json:"percent"`
	Message   string           `json:"message"`
	Progress  sepcorr.Snapshot `json:"progress"`
	Summary   *sepcorr.Summary `json:"summary,omitempty"`
	Error     string           `json:"error,omitempty"`
	StartedAt time.Time        `json:"started_at"`
}

type startRequest struct {
	Input     string `json:"input" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// New constructs a server with routes and middleware. store may be nil, in
// which case finished jobs are only kept in memory.
func New(cfg config.Config, store *history.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())

	if cfg.BearerToken != "" {
		engine.Use(bearerAuthMiddleware(cfg.BearerToken))
	}

	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		engine:  engine,
		baseCtx: ctx,
		stop:    stop,
		jobs:    make(map[string]*job),
	}
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until ctx is done. Running jobs are
// cancelled and joined before it returns. A configuration that would expose
// the API on a public address without a token is refused.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Printf("info: listening on %s", s.cfg.ListenAddr)

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}
	s.Close()
	return err
}

// Close cancels every running job and waits for them to finish.
func (s *Server) Close() {
	s.stop()
	s.wg.Wait()
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.POST("/jobs", s.handleStartJob)
	s.engine.GET("/jobs", s.handleListJobs)
	s.engine.GET("/jobs/:id", s.handleGetJob)
	s.engine.DELETE("/jobs/:id", s.handleCancelJob)
	s.engine.GET("/reference/coverage", s.handleCoverage)
}

func bearerAuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if token != expected {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func (s *Server) handleStartJob(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input and reference are required"})
		return
	}
	paths := []*string{&req.Input, &req.Reference}
	for _, p := range paths {
		resolved, err := s.resolvePath(*p)
		if err != nil {
			c.JSON(pathErrorStatus(err), gin.H{"error": err.Error()})
			return
		}
		*p = resolved
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.input == req.Input && j.view().Status == StatusRunning {
			c.JSON(http.StatusConflict, gin.H{"error": "a job is already running for this input", "id": j.id})
			return
		}
	}

	j := &job{
		id:        uuid.NewString(),
		input:     req.Input,
		reference: req.Reference,
		status:    StatusRunning,
		percent:   -1,
	}
	j.handle = sepcorr.Start(s.baseCtx, req.Input, req.Reference, j.progress, s.cfg.EngineOptions(s.logger)...)
	s.jobs[j.id] = j

	s.wg.Add(1)
	go s.finish(j)

	s.logger.Printf("info: job %s started for %s", j.id, j.input)
	c.JSON(http.StatusAccepted, gin.H{"id": j.id, "status": StatusRunning})
}

func (j *job) progress(percent float64, message string) {
	j.mu.Lock()
	j.percent = percent
	j.message = message
	j.mu.Unlock()
}

// finish waits for j and records its outcome.
func (s *Server) finish(j *job) {
	defer s.wg.Done()
	sum, err := j.handle.Wait()
	entry := history.FromSummary(j.id, sum, err, j.handle.Started())

	j.mu.Lock()
	j.status = entry.Status
	j.summary = &sum
	j.err = err
	j.mu.Unlock()

	if err != nil && !sepcorr.IsCancelled(err) {
		s.logger.Printf("warning: job %s failed: %v", j.id, err)
	} else {
		s.logger.Printf("info: job %s %s after %d lines", j.id, entry.Status, sum.TotalLines)
	}

	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.Record(ctx, entry); err != nil {
		s.logger.Printf("warning: recording job %s: %v", j.id, err)
	}
}

func (j *job) view() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()
	v := JobView{
		ID:        j.id,
		Input:     j.input,
		Reference: j.reference,
		Status:    j.status,
		Percent:   j.percent,
		Message:   j.message,
		Progress:  j.handle.State(),
		Summary:   j.summary,
		StartedAt: j.handle.Started(),
	}
	if j.err != nil && !sepcorr.IsCancelled(j.err) {
		v.Error = j.err.Error()
	}
	if j.summary != nil && j.err == nil {
		v.Percent = 100
		v.Message = j.handle.State().Message()
	}
	return v
}

func (s *Server) lookup(id string) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *Server) handleGetJob(c *gin.Context) {
	id := c.Param("id")
	if j, ok := s.lookup(id); ok {
		c.JSON(http.StatusOK, j.view())
		return
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()
		entry, err := s.store.Get(ctx, id)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, entry)
			return
		case !errors.Is(err, history.ErrNotFound):
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	j, ok := s.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if j.view().Status != StatusRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "job has already finished"})
		return
	}
	j.handle.Cancel()
	c.JSON(http.StatusAccepted, gin.H{"id": j.id, "status": "cancelling"})
}

func (s *Server) handleListJobs(c *gin.Context) {
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	s.mu.Lock()
	running := make([]JobView, 0, len(s.jobs))
	for _, j := range s.jobs {
		if v := j.view(); v.Status == StatusRunning {
			running = append(running, v)
		}
	}
	s.mu.Unlock()

	resp := gin.H{"running": running}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()
		entries, err := s.store.Recent(ctx, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if entries == nil {
			entries = []history.Entry{}
		}
		resp["history"] = entries
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCoverage(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	precision := 5
	if precStr := c.Query("precision"); precStr != "" {
		parsed, err := strconv.Atoi(precStr)
		if err != nil || parsed < 1 || parsed > 12 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid precision"})
			return
		}
		precision = parsed
	}

	path, err := s.resolvePath(path)
	if err != nil {
		c.JSON(pathErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	table, err := sepcorr.LoadReferenceTable(path, s.cfg.EngineOptions(s.logger)...)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{
		"path":    path,
		"points":  table.PointCount(),
		"invalid": table.InvalidCount(),
		"cells":   table.Coverage(precision),
	}
	if b, ok := table.Bounds(); ok {
		resp["bounds"] = b
	}
	c.JSON(http.StatusOK, resp)
}

// resolvePath checks that p exists and, when data_dir is set, that it lies
// below it after symlinks are followed. Relative paths are taken relative
// to data_dir.
func (s *Server) resolvePath(p string) (string, error) {
	if s.cfg.DataDir == "" {
		if _, err := os.Stat(p); err != nil {
			return "", err
		}
		return p, nil
	}
	root, err := filepath.Abs(s.cfg.DataDir)
	if err != nil {
		return "", err
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideDataDir
	}
	return resolved, nil
}

func pathErrorStatus(err error) int {
	if errors.Is(err, errOutsideDataDir) {
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}
