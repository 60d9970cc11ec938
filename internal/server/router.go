package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/dspyvisor/internal/dispatch"
	"github.com/loykin/dspyvisor/internal/supervisor"
	"github.com/loykin/dspyvisor/pkg/api"
)

// Worker is the supervised worker as seen by the control API.
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() api.Status
	HealthCheck(ctx context.Context) (api.HealthResponse, error)
	Configure(ctx context.Context, provider, model, apiKey string) (json.RawMessage, error)
	Generate(ctx context.Context, query, queryContext, pipelineType string) (api.GenerateResponse, error)
	AdvancedTeacher(ctx context.Context, query, queryContext, teacherType string) (api.GenerateResponse, error)
	Optimize(ctx context.Context, examples []api.Example, pipelineType string) (api.OptimizeResponse, error)
	ListModels(ctx context.Context) ([]string, error)
	CreatePipeline(ctx context.Context, id string, signature json.RawMessage, typ string) (json.RawMessage, error)
	Request(ctx context.Context, method, endpoint string, payload any) (json.RawMessage, error)
}

// Router provides embeddable HTTP handlers for controlling one worker.
// Endpoints (relative to basePath):
//
//	GET  /status            supervisor and dispatcher snapshot
//	POST /start|/stop|/restart
//	GET  /health            worker /health passthrough
//	POST /configure, /generate, /optimize, /pipeline, /advanced-teacher
//	GET  /models
//	POST /request           raw {method, endpoint, payload}
//	GET  /metrics           when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	w        Worker
	basePath string
	metrics  http.Handler
	log      *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/start, /api/status, ...
func NewRouter(w Worker, basePath string) *Router {
	return &Router{w: w, basePath: sanitizeBase(basePath), log: slog.Default()}
}

// WithMetrics mounts h at {basePath}/metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// WithLogger sets the logger used for failed requests.
func (r *Router) WithLogger(l *slog.Logger) *Router {
	if l != nil {
		r.log = l
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/health", r.handleHealth)
	group.POST("/configure", r.handleConfigure)
	group.POST("/generate", r.handleGenerate)
	group.POST("/optimize", r.handleOptimize)
	group.GET("/models", r.handleModels)
	group.POST("/pipeline", r.handlePipeline)
	group.POST("/advanced-teacher", r.handleAdvancedTeacher)
	group.POST("/request", r.handleRequest)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer returns an HTTP server on addr using this router. The caller runs
// ListenAndServe. There is no write timeout: /start may wait for a
// dependency install.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.w.Status())
}

func (r *Router) handleStart(c *gin.Context) {
	r.lifecycle(c, r.w.Start)
}

func (r *Router) handleStop(c *gin.Context) {
	r.lifecycle(c, r.w.Stop)
}

func (r *Router) handleRestart(c *gin.Context) {
	r.lifecycle(c, r.w.Restart)
}

func (r *Router) lifecycle(c *gin.Context, op func(context.Context) error) {
	if err := op(c.Request.Context()); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.w.Status())
}

func (r *Router) handleHealth(c *gin.Context) {
	h, err := r.w.HealthCheck(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, h)
}

func (r *Router) handleConfigure(c *gin.Context) {
	var req api.ConfigureRequest
	if !bind(c, &req) {
		return
	}
	out, err := r.w.Configure(c.Request.Context(), req.Provider, req.Model, req.APIKey)
	r.reply(c, out, err)
}

func (r *Router) handleGenerate(c *gin.Context) {
	var req api.GenerateRequest
	if !bind(c, &req) {
		return
	}
	out, err := r.w.Generate(c.Request.Context(), req.Query, req.Context, req.PipelineType)
	r.reply(c, out, err)
}

func (r *Router) handleAdvancedTeacher(c *gin.Context) {
	var req api.AdvancedTeacherRequest
	if !bind(c, &req) {
		return
	}
	out, err := r.w.AdvancedTeacher(c.Request.Context(), req.Query, req.Context, req.TeacherType)
	r.reply(c, out, err)
}

func (r *Router) handleOptimize(c *gin.Context) {
	var req api.OptimizeRequest
	if !bind(c, &req) {
		return
	}
	if len(req.Examples) == 0 {
		writeJSON(c, http.StatusBadRequest, api.ErrorResponse{Error: "examples must not be empty"})
		return
	}
	out, err := r.w.Optimize(c.Request.Context(), req.Examples, req.PipelineType)
	r.reply(c, out, err)
}

func (r *Router) handleModels(c *gin.Context) {
	models, err := r.w.ListModels(c.Request.Context())
	r.reply(c, api.ModelsResponse{AvailableModels: models}, err)
}

func (r *Router) handlePipeline(c *gin.Context) {
	var req api.PipelineRequest
	if !bind(c, &req) {
		return
	}
	if req.PipelineID != "" && !isSafeName(req.PipelineID) {
		writeJSON(c, http.StatusBadRequest, api.ErrorResponse{Error: "invalid pipeline_id: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	out, err := r.w.CreatePipeline(c.Request.Context(), req.PipelineID, req.Signature, req.Type)
	r.reply(c, out, err)
}

func (r *Router) handleRequest(c *gin.Context) {
	var req api.RequestBody
	if !bind(c, &req) {
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	out, err := r.w.Request(c.Request.Context(), req.Method, req.Endpoint, payload)
	r.reply(c, out, err)
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeJSON(c, http.StatusBadRequest, api.ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (r *Router) reply(c *gin.Context, v any, err error) {
	if err != nil {
		r.fail(c, err)
		return
	}
	if raw, ok := v.(json.RawMessage); ok && len(raw) == 0 {
		v = json.RawMessage("null")
	}
	writeJSON(c, http.StatusOK, v)
}

func (r *Router) fail(c *gin.Context, err error) {
	code := StatusFor(err)
	r.log.Warn("control request failed", "path", c.FullPath(), "status", code, "error", err)
	writeJSON(c, code, api.ErrorResponse{Error: err.Error()})
}

// StatusFor maps a worker error to an HTTP status code.
func StatusFor(err error) int {
	var we *dispatch.WorkerError
	switch {
	case errors.Is(err, dispatch.ErrUnavailable),
		errors.Is(err, dispatch.ErrClosed),
		errors.Is(err, supervisor.ErrStopped),
		errors.Is(err, supervisor.ErrClosed),
		errors.Is(err, supervisor.ErrFailedPermanently):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrRequestTimeout),
		errors.Is(err, supervisor.ErrStartupTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &we):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
