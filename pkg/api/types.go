// Package api holds the JSON shapes of the worker RPC surface and of the
// daemon's control API.
package api

import (
	"encoding/json"
	"time"
)

// Worker RPC endpoints.
const (
	EndpointHealth          = "/health"
	EndpointConfigure       = "/configure"
	EndpointGenerate        = "/generate"
	EndpointOptimize        = "/optimize"
	EndpointModels          = "/models"
	EndpointPipeline        = "/pipeline"
	EndpointAdvancedTeacher = "/advanced-teacher"
)

// DefaultPipeline is used when a call names no pipeline type.
const DefaultPipeline = "basic"

// ConfigureRequest selects the LM provider and model inside the worker.
type ConfigureRequest struct {
	Provider string `json:"provider" binding:"required"`
	Model    string `json:"model" binding:"required"`
	APIKey   string `json:"api_key"`
}

// GenerateRequest runs one pipeline over a query.
type GenerateRequest struct {
	Query        string `json:"query" binding:"required"`
	Context      string `json:"context"`
	PipelineType string `json:"pipeline_type"`
}

// Example is one input/output pair used to optimize a pipeline.
type Example struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// OptimizeRequest compiles a pipeline against examples.
type OptimizeRequest struct {
	Examples     []Example `json:"examples" binding:"required"`
	PipelineType string    `json:"pipeline_type"`
}

// PipelineRequest creates a custom pipeline from a signature.
type PipelineRequest struct {
	PipelineID string          `json:"pipeline_id"`
	Signature  json.RawMessage `json:"signature"`
	Type       string          `json:"type"`
}

// AdvancedTeacherRequest runs a subject teacher module (math, physics,
// chemistry).
type AdvancedTeacherRequest struct {
	Query       string `json:"query" binding:"required"`
	Context     string `json:"context"`
	TeacherType string `json:"teacher_type" binding:"required"`
}

// HealthResponse is the worker's liveness payload.
type HealthResponse struct {
	Status     string `json:"status"`
	Configured bool   `json:"configured,omitempty"`
}

// GenerateResponse is returned by /generate and /advanced-teacher. A
// non-empty Error means the worker failed while answering with 200.
type GenerateResponse struct {
	Response     string `json:"response"`
	Reasoning    string `json:"reasoning,omitempty"`
	PipelineType string `json:"pipeline_type,omitempty"`
	Error        string `json:"error,omitempty"`
}

// OptimizeResponse reports the compiled pipeline.
type OptimizeResponse struct {
	PipelineID string `json:"pipeline_id"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ModelsResponse lists models the worker can drive.
type ModelsResponse struct {
	AvailableModels []string `json:"available_models"`
}

// Message is one chat turn, used to derive optimization examples.
type Message struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// RequestBody is the raw pass-through call accepted by the control API.
type RequestBody struct {
	Method   string          `json:"method" binding:"required"`
	Endpoint string          `json:"endpoint" binding:"required"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Resources is the worker's sampled OS usage.
type Resources struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	NumThreads int32   `json:"num_threads"`
}

// Status is the supervisor snapshot served by GET /status.
type Status struct {
	Name         string     `json:"name"`
	Running      bool       `json:"running"`
	Healthy      bool       `json:"healthy"`
	State        string     `json:"state"`
	RestartCount int        `json:"restart_count"`
	LastError    string     `json:"last_error,omitempty"`
	PendingCount int        `json:"pending_count"`
	QueueLength  int        `json:"queue_length"`
	InFlight     int        `json:"in_flight"`
	PID          int        `json:"pid,omitempty"`
	RunID        string     `json:"run_id,omitempty"`
	StartedAt    time.Time  `json:"started_at,omitempty"`
	Resources    *Resources `json:"resources,omitempty"`
}

// ErrorResponse is the control API error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
