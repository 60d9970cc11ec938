package dspyvisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/dspyvisor/internal/dispatch"
	"github.com/loykin/dspyvisor/pkg/api"
)

// ErrNoExamples is returned by OptimizeWithHistory when the history holds no
// user/assistant pair.
var ErrNoExamples = errors.New("no valid examples found in chat history")

// HealthCheck asks the worker for its liveness payload.
func (c *Client) HealthCheck(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.call(ctx, http.MethodGet, api.EndpointHealth, nil, &out)
	return out, err
}

// Configure selects the provider and model the worker drives.
func (c *Client) Configure(ctx context.Context, provider, model, apiKey string) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPost, api.EndpointConfigure, api.ConfigureRequest{
		Provider: provider,
		Model:    model,
		APIKey:   apiKey,
	})
}

// ConfigureModel configures from a "vendor/model" identifier.
func (c *Client) ConfigureModel(ctx context.Context, model, apiKey string) (json.RawMessage, error) {
	provider, name := ResolveProvider(model)
	return c.Configure(ctx, provider, name, apiKey)
}

// Generate runs a pipeline over query. An empty pipelineType means "basic".
func (c *Client) Generate(ctx context.Context, query, queryContext, pipelineType string) (api.GenerateResponse, error) {
	if pipelineType == "" {
		pipelineType = api.DefaultPipeline
	}
	var out api.GenerateResponse
	err := c.call(ctx, http.MethodPost, api.EndpointGenerate, api.GenerateRequest{
		Query:        query,
		Context:      queryContext,
		PipelineType: pipelineType,
	}, &out)
	if err == nil && out.Error != "" {
		err = &dispatch.WorkerError{Message: out.Error}
	}
	return out, err
}

// AdvancedTeacher runs a subject teacher module (math, physics, chemistry).
func (c *Client) AdvancedTeacher(ctx context.Context, query, queryContext, teacherType string) (api.GenerateResponse, error) {
	var out api.GenerateResponse
	err := c.call(ctx, http.MethodPost, api.EndpointAdvancedTeacher, api.AdvancedTeacherRequest{
		Query:       query,
		Context:     queryContext,
		TeacherType: teacherType,
	}, &out)
	if err == nil && out.Error != "" {
		err = &dispatch.WorkerError{Message: out.Error}
	}
	return out, err
}

// GenerateForProfile routes query to the pipeline or teacher module the
// profile selects.
func (c *Client) GenerateForProfile(ctx context.Context, profile, query, queryContext string) (api.GenerateResponse, error) {
	pipeline, teacher := PipelineForProfile(profile)
	if teacher != "" {
		return c.AdvancedTeacher(ctx, query, queryContext, teacher)
	}
	return c.Generate(ctx, query, queryContext, pipeline)
}

// Optimize compiles a pipeline against examples.
func (c *Client) Optimize(ctx context.Context, examples []api.Example, pipelineType string) (api.OptimizeResponse, error) {
	if pipelineType == "" {
		pipelineType = api.DefaultPipeline
	}
	if examples == nil {
		examples = []api.Example{}
	}
	var out api.OptimizeResponse
	err := c.call(ctx, http.MethodPost, api.EndpointOptimize, api.OptimizeRequest{
		Examples:     examples,
		PipelineType: pipelineType,
	}, &out)
	if err == nil && out.Error != "" {
		err = &dispatch.WorkerError{Message: out.Error}
	}
	return out, err
}

// OptimizeWithHistory derives examples from a chat transcript and optimizes.
func (c *Client) OptimizeWithHistory(ctx context.Context, msgs []api.Message, pipelineType string) (api.OptimizeResponse, error) {
	examples := ExamplesFromHistory(msgs)
	if len(examples) == 0 {
		return api.OptimizeResponse{}, ErrNoExamples
	}
	return c.Optimize(ctx, examples, pipelineType)
}

// ListModels returns the models the worker can drive.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	var out api.ModelsResponse
	if err := c.call(ctx, http.MethodGet, api.EndpointModels, nil, &out); err != nil {
		return nil, err
	}
	if out.AvailableModels == nil {
		return []string{}, nil
	}
	return out.AvailableModels, nil
}

// CreatePipeline registers a custom pipeline. An empty id is generated as
// custom_<unix millis>; an empty type means "predict".
func (c *Client) CreatePipeline(ctx context.Context, id string, signature json.RawMessage, typ string) (json.RawMessage, error) {
	if id == "" {
		id = "custom_" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	if typ == "" {
		typ = "predict"
	}
	if len(signature) == 0 {
		signature = json.RawMessage("{}")
	}
	return c.Request(ctx, http.MethodPost, api.EndpointPipeline, api.PipelineRequest{
		PipelineID: id,
		Signature:  signature,
		Type:       typ,
	})
}

var providers = map[string]string{
	"openai":     "openai",
	"anthropic":  "anthropic",
	"google":     "google",
	"deepseek":   "deepseek",
	"openrouter": "openai", // OpenAI-compatible API
}

// ResolveProvider splits "vendor/model" into the worker's provider name and
// the model name. Unknown vendors map to openai; a bare model keeps its name.
func ResolveProvider(model string) (provider, name string) {
	vendor, rest, found := strings.Cut(model, "/")
	provider, ok := providers[strings.ToLower(vendor)]
	if !ok {
		provider = "openai"
	}
	if !found {
		return provider, model
	}
	return provider, rest
}

// PipelineForProfile maps a UI profile to a pipeline type, or to a teacher
// type for the advanced_<subject>_teacher profiles.
func PipelineForProfile(profile string) (pipeline, teacher string) {
	switch profile {
	case "interview":
		return "cot", ""
	case "coding":
		return "basic", ""
	case "analysis":
		return "qa", ""
	case "math_teacher", "physics_teacher", "chemistry_teacher":
		return profile, ""
	case "advanced_math_teacher", "advanced_physics_teacher", "advanced_chemistry_teacher":
		t := strings.TrimSuffix(strings.TrimPrefix(profile, "advanced_"), "_teacher")
		return profile, t
	}
	return api.DefaultPipeline, ""
}

// ExamplesFromHistory pairs consecutive user/assistant messages into
// optimization examples. Pairs are taken at even offsets; others are skipped.
func ExamplesFromHistory(msgs []api.Message) []api.Example {
	var out []api.Example
	for i := 0; i+1 < len(msgs); i += 2 {
		u, a := msgs[i], msgs[i+1]
		if u.Sender == "user" && a.Sender == "assistant" {
			out = append(out, api.Example{Input: u.Text, Output: a.Text})
		}
	}
	return out
}
