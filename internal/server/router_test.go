package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/dspyvisor/internal/dispatch"
	"github.com/loykin/dspyvisor/internal/supervisor"
	"github.com/loykin/dspyvisor/pkg/api"
)

type fakeWorker struct {
	state    string
	err      error
	lastCall string
	lastArgs []string
	payload  any
}

func (f *fakeWorker) Start(context.Context) error {
	f.lastCall = "start"
	f.state = "running"
	return f.err
}
func (f *fakeWorker) Stop(context.Context) error {
	f.lastCall = "stop"
	f.state = "stopped"
	return f.err
}
func (f *fakeWorker) Restart(context.Context) error { f.lastCall = "restart"; return f.err }
func (f *fakeWorker) Status() api.Status {
	return api.Status{Name: "dspy", State: f.state, Running: f.state == "running"}
}

func (f *fakeWorker) HealthCheck(context.Context) (api.HealthResponse, error) {
	return api.HealthResponse{Status: "healthy"}, f.err
}

func (f *fakeWorker) Configure(_ context.Context, provider, model, apiKey string) (json.RawMessage, error) {
	f.lastArgs = []string{provider, model, apiKey}
	return json.RawMessage(`{"status":"configured"}`), f.err
}

func (f *fakeWorker) Generate(_ context.Context, q, c, p string) (api.GenerateResponse, error) {
	f.lastArgs = []string{q, c, p}
	return api.GenerateResponse{Response: "answer:" + q}, f.err
}

func (f *fakeWorker) AdvancedTeacher(_ context.Context, q, c, t string) (api.GenerateResponse, error) {
	f.lastArgs = []string{q, c, t}
	return api.GenerateResponse{Response: t}, f.err
}

func (f *fakeWorker) Optimize(_ context.Context, ex []api.Example, p string) (api.OptimizeResponse, error) {
	f.lastArgs = []string{fmt.Sprint(len(ex)), p}
	return api.OptimizeResponse{PipelineID: "opt"}, f.err
}

func (f *fakeWorker) ListModels(context.Context) ([]string, error) {
	return []string{"gpt-4o"}, f.err
}

func (f *fakeWorker) CreatePipeline(_ context.Context, id string, sig json.RawMessage, typ string) (json.RawMessage, error) {
	f.lastArgs = []string{id, string(sig), typ}
	return nil, f.err
}

func (f *fakeWorker) Request(_ context.Context, method, endpoint string, payload any) (json.RawMessage, error) {
	f.lastArgs = []string{method, endpoint}
	f.payload = payload
	return json.RawMessage(`{"raw":true}`), f.err
}

func setupRouter(t *testing.T, base string, w Worker) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(w, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestLifecycleEndpoints(t *testing.T) {
	w := &fakeWorker{state: "stopped"}
	h := setupRouter(t, "/api", w)

	rec := doReq(t, h, http.MethodPost, "/api/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[api.Status](t, rec).Running)

	rec = doReq(t, h, http.MethodPost, "/api/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", decode[api.Status](t, rec).State)

	rec = doReq(t, h, http.MethodPost, "/api/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "restart", w.lastCall)

	rec = doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dspy", decode[api.Status](t, rec).Name)
}

func TestGenerateForwardsFields(t *testing.T) {
	w := &fakeWorker{}
	h := setupRouter(t, "", w)

	rec := doReq(t, h, http.MethodPost, "/generate", api.GenerateRequest{Query: "q", Context: "ctx", PipelineType: "cot"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "answer:q", decode[api.GenerateResponse](t, rec).Response)
	assert.Equal(t, []string{"q", "ctx", "cot"}, w.lastArgs)
}

func TestGenerateRequiresQuery(t *testing.T) {
	h := setupRouter(t, "", &fakeWorker{})
	rec := doReq(t, h, http.MethodPost, "/generate", map[string]string{"context": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[api.ErrorResponse](t, rec).Error, "invalid JSON")
}

func TestConfigureAndTeacher(t *testing.T) {
	w := &fakeWorker{}
	h := setupRouter(t, "", w)

	rec := doReq(t, h, http.MethodPost, "/configure", api.ConfigureRequest{Provider: "openai", Model: "gpt-4o", APIKey: "sk"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"configured"}`, rec.Body.String())
	assert.Equal(t, []string{"openai", "gpt-4o", "sk"}, w.lastArgs)

	rec = doReq(t, h, http.MethodPost, "/advanced-teacher", api.AdvancedTeacherRequest{Query: "q", TeacherType: "math"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "math", decode[api.GenerateResponse](t, rec).Response)

	rec = doReq(t, h, http.MethodPost, "/advanced-teacher", api.AdvancedTeacherRequest{Query: "q"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOptimizeRejectsEmptyExamples(t *testing.T) {
	w := &fakeWorker{}
	h := setupRouter(t, "", w)

	rec := doReq(t, h, http.MethodPost, "/optimize", api.OptimizeRequest{Examples: []api.Example{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/optimize", api.OptimizeRequest{Examples: []api.Example{{Input: "a", Output: "b"}}, PipelineType: "qa"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"1", "qa"}, w.lastArgs)
}

func TestPipelineValidatesID(t *testing.T) {
	w := &fakeWorker{}
	h := setupRouter(t, "", w)

	rec := doReq(t, h, http.MethodPost, "/pipeline", map[string]any{"pipeline_id": "../x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/pipeline", map[string]any{"pipeline_id": "custom_1", "signature": map[string]any{"inputs": []string{"q"}}, "type": "cot"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", string(bytes.TrimSpace(rec.Body.Bytes())))
	assert.Equal(t, "custom_1", w.lastArgs[0])
	assert.JSONEq(t, `{"inputs":["q"]}`, w.lastArgs[1])
}

func TestRawRequest(t *testing.T) {
	w := &fakeWorker{}
	h := setupRouter(t, "", w)

	rec := doReq(t, h, http.MethodPost, "/request", api.RequestBody{Method: "GET", Endpoint: "/models"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"GET", "/models"}, w.lastArgs)
	assert.Nil(t, w.payload)

	rec = doReq(t, h, http.MethodPost, "/request", map[string]string{"method": "GET"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModels(t *testing.T) {
	h := setupRouter(t, "/api", &fakeWorker{})
	rec := doReq(t, h, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"gpt-4o"}, decode[api.ModelsResponse](t, rec).AvailableModels)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{dispatch.ErrUnavailable, http.StatusServiceUnavailable},
		{supervisor.ErrStopped, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: boom", supervisor.ErrFailedPermanently), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: GET /models after 1s", dispatch.ErrRequestTimeout), http.StatusGatewayTimeout},
		{supervisor.ErrStartupTimeout, http.StatusGatewayTimeout},
		{&dispatch.WorkerError{Status: 500, Message: "Internal Server Error"}, http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			h := setupRouter(t, "", &fakeWorker{err: tc.err})
			rec := doReq(t, h, http.MethodGet, "/models", nil)
			require.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.err.Error(), decode[api.ErrorResponse](t, rec).Error)
		})
	}
}

func TestMetricsMountedWhenSet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("dspyvisor_up 1\n"))
	})
	h := NewRouter(&fakeWorker{}, "/api").WithMetrics(metrics).Handler()
	rec := doReq(t, h, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dspyvisor_up")

	h = setupRouter(t, "/api", &fakeWorker{})
	rec = doReq(t, h, http.MethodGet, "/api/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
