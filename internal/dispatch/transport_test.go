package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransport_PostsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/configure", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"provider":"openai","model":"gpt-4o","api_key":"k"}`, string(b))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"configured"}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL + "/")
	body, err := tr.Do(context.Background(), Call{
		Method:   http.MethodPost,
		Endpoint: "/configure",
		Payload:  map[string]string{"provider": "openai", "model": "gpt-4o", "api_key": "k"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"configured"}`, string(body))
}

func TestHTTPTransport_NonSuccessIsWorkerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.URL).Do(context.Background(), Call{Method: http.MethodGet, Endpoint: "/models"})
	var we *WorkerError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, 500, we.Status)
	assert.Equal(t, "HTTP 500: Internal Server Error", we.Error())
}

func TestHTTPTransport_EmptyBodyIsNull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	body, err := NewHTTPTransport(srv.URL).Do(context.Background(), Call{Endpoint: "/health"})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), body)
}

func TestHTTPTransport_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPTransport(url).Do(context.Background(), Call{Method: http.MethodGet, Endpoint: "/health"})
	require.Error(t, err)
	var we *WorkerError
	assert.False(t, errors.As(err, &we))
}
