package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Call is one worker RPC: an HTTP method, an endpoint path and an optional
// JSON payload.
type Call struct {
	Method   string `json:"method"`
	Endpoint string `json:"endpoint"`
	Payload  any    `json:"payload,omitempty"`
}

// Transport performs a single exchange with the worker.
type Transport interface {
	Do(ctx context.Context, call Call) (json.RawMessage, error)
}

// maxBody bounds worker responses; optimization results can be large.
const maxBody = 32 << 20

// HTTPTransport talks JSON over HTTP to the worker's loopback port.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPTransport returns a transport for baseURL (e.g. http://127.0.0.1:8765).
// Deadlines come from the request context, not the client.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (t *HTTPTransport) Do(ctx context.Context, call Call) (json.RawMessage, error) {
	var body io.Reader
	if call.Payload != nil {
		b, err := json.Marshal(call.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", call.Endpoint, err)
		}
		body = bytes.NewReader(b)
	}
	method := call.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+call.Endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, call.Endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", call.Endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &WorkerError{Status: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(b), nil
}
