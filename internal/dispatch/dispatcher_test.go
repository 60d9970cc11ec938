package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcTransport adapts a function to Transport.
type funcTransport func(ctx context.Context, call Call) (json.RawMessage, error)

func (f funcTransport) Do(ctx context.Context, call Call) (json.RawMessage, error) {
	return f(ctx, call)
}

func newDispatcher(t *testing.T, tr Transport, opts Options) *Dispatcher {
	t.Helper()
	d, err := New(tr, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func hang(ctx context.Context, _ Call) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRequest_TimesOutWhenWorkerNeverResponds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	d := newDispatcher(t, NewHTTPTransport(srv.URL), Options{Timeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := d.Request(context.Background(), Call{Method: http.MethodPost, Endpoint: "/generate", Payload: map[string]string{"query": "q"}})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	require.Eventually(t, func() bool { return d.Stats() == Stats{} }, time.Second, 5*time.Millisecond)
}

func TestRequest_ConcurrentCallsMatchedToCallers(t *testing.T) {
	// the first call answers last
	tr := funcTransport(func(ctx context.Context, call Call) (json.RawMessage, error) {
		q := call.Payload.(map[string]string)["query"]
		if q == "first" {
			time.Sleep(80 * time.Millisecond)
		}
		return json.Marshal(map[string]string{"result": "answer to " + q})
	})
	d := newDispatcher(t, tr, Options{Timeout: time.Second, MaxInFlight: 4})

	var wg sync.WaitGroup
	got := make([]string, 2)
	for i, q := range []string{"first", "second"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := d.Request(context.Background(), Call{Method: "POST", Endpoint: "/generate", Payload: map[string]string{"query": q}})
			assert.NoError(t, err)
			var out map[string]string
			assert.NoError(t, json.Unmarshal(body, &out))
			got[i] = out["result"]
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()
	assert.Equal(t, []string{"answer to first", "answer to second"}, got)
}

func TestRequest_LateResponseDoesNotLeak(t *testing.T) {
	release := make(chan struct{})
	tr := funcTransport(func(ctx context.Context, call Call) (json.RawMessage, error) {
		if call.Endpoint == "/slow" {
			<-release
			return json.RawMessage(`"late"`), nil
		}
		return json.RawMessage(`"fast"`), nil
	})
	d := newDispatcher(t, tr, Options{Timeout: 50 * time.Millisecond, MaxInFlight: 2})

	_, err := d.Request(context.Background(), Call{Method: "GET", Endpoint: "/slow"})
	require.ErrorIs(t, err, ErrRequestTimeout)

	close(release)
	body, err := d.Request(context.Background(), Call{Method: "GET", Endpoint: "/fast"})
	require.NoError(t, err)
	assert.JSONEq(t, `"fast"`, string(body))
	require.Eventually(t, func() bool { return d.Stats() == Stats{} }, time.Second, 5*time.Millisecond)
}

func TestRequest_UnavailableFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	tr := funcTransport(func(context.Context, Call) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	})
	d := newDispatcher(t, tr, Options{Timeout: time.Second, Available: func() bool { return false }})

	_, err := d.Request(context.Background(), Call{Method: "GET", Endpoint: "/models"})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, Stats{}, d.Stats())
}

func TestRequest_MaxInFlightBoundsConcurrency(t *testing.T) {
	var cur, peak atomic.Int32
	tr := funcTransport(func(ctx context.Context, call Call) (json.RawMessage, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return json.RawMessage(`{}`), nil
	})
	d := newDispatcher(t, tr, Options{Timeout: 5 * time.Second, MaxInFlight: 2})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Request(context.Background(), Call{Method: "GET", Endpoint: "/health"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestRequest_SingleFlightPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int
	tr := funcTransport(func(ctx context.Context, call Call) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, call.Payload.(int))
		mu.Unlock()
		return json.RawMessage(`null`), nil
	})
	d := newDispatcher(t, tr, Options{Timeout: time.Second, MaxInFlight: 1})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Request(context.Background(), Call{Method: "POST", Endpoint: "/optimize", Payload: i})
		}()
		// let each call enqueue before the next
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == i+1
		}, time.Second, time.Millisecond)
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRejectAll_SettlesQueuedAndInFlight(t *testing.T) {
	d := newDispatcher(t, funcTransport(hang), Options{Timeout: 10 * time.Second, MaxInFlight: 1})
	stopped := errors.New("worker stopped")

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := d.Request(context.Background(), Call{Method: "GET", Endpoint: "/models"})
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		st := d.Stats()
		return st.Pending == 3 && st.InFlight == 1 && st.Queued == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, d.RejectAll(stopped))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-errs, stopped)
	}
	require.Eventually(t, func() bool { return d.Stats() == Stats{} }, time.Second, 5*time.Millisecond)
}

func TestRequest_CallerCancellation(t *testing.T) {
	d := newDispatcher(t, funcTransport(hang), Options{Timeout: 10 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := d.Request(ctx, Call{Method: "GET", Endpoint: "/models"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, d.Stats().Pending)
}

func TestClose_RejectsAndRefuses(t *testing.T) {
	d, err := New(funcTransport(hang), Options{Timeout: 10 * time.Second})
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() {
		_, err := d.Request(context.Background(), Call{Method: "GET", Endpoint: "/health"})
		errc <- err
	}()
	require.Eventually(t, func() bool { return d.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Close())
	assert.ErrorIs(t, <-errc, ErrClosed)
	_, err = d.Request(context.Background(), Call{Method: "GET", Endpoint: "/health"})
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, d.Close())
}

// Every call settles exactly once even when timeouts race responses.
func TestRequest_SettlesExactlyOnceUnderRaces(t *testing.T) {
	tr := funcTransport(func(ctx context.Context, call Call) (json.RawMessage, error) {
		time.Sleep(time.Duration(call.Payload.(int)%3) * 10 * time.Millisecond)
		return json.RawMessage(fmt.Sprintf("%d", call.Payload.(int))), nil
	})
	d := newDispatcher(t, tr, Options{Timeout: 15 * time.Millisecond, MaxInFlight: 4})

	var wg sync.WaitGroup
	var ok, timedOut atomic.Int32
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := d.Request(context.Background(), Call{Method: "POST", Endpoint: "/generate", Payload: i})
			switch {
			case err == nil:
				assert.Equal(t, fmt.Sprintf("%d", i), string(body))
				ok.Add(1)
			case errors.Is(err, ErrRequestTimeout):
				timedOut.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(60), ok.Load()+timedOut.Load())
	require.Eventually(t, func() bool { return d.Stats() == Stats{} }, time.Second, 5*time.Millisecond)
}

func TestNew_RejectsZeroTimeout(t *testing.T) {
	_, err := New(funcTransport(hang), Options{})
	assert.Error(t, err)
}
