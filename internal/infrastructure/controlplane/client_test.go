package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"
	"panelrelay/pkg/circuitbreaker"
	"panelrelay/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorded struct {
	path   string
	apiKey string
	body   map[string]any
}

type webhook struct {
	mu       sync.Mutex
	calls    []recorded
	statuses []int
	hits     atomic.Int32
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	n := int(w.hits.Add(1)) - 1
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	w.mu.Lock()
	w.calls = append(w.calls, recorded{path: r.URL.Path, apiKey: r.Header.Get(APIKeyHeader), body: body})
	status := http.StatusAccepted
	if n < len(w.statuses) {
		status = w.statuses[n]
	}
	w.mu.Unlock()

	rw.WriteHeader(status)
}

func newTestClient(t *testing.T, url string, attempts int) *Client {
	return NewClient(Config{
		WebhookURL: url + "/",
		APIKey:     "cp-key",
		Timeout:    time.Second,
		Retry:      retry.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, Multiplier: 1},
		Breaker:    circuitbreaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute},
	}, zaptest.NewLogger(t).Sugar())
}

func TestClient_RequestStream(t *testing.T) {
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	err := c.RequestStream(context.Background(), ports.StreamRequest{
		StreamID:  "op-1",
		StreamKey: "k",
		PlayerID:  "p1",
		PanelID:   "3",
	})
	require.NoError(t, err)

	require.Len(t, hook.calls, 1)
	assert.Equal(t, "/stream-requests", hook.calls[0].path)
	assert.Equal(t, "cp-key", hook.calls[0].apiKey)
	assert.Equal(t, "op-1", hook.calls[0].body["streamId"])
	assert.Equal(t, "k", hook.calls[0].body["streamKey"])
	assert.Equal(t, "3", hook.calls[0].body["panelId"])
}

func TestClient_ReleaseStream(t *testing.T) {
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	require.NoError(t, c.ReleaseStream(context.Background(), domain.StreamID("abc"), domain.PlayerID("p1")))

	require.Len(t, hook.calls, 1)
	assert.Equal(t, "/stream-releases", hook.calls[0].path)
	assert.Equal(t, "abc", hook.calls[0].body["streamId"])
	assert.Equal(t, "p1", hook.calls[0].body["playerId"])
}

func TestClient_RetriesServerErrors(t *testing.T) {
	hook := &webhook{statuses: []int{http.StatusBadGateway, http.StatusServiceUnavailable}}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	c.breaker = circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 10})
	require.NoError(t, c.ReleaseStream(context.Background(), "abc", ""))
	assert.Equal(t, int32(3), hook.hits.Load())
}

func TestClient_ClientErrorIsPermanent(t *testing.T) {
	hook := &webhook{statuses: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	err := c.ReleaseStream(context.Background(), "abc", "")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, int32(1), hook.hits.Load())
}

func TestClient_BreakerOpens(t *testing.T) {
	hook := &webhook{statuses: []int{500, 500, 500, 500, 500}}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	assert.Error(t, c.ReleaseStream(context.Background(), "a", ""))
	assert.Error(t, c.ReleaseStream(context.Background(), "b", ""))

	err := c.ReleaseStream(context.Background(), "c", "")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), hook.hits.Load())
}

func TestClient_ClientErrorsKeepBreakerClosed(t *testing.T) {
	hook := &webhook{statuses: []int{400, 404, 422, 500, 500}}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	for _, id := range []domain.StreamID{"a", "b", "c"} {
		var se *StatusError
		require.ErrorAs(t, c.ReleaseStream(context.Background(), id, ""), &se)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.breaker.State())

	assert.Error(t, c.ReleaseStream(context.Background(), "d", ""))
	assert.Error(t, c.ReleaseStream(context.Background(), "e", ""))
	assert.ErrorIs(t, c.ReleaseStream(context.Background(), "f", ""), circuitbreaker.ErrOpen)
	assert.Equal(t, int32(5), hook.hits.Load())
}
