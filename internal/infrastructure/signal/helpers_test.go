package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"
	"panelrelay/internal/core/services"

	"go.uber.org/zap/zaptest"
)

type fakeTransport struct {
	mu     sync.Mutex
	msgs   []*domain.Message
	closed bool
}

func (t *fakeTransport) Send(msg *domain.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	t.msgs = append(t.msgs, msg)
	return nil
}

func (t *fakeTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// take returns and clears everything received so far.
func (t *fakeTransport) take() []*domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.msgs
	t.msgs = nil
	return out
}

func (t *fakeTransport) ofType(typ domain.MessageType) []*domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*domain.Message
	for _, m := range t.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeControlPlane struct {
	mu       sync.Mutex
	requests []ports.StreamRequest
	releases []domain.StreamID
	err      error
}

func (f *fakeControlPlane) RequestStream(_ context.Context, req ports.StreamRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.err
}

func (f *fakeControlPlane) ReleaseStream(_ context.Context, id domain.StreamID, _ domain.PlayerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, id)
	return f.err
}

func (f *fakeControlPlane) Requests() []ports.StreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.StreamRequest(nil), f.requests...)
}

func (f *fakeControlPlane) Releases() []domain.StreamID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.StreamID(nil), f.releases...)
}

const testMonitorKey = "monitor-key"

type routerFixture struct {
	router *Router
	clock  *fakeClock
	cp     *fakeControlPlane
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		clock: &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		cp:    &fakeControlPlane{},
	}

	connN, streamN, keyN := 0, 0, 0
	f.router = NewRouter(RouterConfig{
		GraceWindow:     30 * time.Second,
		HeartbeatWindow: 60 * time.Second,
		Verifier:        services.APIKeyVerifier{Expected: testMonitorKey},
		ControlPlane:    f.cp,
		Now:             f.clock.Now,
		NewConnID: func() domain.ConnID {
			connN++
			return domain.ConnID(fmt.Sprintf("V%d", connN))
		},
		NewStreamID: func() domain.StreamID {
			streamN++
			return domain.StreamID(fmt.Sprintf("op-%d", streamN))
		},
		NewSecret: func() (domain.SecretKey, error) {
			keyN++
			return domain.SecretKey(fmt.Sprintf("K%d", keyN)), nil
		},
	}, zaptest.NewLogger(t).Sugar())
	return f
}

func (f *routerFixture) connect() (domain.ConnID, *fakeTransport) {
	t := &fakeTransport{}
	return f.router.Connect(t), t
}

func (f *routerFixture) send(id domain.ConnID, frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	f.router.HandleFrame(id, data)
}

func (f *routerFixture) producer(t *testing.T, key domain.SecretKey) (domain.ConnID, *fakeTransport) {
	t.Helper()
	id, tr := f.connect()
	f.send(id, map[string]any{"type": "register-streamer", "streamKey": key})
	return id, tr
}

func (f *routerFixture) viewer(t *testing.T, key domain.SecretKey) (domain.ConnID, *fakeTransport) {
	t.Helper()
	id, tr := f.connect()
	f.send(id, map[string]any{"type": "register-viewer", "streamKey": key})
	return id, tr
}

func (f *routerFixture) operator(t *testing.T) (domain.ConnID, *fakeTransport) {
	t.Helper()
	id, tr := f.connect()
	f.send(id, map[string]any{"type": "register-monitor", "apiKey": testMonitorKey})
	return id, tr
}
