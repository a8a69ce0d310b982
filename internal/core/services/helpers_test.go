package services

import (
	"fmt"
	"sync"
	"time"

	"panelrelay/internal/core/domain"
)

type sent struct {
	conn domain.ConnID
	msg  *domain.Message
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *recordingNotifier) Notify(conn domain.ConnID, msg *domain.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{conn: conn, msg: msg})
}

func (n *recordingNotifier) to(conn domain.ConnID) []*domain.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*domain.Message
	for _, s := range n.sent {
		if s.conn == conn {
			out = append(out, s.msg)
		}
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func sequentialSecrets() func() (domain.SecretKey, error) {
	n := 0
	return func() (domain.SecretKey, error) {
		n++
		return domain.SecretKey(fmt.Sprintf("key-%d", n)), nil
	}
}

type observed struct {
	created    []domain.StreamInfo
	updated    []domain.StreamInfo
	terminated map[domain.StreamID]domain.TerminationReason
}

func newObserved() *observed {
	return &observed{terminated: make(map[domain.StreamID]domain.TerminationReason)}
}

func (o *observed) StreamCreated(info domain.StreamInfo) { o.created = append(o.created, info) }
func (o *observed) StreamUpdated(info domain.StreamInfo) { o.updated = append(o.updated, info) }
func (o *observed) StreamTerminated(info domain.StreamInfo, reason domain.TerminationReason) {
	o.terminated[info.StreamID] = reason
}

type stubTransport struct {
	open bool
	msgs []*domain.Message
	err  error
}

func (t *stubTransport) Send(msg *domain.Message) error {
	if t.err != nil {
		return t.err
	}
	t.msgs = append(t.msgs, msg)
	return nil
}

func (t *stubTransport) IsOpen() bool { return t.open }

func (t *stubTransport) Close() error {
	t.open = false
	return nil
}
