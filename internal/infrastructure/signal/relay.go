package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"panelrelay/internal/core/domain"
	"panelrelay/internal/core/ports"
	"panelrelay/internal/core/services"

	"go.uber.org/zap"
)

var ErrRelayStopped = errors.New("relay stopped")

// Relay runs every Router call on a single goroutine. Network events, the
// grace timer and the sweep ticker all arrive as closures on one queue, so
// each handler runs to completion before the next starts.
type Relay struct {
	router *Router

	events        chan func()
	sweepInterval time.Duration
	now           func() time.Time

	started  chan struct{}
	done     chan struct{}
	lastTick atomic.Int64

	logger *zap.SugaredLogger
}

func NewRelay(router *Router, sweepInterval time.Duration, queueSize int, logger *zap.SugaredLogger) *Relay {
	if sweepInterval <= 0 {
		sweepInterval = services.DefaultSweepInterval
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Relay{
		router:        router,
		events:        make(chan func(), queueSize),
		sweepInterval: sweepInterval,
		now:           router.now,
		started:       make(chan struct{}),
		done:          make(chan struct{}),
		logger:        logger,
	}
}

// Run processes events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	defer close(r.done)
	close(r.started)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	grace := time.NewTimer(time.Hour)
	grace.Stop()
	defer grace.Stop()
	var graceC <-chan time.Time

	r.logger.Infow("relay loop started", "sweep_interval", r.sweepInterval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Infow("relay loop stopping")
			r.router.WaitOutbound()
			return ctx.Err()
		case fn := <-r.events:
			fn()
		case <-graceC:
			graceC = nil
			r.router.ExpireGrace()
		case <-ticker.C:
			r.router.Sweep()
		}
		r.lastTick.Store(r.now().UnixNano())
		graceC = r.rearm(grace, graceC)
	}
}

// rearm points the grace timer at the earliest pending deadline.
func (r *Relay) rearm(t *time.Timer, current <-chan time.Time) <-chan time.Time {
	if current != nil && !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	at, ok := r.router.NextDeadline()
	if !ok {
		return nil
	}
	wait := at.Sub(r.now())
	if wait < 0 {
		wait = 0
	}
	t.Reset(wait)
	return t.C
}

// Do queues fn for the loop without waiting for it to run.
func (r *Relay) Do(fn func(*Router)) error {
	select {
	case <-r.done:
		return ErrRelayStopped
	default:
	}
	select {
	case r.events <- func() { fn(r.router) }:
		return nil
	case <-r.done:
		return ErrRelayStopped
	}
}

// Call runs fn on the loop and waits for it to finish. If ctx ends or the
// relay stops before the loop reaches fn, fn is skipped, so an error from
// Call means fn had no effect.
func (r *Relay) Call(ctx context.Context, fn func(*Router)) error {
	var claimed atomic.Bool
	finished := make(chan struct{})
	wrapped := func(rt *Router) {
		defer close(finished)
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		fn(rt)
	}
	if err := r.Do(wrapped); err != nil {
		return err
	}

	var abandon error
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		abandon = ctx.Err()
	case <-r.done:
		abandon = ErrRelayStopped
	}
	if claimed.CompareAndSwap(false, true) {
		return abandon
	}
	// the loop already started fn; it runs to completion
	<-finished
	return nil
}

// Connect, Frame, Disconnect and RateLimited feed transport events in.

func (r *Relay) Connect(ctx context.Context, t ports.Transport) (domain.ConnID, error) {
	var id domain.ConnID
	err := r.Call(ctx, func(rt *Router) { id = rt.Connect(t) })
	return id, err
}

func (r *Relay) Frame(id domain.ConnID, data []byte) {
	if err := r.Do(func(rt *Router) { rt.HandleFrame(id, data) }); err != nil {
		r.logger.Debugw("frame discarded", "conn_id", id, "error", err)
	}
}

func (r *Relay) Disconnect(id domain.ConnID) {
	if err := r.Do(func(rt *Router) { rt.Disconnect(id) }); err != nil {
		r.logger.Debugw("disconnect discarded", "conn_id", id, "error", err)
	}
}

func (r *Relay) RateLimited(id domain.ConnID) {
	_ = r.Do(func(rt *Router) { rt.RateLimited(id) })
}

// Management operations, safe to call from any goroutine.

func (r *Relay) CreateStream(ctx context.Context, id domain.StreamID, producerID domain.PlayerID, producerName string) (domain.SecretKey, error) {
	var (
		key domain.SecretKey
		err error
	)
	if callErr := r.Call(ctx, func(rt *Router) { key, err = rt.CreateStream(id, producerID, producerName) }); callErr != nil {
		return "", callErr
	}
	return key, err
}

func (r *Relay) StopStream(ctx context.Context, id domain.StreamID) error {
	var err error
	if callErr := r.Call(ctx, func(rt *Router) { err = rt.StopStream(id) }); callErr != nil {
		return callErr
	}
	return err
}

func (r *Relay) Heartbeat(ctx context.Context, id domain.StreamID, producerName *string, producerID *domain.PlayerID, stats json.RawMessage) error {
	var err error
	if callErr := r.Call(ctx, func(rt *Router) { err = rt.Heartbeat(id, producerName, producerID, stats) }); callErr != nil {
		return callErr
	}
	return err
}

func (r *Relay) PushRoster(ctx context.Context, players []domain.Player) error {
	return r.Call(ctx, func(rt *Router) { rt.PushRoster(players) })
}

func (r *Relay) ListStreams(ctx context.Context) ([]domain.StreamInfo, error) {
	var infos []domain.StreamInfo
	err := r.Call(ctx, func(rt *Router) { infos = rt.ListStreams() })
	return infos, err
}

func (r *Relay) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.Call(ctx, func(rt *Router) { st = rt.Stats() })
	return st, err
}

// Ping reports whether the loop is running and responsive.
func (r *Relay) Ping(ctx context.Context) error {
	select {
	case <-r.started:
	default:
		return errors.New("relay loop not started")
	}
	return r.Call(ctx, func(*Router) {})
}

// LastActivity is when the loop last finished handling an event.
func (r *Relay) LastActivity() time.Time {
	ns := r.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
