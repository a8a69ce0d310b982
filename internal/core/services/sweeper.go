package services

import (
	"time"

	"panelrelay/internal/core/domain"

	"go.uber.org/zap"
)

const (
	DefaultHeartbeatWindow = 60 * time.Second
	DefaultSweepInterval   = 30 * time.Second
)

// Sweeper terminates streams that were asked to stop or whose control-plane
// heartbeat has gone quiet. It runs on the relay loop every SweepInterval.
type Sweeper struct {
	streams *StreamRegistry
	window  time.Duration
	logger  *zap.SugaredLogger
}

func NewSweeper(streams *StreamRegistry, window time.Duration, logger *zap.SugaredLogger) *Sweeper {
	if window <= 0 {
		window = DefaultHeartbeatWindow
	}
	return &Sweeper{streams: streams, window: window, logger: logger}
}

type SweepResult struct {
	Stopped  []domain.StreamID
	TimedOut []domain.StreamID
}

func (r SweepResult) Empty() bool {
	return len(r.Stopped) == 0 && len(r.TimedOut) == 0
}

// Sweep inspects every stream once. A pending stop wins over a heartbeat
// timeout so the terminal frame says "stopped".
func (s *Sweeper) Sweep(now time.Time) SweepResult {
	var res SweepResult
	for _, st := range s.streams.List() {
		var reason domain.TerminationReason
		switch {
		case st.PendingStop:
			reason = domain.ReasonStopped
		case !now.Before(st.LastHeartbeatAt.Add(s.window)):
			reason = domain.ReasonHeartbeatTimeout
		default:
			continue
		}

		if _, err := s.streams.Terminate(st.ID, reason); err != nil {
			s.logger.Warnw("sweep terminate failed", "stream_id", st.ID, "error", err)
			continue
		}
		if reason == domain.ReasonStopped {
			res.Stopped = append(res.Stopped, st.ID)
		} else {
			res.TimedOut = append(res.TimedOut, st.ID)
		}
	}

	if !res.Empty() {
		s.logger.Infow("sweep finished",
			"stopped", len(res.Stopped),
			"timed_out", len(res.TimedOut),
			"remaining", s.streams.Len(),
		)
	}
	return res
}
