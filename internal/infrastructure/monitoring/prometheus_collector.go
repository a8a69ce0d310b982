package monitoring

import (
	"panelrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports relay counters. It implements both
// ports.RelayMetrics and ports.StreamObserver.
type PrometheusCollector struct {
	connectionsOpen   prometheus.Gauge
	connectionsTotal  prometheus.Counter
	connectionsClosed *prometheus.CounterVec

	framesReceived *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec

	streamsActive     prometheus.Gauge
	streamsCreated    prometheus.Counter
	streamsTerminated *prometheus.CounterVec

	streamViewers *prometheus.GaugeVec
}

// NewPrometheusCollector registers the relay metrics with reg. A nil reg uses
// the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "panelrelay_connections_open",
			Help: "Number of open signaling connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "panelrelay_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		connectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "panelrelay_connections_closed_total",
			Help: "Signaling connections closed, by role at close time",
		}, []string{"role"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "panelrelay_frames_received_total",
			Help: "Frames received, by sender role and frame type",
		}, []string{"role", "type"}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "panelrelay_frames_dropped_total",
			Help: "Frames dropped without delivery, by reason",
		}, []string{"reason"}),

		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "panelrelay_streams_active",
			Help: "Number of live streams",
		}),

		streamsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "panelrelay_streams_created_total",
			Help: "Total number of streams created",
		}),

		streamsTerminated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "panelrelay_streams_terminated_total",
			Help: "Streams terminated, by reason",
		}, []string{"reason"}),

		streamViewers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "panelrelay_stream_viewers",
			Help: "Number of viewers attached to each stream",
		}, []string{"stream_id"}),
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsOpen.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed(role domain.Role) {
	p.connectionsOpen.Dec()
	p.connectionsClosed.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) FrameReceived(role domain.Role, msgType domain.MessageType) {
	p.framesReceived.WithLabelValues(string(role), string(msgType)).Inc()
}

func (p *PrometheusCollector) FrameDropped(reason string) {
	p.framesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) StreamCreated(info domain.StreamInfo) {
	p.streamsActive.Inc()
	p.streamsCreated.Inc()
	p.streamViewers.WithLabelValues(string(info.StreamID)).Set(float64(info.ViewerCount))
}

func (p *PrometheusCollector) StreamUpdated(info domain.StreamInfo) {
	p.streamViewers.WithLabelValues(string(info.StreamID)).Set(float64(info.ViewerCount))
}

func (p *PrometheusCollector) StreamTerminated(info domain.StreamInfo, reason domain.TerminationReason) {
	p.streamsActive.Dec()
	p.streamsTerminated.WithLabelValues(string(reason)).Inc()
	p.streamViewers.DeleteLabelValues(string(info.StreamID))
}
