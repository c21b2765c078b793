package observability

import (
	"sync"
	"time"

	"github.com/danmuck/topoctl/internal/discovery"
	"github.com/danmuck/topoctl/internal/protocol"
	"github.com/danmuck/topoctl/internal/protocol/frame"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topoctl",
			Subsystem: "frame",
			Name:      "decoded_total",
			Help:      "Frames decoded from the coordinator stream.",
		},
		[]string{"type"},
	)
	framesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "topoctl",
			Subsystem: "frame",
			Name:      "dropped_total",
			Help:      "Frames that failed to decode and were discarded.",
		},
	)
	queriesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "topoctl",
			Subsystem: "discovery",
			Name:      "queries_sent_total",
			Help:      "Neighbor queries written to the coordinator.",
		},
	)
	protocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topoctl",
			Subsystem: "discovery",
			Name:      "protocol_violations_total",
			Help:      "Unexpected messages received while awaiting neighbors.",
		},
		[]string{"type"},
	)
	nodesDiscovered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "topoctl",
			Subsystem: "discovery",
			Name:      "nodes_discovered",
			Help:      "Nodes discovered by the current run.",
		},
	)
	queryRoundTrip = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "topoctl",
			Subsystem: "discovery",
			Name:      "query_round_trip_seconds",
			Help:      "Time from sending a query to receiving its neighbors.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)
	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topoctl",
			Subsystem: "run",
			Name:      "total",
			Help:      "Discovery runs by outcome.",
		},
		[]string{"outcome"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "topoctl",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Discovery run duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesDecoded,
			framesDropped,
			queriesSent,
			protocolViolations,
			nodesDiscovered,
			queryRoundTrip,
			runs,
			runDuration,
		)
	})
}

func RecordRun(outcome string, duration time.Duration) {
	RegisterMetrics()
	runs.WithLabelValues(outcome).Inc()
	runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// FrameHooks returns a decoder that counts decoded and dropped frames.
func FrameHooks() *frame.Decoder {
	RegisterMetrics()
	return &frame.Decoder{
		OnDrop: func([]byte, error) {
			framesDropped.Inc()
		},
		OnMessage: func(msg protocol.Message) {
			framesDecoded.WithLabelValues(kindLabel(msg.Kind)).Inc()
		},
	}
}

// MetricsObserver feeds engine notifications into the collectors.
type MetricsObserver struct {
	discovery.NopObserver
}

func NewMetricsObserver() MetricsObserver {
	RegisterMetrics()
	return MetricsObserver{}
}

func (MetricsObserver) StateChanged(_, to discovery.State) {
	if to == discovery.StateBootstrapped {
		nodesDiscovered.Set(0)
	}
}

func (MetricsObserver) QuerySent(protocol.Message) {
	queriesSent.Inc()
}

func (MetricsObserver) ProtocolViolation(msg protocol.Message) {
	protocolViolations.WithLabelValues(kindLabel(msg.Kind)).Inc()
}

func (MetricsObserver) NodeDiscovered(ev discovery.NodeEvent) {
	nodesDiscovered.Set(float64(ev.Count))
	if ev.RoundTrip > 0 {
		queryRoundTrip.Observe(ev.RoundTrip.Seconds())
	}
}

// kindLabel bounds label cardinality to the known kinds.
func kindLabel(k protocol.Kind) string {
	if k.Known() {
		return string(k)
	}
	return "unknown"
}
