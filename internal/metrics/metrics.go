// Package metrics exposes Prometheus metrics for chat completion calls.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LatencyBuckets covers LLM call latencies from 100ms to 120s.
var LatencyBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// CallsTotal counts completion calls by mode (complete/stream) and outcome kind.
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azchat_calls_total",
			Help: "Chat completion calls",
		},
		[]string{"mode", "outcome"},
	)

	// CallDuration records time until the outcome is known. For streams this
	// is time to response headers.
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "azchat_call_duration_seconds",
			Help:    "Chat completion call duration",
			Buckets: LatencyBuckets,
		},
		[]string{"mode"},
	)

	// StreamChunksTotal counts decoded stream chunks, emitted or dropped as malformed.
	StreamChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azchat_stream_chunks_total",
			Help: "Streamed chunks",
		},
		[]string{"result"},
	)

	// ActiveStreams tracks open response streams.
	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "azchat_streams_active",
			Help: "Open response streams",
		},
	)

	// TokensTotal counts server-reported tokens by deployment and direction (prompt/completion).
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azchat_tokens_total",
			Help: "Server-reported token usage",
		},
		[]string{"deployment", "direction"},
	)
)

func init() {
	prometheus.MustRegister(
		CallsTotal,
		CallDuration,
		StreamChunksTotal,
		ActiveStreams,
		TokensTotal,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
