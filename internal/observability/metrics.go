package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robustagent_turns_total",
			Help: "Total number of processed turns by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "robustagent_turn_duration_seconds",
			Help:    "Turn duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	modelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robustagent_model_calls_total",
			Help: "Total number of language model calls",
		},
		[]string{"status"},
	)

	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robustagent_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"tool", "status"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "robustagent_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	guardrailRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robustagent_guardrail_rejections_total",
			Help: "Total number of guardrail rejections by stage",
		},
		[]string{"stage"},
	)

	activeTurns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robustagent_active_turns",
			Help: "Number of turns currently running",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			turnDuration,
			modelCallsTotal,
			toolCallsTotal,
			toolCallDuration,
			guardrailRejections,
			activeTurns,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func RecordTurn(outcome string, duration time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordModelCall(status string) {
	modelCallsTotal.WithLabelValues(status).Inc()
}

func RecordToolCall(tool, status string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordGuardrailRejection(stage string) {
	guardrailRejections.WithLabelValues(stage).Inc()
}

func TurnStarted()  { activeTurns.Inc() }
func TurnFinished() { activeTurns.Dec() }
