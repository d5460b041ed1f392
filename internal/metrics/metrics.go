// Package metrics records execution metrics with Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives execution events from the executors.
type Recorder interface {
	ObserveSession(provider, status string, turns int, duration time.Duration)
	ObserveTurn(provider, model string, inputTokens, outputTokens int64, err error, duration time.Duration)
	ObserveTool(tool string, isError bool)
	ObserveComment(kind string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveSession(string, string, int, time.Duration)              {}
func (Nop) ObserveTurn(string, string, int64, int64, error, time.Duration) {}
func (Nop) ObserveTool(string, bool)                                       {}
func (Nop) ObserveComment(string)                                          {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// PrometheusRecorder implements Recorder on its own registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	sessionsTotal   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	sessionTurns    *prometheus.HistogramVec
	turnsTotal      *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	turnDuration    *prometheus.HistogramVec
	toolCallsTotal  *prometheus.CounterVec
	commentsTotal   *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder with a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &PrometheusRecorder{
		registry: reg,
		sessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astrid_sessions_total",
				Help: "Sessions finished by provider and terminal status",
			},
			[]string{"provider", "status"},
		),
		sessionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "astrid_session_duration_seconds",
				Help:    "Wall-clock duration of sessions",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"provider"},
		),
		sessionTurns: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "astrid_session_turns",
				Help:    "Turns taken per session",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 50, 100},
			},
			[]string{"provider"},
		),
		turnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astrid_turns_total",
				Help: "Provider turns by outcome",
			},
			[]string{"provider", "model", "status"},
		),
		tokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astrid_tokens_total",
				Help: "Tokens used by provider turns",
			},
			[]string{"provider", "model", "type"},
		),
		turnDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "astrid_turn_duration_seconds",
				Help:    "Duration of provider turns",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		toolCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astrid_tool_calls_total",
				Help: "Tool invocations by tool and outcome",
			},
			[]string{"tool", "status"},
		),
		commentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astrid_comments_total",
				Help: "Comments posted by kind",
			},
			[]string{"kind"},
		),
	}
}

// Registry exposes the underlying registry for gathering.
func (p *PrometheusRecorder) Registry() *prometheus.Registry { return p.registry }

func (p *PrometheusRecorder) ObserveSession(provider, status string, turns int, duration time.Duration) {
	p.sessionsTotal.WithLabelValues(provider, status).Inc()
	p.sessionDuration.WithLabelValues(provider).Observe(duration.Seconds())
	p.sessionTurns.WithLabelValues(provider).Observe(float64(turns))
}

func (p *PrometheusRecorder) ObserveTurn(provider, model string, inputTokens, outputTokens int64, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.turnsTotal.WithLabelValues(provider, model, status).Inc()
	if err == nil {
		p.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
		p.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
	p.turnDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveTool(tool string, isError bool) {
	status := "success"
	if isError {
		status = "error"
	}
	p.toolCallsTotal.WithLabelValues(tool, status).Inc()
}

func (p *PrometheusRecorder) ObserveComment(kind string) {
	p.commentsTotal.WithLabelValues(kind).Inc()
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (p *PrometheusRecorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, p.registry)
}
