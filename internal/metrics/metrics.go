// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnDuration tracks how long a model round takes, from request to terminal event.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gopherchat_turn_duration_seconds",
			Help:    "Model round duration in seconds",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"provider", "model", "status"},
	)

	// TurnsTotal counts model rounds by outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gopherchat_turns_total",
			Help: "Total model rounds",
		},
		[]string{"provider", "model", "status"},
	)

	// TokensTotal tracks tokens reported by providers.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gopherchat_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// ToolExecutions counts tool calls by tool and outcome kind.
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gopherchat_tool_executions_total",
			Help: "Total tool executions",
		},
		[]string{"tool", "result"},
	)

	// MalformedFrames counts stream frames dropped because they could not be decoded.
	MalformedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gopherchat_malformed_frames_total",
			Help: "Stream frames dropped as malformed",
		},
		[]string{"provider"},
	)

	// ActiveTurns tracks turns currently running in the dispatcher.
	ActiveTurns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gopherchat_active_turns",
			Help: "Number of turns currently executing",
		},
	)
)

// RecordTurn records one model round.
func RecordTurn(provider, model, status string, seconds float64) {
	TurnDuration.WithLabelValues(provider, model, status).Observe(seconds)
	TurnsTotal.WithLabelValues(provider, model, status).Inc()
}

// RecordTokens records provider-reported usage.
func RecordTokens(model string, prompt, completion int) {
	TokensTotal.WithLabelValues(model, "in").Add(float64(prompt))
	TokensTotal.WithLabelValues(model, "out").Add(float64(completion))
}

// UnknownToolLabel is the tool label used for calls naming no registered tool.
const UnknownToolLabel = "unknown"

// RecordTool records a tool execution. result is "ok" or an error kind.
func RecordTool(tool, result string) {
	ToolExecutions.WithLabelValues(tool, result).Inc()
}

// RecordMalformedFrame records a dropped stream frame.
func RecordMalformedFrame(provider string) {
	MalformedFrames.WithLabelValues(provider).Inc()
}
