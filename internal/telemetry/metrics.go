package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hearth_active_connections",
		Help: "Currently open client connections.",
	})

	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_turns_total",
		Help: "Completed utterance turns by path and outcome.",
	}, []string{"path", "outcome"})

	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hearth_turn_duration_seconds",
		Help:    "Wall-clock duration of a full turn.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"path"})

	ClassifierParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_classifier_parse_errors_total",
		Help: "Classifier responses that fell back to general.conversation.",
	})

	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_tool_invocations_total",
		Help: "Tool calls by server and result kind.",
	}, []string{"server", "result"})

	AudioRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_audio_routed_total",
		Help: "Synthesized utterances by delivery target.",
	}, []string{"target"})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_frames_dropped_total",
		Help: "Outbound frames dropped on closed connections and slow monitors.",
	})
)
