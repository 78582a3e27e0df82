// Package metrics holds the bridge's Prometheus collectors. Labels never
// carry session, channel or request ids.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admission

	AdmissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdhr_bridge_admission_total",
		Help: "Admission decisions, by result (admitted, capacity, channel, load, timeout).",
	}, []string{"result"})

	TunersInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hdhr_bridge_tuners_in_use",
		Help: "Governor slots currently held.",
	})

	AdmissionWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hdhr_bridge_admission_waiting",
		Help: "Requests queued for a governor slot.",
	})

	// Sessions

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hdhr_bridge_sessions_active",
		Help: "Sessions not yet closed or failed.",
	})

	SessionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdhr_bridge_sessions_opened_total",
		Help: "Sessions opened, by client kind.",
	}, []string{"client"})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdhr_bridge_session_transitions_total",
		Help: "Session state transitions.",
	}, []string{"from", "to"})

	SessionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdhr_bridge_session_failures_total",
		Help: "Sessions that ended FAILED, by fault kind.",
	}, []string{"kind"})

	RecoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdhr_bridge_recovery_actions_total",
		Help: "Resilience actions taken, by layer (reconnect, restart, resession, bridge).",
	}, []string{"layer"})

	BytesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hdhr_bridge_bytes_delivered_total",
		Help: "Transport stream bytes written to clients.",
	})

	NullPacketsInjected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hdhr_bridge_null_packets_injected_total",
		Help: "Null packets injected while bridging a recovery.",
	})

	// Runners and probes

	RunnerStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hdhr_bridge_runner_starts_total",
		Help: "Transcoder processes started.",
	})

	RunnerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdhr_bridge_runner_exits_total",
		Help: "Transcoder exits, by classified fault kind (none for a clean exit).",
	}, []string{"kind"})

	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hdhr_bridge_probe_duration_seconds",
		Help:    "Upstream probe latency, by result kind.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"result"})

	// Emulator

	SSDPMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdhr_bridge_ssdp_messages_total",
		Help: "SSDP messages sent, by type (alive, byebye, response).",
	}, []string{"type"})
)

// RecordAdmission counts one admission decision.
func RecordAdmission(result string) {
	AdmissionTotal.WithLabelValues(result).Inc()
}

func RecordTransition(from, to string) {
	SessionTransitions.WithLabelValues(from, to).Inc()
}

func RecordRecovery(layer string) {
	RecoveryActions.WithLabelValues(layer).Inc()
}

func RecordFailure(kind string) {
	SessionFailures.WithLabelValues(kind).Inc()
}

func RecordRunnerExit(kind string) {
	RunnerExits.WithLabelValues(kind).Inc()
}

// ObserveProbe records a probe that started at start. result is "ok" or a
// fault kind name.
func ObserveProbe(result string, start time.Time) {
	ProbeDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

func RecordSSDP(typ string) {
	SSDPMessages.WithLabelValues(typ).Inc()
}
