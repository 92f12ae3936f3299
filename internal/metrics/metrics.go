// Package metrics wires the Session Manager's lifecycle events into
// Prometheus counters and gauges, grounded on the promauto usage in
// xg2g's ffmpeg runner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsprelay_sessions_started_total",
		Help: "Total number of stream sessions started (first subscriber connects).",
	}, []string{"stream_id"})

	sessionsStoppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsprelay_sessions_stopped_total",
		Help: "Total number of stream sessions stopped (grace period expired or forced).",
	}, []string{"stream_id"})

	sessionsRestartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsprelay_sessions_restarted_total",
		Help: "Total number of stream sessions restarted by the health monitor.",
	}, []string{"stream_id"})

	framesEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsprelay_frames_emitted_total",
		Help: "Total number of JPEG frames delivered to the sink.",
	}, []string{"stream_id"})

	decoderStartFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsprelay_decoder_start_failures_total",
		Help: "Total number of decoder subprocess start failures.",
	}, []string{"stream_id"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtsprelay_active_sessions",
		Help: "Number of stream sessions currently registered.",
	})

	subscribedClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtsprelay_subscribed_clients",
		Help: "Number of subscribers currently joined to a stream session.",
	}, []string{"stream_id"})
)

// Recorder implements manager.Recorder against the package collectors
// above. It satisfies the Recorder interface structurally, so
// internal/manager never imports this package (spec section 11: the
// Manager stays decoupled from the concrete metrics backend).
type Recorder struct{}

// NewRecorder returns a Recorder backed by the package-level collectors.
func NewRecorder() Recorder { return Recorder{} }

func (Recorder) SessionStarted(streamID string) {
	sessionsStartedTotal.WithLabelValues(streamID).Inc()
	activeSessions.Inc()
}

func (Recorder) SessionStopped(streamID string) {
	sessionsStoppedTotal.WithLabelValues(streamID).Inc()
	activeSessions.Dec()
}

func (Recorder) SessionRestarted(streamID string) {
	sessionsRestartedTotal.WithLabelValues(streamID).Inc()
}

// DecoderStartFailure records one failed decoder start attempt (all
// transports in the descriptor's preference list failed; spec section 4.2).
func (Recorder) DecoderStartFailure(streamID string) {
	decoderStartFailuresTotal.WithLabelValues(streamID).Inc()
}

// FrameEmitted records one frame delivered for streamID.
func FrameEmitted(streamID string) {
	framesEmittedTotal.WithLabelValues(streamID).Inc()
}

// SetSubscribedClients reports the current subscriber count for streamID.
func SetSubscribedClients(streamID string, n int) {
	subscribedClients.WithLabelValues(streamID).Set(float64(n))
}
