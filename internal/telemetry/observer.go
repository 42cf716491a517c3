package telemetry

import (
	"time"

	"github.com/ryandielhenn/echomesh/pkg/wave"
)

// WaveObserver records round lifecycle events in the package metrics.
// Node labels the per-node gauges, so several nodes can share a process.
type WaveObserver struct {
	Node string
}

var _ wave.Observer = WaveObserver{}

func role(initiator bool) string {
	if initiator {
		return "initiator"
	}
	return "relay"
}

func (o WaveObserver) RoundStarted(kind wave.Kind, initiator bool) {
	RoundsStarted.WithLabelValues(string(kind), role(initiator)).Inc()
	ActiveRounds.WithLabelValues(o.Node).Inc()
}

func (o WaveObserver) RoundFinalized(kind wave.Kind, initiator bool, elapsed time.Duration) {
	RoundsFinalized.WithLabelValues(string(kind), role(initiator)).Inc()
	RoundDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	ActiveRounds.WithLabelValues(o.Node).Dec()
}

func (WaveObserver) Violation(reason string) {
	Violations.WithLabelValues(reason).Inc()
}
