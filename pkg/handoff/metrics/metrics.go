// Package metrics exposes operator-visible counters for the hint queue
// and forwarder: queue depth, attempts, in-flight counts, deferrals, and
// permanent rejections, via github.com/prometheus/client_golang.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusio/handoff/pkg/handoff/types"
)

// Collectors bundles every metric the forwarder updates, plus the
// pending-hints gauge the server sets from the repository's queue depth.
// It is registered once against a prometheus.Registerer at startup.
type Collectors struct {
	PendingHints        *prometheus.GaugeVec
	ForwardAttempts     *prometheus.CounterVec
	InFlight            *prometheus.GaugeVec
	Deferred            *prometheus.CounterVec
	PermanentRejections *prometheus.CounterVec
}

// New builds the collector set with the "handoff" subsystem prefix.
func New() *Collectors {
	return &Collectors{
		PendingHints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "handoff",
			Name:      "pending_hints",
			Help:      "Number of undelivered hints held for a destination peer.",
		}, []string{"dest_peer"}),
		ForwardAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "handoff",
			Name:      "forward_attempts_total",
			Help:      "Number of ArchiveSegment sends attempted per destination peer.",
		}, []string{"dest_peer"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "handoff",
			Name:      "in_flight",
			Help:      "Number of ArchiveSegment sends awaiting a reply per destination peer.",
		}, []string{"dest_peer"}),
		Deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "handoff",
			Name:      "deferred_total",
			Help:      "Number of times a hint was backed off due to a transient failure or timeout.",
		}, []string{"dest_peer"}),
		PermanentRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "handoff",
			Name:      "permanent_rejections_total",
			Help:      "Number of hints dropped after a destination peer permanently rejected them.",
		}, []string{"dest_peer"}),
	}
}

// MustRegister registers every collector against reg, panicking on a
// duplicate registration the way prometheus.MustRegister always does.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(c.PendingHints, c.ForwardAttempts, c.InFlight, c.Deferred, c.PermanentRejections)
}

func (c *Collectors) ObserveAttempt(dest types.PeerName) {
	c.ForwardAttempts.WithLabelValues(string(dest)).Inc()
}

func (c *Collectors) ObserveDeferred(dest types.PeerName) {
	c.Deferred.WithLabelValues(string(dest)).Inc()
}

func (c *Collectors) ObservePermanentRejection(dest types.PeerName) {
	c.PermanentRejections.WithLabelValues(string(dest)).Inc()
}

func (c *Collectors) SetInFlight(dest types.PeerName, n int) {
	c.InFlight.WithLabelValues(string(dest)).Set(float64(n))
}

// SetPendingHints reports the current queue depth for dest, called from
// the dispatcher tick alongside the forwarder sweep.
func (c *Collectors) SetPendingHints(dest types.PeerName, n int) {
	c.PendingHints.WithLabelValues(string(dest)).Set(float64(n))
}
