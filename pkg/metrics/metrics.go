// Package metrics exposes the replication and ownership counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "slidesync"

type IncrementalCounter interface {
	Increment(val ...string)
}

// Counter wraps a labelled prometheus counter.
type Counter struct {
	Name string
	Help string

	vec *prometheus.CounterVec
}

func (c *Counter) Increment(val ...string) {
	c.vec.WithLabelValues(val...).Inc()
}

// With returns the child counter for the label values.
func (c *Counter) With(val ...string) prometheus.Counter {
	return c.vec.WithLabelValues(val...)
}

func NewCounterWithRegistry(reg prometheus.Registerer, name, help string, labels ...string) *Counter {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)

	reg.MustRegister(vec)

	return &Counter{
		Name: name,
		Help: help,
		vec:  vec,
	}
}

// Metrics groups every counter of a participant.
type Metrics struct {
	// Acquisitions by result: acquired, owned, rejected, unavailable, error.
	Acquisitions *Counter
	// Releases by result: released, rejected, error.
	Releases *Counter
	// Emitted property updates by class: authoritative, predicted.
	Emitted *Counter
	// Suppressed samples the change detector filtered, by property key.
	Suppressed *Counter
	// Applied remote property updates by class.
	Applied *Counter
	// Dropped remote updates by reason.
	Dropped *Counter
	// Envelopes by direction (in, out) and kind.
	Envelopes *Counter

	Objects prometheus.Gauge
}

// New registers the counters on reg. A nil reg gets a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	objects := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "objects",
		Help:      "Shared objects currently known to this participant.",
	})
	reg.MustRegister(objects)

	return &Metrics{
		Acquisitions: NewCounterWithRegistry(reg, "ownership_acquisitions_total",
			"Ownership acquisition attempts by result.", "result"),
		Releases: NewCounterWithRegistry(reg, "ownership_releases_total",
			"Forced ownership releases by result.", "result"),
		Emitted: NewCounterWithRegistry(reg, "updates_emitted_total",
			"Property updates sent to peers by class.", "class"),
		Suppressed: NewCounterWithRegistry(reg, "updates_suppressed_total",
			"Samples below the change threshold by property.", "property"),
		Applied: NewCounterWithRegistry(reg, "updates_applied_total",
			"Remote property updates applied by class.", "class"),
		Dropped: NewCounterWithRegistry(reg, "updates_dropped_total",
			"Remote updates discarded by reason.", "reason"),
		Envelopes: NewCounterWithRegistry(reg, "envelopes_total",
			"Envelopes sent and received by kind.", "direction", "kind"),
		Objects: objects,
	}
}

// Handler returns an HTTP handler serving the metrics of a registry.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
