// Package metrics exports kernel activity as Prometheus metrics.
package metrics

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GrayDragon82/lifecycle"
)

const namespace = "lifecycle"

// Recorder is a lifecycle.Listener that counts kernel events.
type Recorder struct {
	events   *prometheus.CounterVec
	failures *prometheus.CounterVec
	expiries *prometheus.CounterVec
}

// NewRecorder creates a recorder and registers its metrics with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Kernel events by type and phase.",
			},
			[]string{"type", "phase"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "phase",
				Name:      "failures_total",
				Help:      "Components that failed or were skipped in a phase.",
			},
			[]string{"phase", "key"},
		),
		expiries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "expiry",
				Name:      "callbacks_total",
				Help:      "Expiry callbacks by outcome.",
			},
			[]string{"success"},
		),
	}
	for _, c := range []prometheus.Collector{r.events, r.failures, r.expiries} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register kernel metrics")
		}
	}
	return r, nil
}

func (r *Recorder) OnEvent(e lifecycle.Event) {
	phase := ""
	if e.Phase != 0 {
		phase = e.Phase.String()
	}
	r.events.WithLabelValues(string(e.Type), phase).Inc()

	switch e.Type {
	case lifecycle.EventPhaseFailed:
		r.failures.WithLabelValues(phase, string(e.Key)).Inc()
	case lifecycle.EventExpired:
		r.expiries.WithLabelValues("true").Inc()
	case lifecycle.EventExpiryFailed:
		r.expiries.WithLabelValues("false").Inc()
	}
}

// StateCollector reports how many registered components are in each
// lifecycle state, read from the registry at scrape time.
type StateCollector struct {
	registry *lifecycle.Registry
	desc     *prometheus.Desc
}

func NewStateCollector(r *lifecycle.Registry) *StateCollector {
	return &StateCollector{
		registry: r,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "components"),
			"Registered components by lifecycle state.",
			[]string{"state"}, nil),
	}
}

func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	counts := map[lifecycle.State]int{}
	for _, key := range c.registry.Keys() {
		if s, ok := c.registry.State(key); ok {
			counts[s]++
		}
	}
	for _, s := range []lifecycle.State{
		lifecycle.Uninitialized, lifecycle.Initialized, lifecycle.Started,
		lifecycle.Stopped, lifecycle.Disposed,
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[s]), s.String())
	}
}
