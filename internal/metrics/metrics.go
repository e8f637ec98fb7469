// Package metrics exposes ingest counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "biowave"

// Collector holds every ingest metric on a private registry.
type Collector struct {
	registry *prometheus.Registry

	chunks      prometheus.Counter
	bytes       prometheus.Counter
	lines       prometheus.Counter
	samples     prometheus.Counter
	malformed   prometheus.Counter
	overflows   prometheus.Counter
	sessions    *prometheus.CounterVec
	hubDrops    prometheus.Counter
	journalDrop prometheus.Counter
	gain        prometheus.Gauge
	subscribers prometheus.Gauge
	connected   prometheus.Gauge
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		chunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunks_total",
			Help: "Transport fragments received",
		}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunk_bytes_total",
			Help: "Transport bytes received",
		}),
		lines: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lines_total",
			Help: "Non-blank lines assembled",
		}),
		samples: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_total",
			Help: "Samples accepted into the windows",
		}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "malformed_lines_total",
			Help: "Lines rejected by the parser",
		}),
		overflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "line_overflows_total",
			Help: "Lines dropped for exceeding the assembler cap",
		}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_events_total",
			Help: "Session lifecycle notifications by kind",
		}, []string{"kind"}),
		hubDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscriber_drops_total",
			Help: "Envelopes dropped for slow subscribers",
		}),
		journalDrop: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "journal_drops_total",
			Help: "Journal events dropped because the writer was busy",
		}),
		gain: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gain",
			Help: "Current display gain",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subscribers",
			Help: "Connected live-stream subscribers",
		}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "session_active",
			Help: "1 while a transport session is open",
		}),
	}
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ChunkReceived records one transport fragment of n bytes.
func (c *Collector) ChunkReceived(n int) {
	c.chunks.Inc()
	c.bytes.Add(float64(n))
}

// Lines adds assembled, accepted, malformed and overflowed line counts.
func (c *Collector) Lines(lines, accepted, malformed, overflows int64) {
	c.lines.Add(float64(lines))
	c.samples.Add(float64(accepted))
	c.malformed.Add(float64(malformed))
	c.overflows.Add(float64(overflows))
}

// SessionStarted marks a transport session as open.
func (c *Collector) SessionStarted() {
	c.sessions.WithLabelValues("start").Inc()
	c.connected.Set(1)
}

// SessionEnded marks the transport session as closed.
func (c *Collector) SessionEnded() {
	c.sessions.WithLabelValues("end").Inc()
	c.connected.Set(0)
}

// SetGain records the display gain.
func (c *Collector) SetGain(g float64) { c.gain.Set(g) }

// SubscriberDropped counts one envelope not delivered to a slow subscriber.
func (c *Collector) SubscriberDropped() { c.hubDrops.Inc() }

// SetSubscribers records the number of live subscribers.
func (c *Collector) SetSubscribers(n int) { c.subscribers.Set(float64(n)) }

// JournalDropped counts one journal event lost to a full queue.
func (c *Collector) JournalDropped() { c.journalDrop.Inc() }
