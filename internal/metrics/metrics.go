// Package metrics holds the four monotonic webhook lifecycle counters.
// They are backed by real prometheus.Counters registered against a
// private registry (not the global default) so the Prometheus exposition
// endpoint emits exactly these four series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"net/http"
)

// Counters is a process-wide set of the four webhook lifecycle counters.
// Safe for concurrent use: prometheus.Counter's Inc/Add are atomic.
type Counters struct {
	registry  *prometheus.Registry
	Processed prometheus.Counter
	Failed    prometheus.Counter
	Ignored   prometheus.Counter
	Replayed  prometheus.Counter
}

func New() *Counters {
	registry := prometheus.NewRegistry()

	c := &Counters{
		registry: registry,
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_processed_total",
			Help: "Number of processed webhook events.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_failed_total",
			Help: "Number of failed webhook events.",
		}),
		Ignored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_ignored_total",
			Help: "Number of ignored webhook events.",
		}),
		Replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_replayed_total",
			Help: "Number of replayed idempotent webhook events.",
		}),
	}

	registry.MustRegister(c.Processed, c.Failed, c.Ignored, c.Replayed)
	return c
}

// Handler serves the Prometheus text exposition format for exactly these
// four series, content type "text/plain; version=0.0.4; charset=utf-8".
func (c *Counters) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Snapshot reads a point-in-time value for each counter via the same
// underlying prometheus.Counter the Prometheus handler reads, so the JSON
// admin view (`GET /v1/admin/metrics`) and the Prometheus view
// (`GET /v1/metrics`) can never disagree.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"webhook_processed": readCounter(c.Processed),
		"webhook_failed":    readCounter(c.Failed),
		"webhook_ignored":   readCounter(c.Ignored),
		"webhook_replayed":  readCounter(c.Replayed),
	}
}

func readCounter(c prometheus.Counter) int64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}
