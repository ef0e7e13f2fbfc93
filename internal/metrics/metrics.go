// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"workq/internal/broker"
	"workq/internal/domain"
	"workq/internal/events"
)

const namespace = "workq"

type Metrics struct {
	transitions *prometheus.CounterVec
	runtime     *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	fires       *prometheus.CounterVec
	missed      *prometheus.CounterVec
	requests    *prometheus.CounterVec
}

var _ events.Observer = (*Metrics)(nil)

// New registers the engine metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Instance state transitions by task, queue and target state.",
		}, []string{"task", "queue", "state"}),
		runtime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_runtime_seconds",
			Help:      "Handler runtime of finished attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"task", "queue", "outcome"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Attempts rescheduled after a failure, by error kind.",
		}, []string{"task", "kind"}),
		fires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fires_total",
			Help:      "Periodic entries dispatched.",
		}, []string{"schedule"}),
		missed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_missed_total",
			Help:      "Periodic occurrences skipped after downtime.",
		}, []string{"schedule"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled by the API.",
		}, []string{"method", "code"}),
	}
}

func (m *Metrics) Observe(e events.Event) {
	m.transitions.WithLabelValues(e.Task, e.Queue, string(e.To)).Inc()
	if e.To == domain.StateRetry {
		m.retries.WithLabelValues(e.Task, string(e.ErrorKind)).Inc()
	}
	if e.Runtime > 0 && (e.To.Terminal() || e.To == domain.StateRetry) {
		m.runtime.WithLabelValues(e.Task, e.Queue, string(e.To)).Observe(e.Runtime.Seconds())
	}
}

func (m *Metrics) Fired(schedule string) { m.fires.WithLabelValues(schedule).Inc() }

func (m *Metrics) Missed(schedule string, n int) { m.missed.WithLabelValues(schedule).Add(float64(n)) }

func (m *Metrics) Request(method string, code int) {
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// depthCollector reports broker queue depth at scrape time.
type depthCollector struct {
	inspector broker.Inspector
	queues    func() []string
	desc      *prometheus.Desc
}

// RegisterQueueDepth exports the depth of each queue returned by queues.
func RegisterQueueDepth(reg prometheus.Registerer, in broker.Inspector, queues func() []string) error {
	return reg.Register(&depthCollector{
		inspector: in,
		queues:    queues,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_messages"),
			"Messages on a broker queue by delivery status.",
			[]string{"queue", "status"}, nil,
		),
	})
}

func (c *depthCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *depthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, q := range c.queues() {
		d, err := c.inspector.Depth(ctx, q)
		if err != nil {
			log.Warn().Err(err).Str("queue", q).Msg("queue depth unavailable")
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(d.Ready), q, "ready")
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(d.InFlight), q, "in_flight")
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(d.Dead), q, "dead")
	}
}
