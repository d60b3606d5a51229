package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements Collector on a private registry.
type Prometheus struct {
	transitions     *prometheus.CounterVec
	restarts        *prometheus.CounterVec
	spawnFailures   prometheus.Counter
	cleanupFailures prometheus.Counter
	exits           *prometheus.CounterVec

	queueDepth  prometheus.Gauge
	queued      prometheus.Counter
	released    prometheus.Counter
	rejected    *prometheus.CounterVec
	pendingWait prometheus.Histogram

	forwardDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus creates a collector whose metric names start with namespace.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "pmgate"
	}

	p := &Prometheus{registry: prometheus.NewRegistry()}

	p.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Supervisor status transitions",
		},
		[]string{"from", "to"},
	)
	p.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_starts_total",
			Help:      "Child start attempts by trigger",
		},
		[]string{"trigger"},
	)
	p.spawnFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "child_spawn_failures_total",
		Help:      "Child processes that could not be spawned",
	})
	p.cleanupFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workdir_cleanup_failures_total",
		Help:      "Best-effort working directory removals that failed",
	})
	p.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_exits_total",
			Help:      "Child exits by exit code",
		},
		[]string{"code"},
	)
	p.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_queue_depth",
		Help:      "Requests waiting for the child to become ready",
	})
	p.queued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_queued_total",
		Help:      "Requests that entered the pending queue",
	})
	p.released = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_released_total",
		Help:      "Queued requests released for forwarding",
	})
	p.rejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Requests answered without reaching the child",
		},
		[]string{"reason"},
	)
	p.pendingWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pending_wait_seconds",
		Help:      "Time requests spent in the pending queue",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	p.forwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Duration of requests proxied to the child",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	p.registry.MustRegister(
		p.transitions,
		p.restarts,
		p.spawnFailures,
		p.cleanupFailures,
		p.exits,
		p.queueDepth,
		p.queued,
		p.released,
		p.rejected,
		p.pendingWait,
		p.forwardDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return p
}

func (p *Prometheus) StatusTransition(from, to string) {
	p.transitions.WithLabelValues(from, to).Inc()
}

func (p *Prometheus) Restart(trigger string) {
	p.restarts.WithLabelValues(trigger).Inc()
}

func (p *Prometheus) SpawnFailure() {
	p.spawnFailures.Inc()
}

func (p *Prometheus) CleanupFailure() {
	p.cleanupFailures.Inc()
}

func (p *Prometheus) ChildExit(code int) {
	p.exits.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (p *Prometheus) QueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

func (p *Prometheus) Queued() {
	p.queued.Inc()
}

func (p *Prometheus) Released(n int) {
	p.released.Add(float64(n))
}

func (p *Prometheus) Rejected(reason string, n int) {
	p.rejected.WithLabelValues(reason).Add(float64(n))
}

func (p *Prometheus) PendingWait(d time.Duration) {
	p.pendingWait.Observe(d.Seconds())
}

func (p *Prometheus) Forwarded(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.forwardDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
