package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/manthysbr/solution-packager/internal/core/domain"
	"github.com/manthysbr/solution-packager/internal/core/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	_ ports.Metrics = Noop{}
	_ ports.Metrics = (*Prom)(nil)
)

// Noop implements ports.Metrics without emitting anything.
type Noop struct{}

func (Noop) JobSubmitted()                                     {}
func (Noop) SubmissionRejected(string)                         {}
func (Noop) JobFinished(domain.JobStatus, time.Duration)       {}
func (Noop) ToolRun(int, time.Duration)                        {}
func (Noop) QueueDepth(int)                                    {}
func (Noop) JobsEvicted(int)                                   {}
func (Noop) ObserveRequest(string, string, int, time.Duration) {}

// Prom implements ports.Metrics backed by a Prometheus registry.
type Prom struct {
	registry *prometheus.Registry

	jobsSubmitted       prometheus.Counter
	submissionsRejected *prometheus.CounterVec
	jobsFinished        *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	toolRuns            *prometheus.CounterVec
	toolDuration        prometheus.Histogram
	queueDepth          prometheus.Gauge
	jobsEvicted         prometheus.Counter
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// NewProm builds collectors on a private registry, together with the Go
// runtime and process collectors.
func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Archives accepted and queued",
		}),
		submissionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_rejected_total",
			Help:      "Submissions refused by reason",
		}, []string{"reason"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from claim to terminal status",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		toolRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_runs_total",
			Help:      "Packaging tool runs by exit code (-1 for timeouts)",
		}, []string{"exit_code"}),
		toolDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Wall clock time of packaging tool runs",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for the packaging worker",
		}),
		jobsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_evicted_total",
			Help:      "Jobs removed by the expiry sweeper",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	p.registry.MustRegister(
		p.jobsSubmitted, p.submissionsRejected, p.jobsFinished, p.jobDuration,
		p.toolRuns, p.toolDuration, p.queueDepth, p.jobsEvicted,
		p.httpRequests, p.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Handler exposes the registry in the Prometheus text format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prom) JobSubmitted() {
	p.jobsSubmitted.Inc()
}

func (p *Prom) SubmissionRejected(reason string) {
	p.submissionsRejected.WithLabelValues(reason).Inc()
}

func (p *Prom) JobFinished(status domain.JobStatus, elapsed time.Duration) {
	p.jobsFinished.WithLabelValues(string(status)).Inc()
	p.jobDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

func (p *Prom) ToolRun(exitCode int, elapsed time.Duration) {
	p.toolRuns.WithLabelValues(strconv.Itoa(exitCode)).Inc()
	p.toolDuration.Observe(elapsed.Seconds())
}

func (p *Prom) QueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

func (p *Prom) JobsEvicted(count int) {
	p.jobsEvicted.Add(float64(count))
}

func (p *Prom) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
