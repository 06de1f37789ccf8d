package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics groups the collectors shared by the watcher, archiver and api.
type Metrics struct {
	Registry *prometheus.Registry

	FetchTotal      *prometheus.CounterVec
	RejectedTotal   *prometheus.CounterVec
	ReadingsLoaded  prometheus.Counter
	ArchiveUploads  *prometheus.CounterVec
	ArchiveRows     *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	LastSuccessTime *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plants_fetch_total",
			Help: "Snapshot retrievals by outcome",
		}, []string{"outcome"}), // success, error_payload, timeout, transport
		RejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plants_snapshots_rejected_total",
			Help: "Snapshots dropped during normalization by reason",
		}, []string{"reason"}),
		ReadingsLoaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "plants_readings_loaded_total",
			Help: "Reading rows committed to the store",
		}),
		ArchiveUploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plants_archive_tables_total",
			Help: "Archived tables by outcome",
		}, []string{"table", "status"}),
		ArchiveRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plants_archive_rows_total",
			Help: "Rows written to archive files",
		}, []string{"table"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plants_run_duration_seconds",
			Help:    "Duration of pipeline and archive runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"job", "status"}),
		LastSuccessTime: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "plants_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run",
		}, []string{"job"}),
	}
}

// ObserveRun records a finished run of job.
func (m *Metrics) ObserveRun(job string, ok bool, took time.Duration) {
	status := "failure"
	if ok {
		status = "success"
		m.LastSuccessTime.WithLabelValues(job).SetToCurrentTime()
	}
	m.RunDuration.WithLabelValues(job, status).Observe(took.Seconds())
}

// Push sends the registry to a Prometheus pushgateway. Batch jobs exit right
// after a run, so this is their only way to expose metrics.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	return push.New(gatewayURL, job).Gatherer(m.Registry).PushContext(ctx)
}

// API groups the collectors exposed by the query API on /metrics. Batch job
// metrics are pushed to the pushgateway instead.
type API struct {
	Registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewAPI registers the API collectors on a fresh registry.
func NewAPI() *API {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &API{
		Registry: reg,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plants_api_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plants_api_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveRequest records one served request.
func (a *API) ObserveRequest(method, route string, status int, took time.Duration) {
	a.Requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	a.RequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
