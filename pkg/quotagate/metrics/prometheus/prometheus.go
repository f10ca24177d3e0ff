// Package prommetrics implements quotagate.Metrics on a dedicated
// Prometheus registry, keeping quota telemetry off the default registry so
// the host application's /metrics stays unchanged.
package prommetrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quotagate/quotagate/pkg/quotagate"
)

// Metrics implements quotagate.Metrics using Prometheus.
type Metrics struct {
	registry  *prometheus.Registry
	threshold float64

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	violationsTotal  *prometheus.CounterVec
	usageRatio       *prometheus.GaugeVec
	currentUsage     *prometheus.GaugeVec
	limits           *prometheus.GaugeVec
	nearLimit        *prometheus.GaugeVec
	exceeded         *prometheus.GaugeVec
	cpuSecondsTotal  *prometheus.CounterVec
	memoryPeakMB     *prometheus.GaugeVec
	storageMB        *prometheus.GaugeVec
	filesCount       *prometheus.GaugeVec
	storageErrsTotal *prometheus.CounterVec
}

// NewMetrics creates a Prometheus sink on its own registry. threshold is
// the usage ratio above which the near-limit flag raises; zero means 0.8.
func NewMetrics(threshold float64) *Metrics {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry:  registry,
		threshold: threshold,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_requests_total",
			Help: "Total number of requests admitted through quota enforcement.",
		}, []string{"user_id", "endpoint", "status_code"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quota_request_duration_seconds",
			Help:    "End-to-end latency of admitted requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"user_id", "endpoint"}),

		violationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_violations_total",
			Help: "Total number of denied requests.",
		}, []string{"user_id", "quota_type"}),

		usageRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quota_usage_ratio",
			Help: "Current usage as a fraction of the limit.",
		}, []string{"user_id", "quota_type"}),

		currentUsage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quota_current_usage",
			Help: "Current usage per quota dimension.",
		}, []string{"user_id", "quota_type"}),

		limits: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quota_limits",
			Help: "Configured limit per quota dimension.",
		}, []string{"user_id", "quota_type"}),

		nearLimit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quota_near_limit",
			Help: "1 when usage is above the near-limit threshold.",
		}, []string{"user_id", "quota_type"}),

		exceeded: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quota_exceeded",
			Help: "1 when usage has reached the limit.",
		}, []string{"user_id", "quota_type"}),

		cpuSecondsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_cpu_seconds_total",
			Help: "Cumulative CPU seconds attributed to a user.",
		}, []string{"user_id"}),

		memoryPeakMB: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quota_memory_peak_mb",
			Help: "Highest observed per-request memory delta in MB.",
		}, []string{"user_id"}),

		storageMB: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quota_storage_mb",
			Help: "Current storage consumption in MB.",
		}, []string{"user_id"}),

		filesCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quota_files_count",
			Help: "Current number of stored files.",
		}, []string{"user_id"}),

		storageErrsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_storage_errors_total",
			Help: "Total number of failed store operations.",
		}, []string{"operation"}),
	}
}

// Registry exposes the dedicated registry, for callers that gather it
// alongside their own collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving this sink's registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordRequest(userID, endpoint string, statusCode int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(userID, endpoint, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(userID, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordViolation(userID string, quota quotagate.QuotaType) {
	m.violationsTotal.WithLabelValues(userID, string(quota)).Inc()
}

func (m *Metrics) UpdateQuotaUsage(userID string, quota quotagate.QuotaType, current, limit int64) {
	denom := limit
	if denom < 1 {
		denom = 1
	}
	ratio := float64(current) / float64(denom)

	m.usageRatio.WithLabelValues(userID, string(quota)).Set(ratio)
	m.currentUsage.WithLabelValues(userID, string(quota)).Set(float64(current))
	m.limits.WithLabelValues(userID, string(quota)).Set(float64(limit))
	m.nearLimit.WithLabelValues(userID, string(quota)).Set(boolGauge(ratio >= m.threshold))
	m.exceeded.WithLabelValues(userID, string(quota)).Set(boolGauge(current >= limit))
}

func (m *Metrics) RecordCPU(userID string, seconds float64) {
	m.cpuSecondsTotal.WithLabelValues(userID).Add(seconds)
}

func (m *Metrics) UpdateMemoryPeak(userID string, mb int64) {
	m.memoryPeakMB.WithLabelValues(userID).Set(float64(mb))
}

func (m *Metrics) UpdateStorage(userID string, mb int64) {
	m.storageMB.WithLabelValues(userID).Set(float64(mb))
}

func (m *Metrics) UpdateFilesCount(userID string, count int64) {
	m.filesCount.WithLabelValues(userID).Set(float64(count))
}

func (m *Metrics) RecordStorageError(operation string) {
	m.storageErrsTotal.WithLabelValues(operation).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
