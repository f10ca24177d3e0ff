package quotagate

import "time"

// Metrics defines the interface for pipeline telemetry. All methods must be
// synchronous and non-blocking; implementations are called on the request
// hot path.
type Metrics interface {
	// RecordRequest records one admitted request by outcome, including its
	// middleware-observed end-to-end latency.
	RecordRequest(userID, endpoint string, statusCode int, duration time.Duration)

	// RecordViolation records one denial.
	RecordViolation(userID string, quota QuotaType)

	// UpdateQuotaUsage refreshes the per-dimension usage gauges
	// (ratio, current, limit, near-limit, exceeded).
	UpdateQuotaUsage(userID string, quota QuotaType, current, limit int64)

	// RecordCPU adds consumed CPU seconds.
	RecordCPU(userID string, seconds float64)

	// UpdateMemoryPeak sets the memory high-water gauge.
	UpdateMemoryPeak(userID string, mb int64)

	// UpdateStorage sets the storage gauge.
	UpdateStorage(userID string, mb int64)

	// UpdateFilesCount sets the file-count gauge.
	UpdateFilesCount(userID string, count int64)

	// RecordStorageError counts a failed store operation (fail-open path).
	RecordStorageError(operation string)
}

// NoopMetrics is a no-op implementation of the Metrics interface. It is
// wired when the sink is disabled; every method returns immediately and
// takes no locks.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordRequest(userID, endpoint string, statusCode int, duration time.Duration) {
}
func (n *NoopMetrics) RecordViolation(userID string, quota QuotaType)                       {}
func (n *NoopMetrics) UpdateQuotaUsage(userID string, quota QuotaType, current, limit int64) {}
func (n *NoopMetrics) RecordCPU(userID string, seconds float64)                             {}
func (n *NoopMetrics) UpdateMemoryPeak(userID string, mb int64)                             {}
func (n *NoopMetrics) UpdateStorage(userID string, mb int64)                                {}
func (n *NoopMetrics) UpdateFilesCount(userID string, count int64)                          {}
func (n *NoopMetrics) RecordStorageError(operation string)                                  {}
