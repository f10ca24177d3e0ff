// Package quotagate implements a per-user quota enforcement pipeline:
// a persistent store of limits, usage counters and violations, a TTL cache
// for limits, a request-scoped enforcement engine, and maintenance tasks
// that roll the counters over.
package quotagate

import (
	"time"
)

// QuotaType identifies one enforced quota dimension.
type QuotaType string

const (
	// QuotaReqHour is the rolling-hour request counter quota.
	QuotaReqHour QuotaType = "req_hour"
	// QuotaReqDay is the per-day request counter quota.
	QuotaReqDay QuotaType = "req_day"
	// QuotaCPUSeconds is the cumulative CPU-seconds ceiling.
	QuotaCPUSeconds QuotaType = "cpu_seconds"
	// QuotaMemoryMB is the peak resident memory ceiling.
	QuotaMemoryMB QuotaType = "memory_mb"
	// QuotaStorageMB is the stored-bytes ceiling.
	QuotaStorageMB QuotaType = "storage_mb"
	// QuotaFilesMax is the file-count ceiling.
	QuotaFilesMax QuotaType = "files_max"
)

// QuotaTypes lists every enforced dimension, in check order.
var QuotaTypes = []QuotaType{
	QuotaReqHour, QuotaReqDay, QuotaCPUSeconds,
	QuotaMemoryMB, QuotaStorageMB, QuotaFilesMax,
}

// Limits is the administratively-set ceilings for one user.
type Limits struct {
	UserID     string `json:"user_id"`
	ReqPerHour int64  `json:"req_per_hour"`
	ReqPerDay  int64  `json:"req_per_day"`
	CPUSeconds int64  `json:"cpu_seconds"`
	MemoryMB   int64  `json:"memory_mb"`
	StorageMB  int64  `json:"storage_mb"`
	FilesMax   int64  `json:"files_max"`
}

// DefaultLimits returns the built-in ceilings applied to users without a
// limits record.
func DefaultLimits() Limits {
	return Limits{
		ReqPerHour: 100,
		ReqPerDay:  1000,
		CPUSeconds: 300,
		MemoryMB:   512,
		StorageMB:  100,
		FilesMax:   50,
	}
}

// Usage is the live counters and gauges for one user.
//
// ReqHour and ReqDay are zeroed by maintenance; CPUSeconds only grows;
// MemPeakMB is a high-water mark; StorageMB and FilesCount are overwritten
// by whichever business operation changed stored bytes.
type Usage struct {
	UserID     string    `json:"user_id"`
	ReqHour    int64     `json:"req_hour"`
	ReqDay     int64     `json:"req_day"`
	CPUSeconds int64     `json:"cpu_seconds"`
	MemPeakMB  int64     `json:"mem_peak_mb"`
	StorageMB  int64     `json:"storage_mb"`
	FilesCount int64     `json:"files_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ViolationDetail is the structured payload persisted with each violation.
// Percentage is the fraction current/max(limit,1) at decision time.
type ViolationDetail struct {
	CurrentUsage int64   `json:"current_usage"`
	Limit        int64   `json:"limit"`
	Percentage   float64 `json:"percentage"`
	Message      string  `json:"message"`
}

// Violation is one event of an admission denial, append-only.
type Violation struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Reason    QuotaType       `json:"reason"`
	Detail    ViolationDetail `json:"detail"`
	CreatedAt time.Time       `json:"created_at"`
}

// CheckResult is the outcome of evaluating a single quota dimension.
type CheckResult struct {
	Allowed      bool
	Quota        QuotaType
	CurrentUsage int64
	Limit        int64
	Percentage   float64
	Message      string
}

// Statistics is the aggregate usage view served to administrators.
type Statistics struct {
	TotalUsers        int64   `json:"total_users"`
	TotalReqHour      int64   `json:"total_req_hour"`
	TotalReqDay       int64   `json:"total_req_day"`
	TotalCPUSeconds   int64   `json:"total_cpu_seconds"`
	AvgMemPeakMB      float64 `json:"avg_mem_peak_mb"`
	TotalStorageMB    int64   `json:"total_storage_mb"`
	TotalFilesCount   int64   `json:"total_files_count"`
	ViolationsLast24h int64   `json:"violations_last_24h"`
}

// Config holds enforcement pipeline configuration.
type Config struct {
	// Enabled gates the whole pipeline. When false the middleware passes
	// every request through and no cache or metrics work occurs.
	Enabled bool

	// CacheTTL is how long resolved limits stay fresh (default: 60 seconds).
	CacheTTL time.Duration

	// DefaultLimits are the ceilings for users without a limits record.
	// Zero value means DefaultLimits().
	DefaultLimits Limits

	// ResourcePathPrefixes lists URL path prefixes whose requests trigger
	// the storage and file-count checks in addition to the request-rate
	// checks. Typically execute/upload endpoints.
	ResourcePathPrefixes []string

	// ViolationRetentionDays is how long violations are kept before the
	// daily maintenance purges them (default: 30).
	ViolationRetentionDays int

	// Metrics receives pipeline telemetry (default: NoopMetrics).
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger
}

// withDefaults fills zero-value Config fields.
func (c Config) withDefaults() Config {
	if c.CacheTTL == 0 {
		c.CacheTTL = 60 * time.Second
	}
	if c.DefaultLimits == (Limits{}) {
		c.DefaultLimits = DefaultLimits()
	}
	if c.ViolationRetentionDays == 0 {
		c.ViolationRetentionDays = 30
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	return c
}
