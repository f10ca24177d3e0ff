package quotagate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// memPeakThresholdMB is the smallest per-request RSS delta submitted as a
// new memory peak candidate. Smaller deltas are allocator noise.
const memPeakThresholdMB = 10

// cpuAccountingFloor is the smallest CPU delta, in seconds, worth an
// accounting write.
const cpuAccountingFloor = 0.001

// Enforcer evaluates quota checks before a request runs and accounts for
// consumed resources after it. It is shared by all middleware adapters.
type Enforcer struct {
	store   Store
	cache   *LimitsCache
	cfg     Config
	metrics Metrics
	logger  Logger
}

// NewEnforcer creates an enforcer over store.
func NewEnforcer(store Store, cfg Config) (*Enforcer, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	cfg = cfg.withDefaults()
	return &Enforcer{
		store:   store,
		cache:   NewLimitsCache(store, cfg.CacheTTL, cfg.DefaultLimits),
		cfg:     cfg,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}, nil
}

// Enabled reports whether enforcement is switched on. When false the
// middleware passes every request through untouched.
func (e *Enforcer) Enabled() bool { return e.cfg.Enabled }

// Store returns the backing store.
func (e *Enforcer) Store() Store { return e.store }

// Cache returns the limits cache, for admin-path invalidation.
func (e *Enforcer) Cache() *LimitsCache { return e.cache }

// Metrics returns the configured sink.
func (e *Enforcer) Metrics() Metrics { return e.metrics }

// ResourceIntensive reports whether a request path triggers the storage and
// file-count checks in addition to the request-rate checks.
func (e *Enforcer) ResourceIntensive(path string) bool {
	for _, prefix := range e.cfg.ResourcePathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Precheck runs the pre-request gate: hourly requests, then daily requests,
// then, for resource-intensive paths, the storage and file-count ceilings.
// The first failing check wins; later checks are not evaluated.
//
// A store failure is returned to the caller, which fails open.
func (e *Enforcer) Precheck(ctx context.Context, userID, path string) (*CheckResult, error) {
	limits, err := e.cache.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve limits: %w", err)
	}

	usage, err := e.store.GetUsage(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	if usage == nil {
		usage = &Usage{UserID: userID}
	}

	checks := []CheckResult{
		e.evaluate(userID, QuotaReqHour, usage.ReqHour, limits.ReqPerHour),
		e.evaluate(userID, QuotaReqDay, usage.ReqDay, limits.ReqPerDay),
	}
	if e.ResourceIntensive(path) {
		checks = append(checks,
			e.evaluate(userID, QuotaStorageMB, usage.StorageMB, limits.StorageMB),
			e.evaluate(userID, QuotaFilesMax, usage.FilesCount, limits.FilesMax),
		)
	}

	for i := range checks {
		if !checks[i].Allowed {
			return &checks[i], nil
		}
	}

	return &CheckResult{
		Allowed: true,
		Quota:   QuotaReqHour,
		Message: "All quotas OK",
	}, nil
}

// evaluate checks one dimension and refreshes its usage gauges.
func (e *Enforcer) evaluate(userID string, quota QuotaType, current, limit int64) CheckResult {
	e.metrics.UpdateQuotaUsage(userID, quota, current, limit)

	return CheckResult{
		Allowed:      current < limit,
		Quota:        quota,
		CurrentUsage: current,
		Limit:        limit,
		Percentage:   ratio(current, limit),
		Message:      checkMessage(quota, current, limit),
	}
}

// Denial is the response produced for a denied request.
type Denial struct {
	Status int
	Body   DenialBody
}

// DenialBody is the wire format of a denial response.
type DenialBody struct {
	Error        string    `json:"error"`
	QuotaType    QuotaType `json:"quota_type"`
	CurrentUsage int64     `json:"current_usage"`
	Limit        int64     `json:"limit"`
	Percentage   float64   `json:"percentage"`
	Message      string    `json:"message"`
	RetryAfter   int       `json:"retry_after"`
}

// Deny records the violation for a failed check and builds the denial
// response. A denied request produces exactly one violation row and no
// accounting mutations.
func (e *Enforcer) Deny(ctx context.Context, userID string, res *CheckResult) Denial {
	detail := ViolationDetail{
		CurrentUsage: res.CurrentUsage,
		Limit:        res.Limit,
		Percentage:   res.Percentage,
		Message:      res.Message,
	}
	if err := e.store.RecordViolation(ctx, userID, res.Quota, detail); err != nil {
		e.metrics.RecordStorageError("record_violation")
		e.logger.Error("failed to record quota violation",
			Field{"user_id", userID}, Field{"quota_type", res.Quota}, Field{"error", err.Error()})
	}
	e.metrics.RecordViolation(userID, res.Quota)

	return Denial{
		Status: DenialStatus(res.Quota),
		Body: DenialBody{
			Error:        "Quota exceeded",
			QuotaType:    res.Quota,
			CurrentUsage: res.CurrentUsage,
			Limit:        res.Limit,
			Percentage:   math.Round(res.Percentage*1000) / 10,
			Message:      res.Message,
			RetryAfter:   RetryAfter(res.Quota),
		},
	}
}

// FailOpen admits a request whose pre-check hit a storage failure. The
// failure is counted and logged; a failed quota lookup must not take down
// the service.
func (e *Enforcer) FailOpen(userID string, err error) {
	e.metrics.RecordStorageError("precheck")
	e.logger.Warn("quota pre-check failed, admitting request",
		Field{"user_id", userID}, Field{"error", err.Error()})
}

// Measurement is what the middleware observed while the downstream handler
// ran. CPU and memory are process-level estimates; zero is legitimate.
type Measurement struct {
	Duration   time.Duration
	CPUSeconds float64
	MemDeltaMB int64
}

// PostAccount performs the accounting epilogue for an admitted request:
// always bumps the hour+day counters, adds CPU when the delta reaches one
// millisecond, and submits a memory peak candidate when the RSS delta
// exceeds the noise threshold. Store failures are logged and dropped;
// under-accounting is preferred to blocking the response.
func (e *Enforcer) PostAccount(ctx context.Context, userID, endpoint string, statusCode int, m Measurement) {
	if err := e.store.BumpRequestCounters(ctx, userID); err != nil {
		e.metrics.RecordStorageError("bump_request_counters")
		e.logger.Error("failed to bump request counters",
			Field{"user_id", userID}, Field{"error", err.Error()})
	}

	if m.CPUSeconds >= cpuAccountingFloor {
		if err := e.store.AddCPUSeconds(ctx, userID, m.CPUSeconds); err != nil {
			e.metrics.RecordStorageError("add_cpu_seconds")
			e.logger.Error("failed to add cpu seconds",
				Field{"user_id", userID}, Field{"error", err.Error()})
		}
		e.metrics.RecordCPU(userID, m.CPUSeconds)
	}

	if m.MemDeltaMB > memPeakThresholdMB {
		if err := e.store.RaiseMemoryPeak(ctx, userID, m.MemDeltaMB); err != nil {
			e.metrics.RecordStorageError("raise_memory_peak")
			e.logger.Error("failed to raise memory peak",
				Field{"user_id", userID}, Field{"error", err.Error()})
		}
		e.metrics.UpdateMemoryPeak(userID, m.MemDeltaMB)
	}

	e.metrics.RecordRequest(userID, endpoint, statusCode, m.Duration)
}

// RetryAfter returns the advisory retry hint in seconds for a quota type:
// one hour for hourly quotas, one day for daily quotas, one hour otherwise.
func RetryAfter(quota QuotaType) int {
	switch quota {
	case QuotaReqHour:
		return 3600
	case QuotaReqDay:
		return 86400
	default:
		return 3600
	}
}

// DenialStatus returns 429 for request-rate quotas and 403 for resource
// ceilings.
func DenialStatus(quota QuotaType) int {
	switch quota {
	case QuotaReqHour, QuotaReqDay:
		return 429
	default:
		return 403
	}
}

// ratio computes current/limit, guarding against a zero limit.
func ratio(current, limit int64) float64 {
	if limit < 1 {
		limit = 1
	}
	return float64(current) / float64(limit)
}

func checkMessage(quota QuotaType, current, limit int64) string {
	switch quota {
	case QuotaReqHour:
		return fmt.Sprintf("Hourly requests: %d/%d", current, limit)
	case QuotaReqDay:
		return fmt.Sprintf("Daily requests: %d/%d", current, limit)
	case QuotaStorageMB:
		return fmt.Sprintf("Storage usage: %d/%d MB", current, limit)
	case QuotaFilesMax:
		return fmt.Sprintf("Files count: %d/%d", current, limit)
	case QuotaCPUSeconds:
		return fmt.Sprintf("CPU usage: %d/%d seconds", current, limit)
	case QuotaMemoryMB:
		return fmt.Sprintf("Memory peak: %d/%d MB", current, limit)
	default:
		return fmt.Sprintf("Usage: %d/%d", current, limit)
	}
}
