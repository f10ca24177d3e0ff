package quotagate

import (
	"context"
)

// Store defines the interface for quota persistence. It is the only
// component that talks to the database; everything else goes through it.
//
// Every mutating method must be atomic against concurrent callers on the
// same user, relying on the backend's conditional insert-or-update
// primitive. No application-level locking is expected of callers.
type Store interface {
	// GetLimits retrieves a user's limits record.
	// Returns nil, nil when the user has no record.
	GetLimits(ctx context.Context, userID string) (*Limits, error)

	// UpsertLimits overwrites all six limit fields, creating the record
	// if it does not exist.
	UpsertLimits(ctx context.Context, limits *Limits) error

	// DeleteUser removes a user's limits, usage and violations.
	DeleteUser(ctx context.Context, userID string) error

	// GetUsage retrieves a user's live usage record.
	// Returns nil, nil when no request has been accounted yet.
	GetUsage(ctx context.Context, userID string) (*Usage, error)

	// BumpRequestCounters atomically increments both request counters and
	// stamps updated_at. Creates the usage record (and a defaults limits
	// record) when the user is new.
	BumpRequestCounters(ctx context.Context, userID string) error

	// AddCPUSeconds atomically adds to the cumulative CPU counter.
	// Deltas below one millisecond are dropped.
	AddCPUSeconds(ctx context.Context, userID string, seconds float64) error

	// RaiseMemoryPeak atomically sets mem_peak_mb = max(mem_peak_mb, mb).
	RaiseMemoryPeak(ctx context.Context, userID string, mb int64) error

	// SetStorage atomically overwrites the storage and file-count gauges.
	SetStorage(ctx context.Context, userID string, storageMB, files int64) error

	// RecordViolation appends one violation row.
	RecordViolation(ctx context.Context, userID string, reason QuotaType, detail ViolationDetail) error

	// ListViolations returns up to limit violations newer than sinceHours,
	// newest first. An empty userID selects all users.
	ListViolations(ctx context.Context, userID string, sinceHours, limit int) ([]Violation, error)

	// ResetHourly zeroes the req_hour column for every user.
	// Returns the number of rows affected.
	ResetHourly(ctx context.Context) (int64, error)

	// ResetDaily zeroes the req_day column for every user.
	ResetDaily(ctx context.Context) (int64, error)

	// PurgeViolationsOlderThan bulk-deletes aged violations.
	PurgeViolationsOlderThan(ctx context.Context, days int) (int64, error)

	// Statistics returns the aggregate usage view.
	Statistics(ctx context.Context) (*Statistics, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
}
