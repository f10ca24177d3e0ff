// Package memory provides an in-memory quotagate.Store. It is intended for
// tests and single-process development setups; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quotagate/quotagate/pkg/quotagate"
)

// Store is a mutex-guarded in-memory implementation of quotagate.Store.
type Store struct {
	mu         sync.RWMutex
	limits     map[string]quotagate.Limits
	usage      map[string]quotagate.Usage
	violations []quotagate.Violation
	defaults   quotagate.Limits
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		limits:   make(map[string]quotagate.Limits),
		usage:    make(map[string]quotagate.Usage),
		defaults: quotagate.DefaultLimits(),
	}
}

func (s *Store) GetLimits(_ context.Context, userID string) (*quotagate.Limits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.limits[userID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *Store) UpsertLimits(_ context.Context, limits *quotagate.Limits) error {
	if limits == nil || limits.UserID == "" {
		return quotagate.ErrInvalidLimits
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[limits.UserID] = *limits
	return nil
}

func (s *Store) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limits, userID)
	delete(s.usage, userID)
	kept := s.violations[:0]
	for _, v := range s.violations {
		if v.UserID != userID {
			kept = append(kept, v)
		}
	}
	s.violations = kept
	return nil
}

func (s *Store) GetUsage(_ context.Context, userID string) (*quotagate.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usage[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) BumpRequestCounters(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureUserLocked(userID)
	u := s.usage[userID]
	u.ReqHour++
	u.ReqDay++
	u.UpdatedAt = time.Now()
	s.usage[userID] = u
	return nil
}

func (s *Store) AddCPUSeconds(_ context.Context, userID string, seconds float64) error {
	if seconds < 0.001 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureUserLocked(userID)
	u := s.usage[userID]
	u.CPUSeconds += int64(seconds)
	u.UpdatedAt = time.Now()
	s.usage[userID] = u
	return nil
}

func (s *Store) RaiseMemoryPeak(_ context.Context, userID string, mb int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureUserLocked(userID)
	u := s.usage[userID]
	if mb > u.MemPeakMB {
		u.MemPeakMB = mb
	}
	u.UpdatedAt = time.Now()
	s.usage[userID] = u
	return nil
}

func (s *Store) SetStorage(_ context.Context, userID string, storageMB, files int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureUserLocked(userID)
	u := s.usage[userID]
	u.StorageMB = storageMB
	u.FilesCount = files
	u.UpdatedAt = time.Now()
	s.usage[userID] = u
	return nil
}

func (s *Store) RecordViolation(_ context.Context, userID string, reason quotagate.QuotaType, detail quotagate.ViolationDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureUserLocked(userID)
	s.violations = append(s.violations, quotagate.Violation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Reason:    reason,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *Store) ListViolations(_ context.Context, userID string, sinceHours, limit int) ([]quotagate.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-time.Duration(sinceHours) * time.Hour)
	var out []quotagate.Violation
	for _, v := range s.violations {
		if v.CreatedAt.Before(cutoff) {
			continue
		}
		if userID != "" && v.UserID != userID {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ResetHourly(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, u := range s.usage {
		u.ReqHour = 0
		u.UpdatedAt = time.Now()
		s.usage[id] = u
		n++
	}
	return n, nil
}

func (s *Store) ResetDaily(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, u := range s.usage {
		u.ReqDay = 0
		u.UpdatedAt = time.Now()
		s.usage[id] = u
		n++
	}
	return n, nil
}

func (s *Store) PurgeViolationsOlderThan(_ context.Context, days int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -days)
	kept := s.violations[:0]
	var purged int64
	for _, v := range s.violations {
		if v.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, v)
	}
	s.violations = kept
	return purged, nil
}

func (s *Store) Statistics(_ context.Context) (*quotagate.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &quotagate.Statistics{TotalUsers: int64(len(s.usage))}
	var memSum int64
	for _, u := range s.usage {
		stats.TotalReqHour += u.ReqHour
		stats.TotalReqDay += u.ReqDay
		stats.TotalCPUSeconds += u.CPUSeconds
		stats.TotalStorageMB += u.StorageMB
		stats.TotalFilesCount += u.FilesCount
		memSum += u.MemPeakMB
	}
	if stats.TotalUsers > 0 {
		stats.AvgMemPeakMB = float64(memSum) / float64(stats.TotalUsers)
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, v := range s.violations {
		if !v.CreatedAt.Before(cutoff) {
			stats.ViolationsLast24h++
		}
	}
	return stats, nil
}

func (s *Store) Ping(_ context.Context) error { return nil }

// Clear drops all state. Test helper.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = make(map[string]quotagate.Limits)
	s.usage = make(map[string]quotagate.Usage)
	s.violations = nil
}

// ensureUserLocked guarantees the usage row (and a defaults limits row)
// exists. Caller holds the write lock.
func (s *Store) ensureUserLocked(userID string) {
	if _, ok := s.limits[userID]; !ok {
		l := s.defaults
		l.UserID = userID
		s.limits[userID] = l
	}
	if _, ok := s.usage[userID]; !ok {
		s.usage[userID] = quotagate.Usage{UserID: userID, UpdatedAt: time.Now()}
	}
}
