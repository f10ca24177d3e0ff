// Package redis provides a Redis implementation of the quotagate.Store
// interface. Counter mutations run as Lua scripts so the ensure-user step
// and the increment are one atomic unit; violations live in a sorted set
// scored by creation time, which makes the retention purge a single
// ZREMRANGEBYSCORE.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quotagate/quotagate/pkg/quotagate"
)

// Store implements quotagate.Store using Redis.
type Store struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis store configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "quotagate:").
	KeyPrefix string

	// DefaultLimits seed the limits hash created for users first seen by
	// the accounting path. Zero value means quotagate.DefaultLimits().
	DefaultLimits quotagate.Limits
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     "quotagate:",
		DefaultLimits: quotagate.DefaultLimits(),
	}
}

// New creates a Redis store adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "quotagate:"
	}
	if config.DefaultLimits == (quotagate.Limits{}) {
		config.DefaultLimits = quotagate.DefaultLimits()
	}

	s := &Store{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic counter operations.
func (s *Store) loadScripts() {
	// Ensure the limits hash exists, then bump both request counters.
	s.scripts["bump"] = redis.NewScript(`
		local limitsKey = KEYS[1]
		local usageKey = KEYS[2]
		if redis.call('EXISTS', limitsKey) == 0 then
			redis.call('HSET', limitsKey,
				'req_per_hour', ARGV[2], 'req_per_day', ARGV[3],
				'cpu_seconds', ARGV[4], 'memory_mb', ARGV[5],
				'storage_mb', ARGV[6], 'files_max', ARGV[7])
		end
		redis.call('HINCRBY', usageKey, 'req_hour', 1)
		redis.call('HINCRBY', usageKey, 'req_day', 1)
		redis.call('HSET', usageKey, 'updated_at', ARGV[1])
		return 1
	`)

	// mem_peak_mb = max(mem_peak_mb, candidate)
	s.scripts["maxPeak"] = redis.NewScript(`
		local usageKey = KEYS[1]
		local candidate = tonumber(ARGV[1])
		local current = tonumber(redis.call('HGET', usageKey, 'mem_peak_mb') or '0')
		if candidate > current then
			redis.call('HSET', usageKey, 'mem_peak_mb', candidate)
		end
		redis.call('HSET', usageKey, 'updated_at', ARGV[2])
		return 1
	`)
}

func (s *Store) limitsKey(userID string) string { return s.config.KeyPrefix + "limits:" + userID }
func (s *Store) usageKey(userID string) string  { return s.config.KeyPrefix + "usage:" + userID }
func (s *Store) violationsKey() string          { return s.config.KeyPrefix + "violations" }

func (s *Store) GetLimits(ctx context.Context, userID string) (*quotagate.Limits, error) {
	vals, err := s.client.HGetAll(ctx, s.limitsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get limits: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return &quotagate.Limits{
		UserID:     userID,
		ReqPerHour: parseInt(vals["req_per_hour"]),
		ReqPerDay:  parseInt(vals["req_per_day"]),
		CPUSeconds: parseInt(vals["cpu_seconds"]),
		MemoryMB:   parseInt(vals["memory_mb"]),
		StorageMB:  parseInt(vals["storage_mb"]),
		FilesMax:   parseInt(vals["files_max"]),
	}, nil
}

func (s *Store) UpsertLimits(ctx context.Context, limits *quotagate.Limits) error {
	if limits == nil || limits.UserID == "" {
		return quotagate.ErrInvalidLimits
	}
	err := s.client.HSet(ctx, s.limitsKey(limits.UserID),
		"req_per_hour", limits.ReqPerHour,
		"req_per_day", limits.ReqPerDay,
		"cpu_seconds", limits.CPUSeconds,
		"memory_mb", limits.MemoryMB,
		"storage_mb", limits.StorageMB,
		"files_max", limits.FilesMax,
	).Err()
	if err != nil {
		return fmt.Errorf("upsert limits: %w", err)
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.limitsKey(userID), s.usageKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	// Violations are filtered out lazily; drop the user's entries now.
	entries, err := s.client.ZRange(ctx, s.violationsKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	for _, raw := range entries {
		var v quotagate.Violation
		if json.Unmarshal([]byte(raw), &v) == nil && v.UserID == userID {
			if err := s.client.ZRem(ctx, s.violationsKey(), raw).Err(); err != nil {
				return fmt.Errorf("delete user: %w", err)
			}
		}
	}
	return nil
}

func (s *Store) GetUsage(ctx context.Context, userID string) (*quotagate.Usage, error) {
	vals, err := s.client.HGetAll(ctx, s.usageKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return usageFromHash(userID, vals), nil
}

func (s *Store) BumpRequestCounters(ctx context.Context, userID string) error {
	d := s.config.DefaultLimits
	err := s.scripts["bump"].Run(ctx, s.client,
		[]string{s.limitsKey(userID), s.usageKey(userID)},
		time.Now().Unix(), d.ReqPerHour, d.ReqPerDay, d.CPUSeconds,
		d.MemoryMB, d.StorageMB, d.FilesMax,
	).Err()
	if err != nil {
		return fmt.Errorf("bump request counters: %w", err)
	}
	return nil
}

func (s *Store) AddCPUSeconds(ctx context.Context, userID string, seconds float64) error {
	if seconds < 0.001 {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.HIncrByFloat(ctx, s.usageKey(userID), "cpu_seconds", seconds)
	pipe.HSet(ctx, s.usageKey(userID), "updated_at", time.Now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add cpu seconds: %w", err)
	}
	return nil
}

func (s *Store) RaiseMemoryPeak(ctx context.Context, userID string, mb int64) error {
	err := s.scripts["maxPeak"].Run(ctx, s.client,
		[]string{s.usageKey(userID)}, mb, time.Now().Unix()).Err()
	if err != nil {
		return fmt.Errorf("raise memory peak: %w", err)
	}
	return nil
}

func (s *Store) SetStorage(ctx context.Context, userID string, storageMB, files int64) error {
	err := s.client.HSet(ctx, s.usageKey(userID),
		"storage_mb", storageMB,
		"files_count", files,
		"updated_at", time.Now().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("set storage: %w", err)
	}
	return nil
}

func (s *Store) RecordViolation(ctx context.Context, userID string, reason quotagate.QuotaType, detail quotagate.ViolationDetail) error {
	v := quotagate.Violation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Reason:    reason,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("record violation: %w", err)
	}
	err = s.client.ZAdd(ctx, s.violationsKey(), redis.Z{
		Score:  float64(v.CreatedAt.Unix()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("record violation: %w", err)
	}
	return nil
}

func (s *Store) ListViolations(ctx context.Context, userID string, sinceHours, limit int) ([]quotagate.Violation, error) {
	cutoff := time.Now().Add(-time.Duration(sinceHours) * time.Hour).Unix()
	entries, err := s.client.ZRevRangeByScore(ctx, s.violationsKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}

	var out []quotagate.Violation
	for _, raw := range entries {
		var v quotagate.Violation
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		if userID != "" && v.UserID != userID {
			continue
		}
		out = append(out, v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ResetHourly(ctx context.Context) (int64, error) {
	return s.resetField(ctx, "req_hour")
}

func (s *Store) ResetDaily(ctx context.Context) (int64, error) {
	return s.resetField(ctx, "req_day")
}

func (s *Store) resetField(ctx context.Context, field string) (int64, error) {
	var n int64
	iter := s.client.Scan(ctx, 0, s.config.KeyPrefix+"usage:*", 100).Iterator()
	for iter.Next(ctx) {
		err := s.client.HSet(ctx, iter.Val(), field, 0, "updated_at", time.Now().Unix()).Err()
		if err != nil {
			return n, fmt.Errorf("reset %s: %w", field, err)
		}
		n++
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("reset %s: %w", field, err)
	}
	return n, nil
}

func (s *Store) PurgeViolationsOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	n, err := s.client.ZRemRangeByScore(ctx, s.violationsKey(),
		"-inf", strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("purge violations: %w", err)
	}
	return n, nil
}

func (s *Store) Statistics(ctx context.Context) (*quotagate.Statistics, error) {
	stats := &quotagate.Statistics{}
	var memSum int64
	iter := s.client.Scan(ctx, 0, s.config.KeyPrefix+"usage:*", 100).Iterator()
	for iter.Next(ctx) {
		vals, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("statistics: %w", err)
		}
		u := usageFromHash("", vals)
		stats.TotalUsers++
		stats.TotalReqHour += u.ReqHour
		stats.TotalReqDay += u.ReqDay
		stats.TotalCPUSeconds += u.CPUSeconds
		stats.TotalStorageMB += u.StorageMB
		stats.TotalFilesCount += u.FilesCount
		memSum += u.MemPeakMB
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	if stats.TotalUsers > 0 {
		stats.AvgMemPeakMB = float64(memSum) / float64(stats.TotalUsers)
	}

	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	last24h, err := s.client.ZCount(ctx, s.violationsKey(),
		strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	stats.ViolationsLast24h = last24h
	return stats, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func usageFromHash(userID string, vals map[string]string) *quotagate.Usage {
	u := &quotagate.Usage{
		UserID:     userID,
		ReqHour:    parseInt(vals["req_hour"]),
		ReqDay:     parseInt(vals["req_day"]),
		CPUSeconds: int64(parseFloat(vals["cpu_seconds"])),
		MemPeakMB:  parseInt(vals["mem_peak_mb"]),
		StorageMB:  parseInt(vals["storage_mb"]),
		FilesCount: parseInt(vals["files_count"]),
	}
	if ts := parseInt(vals["updated_at"]); ts > 0 {
		u.UpdatedAt = time.Unix(ts, 0)
	}
	return u
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
