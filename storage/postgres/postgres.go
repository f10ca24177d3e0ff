// Package postgres provides a PostgreSQL implementation of the
// quotagate.Store interface. All counter mutations are single-statement
// upserts (INSERT ... ON CONFLICT DO UPDATE) so concurrent requests for the
// same user never lose increments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quotagate/quotagate/pkg/quotagate"
)

// Store implements quotagate.Store using PostgreSQL.
type Store struct {
	pool     *pgxpool.Pool
	defaults quotagate.Limits
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// DefaultLimits seed the limits row created for users first seen by
	// the accounting path. Zero value means quotagate.DefaultLimits().
	DefaultLimits quotagate.Limits
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		DefaultLimits:   quotagate.DefaultLimits(),
	}
}

// New creates a PostgreSQL store and verifies connectivity.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	defaults := config.DefaultLimits
	if defaults == (quotagate.Limits{}) {
		defaults = quotagate.DefaultLimits()
	}

	return &Store{pool: pool, defaults: defaults}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS user_quotas (
			user_id      TEXT PRIMARY KEY,
			req_per_hour BIGINT NOT NULL,
			req_per_day  BIGINT NOT NULL,
			cpu_seconds  BIGINT NOT NULL,
			memory_mb    BIGINT NOT NULL,
			storage_mb   BIGINT NOT NULL,
			files_max    BIGINT NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS user_usage (
			user_id     TEXT PRIMARY KEY REFERENCES user_quotas(user_id) ON DELETE CASCADE,
			req_hour    BIGINT NOT NULL DEFAULT 0,
			req_day     BIGINT NOT NULL DEFAULT 0,
			cpu_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			mem_peak_mb BIGINT NOT NULL DEFAULT 0,
			storage_mb  BIGINT NOT NULL DEFAULT 0,
			files_count BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS quota_violations (
			id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id       TEXT NOT NULL REFERENCES user_quotas(user_id) ON DELETE CASCADE,
			reason        TEXT NOT NULL,
			current_usage BIGINT NOT NULL,
			limit_value   BIGINT NOT NULL,
			percentage    DOUBLE PRECISION NOT NULL,
			message       TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quota_violations_user_id ON quota_violations (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_quota_violations_created_at ON quota_violations (created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) GetLimits(ctx context.Context, userID string) (*quotagate.Limits, error) {
	var l quotagate.Limits
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, req_per_hour, req_per_day, cpu_seconds, memory_mb, storage_mb, files_max
		FROM user_quotas WHERE user_id = $1`, userID,
	).Scan(&l.UserID, &l.ReqPerHour, &l.ReqPerDay, &l.CPUSeconds, &l.MemoryMB, &l.StorageMB, &l.FilesMax)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get limits: %w", err)
	}
	return &l, nil
}

func (s *Store) UpsertLimits(ctx context.Context, limits *quotagate.Limits) error {
	if limits == nil || limits.UserID == "" {
		return quotagate.ErrInvalidLimits
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_quotas (user_id, req_per_hour, req_per_day, cpu_seconds, memory_mb, storage_mb, files_max, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (user_id) DO UPDATE SET
			req_per_hour = EXCLUDED.req_per_hour,
			req_per_day  = EXCLUDED.req_per_day,
			cpu_seconds  = EXCLUDED.cpu_seconds,
			memory_mb    = EXCLUDED.memory_mb,
			storage_mb   = EXCLUDED.storage_mb,
			files_max    = EXCLUDED.files_max,
			updated_at   = now()`,
		limits.UserID, limits.ReqPerHour, limits.ReqPerDay, limits.CPUSeconds,
		limits.MemoryMB, limits.StorageMB, limits.FilesMax)
	if err != nil {
		return fmt.Errorf("upsert limits: %w", err)
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	// usage and violations cascade from user_quotas
	_, err := s.pool.Exec(ctx, `DELETE FROM user_quotas WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *Store) GetUsage(ctx context.Context, userID string) (*quotagate.Usage, error) {
	var u quotagate.Usage
	var cpu float64
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, req_hour, req_day, cpu_seconds, mem_peak_mb, storage_mb, files_count, updated_at
		FROM user_usage WHERE user_id = $1`, userID,
	).Scan(&u.UserID, &u.ReqHour, &u.ReqDay, &cpu, &u.MemPeakMB, &u.StorageMB, &u.FilesCount, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	u.CPUSeconds = int64(cpu)
	return &u, nil
}

func (s *Store) BumpRequestCounters(ctx context.Context, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("bump request counters: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureUserTx(ctx, tx, userID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO user_usage (user_id, req_hour, req_day, updated_at)
		VALUES ($1, 1, 1, now())
		ON CONFLICT (user_id) DO UPDATE SET
			req_hour   = user_usage.req_hour + 1,
			req_day    = user_usage.req_day + 1,
			updated_at = now()`, userID)
	if err != nil {
		return fmt.Errorf("bump request counters: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) AddCPUSeconds(ctx context.Context, userID string, seconds float64) error {
	if seconds < 0.001 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("add cpu seconds: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureUserTx(ctx, tx, userID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO user_usage (user_id, cpu_seconds, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET
			cpu_seconds = user_usage.cpu_seconds + EXCLUDED.cpu_seconds,
			updated_at  = now()`, userID, seconds)
	if err != nil {
		return fmt.Errorf("add cpu seconds: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) RaiseMemoryPeak(ctx context.Context, userID string, mb int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("raise memory peak: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureUserTx(ctx, tx, userID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO user_usage (user_id, mem_peak_mb, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET
			mem_peak_mb = GREATEST(user_usage.mem_peak_mb, EXCLUDED.mem_peak_mb),
			updated_at  = now()`, userID, mb)
	if err != nil {
		return fmt.Errorf("raise memory peak: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) SetStorage(ctx context.Context, userID string, storageMB, files int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("set storage: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureUserTx(ctx, tx, userID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO user_usage (user_id, storage_mb, files_count, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
			storage_mb  = EXCLUDED.storage_mb,
			files_count = EXCLUDED.files_count,
			updated_at  = now()`, userID, storageMB, files)
	if err != nil {
		return fmt.Errorf("set storage: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) RecordViolation(ctx context.Context, userID string, reason quotagate.QuotaType, detail quotagate.ViolationDetail) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("record violation: %w", err)
	}
	defer tx.Rollback(ctx)

	// A denied user may have no rows yet; satisfy the FK first.
	if err := s.ensureUserTx(ctx, tx, userID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO quota_violations (user_id, reason, current_usage, limit_value, percentage, message)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, string(reason), detail.CurrentUsage, detail.Limit, detail.Percentage, detail.Message)
	if err != nil {
		return fmt.Errorf("record violation: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ListViolations(ctx context.Context, userID string, sinceHours, limit int) ([]quotagate.Violation, error) {
	query := `
		SELECT id, user_id, reason, current_usage, limit_value, percentage, message, created_at
		FROM quota_violations
		WHERE created_at > now() - ($1 * interval '1 hour')`
	args := []interface{}{sinceHours}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []quotagate.Violation
	for rows.Next() {
		var v quotagate.Violation
		var reason string
		if err := rows.Scan(&v.ID, &v.UserID, &reason, &v.Detail.CurrentUsage,
			&v.Detail.Limit, &v.Detail.Percentage, &v.Detail.Message, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("list violations: %w", err)
		}
		v.Reason = quotagate.QuotaType(reason)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	return out, nil
}

func (s *Store) ResetHourly(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE user_usage SET req_hour = 0, updated_at = now()`)
	if err != nil {
		return 0, fmt.Errorf("reset hourly: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ResetDaily(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE user_usage SET req_day = 0, updated_at = now()`)
	if err != nil {
		return 0, fmt.Errorf("reset daily: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) PurgeViolationsOlderThan(ctx context.Context, days int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM quota_violations WHERE created_at < now() - ($1 * interval '1 day')`, days)
	if err != nil {
		return 0, fmt.Errorf("purge violations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Statistics(ctx context.Context) (*quotagate.Statistics, error) {
	var stats quotagate.Statistics
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(req_hour), 0),
			COALESCE(SUM(req_day), 0),
			COALESCE(SUM(cpu_seconds), 0)::BIGINT,
			COALESCE(AVG(mem_peak_mb), 0),
			COALESCE(SUM(storage_mb), 0),
			COALESCE(SUM(files_count), 0)
		FROM user_usage`,
	).Scan(&stats.TotalUsers, &stats.TotalReqHour, &stats.TotalReqDay,
		&stats.TotalCPUSeconds, &stats.AvgMemPeakMB, &stats.TotalStorageMB, &stats.TotalFilesCount)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM quota_violations WHERE created_at > now() - interval '24 hours'`,
	).Scan(&stats.ViolationsLast24h)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	return &stats, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ensureUserTx inserts a defaults limits row when the user has none, so the
// usage and violation FKs always resolve.
func (s *Store) ensureUserTx(ctx context.Context, tx pgx.Tx, userID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_quotas (user_id, req_per_hour, req_per_day, cpu_seconds, memory_mb, storage_mb, files_max)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, s.defaults.ReqPerHour, s.defaults.ReqPerDay, s.defaults.CPUSeconds,
		s.defaults.MemoryMB, s.defaults.StorageMB, s.defaults.FilesMax)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}
