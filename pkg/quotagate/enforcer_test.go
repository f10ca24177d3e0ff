package quotagate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotagate/quotagate/pkg/quotagate"
	"github.com/quotagate/quotagate/storage/memory"
)

func newTestEnforcer(t *testing.T, store quotagate.Store, cfg quotagate.Config) *quotagate.Enforcer {
	t.Helper()
	cfg.Enabled = true
	enforcer, err := quotagate.NewEnforcer(store, cfg)
	require.NoError(t, err)
	return enforcer
}

func exhaustHourly(t *testing.T, store quotagate.Store, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.BumpRequestCounters(context.Background(), userID))
	}
}

func TestPrecheckAllowsFreshUser(t *testing.T) {
	enforcer := newTestEnforcer(t, memory.NewStore(), quotagate.Config{})

	res, err := enforcer.Precheck(context.Background(), "alice", "/hello")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "All quotas OK", res.Message)
}

func TestPrecheckHourlyBeforeDaily(t *testing.T) {
	store := memory.NewStore()
	// Both limits are already reached; the hourly check must win.
	require.NoError(t, store.UpsertLimits(context.Background(), &quotagate.Limits{
		UserID: "bob", ReqPerHour: 2, ReqPerDay: 2, CPUSeconds: 300,
		MemoryMB: 512, StorageMB: 100, FilesMax: 50,
	}))
	exhaustHourly(t, store, "bob", 2)

	enforcer := newTestEnforcer(t, store, quotagate.Config{})
	res, err := enforcer.Precheck(context.Background(), "bob", "/hello")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, quotagate.QuotaReqHour, res.Quota)
	assert.Equal(t, int64(2), res.CurrentUsage)
	assert.Equal(t, int64(2), res.Limit)
	assert.InDelta(t, 1.0, res.Percentage, 1e-9)
	assert.Equal(t, "Hourly requests: 2/2", res.Message)
}

func TestPrecheckResourceChecksOnlyOnPrefixedPaths(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.SetStorage(context.Background(), "carol", 150, 10))

	enforcer := newTestEnforcer(t, store, quotagate.Config{
		ResourcePathPrefixes: []string{"/run_py", "/put"},
	})

	res, err := enforcer.Precheck(context.Background(), "carol", "/hello")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "storage ceiling must not apply to plain paths")

	res, err = enforcer.Precheck(context.Background(), "carol", "/run_py")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, quotagate.QuotaStorageMB, res.Quota)
	assert.Equal(t, "Storage usage: 150/100 MB", res.Message)
}

func TestPrecheckZeroLimitNeverDividesByZero(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.UpsertLimits(context.Background(), &quotagate.Limits{
		UserID: "dave", ReqPerHour: 0, ReqPerDay: 10, CPUSeconds: 10,
		MemoryMB: 10, StorageMB: 10, FilesMax: 10,
	}))

	enforcer := newTestEnforcer(t, store, quotagate.Config{})
	res, err := enforcer.Precheck(context.Background(), "dave", "/hello")
	require.NoError(t, err)
	assert.False(t, res.Allowed, "zero limit denies immediately")
	assert.Equal(t, float64(0), res.Percentage)
}

func TestDenyRecordsViolationAndBuildsBody(t *testing.T) {
	store := memory.NewStore()
	enforcer := newTestEnforcer(t, store, quotagate.Config{})

	res := &quotagate.CheckResult{
		Allowed:      false,
		Quota:        quotagate.QuotaReqDay,
		CurrentUsage: 1000,
		Limit:        1000,
		Percentage:   1.0,
		Message:      "Daily requests: 1000/1000",
	}
	denial := enforcer.Deny(context.Background(), "erin", res)

	assert.Equal(t, 429, denial.Status)
	assert.Equal(t, "Quota exceeded", denial.Body.Error)
	assert.Equal(t, quotagate.QuotaReqDay, denial.Body.QuotaType)
	assert.Equal(t, 86400, denial.Body.RetryAfter)
	assert.Equal(t, 100.0, denial.Body.Percentage)

	violations, err := store.ListViolations(context.Background(), "erin", 1, 10)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, quotagate.QuotaReqDay, violations[0].Reason)
	assert.Equal(t, int64(1000), violations[0].Detail.CurrentUsage)
	assert.InDelta(t, 1.0, violations[0].Detail.Percentage, 1e-9)
}

func TestDenialPercentageRoundsToOneDecimal(t *testing.T) {
	enforcer := newTestEnforcer(t, memory.NewStore(), quotagate.Config{})

	res := &quotagate.CheckResult{
		Quota:        quotagate.QuotaStorageMB,
		CurrentUsage: 1,
		Limit:        3,
		Percentage:   1.0 / 3.0,
	}
	denial := enforcer.Deny(context.Background(), "frank", res)
	assert.Equal(t, 33.3, denial.Body.Percentage)
	assert.Equal(t, 403, denial.Status)
	assert.Equal(t, 3600, denial.Body.RetryAfter)
}

func TestPostAccountBumpsCounters(t *testing.T) {
	store := memory.NewStore()
	enforcer := newTestEnforcer(t, store, quotagate.Config{})

	enforcer.PostAccount(context.Background(), "grace", "/hello", 200, quotagate.Measurement{
		Duration: 5 * time.Millisecond,
	})

	usage, err := store.GetUsage(context.Background(), "grace")
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, int64(1), usage.ReqHour)
	assert.Equal(t, int64(1), usage.ReqDay)
	assert.Equal(t, int64(0), usage.CPUSeconds)
	assert.Equal(t, int64(0), usage.MemPeakMB)
}

func TestPostAccountCPUFloor(t *testing.T) {
	store := memory.NewStore()
	enforcer := newTestEnforcer(t, store, quotagate.Config{})
	ctx := context.Background()

	// Below one millisecond: dropped.
	enforcer.PostAccount(ctx, "henry", "/hello", 200, quotagate.Measurement{CPUSeconds: 0.0005})
	usage, err := store.GetUsage(ctx, "henry")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.CPUSeconds)

	enforcer.PostAccount(ctx, "henry", "/hello", 200, quotagate.Measurement{CPUSeconds: 2.5})
	usage, err = store.GetUsage(ctx, "henry")
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.CPUSeconds)
}

func TestPostAccountMemoryPeakThreshold(t *testing.T) {
	store := memory.NewStore()
	enforcer := newTestEnforcer(t, store, quotagate.Config{})
	ctx := context.Background()

	// At or below 10 MB: noise, not a peak candidate.
	enforcer.PostAccount(ctx, "iris", "/hello", 200, quotagate.Measurement{MemDeltaMB: 10})
	usage, err := store.GetUsage(ctx, "iris")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.MemPeakMB)

	enforcer.PostAccount(ctx, "iris", "/hello", 200, quotagate.Measurement{MemDeltaMB: 64})
	enforcer.PostAccount(ctx, "iris", "/hello", 200, quotagate.Measurement{MemDeltaMB: 32})
	usage, err = store.GetUsage(ctx, "iris")
	require.NoError(t, err)
	assert.Equal(t, int64(64), usage.MemPeakMB, "peak is monotone")
}

func TestResourceIntensiveMatchesPrefixes(t *testing.T) {
	enforcer := newTestEnforcer(t, memory.NewStore(), quotagate.Config{
		ResourcePathPrefixes: []string{"/run_py", "/run_sh", "/put"},
	})

	assert.True(t, enforcer.ResourceIntensive("/run_py"))
	assert.True(t, enforcer.ResourceIntensive("/put/some/file"))
	assert.False(t, enforcer.ResourceIntensive("/hello"))
	assert.False(t, enforcer.ResourceIntensive("/run"))
}
