package quotagate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotagate/quotagate/pkg/quotagate"
	"github.com/quotagate/quotagate/storage/memory"
)

func TestRunHourlyResetsOnlyHourlyCounters(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	for _, user := range []string{"alice", "bob", "carol"} {
		require.NoError(t, store.BumpRequestCounters(ctx, user))
		require.NoError(t, store.BumpRequestCounters(ctx, user))
	}

	scheduler := quotagate.NewScheduler(store, quotagate.Config{})
	n, err := scheduler.RunHourly(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	usage, err := store.GetUsage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.ReqHour)
	assert.Equal(t, int64(2), usage.ReqDay, "daily counter survives the hourly sweep")
}

func TestRunDailyResetsAndPurges(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.BumpRequestCounters(ctx, "dave"))
	require.NoError(t, store.RecordViolation(ctx, "dave", quotagate.QuotaReqHour, quotagate.ViolationDetail{
		CurrentUsage: 100, Limit: 100, Percentage: 1.0,
	}))

	scheduler := quotagate.NewScheduler(store, quotagate.Config{})
	reset, purged, err := scheduler.RunDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)
	assert.Equal(t, int64(0), purged, "fresh violations stay within retention")

	usage, err := store.GetUsage(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.ReqDay)
	assert.Equal(t, int64(1), usage.ReqHour, "hourly counter survives the daily sweep")

	violations, err := store.ListViolations(ctx, "dave", 1, 10)
	require.NoError(t, err)
	assert.Len(t, violations, 1)
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	scheduler := quotagate.NewScheduler(memory.NewStore(), quotagate.Config{})

	scheduler.Start()
	scheduler.Start()
	scheduler.Stop()
	scheduler.Stop()
}
