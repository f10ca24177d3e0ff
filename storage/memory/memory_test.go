package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotagate/quotagate/pkg/quotagate"
)

func TestLimitsRoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	limits, err := store.GetLimits(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, limits, "unknown user has no limits record")

	want := &quotagate.Limits{
		UserID: "alice", ReqPerHour: 10, ReqPerDay: 100, CPUSeconds: 30,
		MemoryMB: 128, StorageMB: 20, FilesMax: 5,
	}
	require.NoError(t, store.UpsertLimits(ctx, want))

	got, err := store.GetLimits(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestUpsertLimitsValidation(t *testing.T) {
	store := NewStore()
	assert.ErrorIs(t, store.UpsertLimits(context.Background(), nil), quotagate.ErrInvalidLimits)
	assert.ErrorIs(t, store.UpsertLimits(context.Background(), &quotagate.Limits{}), quotagate.ErrInvalidLimits)
}

func TestBumpCreatesUserWithDefaults(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.BumpRequestCounters(ctx, "bob"))

	usage, err := store.GetUsage(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, int64(1), usage.ReqHour)
	assert.Equal(t, int64(1), usage.ReqDay)

	limits, err := store.GetLimits(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, limits)
	assert.Equal(t, quotagate.DefaultLimits().ReqPerHour, limits.ReqPerHour)
}

func TestConcurrentBumpsLoseNoIncrements(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.BumpRequestCounters(ctx, "carol"))
		}()
	}
	wg.Wait()

	usage, err := store.GetUsage(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(100), usage.ReqHour)
	assert.Equal(t, int64(100), usage.ReqDay)
}

func TestAddCPUSecondsDropsTinyDeltas(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.AddCPUSeconds(ctx, "dave", 0.0001))
	usage, err := store.GetUsage(ctx, "dave")
	require.NoError(t, err)
	assert.Nil(t, usage, "sub-millisecond delta creates nothing")

	require.NoError(t, store.AddCPUSeconds(ctx, "dave", 3.2))
	usage, err = store.GetUsage(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage.CPUSeconds)
}

func TestMemoryPeakIsMonotone(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.RaiseMemoryPeak(ctx, "erin", 64))
	require.NoError(t, store.RaiseMemoryPeak(ctx, "erin", 32))

	usage, err := store.GetUsage(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, int64(64), usage.MemPeakMB)
}

func TestViolationListingFiltersAndOrders(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordViolation(ctx, "frank", quotagate.QuotaReqHour, quotagate.ViolationDetail{}))
	}
	require.NoError(t, store.RecordViolation(ctx, "grace", quotagate.QuotaReqDay, quotagate.ViolationDetail{}))

	all, err := store.ListViolations(ctx, "", 24, 100)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	mine, err := store.ListViolations(ctx, "frank", 24, 100)
	require.NoError(t, err)
	assert.Len(t, mine, 3)
	for _, v := range mine {
		assert.Equal(t, "frank", v.UserID)
		assert.NotEmpty(t, v.ID)
	}

	capped, err := store.ListViolations(ctx, "frank", 24, 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestResetsAffectAllUsers(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	for _, user := range []string{"a", "b"} {
		require.NoError(t, store.BumpRequestCounters(ctx, user))
	}

	n, err := store.ResetHourly(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.ResetDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, user := range []string{"a", "b"} {
		usage, err := store.GetUsage(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(0), usage.ReqHour)
		assert.Equal(t, int64(0), usage.ReqDay)
	}
}

func TestPurgeViolations(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.RecordViolation(ctx, "henry", quotagate.QuotaReqHour, quotagate.ViolationDetail{}))

	purged, err := store.PurgeViolationsOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged, "fresh violations survive")

	purged, err = store.PurgeViolationsOlderThan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestDeleteUserRemovesEverything(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.BumpRequestCounters(ctx, "iris"))
	require.NoError(t, store.RecordViolation(ctx, "iris", quotagate.QuotaReqHour, quotagate.ViolationDetail{}))

	require.NoError(t, store.DeleteUser(ctx, "iris"))

	limits, err := store.GetLimits(ctx, "iris")
	require.NoError(t, err)
	assert.Nil(t, limits)
	usage, err := store.GetUsage(ctx, "iris")
	require.NoError(t, err)
	assert.Nil(t, usage)
	violations, err := store.ListViolations(ctx, "iris", 24, 10)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestStatisticsAggregates(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.BumpRequestCounters(ctx, "a"))
	require.NoError(t, store.BumpRequestCounters(ctx, "a"))
	require.NoError(t, store.BumpRequestCounters(ctx, "b"))
	require.NoError(t, store.RaiseMemoryPeak(ctx, "a", 100))
	require.NoError(t, store.SetStorage(ctx, "b", 40, 7))
	require.NoError(t, store.RecordViolation(ctx, "a", quotagate.QuotaReqHour, quotagate.ViolationDetail{}))

	stats, err := store.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalUsers)
	assert.Equal(t, int64(3), stats.TotalReqHour)
	assert.Equal(t, int64(3), stats.TotalReqDay)
	assert.Equal(t, int64(40), stats.TotalStorageMB)
	assert.Equal(t, int64(7), stats.TotalFilesCount)
	assert.Equal(t, float64(50), stats.AvgMemPeakMB)
	assert.Equal(t, int64(1), stats.ViolationsLast24h)
}
