package quotagate_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotagate/quotagate/pkg/quotagate"
	"github.com/quotagate/quotagate/storage/memory"
)

// countingStore counts GetLimits calls.
type countingStore struct {
	quotagate.Store
	mu    sync.Mutex
	calls int
	fail  bool
}

func (c *countingStore) GetLimits(ctx context.Context, userID string) (*quotagate.Limits, error) {
	c.mu.Lock()
	c.calls++
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("connection refused")
	}
	return c.Store.GetLimits(ctx, userID)
}

func (c *countingStore) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestCacheSynthesizesDefaultsOnMiss(t *testing.T) {
	store := memory.NewStore()
	cache := quotagate.NewLimitsCache(store, time.Minute, quotagate.DefaultLimits())

	limits, err := cache.Get(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, "unknown", limits.UserID)
	assert.Equal(t, int64(100), limits.ReqPerHour)
	assert.Equal(t, int64(1000), limits.ReqPerDay)
}

func TestCacheServesStoredLimits(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.UpsertLimits(context.Background(), &quotagate.Limits{
		UserID: "alice", ReqPerHour: 5, ReqPerDay: 50, CPUSeconds: 10,
		MemoryMB: 64, StorageMB: 10, FilesMax: 5,
	}))

	cache := quotagate.NewLimitsCache(store, time.Minute, quotagate.DefaultLimits())
	limits, err := cache.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), limits.ReqPerHour)
}

func TestCacheHitSkipsStore(t *testing.T) {
	store := &countingStore{Store: memory.NewStore()}
	cache := quotagate.NewLimitsCache(store, time.Minute, quotagate.DefaultLimits())

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := cache.Get(ctx, "bob")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.callCount())
}

func TestCacheExpiredEntryRefreshes(t *testing.T) {
	store := &countingStore{Store: memory.NewStore()}
	cache := quotagate.NewLimitsCache(store, time.Nanosecond, quotagate.DefaultLimits())

	ctx := context.Background()
	_, err := cache.Get(ctx, "carol")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = cache.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 2, store.callCount())
}

func TestCachePropagatesStoreError(t *testing.T) {
	store := &countingStore{Store: memory.NewStore(), fail: true}
	cache := quotagate.NewLimitsCache(store, time.Minute, quotagate.DefaultLimits())

	_, err := cache.Get(context.Background(), "dave")
	assert.Error(t, err)
}

func TestCacheInvalidateForcesRefresh(t *testing.T) {
	store := &countingStore{Store: memory.NewStore()}
	cache := quotagate.NewLimitsCache(store, time.Minute, quotagate.DefaultLimits())

	ctx := context.Background()
	_, err := cache.Get(ctx, "erin")
	require.NoError(t, err)

	require.NoError(t, store.UpsertLimits(ctx, &quotagate.Limits{
		UserID: "erin", ReqPerHour: 7, ReqPerDay: 70, CPUSeconds: 10,
		MemoryMB: 64, StorageMB: 10, FilesMax: 5,
	}))
	cache.Invalidate("erin")

	limits, err := cache.Get(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, int64(7), limits.ReqPerHour)
	assert.Equal(t, 2, store.callCount())
}

func TestCacheConcurrentAccess(t *testing.T) {
	store := &countingStore{Store: memory.NewStore()}
	cache := quotagate.NewLimitsCache(store, time.Minute, quotagate.DefaultLimits())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := cache.Get(context.Background(), fmt.Sprintf("user-%d", n%5))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, cache.Len())
}
