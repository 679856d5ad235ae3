package quota

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/gateway-dataplane/models"
)

func TestRedisStore_KeysShareHashTag(t *testing.T) {
	r := NewRedisStore(nil, "quota:v1:")

	assert.Equal(t, "quota:v1:{42}:7", r.liveKey(42, 7))
	assert.Equal(t, "quota:v1:{42}:7:history", r.historyKey(42, 7))
	assert.Equal(t, "quota:v1:{42}:products", r.indexKey(42))
}

func TestParseLiveRecord(t *testing.T) {
	t.Run("missing hash", func(t *testing.T) {
		rec, err := parseLiveRecord(1, 2, map[string]string{})
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("full hash", func(t *testing.T) {
		rec, err := parseLiveRecord(1, 2, map[string]string{
			"period":       "2024-03",
			"consumed":     "17",
			"last":         "1709640000000",
			"reset":        "1",
			"reset_period": "2024-03",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(17), rec.Consumed)
		assert.Equal(t, "2024-03", rec.PeriodKey)
		assert.True(t, rec.ResetFlag)
		assert.Equal(t, time.UnixMilli(1709640000000).UTC(), rec.LastAPICall)
	})

	t.Run("corrupt consumed", func(t *testing.T) {
		_, err := parseLiveRecord(1, 2, map[string]string{"period": "2024-03", "consumed": "x"})
		assert.Error(t, err)
	})
}

func TestParseHistoryValue(t *testing.T) {
	rec, err := parseHistoryValue(1, 2, "2024-03-05T10:15", "12:1709640000000:1")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05T10:15", rec.PeriodKey)
	assert.Equal(t, int64(12), rec.Consumed)
	assert.True(t, rec.Archived)

	_, err = parseHistoryValue(1, 2, "2024-03", "12")
	assert.Error(t, err)
}

// newRedisTestStore runs against an in-process miniredis, or against
// REDIS_ADDR when it is set.
func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	t.Cleanup(func() { _ = client.Close() })

	prefix := "quota:test:" + time.Now().Format("150405.000000") + ":"
	return NewRedisStore(client, prefix)
}

func TestRedisStore_ConcurrentConsume(t *testing.T) {
	store := newRedisTestStore(t)
	facts := dailyFacts(100)
	now := date(2024, 3, 5, 12, 0, 0)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := store.Consume(context.Background(), facts, 1, now)
			if err == nil && d.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), admitted.Load())
}

func TestRedisStore_RolloverResetArchive(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()
	facts := dailyFacts(3)

	d, err := store.Consume(ctx, facts, 3, date(2024, 3, 5, 23, 0, 0))
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	d, err = store.Consume(ctx, facts, 1, date(2024, 3, 6, 1, 0, 0))
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, int64(1), d.Consumed)

	ok, err := store.Reset(ctx, 1, 10, "2024-03-06")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Reset(ctx, 1, 10, "2024-03-06")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := store.Archive(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history, err := store.History(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(3), history[0].Consumed)
	assert.True(t, history[1].Archived)

	live, err := store.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestRedisStore_PendingResetThenConsumeSamePeriod(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()
	facts := dailyFacts(3)
	now := date(2024, 3, 5, 12, 0, 0)

	d, err := store.Consume(ctx, facts, 3, now)
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	d, err = store.Consume(ctx, facts, 1, now)
	require.NoError(t, err)
	assert.False(t, d.Admitted)

	ok, err := store.Reset(ctx, 1, 10, "2024-03-05")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := store.Get(ctx, 1, 10)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.ResetFlag)
	assert.Equal(t, int64(3), rec.Consumed)

	d, err = store.Consume(ctx, facts, 1, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, int64(1), d.Consumed)
	assert.Equal(t, int64(2), d.Remaining)

	rec, err = store.Get(ctx, 1, 10)
	require.NoError(t, err)
	assert.False(t, rec.ResetFlag)
	assert.Equal(t, "2024-03-05", rec.PeriodKey)
	assert.Equal(t, int64(1), rec.Consumed)

	ok, err = store.Reset(ctx, 1, 10, "2024-03-05")
	require.NoError(t, err)
	assert.False(t, ok, "reset already happened this period")

	history, err := store.History(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRedisStore_ResetWithoutRecord(t *testing.T) {
	store := newRedisTestStore(t)

	ok, err := store.Reset(context.Background(), 1, 10, "2024-03-05")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_ZeroQuotaDenies(t *testing.T) {
	store := newRedisTestStore(t)
	facts := dailyFacts(0)

	d, err := store.Consume(context.Background(), facts, 1, date(2024, 3, 5, 12, 0, 0))
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, int64(0), d.Remaining)
}

var _ Store = (*RedisStore)(nil)
var _ Store = (*MemoryStore)(nil)

func TestEvaluate_DoesNotMutateInput(t *testing.T) {
	facts := dailyFacts(10)
	rec := &models.ConsumptionRecord{SubscriptionID: 1, ProductID: 10, PeriodKey: "2024-03-05", Consumed: 4}

	out := Evaluate(rec, facts, 2, date(2024, 3, 5, 12, 0, 0))

	assert.Equal(t, int64(4), rec.Consumed)
	require.NotNil(t, out.Next)
	assert.Equal(t, int64(6), out.Next.Consumed)
	assert.Nil(t, out.Previous)
}
