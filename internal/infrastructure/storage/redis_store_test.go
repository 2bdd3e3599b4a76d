package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketSignals/internal/domain"
	"MarketSignals/internal/infrastructure/storage"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*storage.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewRedisStore(client, ttl), mr
}

func TestRedisStore_PersistPostsIsIdempotent(t *testing.T) {
	t.Parallel()

	store, mr := newRedisStore(t, 0)
	ctx := context.Background()

	first := samplePost("p1")
	require.NoError(t, store.PersistPosts(ctx, []domain.Post{first}))

	second := samplePost("p1")
	second.Text = "edited later"
	require.NoError(t, store.PersistPosts(ctx, []domain.Post{second, samplePost("p2")}))

	raw, err := mr.Get("marketsignals:post:p1")
	require.NoError(t, err)
	assert.Contains(t, raw, "Nifty50 breaks out")
	assert.NotContains(t, raw, "edited later")
	assert.Contains(t, raw, first.ContentHash.String())

	known, err := store.KnownPostIDs(ctx, []string{"p1", "p2", "p3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"p1": true, "p2": true}, known)
}

func TestRedisStore_PostTTL(t *testing.T) {
	t.Parallel()

	store, mr := newRedisStore(t, time.Hour)
	require.NoError(t, store.PersistPosts(context.Background(), []domain.Post{samplePost("p1")}))
	assert.Equal(t, time.Hour, mr.TTL("marketsignals:post:p1"))
}

func TestRedisStore_Windows(t *testing.T) {
	t.Parallel()

	store, _ := newRedisStore(t, 0)
	ctx := context.Background()

	older := sampleWindow()
	newer := sampleWindow()
	newer.Start = older.Start.Add(5 * time.Minute)
	newer.End = newer.Start.Add(5 * time.Minute)
	newer.ID = domain.WindowID(newer.Tag, newer.Start)
	other := sampleWindow()
	other.Tag = "banks"
	other.ID = domain.WindowID(other.Tag, other.Start)

	for _, w := range []domain.SignalWindow{older, newer, other, older} {
		require.NoError(t, store.PersistWindow(ctx, w))
	}

	got, err := store.RecentWindows(ctx, "nifty50", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, older.ID, got[1].ID)
	assert.True(t, got[1].Start.Equal(older.Start))
	assert.Equal(t, older.SampleIDs, got[1].SampleIDs)

	all, err := store.RecentWindows(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := store.RecentWindows(ctx, "nifty50", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := store.RecentWindows(ctx, "unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
