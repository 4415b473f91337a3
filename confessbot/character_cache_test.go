package confessbot

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(newLogHandler(io.Discard, &slog.LevelVar{}))
}

// fakeClock is a settable time source for cache expiry
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryCache(ttl time.Duration) (*memoryCharacterCache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cache := newMemoryCharacterCache(ttl, discardLogger())
	cache.now = clock.Now
	return cache, clock
}

func testCharacterSystem(guildID string) *CharacterSystem {
	return &CharacterSystem{
		ModelUintID:        ModelUintID{ID: 1},
		GuildID:            guildID,
		Characters:         []Character{{ID: "idol", Name: "Idol", Avatar: testAvatar}},
		DefaultCharacterID: ptr("idol"),
	}
}

func TestMemoryCharacterCacheExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, clock := newTestMemoryCache(time.Minute)

	_, ok := cache.Get(ctx, testGuildID)
	assert.False(t, ok)

	cache.Set(ctx, testGuildID, testCharacterSystem(testGuildID))
	got, ok := cache.Get(ctx, testGuildID)
	require.True(t, ok)
	assert.Equal(t, "Idol", got.Characters[0].Name)

	clock.Advance(59 * time.Second)
	_, ok = cache.Get(ctx, testGuildID)
	assert.True(t, ok)

	clock.Advance(2 * time.Second)
	_, ok = cache.Get(ctx, testGuildID)
	assert.False(t, ok, "entry should have expired")

	stats := cache.Stats(ctx)
	assert.Equal(t, cacheBackendMemory, stats.Backend)
	assert.Equal(t, 0, stats.Entries, "expired entries are dropped on read")
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, "1m0s", stats.TTL)
}

func TestMemoryCharacterCacheReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, _ := newTestMemoryCache(time.Minute)

	original := testCharacterSystem(testGuildID)
	cache.Set(ctx, testGuildID, original)
	original.Characters[0].Name = "changed after set"

	first, ok := cache.Get(ctx, testGuildID)
	require.True(t, ok)
	assert.Equal(t, "Idol", first.Characters[0].Name)

	first.Characters[0].Name = "changed after get"
	*first.DefaultCharacterID = "fan"
	_, err := first.AddCharacter("Fan", testAvatar, "")
	require.NoError(t, err)

	second, ok := cache.Get(ctx, testGuildID)
	require.True(t, ok)
	assert.Equal(t, "Idol", second.Characters[0].Name)
	assert.Len(t, second.Characters, 1)
	assert.Equal(t, "idol", *second.DefaultCharacterID)
}

func TestMemoryCharacterCacheInvalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, _ := newTestMemoryCache(time.Minute)

	cache.Set(ctx, "guild-a", testCharacterSystem("guild-a"))
	cache.Set(ctx, "guild-b", testCharacterSystem("guild-b"))

	cache.Invalidate(ctx, "guild-a")
	_, ok := cache.Get(ctx, "guild-a")
	assert.False(t, ok)
	_, ok = cache.Get(ctx, "guild-b")
	assert.True(t, ok)

	cache.Clear(ctx)
	assert.Equal(t, 0, cache.Stats(ctx).Entries)
}

func TestMemoryCharacterCacheSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, clock := newTestMemoryCache(time.Minute)

	cache.Set(ctx, "guild-a", testCharacterSystem("guild-a"))
	clock.Advance(30 * time.Second)
	cache.Set(ctx, "guild-b", testCharacterSystem("guild-b"))

	assert.Equal(t, 0, cache.sweep())

	clock.Advance(45 * time.Second)
	assert.Equal(t, 1, cache.sweep())
	assert.Equal(t, 1, cache.Stats(ctx).Entries)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, cache.sweep())
	assert.Equal(t, 0, cache.Stats(ctx).Entries)
}

func TestMemoryCharacterCacheDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, _ := newTestMemoryCache(0)

	cache.Set(ctx, testGuildID, testCharacterSystem(testGuildID))
	_, ok := cache.Get(ctx, testGuildID)
	assert.False(t, ok, "a zero TTL disables caching")

	cache.Set(ctx, testGuildID, nil)
	assert.Equal(t, 0, cache.Stats(ctx).Entries)
}

func TestNewCharacterCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache, err := newCharacterCache(ctx, &CacheConfig{Backend: "", CharacterTTL: time.Minute}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &memoryCharacterCache{}, cache)
	require.NoError(t, cache.Close())

	_, err = newCharacterCache(ctx, &CacheConfig{Backend: "memcached"}, discardLogger())
	assert.Error(t, err)
}

func TestCachedCharacterSystem(t *testing.T) {
	t.Parallel()
	db := newTestWriteDB(t)
	ctx := context.Background()
	cache, _ := newTestMemoryCache(time.Minute)

	_, err := cachedCharacterSystem(ctx, cache, db.DB(), testGuildID)
	assert.ErrorIs(t, err, ErrNotConfigured)

	s, err := ensureCharacterSystem(ctx, db, testGuildID)
	require.NoError(t, err)
	_, err = s.AddCharacter("Idol", testAvatar, "")
	require.NoError(t, err)
	require.NoError(t, saveCharacterSystem(ctx, db, s))

	loaded, err := cachedCharacterSystem(ctx, cache, db.DB(), testGuildID)
	require.NoError(t, err)
	assert.Len(t, loaded.Characters, 1)

	// changes aren't visible until the entry is invalidated
	_, err = s.AddCharacter("Fan", testAvatar, "!fan ")
	require.NoError(t, err)
	require.NoError(t, saveCharacterSystem(ctx, db, s))

	cached, err := cachedCharacterSystem(ctx, cache, db.DB(), testGuildID)
	require.NoError(t, err)
	assert.Len(t, cached.Characters, 1)

	cache.Invalidate(ctx, testGuildID)
	fresh, err := cachedCharacterSystem(ctx, cache, db.DB(), testGuildID)
	require.NoError(t, err)
	assert.Len(t, fresh.Characters, 2)
}

// TestRedisCharacterCache runs against a real redis server when
// CB_TEST_REDIS_ADDR is set
func TestRedisCharacterCache(t *testing.T) {
	addr := os.Getenv("CB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CB_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	cache, err := newCharacterCache(
		ctx,
		&CacheConfig{Backend: cacheBackendRedis, RedisAddr: addr, CharacterTTL: time.Minute},
		discardLogger(),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			cache.Clear(ctx)
			_ = cache.Close()
		},
	)

	guildID := "redis-test-" + t.Name()
	_, ok := cache.Get(ctx, guildID)
	assert.False(t, ok)

	cache.Set(ctx, guildID, testCharacterSystem(guildID))
	got, ok := cache.Get(ctx, guildID)
	require.True(t, ok)
	assert.Equal(t, "Idol", got.Characters[0].Name)
	require.NotNil(t, got.DefaultCharacterID)
	assert.Equal(t, "idol", *got.DefaultCharacterID)

	stats := cache.Stats(ctx)
	assert.Equal(t, cacheBackendRedis, stats.Backend)
	assert.GreaterOrEqual(t, stats.Entries, 1)
	assert.Equal(t, int64(1), stats.Hits)

	cache.Invalidate(ctx, guildID)
	_, ok = cache.Get(ctx, guildID)
	assert.False(t, ok)
}
