package confessbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	cacheBackendMemory = "memory"
	cacheBackendRedis  = "redis"

	redisCharacterKeyPrefix = "confessbot:characters:"
	redisDialTimeout        = 5 * time.Second
	redisScanCount          = 100
)

// characterCache holds guild character systems for the relay and for
// autocomplete. It's never the source of truth: entries expire after a
// TTL and are invalidated whenever a guild's characters change.
type characterCache interface {
	Get(ctx context.Context, guildID string) (*CharacterSystem, bool)
	Set(ctx context.Context, guildID string, system *CharacterSystem)
	Invalidate(ctx context.Context, guildID string)
	Clear(ctx context.Context)
	Stats(ctx context.Context) cacheStats
	Close() error
}

type cacheStats struct {
	Backend string `json:"backend"`
	Entries int    `json:"entries"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	TTL     string `json:"ttl"`
}

func (s cacheStats) LogValue() slog.Value {
	return structToSlogValue(s)
}

// newCharacterCache returns the cache selected by cfg.Backend
func newCharacterCache(
	ctx context.Context,
	cfg *CacheConfig,
	logger *slog.Logger,
) (characterCache, error) {
	logger = logger.With(loggerNameKey, "character_cache", "backend", cfg.Backend)
	switch cfg.Backend {
	case cacheBackendMemory, "":
		return newMemoryCharacterCache(cfg.CharacterTTL, logger), nil
	case cacheBackendRedis:
		return newRedisCharacterCache(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// cloneSystem copies s so cached values can't be mutated by callers
func cloneSystem(s *CharacterSystem) *CharacterSystem {
	c := *s
	c.Characters = slices.Clone(s.Characters)
	if s.DefaultCharacterID != nil {
		c.DefaultCharacterID = ptr(*s.DefaultCharacterID)
	}
	return &c
}

type memoryCacheEntry struct {
	system  *CharacterSystem
	expires time.Time
}

type memoryCharacterCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
	ttl     time.Duration
	now     func() time.Time
	hits    atomic.Int64
	misses  atomic.Int64
	logger  *slog.Logger
}

func newMemoryCharacterCache(ttl time.Duration, logger *slog.Logger) *memoryCharacterCache {
	return &memoryCharacterCache{
		entries: map[string]memoryCacheEntry{},
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

func (m *memoryCharacterCache) Get(_ context.Context, guildID string) (*CharacterSystem, bool) {
	m.mu.RLock()
	entry, ok := m.entries[guildID]
	m.mu.RUnlock()

	if ok && m.now().After(entry.expires) {
		m.mu.Lock()
		if current, stillThere := m.entries[guildID]; stillThere && current.expires == entry.expires {
			delete(m.entries, guildID)
		}
		m.mu.Unlock()
		m.logger.Debug("cache entry expired", "guild_id", guildID)
		ok = false
	}
	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	return cloneSystem(entry.system), true
}

func (m *memoryCharacterCache) Set(_ context.Context, guildID string, system *CharacterSystem) {
	if m.ttl <= 0 || system == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[guildID] = memoryCacheEntry{
		system:  cloneSystem(system),
		expires: m.now().Add(m.ttl),
	}
}

func (m *memoryCharacterCache) Invalidate(_ context.Context, guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, guildID)
}

func (m *memoryCharacterCache) Clear(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
}

func (m *memoryCharacterCache) Stats(_ context.Context) cacheStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cacheStats{
		Backend: cacheBackendMemory,
		Entries: len(m.entries),
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		TTL:     m.ttl.String(),
	}
}

// sweep removes expired entries, returning how many were removed
func (m *memoryCharacterCache) sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for guildID, entry := range m.entries {
		if now.After(entry.expires) {
			delete(m.entries, guildID)
			removed++
		}
	}
	return removed
}

func (*memoryCharacterCache) Close() error {
	return nil
}

type redisCharacterCache struct {
	rdb    *goredis.Client
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
	logger *slog.Logger
}

func newRedisCharacterCache(
	ctx context.Context,
	cfg *CacheConfig,
	logger *slog.Logger,
) (*redisCharacterCache, error) {
	rdb := goredis.NewClient(
		&goredis.Options{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: redisDialTimeout,
		},
	)
	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisCharacterCache{
		rdb:    rdb,
		ttl:    cfg.CharacterTTL,
		logger: logger,
	}, nil
}

func redisCharacterKey(guildID string) string {
	return redisCharacterKeyPrefix + guildID
}

func (r *redisCharacterCache) Get(ctx context.Context, guildID string) (*CharacterSystem, bool) {
	raw, err := r.rdb.Get(ctx, redisCharacterKey(guildID)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			r.logger.WarnContext(ctx, "redis get failed", tint.Err(err), "guild_id", guildID)
		}
		r.misses.Add(1)
		return nil, false
	}
	var system CharacterSystem
	if err = json.Unmarshal(raw, &system); err != nil {
		r.logger.WarnContext(ctx, "discarding bad cache entry", tint.Err(err), "guild_id", guildID)
		r.Invalidate(ctx, guildID)
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return &system, true
}

func (r *redisCharacterCache) Set(ctx context.Context, guildID string, system *CharacterSystem) {
	if r.ttl <= 0 || system == nil {
		return
	}
	raw, err := json.Marshal(system)
	if err != nil {
		r.logger.WarnContext(ctx, "unable to encode cache entry", tint.Err(err))
		return
	}
	if err = r.rdb.Set(ctx, redisCharacterKey(guildID), raw, r.ttl).Err(); err != nil {
		r.logger.WarnContext(ctx, "redis set failed", tint.Err(err), "guild_id", guildID)
	}
}

func (r *redisCharacterCache) Invalidate(ctx context.Context, guildID string) {
	if err := r.rdb.Del(ctx, redisCharacterKey(guildID)).Err(); err != nil {
		r.logger.WarnContext(ctx, "redis delete failed", tint.Err(err), "guild_id", guildID)
	}
}

// keys lists every cached guild key
func (r *redisCharacterCache) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, redisCharacterKeyPrefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (r *redisCharacterCache) Clear(ctx context.Context) {
	keys, err := r.keys(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "redis scan failed", tint.Err(err))
	}
	if len(keys) == 0 {
		return
	}
	if err = r.rdb.Del(ctx, keys...).Err(); err != nil {
		r.logger.WarnContext(ctx, "redis delete failed", tint.Err(err))
	}
}

func (r *redisCharacterCache) Stats(ctx context.Context) cacheStats {
	keys, err := r.keys(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "redis scan failed", tint.Err(err))
	}
	return cacheStats{
		Backend: cacheBackendRedis,
		Entries: len(keys),
		Hits:    r.hits.Load(),
		Misses:  r.misses.Load(),
		TTL:     r.ttl.String(),
	}
}

func (r *redisCharacterCache) Close() error {
	return r.rdb.Close()
}

// cachedCharacterSystem returns the guild's character system from the
// cache, loading (and caching) it from the database on a miss
func cachedCharacterSystem(
	ctx context.Context,
	cache characterCache,
	db *gorm.DB,
	guildID string,
) (*CharacterSystem, error) {
	if system, ok := cache.Get(ctx, guildID); ok {
		return system, nil
	}
	system, err := getGuildCharacterSystem(ctx, db, guildID)
	if err != nil {
		return nil, err
	}
	cache.Set(ctx, guildID, system)
	return system, nil
}
