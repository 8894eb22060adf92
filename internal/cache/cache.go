// Package cache 提供生成结果的 TTL 缓存，避免相同请求重复计费。
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultSweepInterval 后台清理过期条目的间隔
	DefaultSweepInterval = time.Hour
	defaultRedisPrefix   = "media-gen:result:"
)

// Entry 缓存条目，ExpiresAt 为绝对过期时间
type Entry struct {
	Value     []byte
	ExpiresAt time.Time
}

// Stats 缓存统计
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Options 缓存配置
type Options struct {
	SweepInterval time.Duration
	Redis         *redis.Client // 可选的共享二级缓存
	RedisPrefix   string
	Logger        *zap.Logger
}

// ResultCache 进程内共享的结果缓存。
// 内存表为权威数据；配置 redis 时写入同步镜像，本地未命中时回源 redis。
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]Entry

	redis         *redis.Client
	redisPrefix   string
	sweepInterval time.Duration
	now           func() time.Time
	logger        *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New 创建结果缓存
func New(opts Options) *ResultCache {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.RedisPrefix == "" {
		opts.RedisPrefix = defaultRedisPrefix
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ResultCache{
		entries:       make(map[string]Entry),
		redis:         opts.Redis,
		redisPrefix:   opts.RedisPrefix,
		sweepInterval: opts.SweepInterval,
		now:           time.Now,
		logger:        opts.Logger.With(zap.String("component", "result_cache")),
	}
}

// WithClock 替换时钟，测试使用
func (c *ResultCache) WithClock(now func() time.Time) *ResultCache {
	c.now = now
	return c
}

// GenerateKey 由前缀与请求参数生成指纹。
// encoding/json 序列化 map 时按键排序（嵌套 map 同样），因此字段构造顺序不影响结果。
func GenerateKey(prefix string, params map[string]any) string {
	canonical, err := json.Marshal(params)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(canonical)
	return prefix + ":" + hex.EncodeToString(sum[:])
}

// Get 读取缓存，过期条目视为未命中并惰性删除
func (c *ResultCache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && !now.Before(entry.ExpiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if ok {
		c.hits.Add(1)
		return entry.Value, true
	}

	if value, ok := c.readThrough(ctx, key, now); ok {
		c.hits.Add(1)
		return value, true
	}

	c.misses.Add(1)
	return nil, false
}

// Set 写入缓存，过期时间为 now + ttl
func (c *ResultCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = Entry{Value: value, ExpiresAt: c.now().Add(ttl)}
	c.mu.Unlock()

	if c.redis != nil {
		if err := c.redis.Set(ctx, c.redisPrefix+key, value, ttl).Err(); err != nil {
			c.logger.Warn("redis mirror write failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Delete 删除条目
func (c *ResultCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	if c.redis != nil {
		if err := c.redis.Del(ctx, c.redisPrefix+key).Err(); err != nil {
			c.logger.Warn("redis delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Sweep 清除全部过期条目，返回清除数量
func (c *ResultCache) Sweep() int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for key, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	return removed
}

// Run 按固定间隔清理，直到 ctx 结束
func (c *ResultCache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.logger.Info("swept expired cache entries", zap.Int("removed", removed))
			}
		}
	}
}

// Stats 返回当前统计
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return Stats{Entries: n, Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *ResultCache) readThrough(ctx context.Context, key string, now time.Time) ([]byte, bool) {
	if c.redis == nil {
		return nil, false
	}
	redisKey := c.redisPrefix + key
	value, err := c.redis.Get(ctx, redisKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	ttl, err := c.redis.PTTL(ctx, redisKey).Result()
	if err == nil && ttl > 0 {
		c.mu.Lock()
		c.entries[key] = Entry{Value: value, ExpiresAt: now.Add(ttl)}
		c.mu.Unlock()
	}
	return value, true
}
