package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// LocalCache 进程内缓存（L1），在 Redis 与数据库之前
//
// 条目按 TTL 过期，后台协程每分钟清理一次；超过容量时先清理过期条目，
// 仍然满则任意淘汰一个。
type LocalCache[V any] struct {
	data    sync.Map
	size    atomic.Int64
	maxSize int
	ttl     time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，0 表示不限制
//   - ttl: 条目过期时间
func NewLocalCache[V any](maxSize int, ttl time.Duration) *LocalCache[V] {
	c := &LocalCache[V]{
		maxSize: maxSize,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get 获取缓存值
func (c *LocalCache[V]) Get(key string) (V, bool) {
	var zero V
	val, ok := c.data.Load(key)
	if !ok {
		return zero, false
	}

	entry := val.(*cacheEntry[V])
	if time.Now().After(entry.expiresAt) {
		c.Delete(key)
		return zero, false
	}
	return entry.value, true
}

// Set 设置缓存值
func (c *LocalCache[V]) Set(key string, value V) {
	if _, exists := c.data.Load(key); !exists && c.maxSize > 0 && c.size.Load() >= int64(c.maxSize) {
		c.evict()
	}

	entry := &cacheEntry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	if _, loaded := c.data.Swap(key, entry); !loaded {
		c.size.Add(1)
	}
}

// Delete 删除缓存值
func (c *LocalCache[V]) Delete(key string) {
	if _, loaded := c.data.LoadAndDelete(key); loaded {
		c.size.Add(-1)
	}
}

// Len 当前条目数（包含尚未清理的过期条目）
func (c *LocalCache[V]) Len() int {
	return int(c.size.Load())
}

// Close 停止后台清理
func (c *LocalCache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *LocalCache[V]) evict() {
	if c.purgeExpired() > 0 {
		return
	}
	c.data.Range(func(key, _ interface{}) bool {
		c.Delete(key.(string))
		return false
	})
}

func (c *LocalCache[V]) purgeExpired() int {
	now := time.Now()
	removed := 0
	c.data.Range(func(key, value interface{}) bool {
		if now.After(value.(*cacheEntry[V]).expiresAt) {
			c.Delete(key.(string))
			removed++
		}
		return true
	})
	return removed
}

func (c *LocalCache[V]) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.stop:
			return
		}
	}
}
