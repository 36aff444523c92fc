package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// Cache 为带 TTL 的进程内缓存，按值显式注入各协作方，
// 取代模块级可变缓存。
type Cache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

// New 创建缓存实例。maxCost 控制容量上限，ttl 控制条目存活时间。
func New(maxCost int64, ttl time.Duration) (*Cache, error) {
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c, ttl: ttl}, nil
}

// Get 读取缓存条目。
func (c *Cache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.c.Get(key)
}

// Set 写入缓存条目并应用统一 TTL。
func (c *Cache) Set(key string, val any) {
	if c == nil {
		return
	}
	c.c.SetWithTTL(key, val, 1, c.ttl)
}

// Del 删除缓存条目。
func (c *Cache) Del(key string) {
	if c == nil {
		return
	}
	c.c.Del(key)
}
