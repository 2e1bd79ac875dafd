package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"relaymail/backend/internal/domain"
)

// ErrCacheMiss 缓存中没有该键
var ErrCacheMiss = errors.New("cache miss")

// Cache 跟踪链接与服务器的 Redis 缓存
type Cache struct {
	client *Client
	ttl    time.Duration
}

// NewCache 创建缓存，ttl 为每个条目的过期时间
func NewCache(client *Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func linkKey(token string) string {
	return fmt.Sprintf("relaymail:link:%s", token)
}

func serverKey(token string) string {
	return fmt.Sprintf("relaymail:server:%s", token)
}

func (c *Cache) set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.rdb.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) get(ctx context.Context, key string, value interface{}) error {
	data, err := c.client.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	return json.Unmarshal(data, value)
}

// SetLink 缓存跟踪链接
func (c *Cache) SetLink(ctx context.Context, link *domain.Link) error {
	return c.set(ctx, linkKey(link.Token), link)
}

// GetLink 读取缓存的跟踪链接
func (c *Cache) GetLink(ctx context.Context, token string) (*domain.Link, error) {
	var link domain.Link
	if err := c.get(ctx, linkKey(token), &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// SetServer 按令牌缓存服务器
func (c *Cache) SetServer(ctx context.Context, server *domain.Server) error {
	return c.set(ctx, serverKey(server.Token), server)
}

// GetServer 按令牌读取缓存的服务器
func (c *Cache) GetServer(ctx context.Context, token string) (*domain.Server, error) {
	var server domain.Server
	if err := c.get(ctx, serverKey(token), &server); err != nil {
		return nil, err
	}
	return &server, nil
}

// DeleteServer 删除服务器缓存
func (c *Cache) DeleteServer(ctx context.Context, token string) error {
	return c.client.rdb.Del(ctx, serverKey(token)).Err()
}

// Close 关闭底层连接
func (c *Cache) Close() error {
	return c.client.Close()
}
