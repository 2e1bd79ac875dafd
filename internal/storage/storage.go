package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage/hybrid"
	"relaymail/backend/internal/storage/memory"
	"relaymail/backend/internal/storage/postgres"
	"relaymail/backend/internal/storage/redis"
	"relaymail/backend/internal/storage/sql"
)

// localCacheTTL 进程内缓存（服务器、跟踪域名）的过期时间
const localCacheTTL = time.Minute

// Open 按配置创建存储
//
// database.type 留空时使用内存存储；否则主库使用 GORM（postgres 走 pgx 连接池），
// 邮件库使用 sqlx，Redis 可用时作为跟踪链接与服务器的共享缓存。
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (domain.Store, error) {
	if cfg.Database.Type == "" {
		log.Warn("database.type is empty, using in-memory storage")
		return memory.NewStore(), nil
	}

	metadata, err := openMetadata(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}

	messages, err := sql.Open(ctx, cfg.MessageDB, log)
	if err != nil {
		metadata.Close()
		return nil, err
	}

	var shared hybrid.Cache
	if cfg.Redis.Address != "" {
		client, err := redis.New(ctx, cfg.Redis, log)
		if err != nil {
			log.Warn("redis unavailable, continuing without shared cache", zap.Error(err))
		} else {
			shared = redis.NewCache(client, cfg.Redis.CacheTTL)
		}
	}

	return hybrid.NewStore(metadata, messages, shared, localCacheTTL, log), nil
}

func openMetadata(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*postgres.Store, error) {
	switch cfg.Type {
	case "postgres", "postgresql":
		client, err := postgres.NewClient(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		store, err := postgres.NewStoreFromClient(client)
		if err != nil {
			client.Close()
			return nil, err
		}
		return store, nil
	case "mysql":
		return postgres.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: mysql, postgres)", cfg.Type)
	}
}
