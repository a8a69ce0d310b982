package repositories

import (
	"context"

	"panelrelay/internal/core/ports"
	"panelrelay/internal/infrastructure/repositories/memory"
	redisrepo "panelrelay/internal/infrastructure/repositories/redis"
	"panelrelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory picks Redis-backed storage when it is enabled and reachable, and
// falls back to memory otherwise.
type Factory struct {
	cfg         *config.Config
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *Factory {
	f := &Factory{cfg: cfg, logger: logger}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(ctx, redisrepo.ClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory storage", "error", err)
		} else {
			f.redisClient = client
		}
	}

	if f.redisClient == nil {
		logger.Info("using memory snapshot storage")
	}
	return f
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *Factory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *Factory) SnapshotRepository() ports.StreamSnapshotRepository {
	if f.redisClient != nil {
		return redisrepo.NewSnapshotRepository(f.redisClient, f.cfg.Redis.KeyPrefix, f.cfg.Redis.TTL)
	}
	return memory.NewSnapshotRepository()
}

func (f *Factory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
