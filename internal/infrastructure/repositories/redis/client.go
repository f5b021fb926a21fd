package redis

import (
	"context"
	"fmt"
	"time"

	"ringmesh/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient creates a Redis client with connection pooling and verifies
// connectivity before returning it.
func NewRedisClient(address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return client.Ping(ctx).Err()
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", address,
			"db", db,
			"pool_size", poolSize,
		)
	}

	return client, nil
}
