package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "cart_sentinel/pkg/errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps snapshots in Redis, one key per entity.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: "sentinel:snapshot:",
	}, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, state interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal snapshot %s: %v", apperrors.ErrPersistence, key, err)
	}

	if err := s.client.Set(ctx, s.keyPrefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: failed to write snapshot %s: %v", apperrors.ErrPersistence, key, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, key string, out interface{}) (bool, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("%w: failed to read snapshot %s: %v", apperrors.ErrPersistence, key, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("%w: failed to unmarshal snapshot %s: %v", apperrors.ErrPersistence, key, err)
	}
	return true, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
