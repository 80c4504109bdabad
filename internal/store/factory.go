package store

import (
	"fmt"

	"cart_sentinel/internal/config"
	"cart_sentinel/internal/core"
)

// New creates the snapshot store backend selected by the configuration.
func New(cfg config.StoreConfig) (core.ISnapshotStore, error) {
	switch cfg.Backend {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: string(cfg.RedisPassword),
			DB:       cfg.RedisDB,
		})
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}
