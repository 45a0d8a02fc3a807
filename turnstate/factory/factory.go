// Package factory builds a turn state store from the environment.
package factory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sundae-labs/layerline/internal/config"
	"github.com/sundae-labs/layerline/turnstate"
	"github.com/sundae-labs/layerline/turnstate/hybrid"
	redisstore "github.com/sundae-labs/layerline/turnstate/redis"
	sqlitestore "github.com/sundae-labs/layerline/turnstate/sqlite"
)

const defaultSQLitePath = "./.layerline/turns.db"

// FromEnv selects a backend via LAYERLINE_STATE_BACKEND: sqlite
// (default), redis, or hybrid. Hybrid falls back to durable-only when
// redis is unreachable.
func FromEnv(ctx context.Context) (turnstate.Store, error) {
	_ = ctx

	backend := strings.ToLower(config.StringEnv("LAYERLINE_STATE_BACKEND", "sqlite"))
	switch backend {
	case "sqlite":
		return sqlitestore.New(config.StringEnv("LAYERLINE_SQLITE_PATH", defaultSQLitePath))

	case "redis":
		return newRedisStoreFromEnv()

	case "hybrid":
		durable, err := sqlitestore.New(config.StringEnv("LAYERLINE_SQLITE_PATH", defaultSQLitePath))
		if err != nil {
			return nil, err
		}
		cache, err := newRedisStoreFromEnv()
		if err != nil {
			return hybrid.New(durable, nil)
		}
		return hybrid.New(durable, cache)

	default:
		return nil, fmt.Errorf("unsupported LAYERLINE_STATE_BACKEND %q (use sqlite, redis, or hybrid)", backend)
	}
}

func newRedisStoreFromEnv() (turnstate.Store, error) {
	return redisstore.New(
		config.StringEnv("LAYERLINE_REDIS_ADDR", "127.0.0.1:6379"),
		redisstore.WithPassword(strings.TrimSpace(os.Getenv("LAYERLINE_REDIS_PASSWORD"))),
		redisstore.WithDB(config.IntEnv("LAYERLINE_REDIS_DB", 0)),
		redisstore.WithTTL(config.DurationEnv("LAYERLINE_REDIS_TTL", 72*time.Hour)),
	)
}
