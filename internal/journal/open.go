package journal

import (
	"context"

	"github.com/redis/go-redis/v9"

	"mediaq/internal/config"
	"mediaq/internal/pkg/errors"
)

// Open builds the sink named by cfg.Driver.
func Open(ctx context.Context, cfg config.JournalConfig) (Sink, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s := NewRedisSink(rdb, cfg.RedisChannel, 0)
		if err := s.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresSink(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLiteSink(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.ValidationField("journal.driver", "unknown journal driver "+cfg.Driver)
	}
}
