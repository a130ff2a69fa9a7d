package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
)

// RedisSink keeps one hash per job under mediaq:job:<id> and publishes
// every snapshot as JSON on a channel.
type RedisSink struct {
	rdb     redis.UniversalClient
	channel string
	// ttl applies once a job is terminal; 0 keeps hashes forever.
	ttl time.Duration
}

func NewRedisSink(rdb redis.UniversalClient, channel string, ttl time.Duration) *RedisSink {
	if channel == "" {
		channel = "mediaq:jobs"
	}
	return &RedisSink{rdb: rdb, channel: channel, ttl: ttl}
}

func JobKey(id string) string { return "mediaq:job:" + id }

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, j models.Job) error {
	r, err := recordOf(j)
	if err != nil {
		return errors.Wrap(err, "journal.redis", "encode record")
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "journal.redis", "encode snapshot")
	}

	key := JobKey(j.ID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, map[string]any{
			"id":            r.ID,
			"kind":          r.Kind,
			"state":         r.State,
			"caller_id":     r.CallerID,
			"request":       r.Request,
			"result_ref":    r.ResultRef,
			"error_kind":    r.ErrorKind,
			"error_message": r.ErrorMessage,
			"submitted_at":  r.SubmittedAt,
			"started_at":    r.StartedAt,
			"completed_at":  r.CompletedAt,
		})
		if s.ttl > 0 && j.State.Terminal() {
			p.Expire(ctx, key, s.ttl)
		}
		p.Publish(ctx, s.channel, payload)
		return nil
	})
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "journal.redis", "write snapshot").
			WithField("id", j.ID)
	}
	return nil
}

func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "journal.redis", "ping")
	}
	return nil
}

func (s *RedisSink) Close() error { return s.rdb.Close() }
