package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDeduper claims relay:<sink>:<event id> keys with SETNX. When Redis is
// unavailable it lets the event through.
type RedisDeduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisDeduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl, logger: logger}
}

func dedupKey(sink string, eventID int64) string {
	return fmt.Sprintf("relay:%s:%d", sink, eventID)
}

// AcquireOnce returns true the first time an event is seen for a sink.
func (d *RedisDeduper) AcquireOnce(ctx context.Context, sink string, eventID int64) bool {
	key := dedupKey(sink, eventID)
	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("relay dedup check failed, allowing delivery",
			zap.String("sink", sink),
			zap.Int64("event_id", eventID),
			zap.Error(err),
		)
		return true
	}
	if !ok {
		d.logger.Info("skipped duplicated event",
			zap.String("sink", sink),
			zap.Int64("event_id", eventID),
			zap.String("dedup_key", key),
		)
	}
	return ok
}

// Release drops a claim so a failed delivery can be retried.
func (d *RedisDeduper) Release(ctx context.Context, sink string, eventID int64) {
	if err := d.rdb.Del(ctx, dedupKey(sink, eventID)).Err(); err != nil {
		d.logger.Warn("relay dedup release failed", zap.String("sink", sink), zap.Int64("event_id", eventID), zap.Error(err))
	}
}
