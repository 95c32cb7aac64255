package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/norvand/pathlight-backend/internal/pkg/logger"
)

const stepCacheTTL = 5 * time.Second

/*
StepCache is a short-lived read-through cache over the live step of a task.
Status polling hits this before the database; the 5 second TTL keeps reads
bounded-stale without invalidation plumbing. The database row stays the
source of truth for every decision the pipeline makes.
*/
type StepCache interface {
	Get(ctx context.Context, taskID uuid.UUID) (string, bool)
	Set(ctx context.Context, taskID uuid.UUID, step string)
	Invalidate(ctx context.Context, taskID uuid.UUID)
	Close() error
}

type redisStepCache struct {
	log *logger.Logger
	rdb *redis.Client
}

func NewRedisStepCache(log *logger.Logger) (StepCache, error) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisStepCache{
		log: log.With("service", "RedisStepCache"),
		rdb: rdb,
	}, nil
}

func stepCacheKey(taskID uuid.UUID) string {
	return "task:step:" + taskID.String()
}

func (c *redisStepCache) Get(ctx context.Context, taskID uuid.UUID) (string, bool) {
	val, err := c.rdb.Get(ctx, stepCacheKey(taskID)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.log.Warn("step cache read", "task_id", taskID, "error", err)
		return "", false
	}
	return val, true
}

func (c *redisStepCache) Set(ctx context.Context, taskID uuid.UUID, step string) {
	if err := c.rdb.Set(ctx, stepCacheKey(taskID), step, stepCacheTTL).Err(); err != nil {
		c.log.Warn("step cache write", "task_id", taskID, "error", err)
	}
}

func (c *redisStepCache) Invalidate(ctx context.Context, taskID uuid.UUID) {
	if err := c.rdb.Del(ctx, stepCacheKey(taskID)).Err(); err != nil {
		c.log.Warn("step cache invalidate", "task_id", taskID, "error", err)
	}
}

func (c *redisStepCache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// NoopStepCache satisfies StepCache when redis is not configured.
type NoopStepCache struct{}

func (NoopStepCache) Get(context.Context, uuid.UUID) (string, bool) { return "", false }
func (NoopStepCache) Set(context.Context, uuid.UUID, string)        {}
func (NoopStepCache) Invalidate(context.Context, uuid.UUID)         {}
func (NoopStepCache) Close() error                                  { return nil }
