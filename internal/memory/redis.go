package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix    = "hivemind:mem:"
	streamPrefix = "hivemind:memstream:"
	maxStreamLen = 1000
)

// Working-memory TTLs per scope. Task working state outlives a single
// provider call but not the day; agent and global caches turn over faster.
var cacheTTL = map[Scope]time.Duration{
	ScopeTask:   time.Hour,
	ScopeAgent:  30 * time.Minute,
	ScopeGlobal: 5 * time.Minute,
}

// WorkingCache is the Redis-backed working-memory tier: recent entries per
// namespace plus a per-task update stream for observers. Everything here is
// best-effort; the durable backend holds the audit trail.
type WorkingCache struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewWorkingCache connects to Redis and verifies the connection.
func NewWorkingCache(redisURL string, logger *zap.Logger) (*WorkingCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &WorkingCache{rdb: rdb, logger: logger}, nil
}

func cacheKey(scope Scope, namespace string) string {
	return keyPrefix + string(scope) + ":" + namespace
}

// Put appends the entry to its namespace list and refreshes the TTL.
func (w *WorkingCache) Put(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := cacheKey(e.Scope, e.Namespace)
	pipe := w.rdb.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, cacheTTL[e.Scope])
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache entry %s: %w", key, err)
	}
	return nil
}

// Recent returns up to limit cached entries for the namespace, newest first.
func (w *WorkingCache) Recent(ctx context.Context, scope Scope, namespace string, limit int) ([]Entry, error) {
	raw, err := w.rdb.LRange(ctx, cacheKey(scope, namespace), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e Entry
		if json.Unmarshal([]byte(raw[i]), &e) == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// PublishUpdate appends a memory-change event to the task's stream so
// observers can follow a task's memory in near real time.
func (w *WorkingCache) PublishUpdate(ctx context.Context, taskID string, event map[string]any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return w.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamPrefix + taskID,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{"data": string(data)},
	}).Err()
}

// ReleaseTask drops the task's working keys and its update stream.
func (w *WorkingCache) ReleaseTask(ctx context.Context, taskID string) error {
	return w.rdb.Del(ctx, cacheKey(ScopeTask, taskID), streamPrefix+taskID).Err()
}

// Close shuts down the Redis connection.
func (w *WorkingCache) Close() error {
	return w.rdb.Close()
}
