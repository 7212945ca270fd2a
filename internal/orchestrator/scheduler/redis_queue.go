// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/depvet/depvet/internal/config"
)

// Redis key layout. One shared list carries queued run uuids; stop and
// heartbeat markers are per-run keys so they expire independently.
const (
	redisRunsKey          = "depvet:runs"
	redisStopKeyPrefix    = "depvet:run:"
	redisStopKeySuffix    = ":stop"
	redisAliveKeySuffix   = ":alive"
	redisAliveScanPattern = "depvet:run:*:alive"
)

// RedisQueue is the JobQueue for async deployments with external worker
// processes. It requires a reachable Redis; construction pings the
// server so misconfiguration fails at startup rather than at the first
// enqueue.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue connects to the Redis server named by the
// configuration.
func NewRedisQueue(ctx context.Context, cfg *config.AppConfig) (*RedisQueue, error) {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr(),
		Username: cfg.RQRedisUsername,
		Password: cfg.RQRedisPassword,
		DB:       cfg.RQRedisDB,
	}
	if cfg.RQRedisSSL {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr(), err)
	}
	return &RedisQueue{client: client}, nil
}

// NewRedisQueueFromClient wraps an existing client, used by tests.
func NewRedisQueueFromClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func stopKey(runUUID string) string {
	return redisStopKeyPrefix + runUUID + redisStopKeySuffix
}

func aliveKey(runUUID string) string {
	return redisStopKeyPrefix + runUUID + redisAliveKeySuffix
}

func (q *RedisQueue) Enqueue(ctx context.Context, runUUID string) error {
	return q.client.LPush(ctx, redisRunsKey, runUUID).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	result, err := q.client.BRPop(ctx, DequeueTimeout, redisRunsKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", ErrNoJob
	case err != nil:
		if ctx.Err() != nil || strings.Contains(err.Error(), "client is closed") {
			return "", ErrQueueClosed
		}
		return "", err
	}
	// BRPOP returns [key, value].
	return result[1], nil
}

func (q *RedisQueue) Requeue(ctx context.Context, runUUID string) error {
	// RPUSH keeps a requeued run at the front of the FIFO.
	return q.client.RPush(ctx, redisRunsKey, runUUID).Err()
}

func (q *RedisQueue) SetStopFlag(ctx context.Context, runUUID string) error {
	return q.client.Set(ctx, stopKey(runUUID), "1", 0).Err()
}

func (q *RedisQueue) ClearStopFlag(ctx context.Context, runUUID string) error {
	return q.client.Del(ctx, stopKey(runUUID)).Err()
}

func (q *RedisQueue) IsStopRequested(ctx context.Context, runUUID string) (bool, error) {
	count, err := q.client.Exists(ctx, stopKey(runUUID)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (q *RedisQueue) Heartbeat(ctx context.Context, runUUID string) error {
	return q.client.Set(ctx, aliveKey(runUUID), "1", HeartbeatTTL).Err()
}

func (q *RedisQueue) LiveHeartbeats(ctx context.Context) (map[string]bool, error) {
	live := make(map[string]bool)
	iter := q.client.Scan(ctx, 0, redisAliveScanPattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		runUUID := strings.TrimSuffix(strings.TrimPrefix(key, redisStopKeyPrefix), redisAliveKeySuffix)
		live[runUUID] = true
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return live, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
