// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "run-1"))
	require.NoError(t, q.Enqueue(ctx, "run-2"))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", first)
	assert.Equal(t, "run-2", second)
}

func TestMemoryQueueStopFlags(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	stopped, err := q.IsStopRequested(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, stopped)

	require.NoError(t, q.SetStopFlag(ctx, "run-1"))
	stopped, err = q.IsStopRequested(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, stopped)

	require.NoError(t, q.ClearStopFlag(ctx, "run-1"))
	stopped, err = q.IsStopRequested(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestMemoryQueueHeartbeats(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Heartbeat(ctx, "run-1"))
	live, err := q.LiveHeartbeats(ctx)
	require.NoError(t, err)
	assert.True(t, live["run-1"])
	assert.False(t, live["run-2"])
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), "run-1")
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueFromClient(client)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestRedisQueueFIFO(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "run-1"))
	require.NoError(t, q.Enqueue(ctx, "run-2"))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", first)
	assert.Equal(t, "run-2", second)
}

func TestRedisQueueRequeueGoesFirst(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "run-1"))
	require.NoError(t, q.Requeue(ctx, "run-0"))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-0", first)
}

func TestRedisQueueStopFlags(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.SetStopFlag(ctx, "run-1"))
	stopped, err := q.IsStopRequested(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, stopped)

	require.NoError(t, q.ClearStopFlag(ctx, "run-1"))
	stopped, err = q.IsStopRequested(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestRedisQueueHeartbeatExpiry(t *testing.T) {
	q, mr := newTestRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Heartbeat(ctx, "run-1"))
	live, err := q.LiveHeartbeats(ctx)
	require.NoError(t, err)
	assert.True(t, live["run-1"])

	mr.FastForward(HeartbeatTTL + time.Second)
	live, err = q.LiveHeartbeats(ctx)
	require.NoError(t, err)
	assert.False(t, live["run-1"])
}
