// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is the in-process JobQueue. It backs synchronous
// deployments and tests; stop flags and heartbeats live in maps guarded
// by one mutex.
type MemoryQueue struct {
	mu         sync.Mutex
	jobs       chan string
	closed     bool
	stopFlags  map[string]bool
	heartbeats map[string]time.Time
}

// NewMemoryQueue builds a queue with a generous buffer; Enqueue never
// blocks in practice.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:       make(chan string, 1024),
		stopFlags:  make(map[string]bool),
		heartbeats: make(map[string]time.Time),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, runUUID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- runUUID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	timer := time.NewTimer(DequeueTimeout)
	defer timer.Stop()
	select {
	case runUUID, ok := <-q.jobs:
		if !ok {
			return "", ErrQueueClosed
		}
		return runUUID, nil
	case <-timer.C:
		return "", ErrNoJob
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *MemoryQueue) Requeue(ctx context.Context, runUUID string) error {
	return q.Enqueue(ctx, runUUID)
}

func (q *MemoryQueue) SetStopFlag(_ context.Context, runUUID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopFlags[runUUID] = true
	return nil
}

func (q *MemoryQueue) ClearStopFlag(_ context.Context, runUUID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.stopFlags, runUUID)
	return nil
}

func (q *MemoryQueue) IsStopRequested(_ context.Context, runUUID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopFlags[runUUID], nil
}

func (q *MemoryQueue) Heartbeat(_ context.Context, runUUID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats[runUUID] = time.Now().Add(HeartbeatTTL)
	return nil
}

func (q *MemoryQueue) LiveHeartbeats(_ context.Context) (map[string]bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	live := make(map[string]bool)
	now := time.Now()
	for runUUID, expiry := range q.heartbeats {
		if expiry.After(now) {
			live[runUUID] = true
		} else {
			delete(q.heartbeats, runUUID)
		}
	}
	return live, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}
