// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scheduler owns run dispatch: the job queue abstraction, the
// run lifecycle operations and the worker pool that feeds runs to the
// pipeline engine. At most one run per project executes at any time;
// terminal transitions chain the next queued run of the project, except
// failures, which hold the queue until the operator intervenes.
package scheduler

import (
	"context"
	"errors"
	"time"
)

// Queue errors.
var (
	// ErrQueueClosed is returned once the queue is shut down.
	ErrQueueClosed = errors.New("job queue is closed")
	// ErrNoJob is returned by Dequeue when no run arrives within the
	// polling interval.
	ErrNoJob = errors.New("no queued run available")
)

// DequeueTimeout is the blocking interval of one Dequeue call; workers
// poll in a loop so shutdown is observed within this bound.
const DequeueTimeout = 2 * time.Second

// HeartbeatTTL is how long a worker heartbeat stays live without
// renewal. Runs whose heartbeat expired are candidates for the stale
// sweep.
const HeartbeatTTL = 90 * time.Second

// JobQueue is the run dispatch backend. The in-process implementation
// serves inline deployments and tests; the Redis implementation serves
// multi-process worker pools.
type JobQueue interface {
	// Enqueue pushes a run uuid for execution.
	Enqueue(ctx context.Context, runUUID string) error
	// Dequeue pops the next run uuid, blocking up to DequeueTimeout.
	// Returns ErrNoJob on timeout and ErrQueueClosed after Close.
	Dequeue(ctx context.Context) (string, error)
	// Requeue pushes a run uuid back, used when a worker cannot execute
	// a dequeued run yet.
	Requeue(ctx context.Context, runUUID string) error

	// SetStopFlag marks a run for cooperative cancellation.
	SetStopFlag(ctx context.Context, runUUID string) error
	ClearStopFlag(ctx context.Context, runUUID string) error
	IsStopRequested(ctx context.Context, runUUID string) (bool, error)

	// Heartbeat renews the liveness marker of a running run.
	Heartbeat(ctx context.Context, runUUID string) error
	// LiveHeartbeats returns the run uuids with a live marker.
	LiveHeartbeats(ctx context.Context) (map[string]bool, error)

	Close() error
}
