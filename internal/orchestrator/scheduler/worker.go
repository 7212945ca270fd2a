// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/depvet/depvet/internal/logger"
)

// staleSweepInterval is how often the pool's sweeper looks for running
// runs whose worker disappeared.
const staleSweepInterval = time.Minute

// WorkerPool consumes the job queue with a fixed number of goroutines
// and periodically reaps stale runs. One pool runs per worker process.
type WorkerPool struct {
	scheduler *Scheduler
	queue     JobQueue
	size      int
	log       zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool builds a pool of the given size over the scheduler's
// queue. Sizes below one are clamped to one.
func NewWorkerPool(scheduler *Scheduler, size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		scheduler: scheduler,
		queue:     scheduler.queue,
		size:      size,
		log:       logger.GetSchedulerLogger(),
	}
}

// Start launches the workers and the stale sweeper. It returns
// immediately; Stop blocks until all in-flight runs finish.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.log.Info().Int("workers", p.size).Msg("Worker pool starting")

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Add(1)
	go p.sweeper(ctx)
}

// Stop signals the workers and waits for them to drain.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info().Msg("Worker pool stopped")
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()
	for {
		runUUID, err := p.queue.Dequeue(ctx)
		switch {
		case errors.Is(err, ErrNoJob):
			continue
		case errors.Is(err, ErrQueueClosed), errors.Is(err, context.Canceled):
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if _, err := p.scheduler.Process(ctx, runUUID); err != nil {
			log.Error().Err(err).Str("run", runUUID).Msg("Run processing failed")
		}
	}
}

func (p *WorkerPool) sweeper(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reaped, err := p.scheduler.SweepStale(ctx)
			if err != nil {
				p.log.Error().Err(err).Msg("Stale sweep failed")
				continue
			}
			if reaped > 0 {
				p.log.Warn().Int("reaped", reaped).Msg("Stale runs reaped")
			}
		case <-ctx.Done():
			return
		}
	}
}
