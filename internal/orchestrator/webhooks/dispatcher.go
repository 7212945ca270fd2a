// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package webhooks delivers run lifecycle events to subscribed HTTP
// endpoints. Deliveries run on the dispatcher's own worker pool, retry
// with exponential backoff and record one WebhookDelivery row per
// attempt; a delivery failure never affects the originating run.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/depvet/depvet/internal/common"
	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/logger"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

const (
	// DefaultWorkers is the delivery pool size.
	DefaultWorkers = 2

	requestTimeout = 10 * time.Second
	maxAttempts    = 5
	initialBackoff = time.Second
	backoffCap     = 60 * time.Second

	jobBuffer = 256
)

type job struct {
	subscription models.WebhookSubscription
	project      *models.Project
	run          *models.Run
}

// Dispatcher fans run events out to the project's active subscriptions.
// Events are fire-and-forget: OnRunTerminated and OnAllRunsCompleted
// enqueue delivery jobs and return; the pool does the HTTP work.
type Dispatcher struct {
	db      database.Repository
	cfg     *config.AppConfig
	client  *http.Client
	backoff time.Duration

	jobs      chan job
	wg        sync.WaitGroup
	closeOnce sync.Once
	log       zerolog.Logger
}

// NewDispatcher builds a dispatcher; call Start before publishing events.
func NewDispatcher(db database.Repository, cfg *config.AppConfig) *Dispatcher {
	return &Dispatcher{
		db:      db,
		cfg:     cfg,
		client:  &http.Client{Timeout: requestTimeout},
		backoff: initialBackoff,
		jobs:    make(chan job, jobBuffer),
		log:     logger.GetWebhookLogger(),
	}
}

// Start launches the delivery workers. Sizes below one are clamped to
// the default.
func (d *Dispatcher) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = DefaultWorkers
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range d.jobs {
				d.deliver(ctx, j)
			}
		}()
	}
}

// Close stops accepting events and blocks until queued deliveries drain.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.jobs) })
	d.wg.Wait()
}

// OnRunTerminated fires the per-run subscriptions of the project.
func (d *Dispatcher) OnRunTerminated(ctx context.Context, project *models.Project, run *models.Run) {
	d.publish(ctx, project, run, true)
}

// OnAllRunsCompleted fires the subscriptions that wait for the whole
// project: every subscription with trigger_on_each_run=false, using the
// most recently finished run as the event subject.
func (d *Dispatcher) OnAllRunsCompleted(ctx context.Context, project *models.Project) {
	run, err := d.lastFinishedRun(ctx, project.UUID)
	if err != nil {
		d.log.Error().Err(err).Str("project", project.UUID).Msg("Failed to resolve last finished run")
		return
	}
	if run == nil {
		return
	}
	d.publish(ctx, project, run, false)
}

func (d *Dispatcher) publish(ctx context.Context, project *models.Project, run *models.Run, eachRun bool) {
	subscriptions, err := d.db.ListWebhookSubscriptions(ctx, project.UUID, true)
	if err != nil {
		d.log.Error().Err(err).Str("project", project.UUID).Msg("Failed to list webhook subscriptions")
		return
	}
	for _, subscription := range subscriptions {
		if subscription.TriggerOnEachRun != eachRun {
			continue
		}
		select {
		case d.jobs <- job{subscription: subscription, project: project, run: run}:
		default:
			d.log.Error().
				Str("subscription", subscription.UUID).
				Str("run", run.UUID).
				Msg("Webhook queue full, dropping delivery")
		}
	}
}

func (d *Dispatcher) lastFinishedRun(ctx context.Context, projectUUID string) (*models.Run, error) {
	runs, err := d.db.ListRuns(ctx, projectUUID)
	if err != nil {
		return nil, err
	}
	var last *models.Run
	for i := range runs {
		run := &runs[i]
		if !run.Status.IsTerminal() || run.TaskEndDate == nil {
			continue
		}
		if last == nil || run.TaskEndDate.After(*last.TaskEndDate) {
			last = run
		}
	}
	return last, nil
}

// deliver runs the retry cycle for one subscription. Each attempt writes
// its own WebhookDelivery row so operators can audit the full history.
func (d *Dispatcher) deliver(ctx context.Context, j job) {
	payload, err := buildPayload(ctx, d.db, d.cfg, &j.subscription, j.project, j.run)
	if err != nil {
		d.log.Error().Err(err).Str("subscription", j.subscription.UUID).Msg("Failed to build webhook payload")
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Error().Err(err).Str("subscription", j.subscription.UUID).Msg("Failed to encode webhook payload")
		return
	}

	backoff := d.backoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delivery := &models.WebhookDelivery{
			SubscriptionUUID: j.subscription.UUID,
			RunUUID:          j.run.UUID,
			Attempt:          attempt,
			SentAt:           time.Now().UTC(),
		}
		succeeded := d.attempt(ctx, j.subscription.TargetURL, body, delivery)
		if err := d.db.CreateWebhookDelivery(ctx, delivery); err != nil {
			d.log.Error().Err(err).Str("subscription", j.subscription.UUID).Msg("Failed to record webhook delivery")
		}
		if succeeded {
			d.log.Info().
				Str("subscription", j.subscription.UUID).
				Str("run", j.run.UUID).
				Int("attempt", attempt).
				Msg("Webhook delivered")
			return
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
	d.log.Warn().
		Str("subscription", j.subscription.UUID).
		Str("run", j.run.UUID).
		Err(fmt.Errorf("%w: %d attempts exhausted", errdefs.ErrWebhookDelivery, maxAttempts)).
		Msg("Webhook delivery failed permanently")
}

// attempt performs one POST and fills the delivery row. Returns true on
// a 2xx response.
func (d *Dispatcher) attempt(ctx context.Context, targetURL string, body []byte, delivery *models.WebhookDelivery) bool {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		delivery.DeliveryError = err.Error()
		return false
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", common.UserAgent())

	response, err := d.client.Do(request)
	if err != nil {
		delivery.DeliveryError = err.Error()
		return false
	}
	defer response.Body.Close()

	responseBody, _ := io.ReadAll(io.LimitReader(response.Body, models.MaxDeliveryResponseText+1))
	delivery.SetResponse(response.StatusCode, string(responseBody))
	delivery.Succeeded = response.StatusCode >= 200 && response.StatusCode < 300
	return delivery.Succeeded
}
