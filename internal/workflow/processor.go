package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"prompt-to-video/internal/config"
	"prompt-to-video/internal/models"
	"prompt-to-video/internal/telemetry"
)

// Processor drives the worker execution loop.
type Processor struct {
	engine         *Engine
	pollInterval   time.Duration
	batchSize      int64
	backoffInitial time.Duration
	backoffMax     time.Duration
	maxAttempts    int
	workerID       string
	log            *zap.SugaredLogger
}

func NewProcessor(engine *Engine, cfg config.Config, workerID string) *Processor {
	p := &Processor{
		engine:         engine,
		pollInterval:   cfg.WorkerPollInterval,
		batchSize:      int64(cfg.ScheduledBatchSize),
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		maxAttempts:    cfg.MaxAttempts,
		workerID:       workerID,
		log:            zap.S().Named("processor").With("worker_id", workerID),
	}
	if p.pollInterval <= 0 {
		p.pollInterval = time.Second
	}
	if p.batchSize <= 0 {
		p.batchSize = 100
	}
	if p.backoffInitial <= 0 {
		p.backoffInitial = 2 * time.Second
	}
	if p.backoffMax < p.backoffInitial {
		p.backoffMax = p.backoffInitial
	}
	return p
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Infow("processor started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.maintain(ctx)
		worked, err := p.processNext(ctx)
		if err != nil {
			p.log.Warnw("dequeue failed", "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// maintain promotes due retries and reclaims runs whose lease expired.
func (p *Processor) maintain(ctx context.Context) {
	q := p.engine.queue
	now := time.Now()
	if _, err := q.PromoteScheduled(ctx, now, p.batchSize); err != nil {
		p.log.Warnw("promote scheduled failed", "error", err)
	}
	if reclaimed, _ := q.RequeueExpired(ctx, now, p.batchSize); len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		for _, id := range reclaimed {
			_ = p.engine.store.MarkQueued(ctx, id)
			_ = p.engine.store.AppendAudit(ctx, id, "lease_expired", "run requeued after visibility timeout")
		}
		p.log.Warnw("reclaimed expired leases", "count", len(reclaimed))
	}
	if depth, err := q.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// processNext leases and executes at most one run. It reports whether a run
// was dequeued.
func (p *Processor) processNext(ctx context.Context) (bool, error) {
	q := p.engine.queue
	runID, err := q.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if runID == "" {
		return false, nil
	}

	run, err := p.engine.store.GetRun(ctx, runID)
	if err != nil {
		p.log.Errorw("leased run not found", "run_id", runID, "error", err)
		_ = q.Ack(ctx, runID)
		return true, nil
	}
	if run.Status == models.RunSucceeded || run.Status == models.RunDeadLetter {
		_ = q.Ack(ctx, runID)
		return true, nil
	}

	_ = p.engine.store.MarkInProgress(ctx, run.ID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err = p.execute(ctx, run)
	if err == nil {
		_ = q.Ack(ctx, run.ID)
		_ = p.engine.store.MarkSuccess(ctx, run.ID)
		_ = p.engine.store.AppendAudit(ctx, run.ID, "succeeded", "worker completed run")
		telemetry.WorkflowSucceeded.WithLabelValues(run.Workflow).Inc()
		p.log.Infow("run succeeded", "workflow", run.Workflow, "run_id", run.ID, "attempt", run.Attempts+1)
		return true, nil
	}
	p.fail(ctx, run, err)
	return true, nil
}

// execute calls the handler while a heartbeat keeps the lease alive.
func (p *Processor) execute(ctx context.Context, run models.Run) (err error) {
	def, ok := p.engine.definition(run.Workflow)
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for workflow %q", run.Workflow))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.heartbeat(runCtx, run.ID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow %s panicked: %v", run.Workflow, r)
		}
	}()
	wc := &Context{
		Context: runCtx,
		Run:     run,
		engine:  p.engine,
		log:     p.log.With("workflow", run.Workflow, "run_id", run.ID),
	}
	return def.Handler(wc)
}

func (p *Processor) heartbeat(ctx context.Context, runID string) {
	visibility := p.engine.queue.Visibility()
	ticker := time.NewTicker(visibility / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.engine.queue.ExtendLease(ctx, runID, visibility); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Warnw("extend lease failed", "run_id", runID, "error", err)
			}
		}
	}
}

// fail schedules a retry with backoff or dead-letters the run and fires the
// workflow's failure hook.
func (p *Processor) fail(ctx context.Context, run models.Run, cause error) {
	q := p.engine.queue
	attempts := run.Attempts + 1
	maxAttempts := run.MaxAttempts
	if maxAttempts <= 0 || (p.maxAttempts > 0 && maxAttempts > p.maxAttempts) {
		maxAttempts = p.maxAttempts
	}

	if IsPermanent(cause) || attempts >= maxAttempts {
		_ = p.engine.store.UpdateAttempts(ctx, run.ID, attempts, time.Now(), cause.Error())
		_ = p.engine.store.MarkDeadLetter(ctx, run.ID, cause.Error())
		_ = q.Ack(ctx, run.ID)
		_ = q.DLQPush(ctx, run.ID)
		_ = p.engine.store.AppendAudit(ctx, run.ID, "dead_letter", cause.Error())
		telemetry.WorkflowDeadLettered.WithLabelValues(run.Workflow).Inc()
		p.log.Errorw("run dead-lettered", "workflow", run.Workflow, "run_id", run.ID, "attempts", attempts, "error", cause)

		if def, ok := p.engine.definition(run.Workflow); ok && def.OnFailure != nil {
			run.Attempts = attempts
			def.OnFailure(ctx, run, cause)
		}
		return
	}

	nextRun := time.Now().Add(backoffWithJitter(p.backoffInitial, p.backoffMax, attempts))
	_ = p.engine.store.UpdateAttempts(ctx, run.ID, attempts, nextRun, cause.Error())
	_ = q.Ack(ctx, run.ID)
	_ = q.Schedule(ctx, run.ID, run.Priority, nextRun)
	_ = p.engine.store.AppendAudit(ctx, run.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.WorkflowRetried.WithLabelValues(run.Workflow).Inc()
	p.log.Warnw("run failed, retry scheduled", "workflow", run.Workflow, "run_id", run.ID, "attempts", attempts, "next_run", nextRun, "error", cause)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
