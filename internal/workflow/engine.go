// Package workflow runs named, multi-step workflows with at-least-once
// delivery. Runs live in Postgres, their ids move through a Redis lease queue,
// and each named step's output is checkpointed so a redelivered run replays
// finished steps instead of executing them again.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"prompt-to-video/internal/models"
	"prompt-to-video/internal/telemetry"
)

// Handler executes one delivery of a run.
type Handler func(wc *Context) error

// FailureHook runs once when a run is dead-lettered.
type FailureHook func(ctx context.Context, run models.Run, cause error)

// Definition binds a workflow name to its handler.
type Definition struct {
	Name        string
	Handler     Handler
	OnFailure   FailureHook
	MaxAttempts int
}

// TriggerOptions control a new run. A non-empty IdempotencyKey returns the
// existing run instead of creating a second one while the key is live.
type TriggerOptions struct {
	IdempotencyKey string
	Priority       string
	MaxAttempts    int
	Delay          time.Duration
}

// CreateRunParams collects inputs required to insert a run.
type CreateRunParams struct {
	Workflow       string
	Priority       string
	Payload        json.RawMessage
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// RunStore persists runs, step checkpoints and the audit trail.
type RunStore interface {
	CreateRun(ctx context.Context, p CreateRunParams) (models.Run, bool, error)
	GetRun(ctx context.Context, id string) (models.Run, error)
	MarkInProgress(ctx context.Context, id string) error
	MarkQueued(ctx context.Context, id string) error
	MarkSuccess(ctx context.Context, id string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	MarkDeadLetter(ctx context.Context, id string, lastErr string) error
	LoadStep(ctx context.Context, runID, name string) (json.RawMessage, bool, error)
	SaveStep(ctx context.Context, runID, name string, output json.RawMessage) error
	AppendAudit(ctx context.Context, runID, event, detail string) error
}

// Queue is the lease queue carrying run ids. *queue.RedisQueue implements it.
type Queue interface {
	Enqueue(ctx context.Context, runID, priority string, runAt time.Time) error
	Schedule(ctx context.Context, runID, priority string, runAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, runID string, extension time.Duration) error
	Ack(ctx context.Context, runID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DLQPush(ctx context.Context, runID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	Visibility() time.Duration
}

// Triggerer starts workflow runs. Both *Engine and *Context satisfy it.
type Triggerer interface {
	Trigger(ctx context.Context, workflow string, payload any, opts TriggerOptions) (string, error)
}

type Options struct {
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// Engine owns the workflow registry and starts runs.
type Engine struct {
	store RunStore
	queue Queue
	defs  map[string]Definition
	opts  Options
	log   *zap.SugaredLogger
}

func NewEngine(store RunStore, q Queue, opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	return &Engine{
		store: store,
		queue: q,
		defs:  make(map[string]Definition),
		opts:  opts,
		log:   zap.S().Named("workflow"),
	}
}

// Register binds a definition. Registering a name twice replaces the handler.
func (e *Engine) Register(def Definition) {
	if def.Name == "" || def.Handler == nil {
		return
	}
	e.defs[def.Name] = def
}

func (e *Engine) definition(name string) (Definition, bool) {
	def, ok := e.defs[name]
	return def, ok
}

// Trigger persists a new run and enqueues it. It returns the run id, which is
// the existing run's id when the idempotency key was already claimed.
func (e *Engine) Trigger(ctx context.Context, workflow string, payload any, opts TriggerOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", workflow, err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		if def, ok := e.definition(workflow); ok && def.MaxAttempts > 0 {
			maxAttempts = def.MaxAttempts
		} else {
			maxAttempts = e.opts.MaxAttempts
		}
	}
	runAt := time.Now().UTC().Add(opts.Delay)
	run, reused, err := e.store.CreateRun(ctx, CreateRunParams{
		Workflow:       workflow,
		Priority:       opts.Priority,
		Payload:        raw,
		IdempotencyKey: opts.IdempotencyKey,
		RunAt:          runAt,
		MaxAttempts:    maxAttempts,
		IdempotencyTTL: e.opts.IdempotencyTTL,
	})
	if err != nil {
		return "", fmt.Errorf("create %s run: %w", workflow, err)
	}
	if reused {
		e.log.Infow("idempotent trigger reused run", "workflow", workflow, "run_id", run.ID, "key", opts.IdempotencyKey)
		return run.ID, nil
	}
	if err := e.queue.Enqueue(ctx, run.ID, run.Priority, runAt); err != nil {
		return "", err
	}
	_ = e.store.AppendAudit(ctx, run.ID, "triggered", workflow)
	telemetry.WorkflowTriggered.WithLabelValues(workflow).Inc()
	e.log.Infow("workflow triggered", "workflow", workflow, "run_id", run.ID)
	return run.ID, nil
}

// DeadLetters lists dead-lettered run ids, oldest first.
func (e *Engine) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	return e.queue.DLQPeek(ctx, limit)
}

// Context is handed to a Handler for one delivery of a run.
type Context struct {
	context.Context
	Run    models.Run
	engine *Engine
	log    *zap.SugaredLogger
}

// Logger is scoped to the run.
func (wc *Context) Logger() *zap.SugaredLogger {
	return wc.log
}

// Decode unmarshals the run payload into v. A malformed payload is permanent.
func (wc *Context) Decode(v any) error {
	if err := json.Unmarshal(wc.Run.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", wc.Run.Workflow, err))
	}
	return nil
}

// Trigger starts another workflow from inside a step.
func (wc *Context) Trigger(ctx context.Context, workflow string, payload any, opts TriggerOptions) (string, error) {
	return wc.engine.Trigger(ctx, workflow, payload, opts)
}

// Step runs fn once per run. When the step already has a checkpoint the
// stored output is returned and fn is not called.
func Step[T any](wc *Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, ok, err := wc.engine.store.LoadStep(wc, wc.Run.ID, name)
	if err != nil {
		return out, fmt.Errorf("load step %s: %w", name, err)
	}
	if ok {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("decode step %s: %w", name, err)
		}
		wc.log.Debugw("step replayed", "step", name)
		return out, nil
	}

	start := time.Now()
	out, err = fn(wc)
	if err != nil {
		wc.log.Warnw("step failed", "step", name, "error", err)
		return out, fmt.Errorf("step %s: %w", name, err)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return out, fmt.Errorf("encode step %s: %w", name, err)
	}
	if err := wc.engine.store.SaveStep(wc, wc.Run.ID, name, encoded); err != nil {
		return out, fmt.Errorf("save step %s: %w", name, err)
	}
	wc.log.Infow("step completed", "step", name, "duration", time.Since(start))
	return out, nil
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; the run is dead-lettered at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
