package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prompt-to-video/internal/config"
	"prompt-to-video/internal/models"
	"prompt-to-video/internal/queue"
)

type memRunStore struct {
	mu    sync.Mutex
	runs  map[string]models.Run
	keys  map[string]string
	steps map[string]json.RawMessage
	audit []models.AuditLog
}

func newMemRunStore() *memRunStore {
	return &memRunStore{
		runs:  map[string]models.Run{},
		keys:  map[string]string{},
		steps: map[string]json.RawMessage{},
	}
}

func (m *memRunStore) CreateRun(_ context.Context, p CreateRunParams) (models.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.keys[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return m.runs[id], true, nil
	}
	run := models.Run{
		ID:          uuid.New().String(),
		Workflow:    p.Workflow,
		Priority:    p.Priority,
		Payload:     p.Payload,
		Status:      models.RunQueued,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   p.RunAt,
	}
	m.runs[run.ID] = run
	if p.IdempotencyKey != "" {
		m.keys[p.IdempotencyKey] = run.ID
	}
	return run, false, nil
}

func (m *memRunStore) GetRun(_ context.Context, id string) (models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return models.Run{}, ErrRunNotFound
	}
	return run, nil
}

func (m *memRunStore) update(id string, fn func(*models.Run)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	fn(&run)
	m.runs[id] = run
	return nil
}

func (m *memRunStore) MarkInProgress(_ context.Context, id string) error {
	return m.update(id, func(r *models.Run) { r.Status = models.RunInProgress })
}

func (m *memRunStore) MarkQueued(_ context.Context, id string) error {
	return m.update(id, func(r *models.Run) { r.Status = models.RunQueued })
}

func (m *memRunStore) MarkSuccess(_ context.Context, id string) error {
	return m.update(id, func(r *models.Run) { r.Status, r.LastError = models.RunSucceeded, nil })
}

func (m *memRunStore) UpdateAttempts(_ context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	return m.update(id, func(r *models.Run) {
		r.Status, r.Attempts, r.NextRunAt, r.LastError = models.RunQueued, attempts, nextRun, &lastErr
	})
}

func (m *memRunStore) MarkDeadLetter(_ context.Context, id string, lastErr string) error {
	return m.update(id, func(r *models.Run) { r.Status, r.LastError = models.RunDeadLetter, &lastErr })
}

func (m *memRunStore) LoadStep(_ context.Context, runID, name string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.steps[runID+"/"+name]
	return raw, ok, nil
}

func (m *memRunStore) SaveStep(_ context.Context, runID, name string, output json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[runID+"/"+name]; !ok {
		m.steps[runID+"/"+name] = output
	}
	return nil
}

func (m *memRunStore) AppendAudit(_ context.Context, runID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{RunID: runID, Event: event, Detail: detail, Recorded: time.Now()})
	return nil
}

func (m *memRunStore) events(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, a := range m.audit {
		if a.RunID == runID {
			out = append(out, a.Event)
		}
	}
	return out
}

type harness struct {
	engine    *Engine
	processor *Processor
	store     *memRunStore
	queue     *queue.RedisQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewRedisQueue(client, queue.Options{Priorities: []string{"high", "default", "low"}, Visibility: time.Minute})
	st := newMemRunStore()
	engine := NewEngine(st, q, Options{MaxAttempts: 5})
	cfg := config.Config{
		MaxAttempts:        5,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         time.Millisecond,
		ScheduledBatchSize: 10,
		WorkerPollInterval: time.Millisecond,
	}
	return &harness{engine: engine, processor: NewProcessor(engine, cfg, "test-worker"), store: st, queue: q}
}

// drain runs deliveries until the queue is empty, promoting retries as if
// their backoff had elapsed.
func (h *harness) drain(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	deliveries := 0
	for i := 0; i < 50; i++ {
		_, err := h.queue.PromoteScheduled(ctx, time.Now().Add(time.Hour), 100)
		require.NoError(t, err)
		worked, err := h.processor.processNext(ctx)
		require.NoError(t, err)
		if !worked {
			return deliveries
		}
		deliveries++
	}
	t.Fatal("queue did not drain")
	return deliveries
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	assert.GreaterOrEqual(t, b1, base/2)
	assert.LessOrEqual(t, b1, max)

	b3 := backoffWithJitter(base, max, 3)
	assert.GreaterOrEqual(t, b3, 2*base)
	assert.LessOrEqual(t, b3, max)

	b10 := backoffWithJitter(base, max, 10)
	assert.GreaterOrEqual(t, b10, max/2)
	assert.LessOrEqual(t, b10, max)
}

func TestStepOutputsAreReplayedOnRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var fetches, finishes int
	h.engine.Register(Definition{
		Name: "two-step",
		Handler: func(wc *Context) error {
			var in struct {
				Name string `json:"name"`
			}
			if err := wc.Decode(&in); err != nil {
				return err
			}
			greeting, err := Step(wc, "fetch", func(ctx context.Context) (string, error) {
				fetches++
				return "hello " + in.Name, nil
			})
			if err != nil {
				return err
			}
			_, err = Step(wc, "finish", func(ctx context.Context) (string, error) {
				finishes++
				if finishes == 1 {
					return "", errors.New("flaky downstream")
				}
				return greeting + "!", nil
			})
			return err
		},
	})

	runID, err := h.engine.Trigger(ctx, "two-step", map[string]string{"name": "ada"}, TriggerOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, h.drain(t))
	assert.Equal(t, 1, fetches)
	assert.Equal(t, 2, finishes)

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, 1, run.Attempts)
	assert.JSONEq(t, `"hello ada!"`, string(h.store.steps[runID+"/finish"]))
	assert.Equal(t, []string{"triggered", "retry_scheduled", "succeeded"}, h.store.events(runID))
}

func TestExhaustedRunIsDeadLetteredAndHookFires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var hookCalls int
	var hookErr error
	h.engine.Register(Definition{
		Name:        "always-fails",
		MaxAttempts: 3,
		Handler: func(wc *Context) error {
			return errors.New("upstream unavailable")
		},
		OnFailure: func(ctx context.Context, run models.Run, cause error) {
			hookCalls++
			hookErr = cause
			assert.Equal(t, 3, run.Attempts)
		},
	})

	runID, err := h.engine.Trigger(ctx, "always-fails", struct{}{}, TriggerOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, h.drain(t))
	assert.Equal(t, 1, hookCalls)
	assert.EqualError(t, hookErr, "upstream unavailable")

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunDeadLetter, run.Status)

	dlq, err := h.engine.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{runID}, dlq)
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls, hookCalls int
	h.engine.Register(Definition{
		Name: "bad-input",
		Handler: func(wc *Context) error {
			calls++
			return Permanent(errors.New("prompt rejected"))
		},
		OnFailure: func(context.Context, models.Run, error) { hookCalls++ },
	})
	_, err := h.engine.Trigger(ctx, "bad-input", struct{}{}, TriggerOptions{})
	require.NoError(t, err)

	h.drain(t)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, hookCalls)
}

func TestMalformedPayloadIsPermanent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Register(Definition{
		Name: "typed",
		Handler: func(wc *Context) error {
			var in struct {
				Count int `json:"count"`
			}
			return wc.Decode(&in)
		},
	})
	runID, err := h.engine.Trigger(ctx, "typed", map[string]string{"count": "many"}, TriggerOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, h.drain(t))
	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunDeadLetter, run.Status)
}

func TestUnknownWorkflowIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID, err := h.engine.Trigger(ctx, "nobody-home", struct{}{}, TriggerOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, h.drain(t))
	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunDeadLetter, run.Status)
	require.NotNil(t, run.LastError)
	assert.Contains(t, *run.LastError, "no handler registered")
}

func TestPanickingHandlerIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var calls int
	h.engine.Register(Definition{
		Name: "panics-once",
		Handler: func(wc *Context) error {
			calls++
			if calls == 1 {
				panic("nil map")
			}
			return nil
		},
	})
	runID, err := h.engine.Trigger(ctx, "panics-once", struct{}{}, TriggerOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, h.drain(t))
	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, run.Status)
}

func TestIdempotentTriggerReusesRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var calls int
	h.engine.Register(Definition{Name: "once", Handler: func(wc *Context) error { calls++; return nil }})

	first, err := h.engine.Trigger(ctx, "once", struct{}{}, TriggerOptions{IdempotencyKey: "once:job-1"})
	require.NoError(t, err)
	second, err := h.engine.Trigger(ctx, "once", struct{}{}, TriggerOptions{IdempotencyKey: "once:job-1"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, 1, h.drain(t))
	assert.Equal(t, 1, calls)
}

func TestHandlerCanTriggerFollowUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var got string
	h.engine.Register(Definition{
		Name: "parent",
		Handler: func(wc *Context) error {
			_, err := Step(wc, "spawn", func(ctx context.Context) (string, error) {
				return wc.Trigger(ctx, "child", map[string]string{"from": wc.Run.ID}, TriggerOptions{IdempotencyKey: "child:" + wc.Run.ID})
			})
			return err
		},
	})
	h.engine.Register(Definition{
		Name: "child",
		Handler: func(wc *Context) error {
			var in map[string]string
			if err := wc.Decode(&in); err != nil {
				return err
			}
			got = in["from"]
			return nil
		},
	})

	parentID, err := h.engine.Trigger(ctx, "parent", struct{}{}, TriggerOptions{Priority: "high"})
	require.NoError(t, err)
	assert.Equal(t, 2, h.drain(t))
	assert.Equal(t, parentID, got)
}

func TestMaxAttemptsComesFromDefinition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Register(Definition{Name: "short", MaxAttempts: 2, Handler: func(wc *Context) error { return nil }})

	runID, err := h.engine.Trigger(ctx, "short", struct{}{}, TriggerOptions{})
	require.NoError(t, err)
	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, run.MaxAttempts)

	runID, err = h.engine.Trigger(ctx, "unregistered", struct{}{}, TriggerOptions{})
	require.NoError(t, err)
	run, err = h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 5, run.MaxAttempts)
}
