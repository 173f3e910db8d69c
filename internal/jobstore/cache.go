package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"prompt-to-video/internal/models"
)

// Cache is the ephemeral tier: one Redis hash per job, expiring after ttl.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, ttl: ttl, now: time.Now}
}

func (c *Cache) key(id string) string {
	return "job:" + id
}

// Update lists the fields a patch sets. Nil fields are left untouched.
type Update struct {
	Status              *string
	Progress            *int
	Step                *string
	NarrationDraft      *string
	NarrationApproved   *string
	NarrationStatus     *string
	NarrationApprovedAt *time.Time
	Sources             []models.Source
	VideoURL            *string
	PublishStatus       *string
	PublishURL          *string
	PublishError        *string
	Error               *string
}

func String(v string) *string { return &v }
func Int(v int) *int          { return &v }

func (u Update) args() ([]any, error) {
	var out []any
	str := func(name string, v *string) {
		if v != nil {
			out = append(out, name, *v)
		}
	}
	str("status", u.Status)
	if u.Progress != nil {
		out = append(out, "progress", strconv.Itoa(*u.Progress))
	}
	str("step", u.Step)
	str("narrationDraft", u.NarrationDraft)
	str("narrationApproved", u.NarrationApproved)
	str("narrationStatus", u.NarrationStatus)
	if u.NarrationApprovedAt != nil {
		out = append(out, "narrationApprovedAt", msString(*u.NarrationApprovedAt))
	}
	if u.Sources != nil {
		raw, err := json.Marshal(u.Sources)
		if err != nil {
			return nil, fmt.Errorf("marshal sources: %w", err)
		}
		out = append(out, "sources", string(raw))
	}
	str("videoUrl", u.VideoURL)
	str("publishStatus", u.PublishStatus)
	str("publishUrl", u.PublishURL)
	str("publishError", u.PublishError)
	str("error", u.Error)
	return out, nil
}

// Create stores job unless a record already exists. It returns the stored
// record and whether this call created it.
func (c *Cache) Create(ctx context.Context, job models.Job) (models.Job, bool, error) {
	now := c.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	fields, err := encodeJob(job)
	if err != nil {
		return models.Job{}, false, err
	}
	args := append([]any{c.ttl.Milliseconds()}, fields...)
	created, err := createScript.Run(ctx, c.client, []string{c.key(job.ID)}, args...).Int()
	if err != nil {
		return models.Job{}, false, fmt.Errorf("cache create: %w", err)
	}
	if created == 1 {
		return job, true, nil
	}
	existing, err := c.Get(ctx, job.ID)
	if err != nil {
		return models.Job{}, false, err
	}
	return existing, false, nil
}

// Put writes a full record unless the cached copy is at least as recent.
func (c *Cache) Put(ctx context.Context, job models.Job) error {
	fields, err := encodeJob(job)
	if err != nil {
		return err
	}
	args := append([]any{c.ttl.Milliseconds(), msString(job.UpdatedAt)}, fields...)
	if err := putScript.Run(ctx, c.client, []string{c.key(job.ID)}, args...).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Get returns the cached record or ErrNotFound.
func (c *Cache) Get(ctx context.Context, id string) (models.Job, error) {
	m, err := c.client.HGetAll(ctx, c.key(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("cache get: %w", err)
	}
	if len(m) == 0 {
		return models.Job{}, ErrNotFound
	}
	return decodeJob(m)
}

// Patch applies u field by field. It refreshes the TTL, never lets updatedAt go
// backwards and returns ErrTerminal instead of changing a terminal status.
func (c *Cache) Patch(ctx context.Context, id string, u Update) error {
	fields, err := u.args()
	if err != nil {
		return err
	}
	args := append([]any{c.ttl.Milliseconds(), msString(c.now())}, fields...)
	res, err := patchScript.Run(ctx, c.client, []string{c.key(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("cache patch: %w", err)
	}
	switch res {
	case 0:
		return ErrNotFound
	case -1:
		return ErrTerminal
	}
	return nil
}

func msString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMS(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeJob(job models.Job) ([]any, error) {
	sources := job.Sources
	if sources == nil {
		sources = []models.Source{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("marshal sources: %w", err)
	}
	approvedAt := ""
	if job.NarrationApprovedAt != nil {
		approvedAt = msString(*job.NarrationApprovedAt)
	}
	return []any{
		"jobId", job.ID,
		"status", job.Status,
		"variant", job.Variant,
		"description", job.Description,
		"prompt", job.Prompt,
		"userId", job.UserID,
		"chatId", job.ChatID,
		"progress", strconv.Itoa(job.Progress),
		"step", job.Step,
		"narrationDraft", job.NarrationDraft,
		"narrationApproved", job.NarrationApproved,
		"narrationStatus", job.NarrationStatus,
		"narrationApprovedAt", approvedAt,
		"sources", string(raw),
		"videoUrl", job.VideoURL,
		"publishStatus", job.PublishStatus,
		"publishUrl", job.PublishURL,
		"publishError", job.PublishError,
		"error", job.Error,
		"createdAt", msString(job.CreatedAt),
		"updatedAt", msString(job.UpdatedAt),
	}, nil
}

func decodeJob(m map[string]string) (models.Job, error) {
	job := models.Job{
		ID:                m["jobId"],
		Status:            m["status"],
		Variant:           m["variant"],
		Description:       m["description"],
		Prompt:            m["prompt"],
		UserID:            m["userId"],
		ChatID:            m["chatId"],
		Step:              m["step"],
		NarrationDraft:    m["narrationDraft"],
		NarrationApproved: m["narrationApproved"],
		NarrationStatus:   m["narrationStatus"],
		VideoURL:          m["videoUrl"],
		PublishStatus:     m["publishStatus"],
		PublishURL:        m["publishUrl"],
		PublishError:      m["publishError"],
		Error:             m["error"],
		CreatedAt:         parseMS(m["createdAt"]),
		UpdatedAt:         parseMS(m["updatedAt"]),
		Sources:           []models.Source{},
	}
	if v := m["progress"]; v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return models.Job{}, fmt.Errorf("decode progress %q: %w", v, err)
		}
		job.Progress = p
	}
	if at := parseMS(m["narrationApprovedAt"]); !at.IsZero() {
		job.NarrationApprovedAt = &at
	}
	if v := m["sources"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Sources); err != nil {
			return models.Job{}, fmt.Errorf("decode sources: %w", err)
		}
	}
	return job, nil
}

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'updatedAt')
if cur and tonumber(cur) >= tonumber(ARGV[2]) then return 0 end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

var patchScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return 0 end
local status = redis.call('HGET', key, 'status')
local terminal = status == 'ready' or status == 'error'
for i = 3, #ARGV, 2 do
  if ARGV[i] == 'status' and terminal and ARGV[i+1] ~= status then
    return -1
  end
end
for i = 3, #ARGV, 2 do
  redis.call('HSET', key, ARGV[i], ARGV[i+1])
end
local updated = ARGV[2]
local prev = redis.call('HGET', key, 'updatedAt')
if prev and tonumber(prev) > tonumber(updated) then updated = prev end
redis.call('HSET', key, 'updatedAt', updated)
redis.call('PEXPIRE', key, ARGV[1])
return 1
`)
