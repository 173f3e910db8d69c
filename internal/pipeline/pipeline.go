// Package pipeline defines the workflows that turn a prompt into a published
// video: generate drafts the narration and stops at the approval gate,
// continue resumes from an approved narration and renders, and the publish
// workflows push the result to the video host and the social platform.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"prompt-to-video/internal/models"
	"prompt-to-video/internal/plugins"
	"prompt-to-video/internal/publish"
	"prompt-to-video/internal/render"
	"prompt-to-video/internal/synth"
	"prompt-to-video/internal/workflow"
)

// Workflow names.
const (
	Generate      = "generate"
	Continue      = "continue"
	PublishUpload = "publish-upload"
	PublishSocial = "publish-social"
)

const (
	publishAttempts = 3

	generationFailedMessage = "Video generation failed. Please try again."
	publishFailedMessage    = "Publishing failed."
)

// Jobs is the part of the job status store the workflows write to.
type Jobs interface {
	Get(ctx context.Context, id string) (models.Job, error)
	Progress(ctx context.Context, id string, progress int, step string)
	SetSources(ctx context.Context, id string, sources []models.Source)
	StoreNarration(ctx context.Context, id, draft string, sources []models.Source) error
	MarkReady(ctx context.Context, job models.Job) error
	MarkFailed(ctx context.Context, id, message string) error
	SetPublishStatus(ctx context.Context, id, status, url, message string) error
}

type Researcher interface {
	Search(ctx context.Context, query string) ([]models.Source, error)
}

// Writer produces narration and scripts. *synth.Client implements it.
type Writer interface {
	Narration(ctx context.Context, req synth.NarrationRequest) (string, error)
	Script(ctx context.Context, req synth.ScriptRequest) (string, error)
}

type Uploader interface {
	Upload(ctx context.Context, v publish.Video) (publish.Uploaded, error)
}

type Poster interface {
	Share(ctx context.Context, title, videoURL string) (publish.Post, error)
}

// Deps wires the collaborators. A nil Uploader disables publishing and a nil
// Poster skips the social post.
type Deps struct {
	Jobs              Jobs
	Research          Researcher
	Writer            Writer
	Sandbox           render.Sandbox
	Storage           render.ObjectStore
	Uploader          Uploader
	Poster            Poster
	Plugins           []plugins.Plugin
	ScriptMaxAttempts int
}

type Pipeline struct {
	Deps
	log *zap.SugaredLogger
}

func New(d Deps) *Pipeline {
	if d.ScriptMaxAttempts <= 0 {
		d.ScriptMaxAttempts = 3
	}
	return &Pipeline{Deps: d, log: zap.S().Named("pipeline")}
}

// Register adds every workflow to the engine.
func (p *Pipeline) Register(e *workflow.Engine) {
	e.Register(workflow.Definition{Name: Generate, Handler: p.generate, OnFailure: p.jobFailed})
	e.Register(workflow.Definition{Name: Continue, Handler: p.continueJob, OnFailure: p.jobFailed})
	e.Register(workflow.Definition{Name: PublishUpload, Handler: p.publishUpload, OnFailure: p.publishFailed, MaxAttempts: publishAttempts})
	e.Register(workflow.Definition{Name: PublishSocial, Handler: p.publishSocial, OnFailure: p.publishFailed, MaxAttempts: publishAttempts})
}

// jobFailed moves the job to error. Users see a generic message unless the
// script proved unrepairable; the cause itself is only logged.
func (p *Pipeline) jobFailed(ctx context.Context, run models.Run, cause error) {
	id := payloadJobID(run.Payload)
	if id == "" {
		p.log.Errorw("failed run has no job id", "run_id", run.ID, "workflow", run.Workflow, "error", cause)
		return
	}
	p.log.Errorw("job failed", "job_id", id, "run_id", run.ID, "workflow", run.Workflow, "attempts", run.Attempts, "error", cause)
	msg := generationFailedMessage
	var ue *UnrepairableError
	if errors.As(cause, &ue) {
		msg = ue.UserMessage()
	}
	if err := p.Jobs.MarkFailed(ctx, id, msg); err != nil {
		p.log.Errorw("mark failed", "job_id", id, "error", err)
	}
}

// publishFailed records publishStatus=failed and leaves status alone.
func (p *Pipeline) publishFailed(ctx context.Context, run models.Run, cause error) {
	id := payloadJobID(run.Payload)
	p.log.Errorw("publish failed", "job_id", id, "run_id", run.ID, "workflow", run.Workflow, "error", cause)
	if id == "" {
		return
	}
	msg := publishFailedMessage
	if run.Workflow == PublishSocial {
		msg = "Social post failed."
	}
	if err := p.Jobs.SetPublishStatus(ctx, id, models.PublishFailed, "", msg); err != nil {
		p.log.Errorw("set publish status", "job_id", id, "error", err)
	}
}

func payloadJobID(raw json.RawMessage) string {
	var v struct {
		JobID string `json:"jobId"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.JobID
}

// upstream marks errors that will not improve with a retry as permanent.
func upstream(err error, retryable func(error) bool) error {
	if err == nil || retryable(err) {
		return err
	}
	return workflow.Permanent(err)
}

func requireField(name, value string) error {
	if value == "" {
		return workflow.Permanent(fmt.Errorf("payload is missing %s", name))
	}
	return nil
}
