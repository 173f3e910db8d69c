package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"prompt-to-video/internal/jobstore"
	"prompt-to-video/internal/models"
	"prompt-to-video/internal/plugins"
	"prompt-to-video/internal/render"
	"prompt-to-video/internal/scriptfix"
	"prompt-to-video/internal/synth"
	"prompt-to-video/internal/telemetry"
	"prompt-to-video/internal/workflow"
)

// UnrepairableError ends the script loop. Issues holds the problems the
// auto-fixer could not repair, empty when every attempt failed at runtime.
type UnrepairableError struct {
	Attempts int
	Issues   []scriptfix.Issue
}

func (e *UnrepairableError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("no renderable script after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("script unrepairable after %d attempts: %s", e.Attempts, issueList(e.Issues))
}

// UserMessage is safe to show on the job.
func (e *UnrepairableError) UserMessage() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("The animation could not be rendered after %d attempts.", e.Attempts)
	}
	return "The animation script could not be repaired: " + issueList(e.Issues)
}

func issueList(issues []scriptfix.Issue) string {
	msgs := make([]string, 0, len(issues))
	for _, i := range issues {
		msgs = append(msgs, i.Message)
	}
	return strings.Join(msgs, "; ")
}

// issueKey identifies an unfixable issue set independent of order.
func issueKey(issues []scriptfix.Issue) string {
	keys := make([]string, 0, len(issues))
	for _, i := range issues {
		keys = append(keys, i.Code+"|"+i.Message)
	}
	sort.Strings(keys)
	return strings.Join(keys, "\n")
}

type renderOutcome struct {
	Artifacts render.Artifacts `json:"artifacts"`
	Feedback  *synth.Feedback  `json:"feedback,omitempty"`
}

// continueJob is stage two: it starts from the approved narration carried in
// the payload, never from the approval request itself.
func (p *Pipeline) continueJob(wc *workflow.Context) error {
	var in models.ContinuationPayload
	if err := wc.Decode(&in); err != nil {
		return err
	}
	if err := requireField("jobId", in.JobID); err != nil {
		return err
	}
	if err := requireField("voiceoverScript", in.VoiceoverScript); err != nil {
		return err
	}

	arts, err := p.scriptLoop(wc, in)
	if err != nil {
		return err
	}

	job, err := p.Jobs.Get(wc, in.JobID)
	if err != nil {
		wc.Logger().Warnw("job lookup before persist failed", "job_id", in.JobID, "error", err)
	}
	_, err = workflow.Step(wc, "persist", func(ctx context.Context) (bool, error) {
		return true, p.Jobs.MarkReady(ctx, models.Job{
			ID:          in.JobID,
			Variant:     in.Variant,
			Description: job.Description,
			Prompt:      in.Prompt,
			UserID:      in.UserID,
			ChatID:      in.ChatID,
			VideoURL:    arts.VideoURL,
		})
	})
	if err != nil {
		return err
	}

	if p.Uploader == nil {
		wc.Logger().Infow("publishing disabled", "job_id", in.JobID)
		return nil
	}
	_, err = workflow.Step(wc, "publish", func(ctx context.Context) (string, error) {
		if err := p.Jobs.SetPublishStatus(ctx, in.JobID, models.PublishPending, "", ""); err != nil {
			p.log.Warnw("publish status not recorded", "job_id", in.JobID, "error", err)
		}
		return wc.Trigger(ctx, PublishUpload, models.UploadPayload{
			VideoURL:     arts.VideoURL,
			Title:        videoTitle(job.Description, in.Prompt),
			Description:  job.Description,
			Prompt:       in.Prompt,
			JobID:        in.JobID,
			UserID:       in.UserID,
			Variant:      in.Variant,
			ThumbnailURL: arts.ThumbnailURL,
		}, workflow.TriggerOptions{IdempotencyKey: PublishUpload + ":" + in.JobID})
	})
	return err
}

// scriptLoop synthesizes, repairs and renders until an attempt produces a
// video. Each attempt's steps are checkpointed, so a redelivered run rebuilds
// the same feedback chain from stored outputs.
func (p *Pipeline) scriptLoop(wc *workflow.Context, in models.ContinuationPayload) (render.Artifacts, error) {
	var (
		previous      string
		feedback      *synth.Feedback
		lastBad       string
		lastUnfixable []scriptfix.Issue
	)
	for attempt := 1; attempt <= p.ScriptMaxAttempts; attempt++ {
		prefix := fmt.Sprintf("attempt-%d", attempt)

		p.Jobs.Progress(wc, in.JobID, 50, jobstore.StepSynthesizing)
		fixed, err := workflow.Step(wc, prefix+"/script", func(ctx context.Context) (scriptfix.Result, error) {
			raw, err := p.Writer.Script(ctx, synth.ScriptRequest{
				Prompt:    in.Prompt,
				Narration: in.VoiceoverScript,
				Variant:   in.Variant,
				Previous:  previous,
				Feedback:  feedback,
			})
			if err != nil {
				return scriptfix.Result{}, upstream(err, synth.Retryable)
			}
			return scriptfix.AutoFix(raw), nil
		})
		if err != nil {
			return render.Artifacts{}, err
		}

		p.Jobs.Progress(wc, in.JobID, 60, jobstore.StepValidating)
		previous = fixed.Script
		if !fixed.OK {
			telemetry.ScriptAttempts.WithLabelValues("invalid").Inc()
			wc.Logger().Warnw("script failed validation", "job_id", in.JobID, "attempt", attempt,
				"truncated", fixed.Truncated, "issues", issueList(fixed.Unfixable))
			key := issueKey(fixed.Unfixable)
			if key == lastBad {
				return render.Artifacts{}, workflow.Permanent(&UnrepairableError{Attempts: attempt, Issues: fixed.Unfixable})
			}
			lastBad, lastUnfixable = key, fixed.Unfixable
			feedback = &synth.Feedback{Attempt: attempt, Stage: "validation", Issues: fixed.Issues}
			continue
		}
		lastBad, lastUnfixable = "", nil

		p.Jobs.Progress(wc, in.JobID, 70, jobstore.StepRendering)
		out, err := workflow.Step(wc, prefix+"/render", func(ctx context.Context) (renderOutcome, error) {
			return p.renderAttempt(ctx, in, attempt, fixed.Script)
		})
		if err != nil {
			return render.Artifacts{}, err
		}
		if out.Feedback != nil {
			telemetry.ScriptAttempts.WithLabelValues("render_failed").Inc()
			wc.Logger().Warnw("script failed at runtime", "job_id", in.JobID, "attempt", attempt, "exit_code", out.Feedback.ExitCode)
			feedback = out.Feedback
			continue
		}
		telemetry.ScriptAttempts.WithLabelValues("ok").Inc()
		return out.Artifacts, nil
	}
	return render.Artifacts{}, workflow.Permanent(&UnrepairableError{Attempts: p.ScriptMaxAttempts, Issues: lastUnfixable})
}

// renderAttempt runs the script and stores the artifacts. A failure of the
// script itself becomes feedback for the next attempt; sandbox or storage
// trouble is returned so the run retries.
func (p *Pipeline) renderAttempt(ctx context.Context, in models.ContinuationPayload, attempt int, script string) (renderOutcome, error) {
	start := time.Now()
	res, err := p.Sandbox.Render(ctx, render.Request{
		JobID:   in.JobID,
		Attempt: attempt,
		Script:  script,
		Variant: in.Variant,
		Install: plugins.InstallCommands(p.pluginsFor(script)),
	})
	telemetry.RenderDuration.Observe(time.Since(start).Seconds())
	var execErr *render.ExecError
	if errors.As(err, &execErr) {
		return renderOutcome{Feedback: &synth.Feedback{
			Attempt:  attempt,
			Stage:    "render",
			ExitCode: execErr.ExitCode,
			Stderr:   execErr.Stderr,
			Stdout:   execErr.Stdout,
			Stack:    execErr.Stack,
		}}, nil
	}
	if err != nil {
		return renderOutcome{}, fmt.Errorf("render: %w", err)
	}

	p.Jobs.Progress(ctx, in.JobID, 90, jobstore.StepUploading)
	arts, err := render.StoreArtifacts(ctx, p.Storage, in.JobID, in.Variant, res)
	if cerr := res.Cleanup(); cerr != nil {
		p.log.Warnw("work dir cleanup failed", "job_id", in.JobID, "attempt", attempt, "error", cerr)
	}
	if err != nil {
		return renderOutcome{}, err
	}
	return renderOutcome{Artifacts: arts}, nil
}

// pluginsFor returns the enabled plugins the script uses.
func (p *Pipeline) pluginsFor(script string) []plugins.Plugin {
	var out []plugins.Plugin
	for _, pl := range p.Plugins {
		if pl.Uses(script) || pl.Imported(script) {
			out = append(out, pl)
		}
	}
	return out
}

func videoTitle(description, prompt string) string {
	title := strings.TrimSpace(description)
	if title == "" {
		title = strings.TrimSpace(prompt)
	}
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	return title
}
