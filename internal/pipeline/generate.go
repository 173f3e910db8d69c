package pipeline

import (
	"context"

	"prompt-to-video/internal/jobstore"
	"prompt-to-video/internal/models"
	"prompt-to-video/internal/research"
	"prompt-to-video/internal/synth"
	"prompt-to-video/internal/workflow"
)

// generate researches the prompt, drafts the narration and parks the job at
// the approval gate. Approval starts a separate continue run.
func (p *Pipeline) generate(wc *workflow.Context) error {
	var in models.GeneratePayload
	if err := wc.Decode(&in); err != nil {
		return err
	}
	if err := requireField("jobId", in.JobID); err != nil {
		return err
	}
	if err := requireField("prompt", in.Prompt); err != nil {
		return err
	}

	p.Jobs.Progress(wc, in.JobID, 10, jobstore.StepResearching)
	sources, err := workflow.Step(wc, "research", func(ctx context.Context) ([]models.Source, error) {
		return p.research(ctx, in.JobID, in.Prompt), nil
	})
	if err != nil {
		return err
	}
	p.Jobs.SetSources(wc, in.JobID, sources)

	p.Jobs.Progress(wc, in.JobID, 25, jobstore.StepDrafting)
	draft, err := workflow.Step(wc, "draft-narration", func(ctx context.Context) (string, error) {
		text, err := p.Writer.Narration(ctx, synth.NarrationRequest{
			Prompt:        in.Prompt,
			Variant:       in.Variant,
			SourceContext: research.FormatContext(sources),
		})
		return text, upstream(err, synth.Retryable)
	})
	if err != nil {
		return err
	}

	_, err = workflow.Step(wc, "store-narration", func(ctx context.Context) (bool, error) {
		return true, p.Jobs.StoreNarration(ctx, in.JobID, draft, sources)
	})
	if err != nil {
		return err
	}
	wc.Logger().Infow("narration awaiting approval", "job_id", in.JobID, "sources", len(sources))
	return nil
}

// research never fails the run: without sources the narration is drafted
// from the prompt alone.
func (p *Pipeline) research(ctx context.Context, jobID, prompt string) []models.Source {
	if p.Research == nil {
		return []models.Source{}
	}
	sources, err := p.Research.Search(ctx, prompt)
	if err != nil {
		p.log.Warnw("research skipped", "job_id", jobID, "error", err)
		return []models.Source{}
	}
	if sources == nil {
		sources = []models.Source{}
	}
	return sources
}
