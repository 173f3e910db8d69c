package pipeline

import (
	"context"

	"prompt-to-video/internal/models"
	"prompt-to-video/internal/publish"
	"prompt-to-video/internal/workflow"
)

func (p *Pipeline) publishUpload(wc *workflow.Context) error {
	var in models.UploadPayload
	if err := wc.Decode(&in); err != nil {
		return err
	}
	if err := requireField("videoUrl", in.VideoURL); err != nil {
		return err
	}
	if p.Uploader == nil {
		return workflow.Permanent(publish.ErrNotConfigured)
	}

	uploaded, err := workflow.Step(wc, "upload", func(ctx context.Context) (publish.Uploaded, error) {
		out, err := p.Uploader.Upload(ctx, publish.Video{
			Title:        in.Title,
			Description:  in.Description,
			Prompt:       in.Prompt,
			Variant:      in.Variant,
			VideoURL:     in.VideoURL,
			ThumbnailURL: in.ThumbnailURL,
		})
		return out, upstream(err, publish.Retryable)
	})
	if err != nil {
		return err
	}

	if in.JobID != "" {
		_, err = workflow.Step(wc, "record", func(ctx context.Context) (bool, error) {
			return true, p.Jobs.SetPublishStatus(ctx, in.JobID, models.PublishUploaded, uploaded.URL, "")
		})
		if err != nil {
			return err
		}
	}

	if p.Poster == nil {
		return nil
	}
	opts := workflow.TriggerOptions{}
	if in.JobID != "" {
		opts.IdempotencyKey = PublishSocial + ":" + in.JobID
	}
	_, err = workflow.Step(wc, "announce", func(ctx context.Context) (string, error) {
		return wc.Trigger(ctx, PublishSocial, models.SocialPayload{
			VideoURL: uploaded.URL,
			Title:    in.Title,
			JobID:    in.JobID,
		}, opts)
	})
	return err
}

func (p *Pipeline) publishSocial(wc *workflow.Context) error {
	var in models.SocialPayload
	if err := wc.Decode(&in); err != nil {
		return err
	}
	if err := requireField("videoUrl", in.VideoURL); err != nil {
		return err
	}
	if p.Poster == nil {
		return workflow.Permanent(publish.ErrNotConfigured)
	}
	post, err := workflow.Step(wc, "post", func(ctx context.Context) (publish.Post, error) {
		out, err := p.Poster.Share(ctx, in.Title, in.VideoURL)
		return out, upstream(err, publish.Retryable)
	})
	if err != nil {
		return err
	}
	wc.Logger().Infow("video announced", "job_id", in.JobID, "post_id", post.ID)
	return nil
}
