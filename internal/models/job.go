package models

import (
	"time"
)

// Job statuses. Ready and error are terminal.
const (
	StatusGenerating = "generating"
	StatusReady      = "ready"
	StatusError      = "error"
)

const (
	VariantVideo = "video"
	VariantShort = "short"
)

const (
	NarrationPending  = "pending"
	NarrationApproved = "approved"
)

const (
	PublishPending  = "pending"
	PublishUploaded = "uploaded"
	PublishFailed   = "failed"
)

// Source is one web research result shown next to the narration draft.
type Source struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Job is the status record of one prompt-to-video request.
type Job struct {
	ID                  string     `json:"jobId"`
	Status              string     `json:"status"`
	Variant             string     `json:"variant"`
	Description         string     `json:"description,omitempty"`
	Prompt              string     `json:"prompt,omitempty"`
	UserID              string     `json:"userId,omitempty"`
	ChatID              string     `json:"chatId,omitempty"`
	Progress            int        `json:"progress"`
	Step                string     `json:"step,omitempty"`
	NarrationDraft      string     `json:"narrationDraft,omitempty"`
	NarrationApproved   string     `json:"narrationApproved,omitempty"`
	NarrationStatus     string     `json:"narrationStatus,omitempty"`
	NarrationApprovedAt *time.Time `json:"narrationApprovedAt,omitempty"`
	Sources             []Source   `json:"sources"`
	VideoURL            string     `json:"videoUrl,omitempty"`
	PublishStatus       string     `json:"publishStatus,omitempty"`
	PublishURL          string     `json:"publishUrl,omitempty"`
	PublishError        string     `json:"publishError,omitempty"`
	Error               string     `json:"error,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Terminal reports whether the job has stopped generating.
func (j Job) Terminal() bool {
	return IsTerminal(j.Status)
}

func IsTerminal(status string) bool {
	return status == StatusReady || status == StatusError
}

// GeneratePayload starts the research and narration workflow.
type GeneratePayload struct {
	JobID       string `json:"jobId"`
	Prompt      string `json:"prompt"`
	Variant     string `json:"variant"`
	Description string `json:"description,omitempty"`
	UserID      string `json:"userId"`
	ChatID      string `json:"chatId"`
}

// ContinuationPayload carries everything the post-approval workflow needs.
type ContinuationPayload struct {
	JobID           string   `json:"jobId"`
	Prompt          string   `json:"prompt"`
	VoiceoverScript string   `json:"voiceoverScript"`
	UserID          string   `json:"userId"`
	ChatID          string   `json:"chatId"`
	Variant         string   `json:"variant"`
	Sources         []Source `json:"sources"`
}

type UploadPayload struct {
	VideoURL     string `json:"videoUrl"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Prompt       string `json:"prompt"`
	JobID        string `json:"jobId"`
	UserID       string `json:"userId"`
	Variant      string `json:"variant"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

type SocialPayload struct {
	VideoURL string `json:"videoUrl"`
	Title    string `json:"title"`
	JobID    string `json:"jobId,omitempty"`
}
