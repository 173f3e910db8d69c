package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"prompt-to-video/internal/config"
)

const maxPostLen = 280

// Post is a published status on the social platform.
type Post struct {
	ID  string
	URL string
}

// SocialPoster announces uploaded videos through the X v2 API.
type SocialPoster struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

func NewSocialPoster(ctx context.Context, cfg config.Social) *SocialPoster {
	p := &SocialPoster{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		log:     zap.S().Named("social"),
	}
	if cfg.AccessToken != "" {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: 30 * time.Second})
		p.httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.AccessToken,
			TokenType:   "Bearer",
		}))
	}
	return p
}

type tweetRequest struct {
	Text string `json:"text"`
}

type tweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
	Detail string `json:"detail"`
	Title  string `json:"title"`
}

// Share posts the video title and link.
func (p *SocialPoster) Share(ctx context.Context, title, videoURL string) (Post, error) {
	if p.httpClient == nil {
		return Post{}, ErrNotConfigured
	}
	body, err := json.Marshal(tweetRequest{Text: PostText(title, videoURL)})
	if err != nil {
		return Post{}, fmt.Errorf("marshal post: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/tweets", bytes.NewReader(body))
	if err != nil {
		return Post{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Post{}, fmt.Errorf("post status: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Post{}, fmt.Errorf("read response: %w", err)
	}
	var out tweetResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= http.StatusBadRequest {
		msg := out.Detail
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return Post{}, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out.Data.ID == "" {
		return Post{}, fmt.Errorf("post status: empty id in response")
	}
	post := Post{ID: out.Data.ID, URL: "https://x.com/i/web/status/" + out.Data.ID}
	p.log.Infow("status posted", "post_id", post.ID)
	return post, nil
}

// PostText fits the title and link into one post.
func PostText(title, videoURL string) string {
	title = strings.TrimSpace(title)
	room := maxPostLen - len([]rune(videoURL)) - 1
	if room <= 0 {
		return videoURL
	}
	if title == "" {
		return videoURL
	}
	return truncate(title, room) + "\n" + videoURL
}

// StatusError is a non-2xx answer from the social API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("social api returned %d: %s", e.Code, e.Message)
}

// Retryable reports whether a publish error is worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotConfigured) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return retryableCode(se.Code)
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return retryableCode(ge.Code)
	}
	return true
}

func retryableCode(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
