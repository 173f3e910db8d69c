// Package publish uploads finished videos to the video host and announces
// them on the social platform.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"prompt-to-video/internal/config"
	"prompt-to-video/internal/models"
)

// ErrNotConfigured is returned when publishing credentials are missing.
var ErrNotConfigured = errors.New("publish credentials not configured")

const (
	maxTitleLen       = 100
	maxDescriptionLen = 5000
)

// Video is what gets uploaded. VideoURL and ThumbnailURL are either http(s)
// URLs or local file paths.
type Video struct {
	Title        string
	Description  string
	Prompt       string
	Variant      string
	VideoURL     string
	ThumbnailURL string
}

// Uploaded identifies a video on the host.
type Uploaded struct {
	ID  string
	URL string
}

// YouTubeUploader publishes videos through the YouTube Data API v3.
type YouTubeUploader struct {
	cfg        config.YouTube
	svc        *youtube.Service
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// NewYouTubeUploader authenticates with the configured refresh token. Extra
// client options are appended after the OAuth client, so tests can redirect
// the endpoint.
func NewYouTubeUploader(ctx context.Context, cfg config.YouTube, opts ...option.ClientOption) (*YouTubeUploader, error) {
	u := &YouTubeUploader{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		log:        zap.S().Named("youtube"),
	}
	if len(opts) == 0 {
		if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
			return u, nil
		}
		opts = []option.ClientOption{option.WithHTTPClient(oauthClient(ctx, cfg))}
	}
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	u.svc = svc
	return u, nil
}

func oauthClient(ctx context.Context, cfg config.YouTube) *http.Client {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{youtube.YoutubeUploadScope, youtube.YoutubeScope},
	}
	// An expired token forces a refresh on first use.
	token := &oauth2.Token{RefreshToken: cfg.RefreshToken, Expiry: time.Now().Add(-time.Hour)}
	return oauth2.NewClient(ctx, conf.TokenSource(ctx, token))
}

// Upload sends the video with its metadata, then sets the thumbnail when one
// is available. A thumbnail failure does not fail the upload.
func (u *YouTubeUploader) Upload(ctx context.Context, v Video) (Uploaded, error) {
	if u.svc == nil {
		return Uploaded{}, ErrNotConfigured
	}
	body, err := open(ctx, u.httpClient, v.VideoURL)
	if err != nil {
		return Uploaded{}, fmt.Errorf("open video: %w", err)
	}
	defer body.Close()

	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       Title(v.Title, v.Variant),
			Description: Description(v.Description, v.Prompt),
			CategoryId:  u.cfg.CategoryID,
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus:           u.cfg.PrivacyStatus,
			SelfDeclaredMadeForKids: false,
		},
	}
	uploaded, err := u.svc.Videos.Insert([]string{"snippet", "status"}, video).Media(body).Context(ctx).Do()
	if err != nil {
		return Uploaded{}, fmt.Errorf("youtube upload: %w", err)
	}
	out := Uploaded{ID: uploaded.Id, URL: WatchURL(uploaded.Id, v.Variant)}
	u.log.Infow("video uploaded", "video_id", out.ID, "url", out.URL)

	if v.ThumbnailURL != "" {
		if err := u.setThumbnail(ctx, out.ID, v.ThumbnailURL); err != nil {
			u.log.Warnw("thumbnail not set", "video_id", out.ID, "error", err)
		}
	}
	return out, nil
}

func (u *YouTubeUploader) setThumbnail(ctx context.Context, videoID, location string) error {
	body, err := open(ctx, u.httpClient, location)
	if err != nil {
		return err
	}
	defer body.Close()
	_, err = u.svc.Thumbnails.Set(videoID).Media(body).Context(ctx).Do()
	return err
}

// Title trims to the host's limit and tags shorts.
func Title(title, variant string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled explainer"
	}
	suffix := ""
	if variant == models.VariantShort && !strings.Contains(strings.ToLower(title), "#shorts") {
		suffix = " #Shorts"
	}
	return truncate(title, maxTitleLen-len(suffix)) + suffix
}

func Description(description, prompt string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		description = strings.TrimSpace(prompt)
	}
	return truncate(description, maxDescriptionLen)
}

func WatchURL(id, variant string) string {
	if variant == models.VariantShort {
		return "https://www.youtube.com/shorts/" + id
	}
	return "https://www.youtube.com/watch?v=" + id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

// open reads an artifact from an URL or the local filesystem.
func open(ctx context.Context, client *http.Client, location string) (io.ReadCloser, error) {
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		return os.Open(location)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", location, resp.StatusCode)
	}
	return resp.Body, nil
}
