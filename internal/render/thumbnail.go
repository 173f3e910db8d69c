package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"prompt-to-video/internal/models"
)

// Thumbnail sizes accepted by the video host.
const (
	ThumbWidth  = 1280
	ThumbHeight = 720
)

// Thumbnail center-crops a still frame to the host's thumbnail size and
// encodes it as JPEG. Shorts get the portrait orientation.
func Thumbnail(r io.Reader, variant string) ([]byte, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	w, h := ThumbWidth, ThumbHeight
	if variant == models.VariantShort {
		w, h = h, w
	}
	img = imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// Artifacts are the stored locations of a render.
type Artifacts struct {
	VideoURL     string `json:"videoUrl"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// StoreArtifacts uploads the video and, when a poster frame exists, its
// thumbnail. A thumbnail failure is logged and leaves ThumbnailURL empty.
func StoreArtifacts(ctx context.Context, store ObjectStore, jobID, variant string, res Result) (Artifacts, error) {
	f, err := os.Open(res.VideoPath)
	if err != nil {
		return Artifacts{}, fmt.Errorf("open video: %w", err)
	}
	defer f.Close()
	videoURL, err := store.Put(ctx, ArtifactKey(jobID, "video.mp4"), f, "video/mp4")
	if err != nil {
		return Artifacts{}, fmt.Errorf("upload video: %w", err)
	}
	out := Artifacts{VideoURL: videoURL}
	if res.PosterPath == "" {
		return out, nil
	}

	thumbURL, err := storeThumbnail(ctx, store, jobID, variant, res.PosterPath)
	if err != nil {
		zap.S().Named("render").Warnw("thumbnail skipped", "job_id", jobID, "error", err)
		return out, nil
	}
	out.ThumbnailURL = thumbURL
	return out, nil
}

func storeThumbnail(ctx context.Context, store ObjectStore, jobID, variant, poster string) (string, error) {
	f, err := os.Open(poster)
	if err != nil {
		return "", fmt.Errorf("open poster: %w", err)
	}
	defer f.Close()
	thumb, err := Thumbnail(f, variant)
	if err != nil {
		return "", err
	}
	return store.Put(ctx, ArtifactKey(jobID, "thumbnail.jpg"), bytes.NewReader(thumb), "image/jpeg")
}
