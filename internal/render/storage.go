package render

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"prompt-to-video/internal/config"
)

// ObjectStore keeps rendered artifacts and returns their public location.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, contentType string) (string, error)
}

// NewObjectStore uses S3 when a bucket is configured and the local output
// directory otherwise.
func NewObjectStore(ctx context.Context, cfg config.Storage) (ObjectStore, error) {
	if cfg.Bucket == "" {
		dir := cfg.OutputDir
		if dir == "" {
			dir = "./output"
		}
		return &LocalStore{baseDir: dir, publicBase: cfg.PublicBaseURL}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client, cfg: cfg}, nil
}

func newS3Client(ctx context.Context, cfg config.Storage) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// ArtifactKey is the storage key for a job's file.
func ArtifactKey(jobID, name string) string {
	return sanitizeKey(filepath.ToSlash(filepath.Join("videos", sanitize(jobID), name)))
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

// LocalStore writes artifacts under a directory.
type LocalStore struct {
	baseDir    string
	publicBase string
}

func NewLocalStore(baseDir, publicBase string) *LocalStore {
	return &LocalStore{baseDir: baseDir, publicBase: publicBase}
}

func (l *LocalStore) Put(_ context.Context, key string, body io.ReadSeeker, _ string) (string, error) {
	key = sanitizeKey(key)
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	if l.publicBase != "" {
		return joinURL(l.publicBase, key), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// S3Store uploads artifacts to a bucket.
type S3Store struct {
	client *s3.Client
	cfg    config.Storage
}

func (s *S3Store) Put(ctx context.Context, key string, body io.ReadSeeker, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return s3URL(s.cfg, key), nil
}

// s3URL is the public URL of key: PublicBaseURL when set, else the endpoint
// or AWS virtual-host form.
func s3URL(cfg config.Storage, key string) string {
	switch {
	case cfg.PublicBaseURL != "":
		return joinURL(cfg.PublicBaseURL, key)
	case cfg.Endpoint != "":
		return joinURL(cfg.Endpoint, cfg.Bucket+"/"+key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, escapePath(key))
	}
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + escapePath(key)
}

func escapePath(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
