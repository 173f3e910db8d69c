// Package render executes validated Manim scripts in a sandbox and stores the
// resulting artifacts.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"prompt-to-video/internal/config"
	"prompt-to-video/internal/models"
)

const SceneName = "MainScene"

// Request is one render of a script.
type Request struct {
	JobID   string   `json:"jobId"`
	Attempt int      `json:"attempt"`
	Script  string   `json:"script"`
	Variant string   `json:"variant"`
	Install []string `json:"install,omitempty"`
}

// Result points at the rendered files on local disk. PosterPath is empty when
// no still frame could be produced. Dir is the attempt directory holding them.
type Result struct {
	VideoPath  string
	PosterPath string
	Dir        string
	Duration   time.Duration
}

// Cleanup removes the attempt directory, and the job directory above it once
// that is empty.
func (r Result) Cleanup() error {
	if r.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(r.Dir); err != nil {
		return fmt.Errorf("remove work dir: %w", err)
	}
	_ = os.Remove(filepath.Dir(r.Dir))
	return nil
}

// ExecError is a failed execution of the script itself, as opposed to an
// infrastructure failure reaching the sandbox.
type ExecError struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Stack    string
}

func (e *ExecError) Error() string {
	last := lastLine(e.Stderr)
	if last == "" {
		last = lastLine(e.Stdout)
	}
	return fmt.Sprintf("script exited with code %d: %s", e.ExitCode, last)
}

// Sandbox renders scripts.
type Sandbox interface {
	Render(ctx context.Context, req Request) (Result, error)
}

// NewSandbox picks the sandbox configured by SANDBOX_MODE.
func NewSandbox(cfg config.Sandbox) (Sandbox, error) {
	switch strings.ToLower(cfg.Mode) {
	case "http":
		if cfg.URL == "" {
			return nil, errors.New("SANDBOX_URL is required in http mode")
		}
		return NewHTTPSandbox(cfg), nil
	case "local", "":
		return NewLocalSandbox(cfg), nil
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", cfg.Mode)
	}
}

func workDir(cfg config.Sandbox) string {
	if cfg.WorkDir != "" {
		return cfg.WorkDir
	}
	return filepath.Join(os.TempDir(), "prompt-to-video")
}

// jobDir is a fresh directory per job and attempt.
func jobDir(base string, req Request) (string, error) {
	dir := filepath.Join(base, sanitize(req.JobID), fmt.Sprintf("attempt-%d", req.Attempt))
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear work dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if s == "" {
		return "job"
	}
	return s
}

// HTTPSandbox posts scripts to a remote render service and downloads the
// produced files.
type HTTPSandbox struct {
	url        string
	token      string
	quality    string
	workDir    string
	maxBytes   int64
	httpClient *http.Client
	log        *zap.SugaredLogger
}

func NewHTTPSandbox(cfg config.Sandbox) *HTTPSandbox {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 512 << 20
	}
	return &HTTPSandbox{
		url:        strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		quality:    cfg.Quality,
		workDir:    workDir(cfg),
		maxBytes:   maxBytes,
		httpClient: &http.Client{Timeout: timeout},
		log:        zap.S().Named("sandbox"),
	}
}

type renderRequest struct {
	Request
	Scene   string `json:"scene"`
	Quality string `json:"quality"`
}

type renderResponse struct {
	OK        bool   `json:"ok"`
	VideoURL  string `json:"videoUrl"`
	PosterURL string `json:"posterUrl"`
	ExitCode  int    `json:"exitCode"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Stack     string `json:"stack"`
}

func (s *HTTPSandbox) Render(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	body, err := json.Marshal(renderRequest{Request: req, Scene: SceneName, Quality: s.quality})
	if err != nil {
		return Result{}, fmt.Errorf("marshal render request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/render", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read sandbox response: %w", err)
	}
	var out renderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("sandbox returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if !out.OK {
		if out.ExitCode == 0 && out.Stderr == "" && resp.StatusCode >= 500 {
			return Result{}, fmt.Errorf("sandbox returned %d", resp.StatusCode)
		}
		stack := out.Stack
		if stack == "" {
			stack = extractStack(out.Stderr)
		}
		return Result{}, &ExecError{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr, Stack: stack}
	}
	if out.VideoURL == "" {
		return Result{}, errors.New("sandbox reported success without a video")
	}

	dir, err := jobDir(s.workDir, req)
	if err != nil {
		return Result{}, err
	}
	res := Result{VideoPath: filepath.Join(dir, SceneName+".mp4"), Dir: dir}
	if err := s.download(ctx, out.VideoURL, res.VideoPath); err != nil {
		_ = res.Cleanup()
		return Result{}, err
	}
	if out.PosterURL != "" {
		poster := filepath.Join(dir, "poster.png")
		if err := s.download(ctx, out.PosterURL, poster); err != nil {
			s.log.Warnw("poster download failed", "job_id", req.JobID, "error", err)
		} else {
			res.PosterPath = poster
		}
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (s *HTTPSandbox) download(ctx context.Context, url, dest string) error {
	if strings.HasPrefix(url, "/") {
		url = s.url + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("download artifact: status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create artifact file: %w", err)
	}
	defer f.Close()
	n, err := io.Copy(f, io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if n > s.maxBytes {
		return fmt.Errorf("artifact too large (>%d bytes)", s.maxBytes)
	}
	return nil
}

// extractStack returns the last Python traceback in output, if any.
func extractStack(output string) string {
	i := strings.LastIndex(output, "Traceback (most recent call last):")
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(output[i:])
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// Resolution returns the pixel size for a variant.
func Resolution(variant string) (int, int) {
	if variant == models.VariantShort {
		return 1080, 1920
	}
	return 1920, 1080
}
