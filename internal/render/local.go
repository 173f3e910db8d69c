package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"prompt-to-video/internal/config"
)

// LocalSandbox runs the manim binary on this host. It is meant for
// development and single-tenant deployments.
type LocalSandbox struct {
	manimBin  string
	ffmpegBin string
	quality   string
	workDir   string
	timeout   time.Duration

	mu        sync.Mutex
	installed map[string]bool
	log       *zap.SugaredLogger
}

func NewLocalSandbox(cfg config.Sandbox) *LocalSandbox {
	bin := cfg.ManimBin
	if bin == "" {
		bin = "manim"
	}
	quality := cfg.Quality
	if quality == "" {
		quality = "m"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &LocalSandbox{
		manimBin:  bin,
		ffmpegBin: cfg.FFmpegBin,
		quality:   quality,
		workDir:   workDir(cfg),
		timeout:   timeout,
		installed: map[string]bool{},
		log:       zap.S().Named("sandbox"),
	}
}

// Render runs manim on the script. The attempt directory is removed when the
// render fails; on success the caller owns it through Result.Cleanup.
func (s *LocalSandbox) Render(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	if err := s.install(ctx, req.Install); err != nil {
		return Result{}, err
	}
	dir, err := jobDir(s.workDir, req)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err != nil {
			_ = Result{Dir: dir}.Cleanup()
		}
	}()
	if err := os.WriteFile(filepath.Join(dir, "scene.py"), []byte(req.Script), 0o644); err != nil {
		return Result{}, fmt.Errorf("write script: %w", err)
	}

	w, h := Resolution(req.Variant)
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, s.manimBin,
		"-q"+s.quality,
		"--resolution", fmt.Sprintf("%d,%d", w, h),
		"--media_dir", filepath.Join(dir, "media"),
		"--disable_caching",
		"scene.py", SceneName,
	)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.log.Infow("rendering", "job_id", req.JobID, "attempt", req.Attempt, "dir", dir)
	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			return Result{}, &ExecError{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String() + "\nrender timed out after " + s.timeout.String()}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, &ExecError{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				Stack:    extractStack(stderr.String()),
			}
		}
		return Result{}, fmt.Errorf("run manim: %w", err)
	}

	video, err := findVideo(dir)
	if err != nil {
		return Result{}, &ExecError{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String() + "\n" + err.Error()}
	}
	res = Result{VideoPath: video, Dir: dir, Duration: time.Since(start)}
	if poster, err := s.poster(ctx, video, dir); err != nil {
		s.log.Warnw("poster frame failed", "job_id", req.JobID, "error", err)
	} else {
		res.PosterPath = poster
	}
	return res, nil
}

// install runs each plugin install command once per process.
func (s *LocalSandbox) install(ctx context.Context, commands []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range commands {
		if s.installed[c] {
			continue
		}
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		out, err := exec.CommandContext(ctx, fields[0], fields[1:]...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("install %q: %w: %s", c, err, tail(string(out), 500))
		}
		s.installed[c] = true
		s.log.Infow("plugin installed", "command", c)
	}
	return nil
}

// findVideo returns the newest mp4 written under dir.
func findVideo(dir string) (string, error) {
	var best string
	var bestMod time.Time
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".mp4") {
			return err
		}
		if strings.Contains(path, string(filepath.Separator)+"partial_movie_files"+string(filepath.Separator)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if best == "" || info.ModTime().After(bestMod) {
			best, bestMod = path, info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan render output: %w", err)
	}
	if best == "" {
		return "", errors.New("render finished without producing an mp4")
	}
	return best, nil
}

// poster grabs a frame one second before the end with ffmpeg.
func (s *LocalSandbox) poster(ctx context.Context, video, dir string) (string, error) {
	if s.ffmpegBin == "" {
		return "", errors.New("no ffmpeg binary configured")
	}
	out := filepath.Join(dir, "poster.png")
	cmd := exec.CommandContext(ctx, s.ffmpegBin, "-y", "-loglevel", "error", "-sseof", "-1", "-i", video, "-frames:v", "1", out)
	if msg, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ffmpeg: %w: %s", err, tail(string(msg), 300))
	}
	return out, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
