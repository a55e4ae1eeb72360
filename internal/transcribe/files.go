package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// ErrUnsupportedAudio rejects files the engine cannot decode.
var ErrUnsupportedAudio = errors.New("transcribe: unsupported audio file")

// AudioExtensions are the file types handed to the engine.
var AudioExtensions = []string{".aac", ".flac", ".m4a", ".mp3", ".mp4", ".ogg", ".opus", ".wav", ".webm", ".wma"}

// SupportedAudio reports whether path has a known audio extension.
func SupportedAudio(path string) bool {
	return slices.Contains(AudioExtensions, strings.ToLower(filepath.Ext(path)))
}

// FileRunner transcribes standalone audio files, leaving each result
// file in OutputDir.
type FileRunner struct {
	Engine    Engine
	OutputDir string
	Options   Options
	// Timeout bounds each file; zero means no limit.
	Timeout time.Duration
}

// File transcribes one audio file and returns the result file path.
func (r *FileRunner) File(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("transcribe: input file not found: %s", path)
	case err != nil:
		return "", fmt.Errorf("transcribe: stat %s: %w", path, err)
	case info.IsDir():
		return "", fmt.Errorf("transcribe: input is a directory: %s", path)
	case !SupportedAudio(path):
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedAudio, filepath.Ext(path), strings.Join(AudioExtensions, ", "))
	}
	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("transcribe: creating output dir: %w", err)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	slog.Info("[transcribe] transcribing file",
		"path", path,
		"model", r.Options.Model,
		"task", r.Options.Task,
		"format", r.Options.OutputFormat,
	)
	res, err := r.Engine.Transcribe(ctx, Request{AudioPath: path, OutputDir: r.OutputDir, Options: r.Options})
	if err != nil {
		return "", err
	}
	if res.Path == "" {
		res.Path = ResultPath(Request{AudioPath: path, OutputDir: r.OutputDir, Options: r.Options})
	}
	return res.Path, nil
}

// BatchSummary is the outcome of a directory run.
type BatchSummary struct {
	// Outputs lists the result files written.
	Outputs []string
	// Failed maps each failed input to its error.
	Failed map[string]error
	// Skipped lists files without a supported extension.
	Skipped []string
}

// Dir transcribes every supported audio file directly inside dir, in
// name order. A failing file is recorded and the run continues; only a
// bad dir or a cancelled ctx end it early.
func (r *FileRunner) Dir(ctx context.Context, dir string) (BatchSummary, error) {
	sum := BatchSummary{Failed: make(map[string]error)}
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return sum, fmt.Errorf("transcribe: input folder not found: %s", dir)
	case err != nil:
		return sum, fmt.Errorf("transcribe: stat %s: %w", dir, err)
	case !info.IsDir():
		return sum, fmt.Errorf("transcribe: input path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return sum, fmt.Errorf("transcribe: reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if !SupportedAudio(path) {
			slog.Warn("[transcribe] skipping unsupported file", "path", path)
			sum.Skipped = append(sum.Skipped, path)
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		out, err := r.File(ctx, path)
		if err != nil {
			slog.Warn("[transcribe] file failed", "path", path, "error", err)
			sum.Failed[path] = err
			continue
		}
		sum.Outputs = append(sum.Outputs, out)
	}
	slog.Info("[transcribe] batch finished",
		"succeeded", len(sum.Outputs),
		"failed", len(sum.Failed),
		"skipped", len(sum.Skipped),
	)
	return sum, nil
}
