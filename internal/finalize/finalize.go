// Package finalize runs the one-time actions at the end of a daemon
// session: writing final transcripts and handing the text to the desktop.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaz8081/gostt-live/internal/audio"
)

// Transcript is one stream's session output.
type Transcript struct {
	Role      audio.Role
	RawPath   string
	FinalPath string
	// Text is the raw transcript content at finalize time.
	Text string
}

// Lines returns the number of transcript lines.
func (t Transcript) Lines() int {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return 0
	}
	return strings.Count(text, "\n") + 1
}

// Result is what a finished session produced.
type Result struct {
	Session     string
	Elapsed     time.Duration
	Transcripts []Transcript
}

// Text joins every non-empty transcript in role order.
func (r Result) Text() string {
	var parts []string
	for _, t := range r.Transcripts {
		if s := strings.TrimSpace(t.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// Hook is one finalize action.
type Hook interface {
	Name() string
	Finalize(ctx context.Context, r Result) error
}

// Collect reads each raw transcript. A missing raw file is an empty
// transcript.
func Collect(transcripts []Transcript) ([]Transcript, error) {
	out := make([]Transcript, len(transcripts))
	var errs []error
	for i, t := range transcripts {
		data, err := os.ReadFile(t.RawPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("finalize: reading %s: %w", t.RawPath, err))
		}
		t.Text = string(data)
		out[i] = t
	}
	return out, errors.Join(errs...)
}

// Run executes hooks in order. Every hook runs even if an earlier one
// failed; the errors are joined.
func Run(ctx context.Context, r Result, hooks ...Hook) error {
	var errs []error
	for _, h := range hooks {
		if err := h.Finalize(ctx, r); err != nil {
			slog.Warn("[finalize] hook failed", "hook", h.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name(), err))
			continue
		}
		slog.Debug("[finalize] hook done", "hook", h.Name())
	}
	return errors.Join(errs...)
}

// TranscriptWriter copies each raw transcript to its final path.
type TranscriptWriter struct{}

func (TranscriptWriter) Name() string { return "final-transcript" }

// Finalize writes every final transcript, replacing it atomically.
func (TranscriptWriter) Finalize(_ context.Context, r Result) error {
	var errs []error
	for _, t := range r.Transcripts {
		if t.FinalPath == "" {
			continue
		}
		if err := writeFile(t.FinalPath, t.Text); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Info("[finalize] final transcript written", "role", t.Role, "path", t.FinalPath, "lines", t.Lines())
	}
	return errors.Join(errs...)
}

func writeFile(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("finalize: creating %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("finalize: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("finalize: writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("finalize: writing %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("finalize: chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("finalize: replacing %s: %w", path, err)
	}
	return nil
}
