// Package dispatch hands finalized segments to the transcription engine
// and appends the results to a stream's raw transcript.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chaz8081/gostt-live/internal/audio"
	"github.com/chaz8081/gostt-live/internal/retry"
	"github.com/chaz8081/gostt-live/internal/segment"
	"github.com/chaz8081/gostt-live/internal/transcribe"
)

// Config controls one stream's dispatcher.
type Config struct {
	Role audio.Role
	// WorkDir holds segment WAV files and engine results.
	WorkDir        string
	TranscriptPath string
	Options        transcribe.Options
	// Timeout bounds a single engine invocation. Zero means no limit.
	Timeout time.Duration
	// Retries is the number of extra attempts after a failed invocation.
	Retries int
	Backoff time.Duration
	// KeepSegments leaves WAV and result files in WorkDir.
	KeepSegments bool
}

// Outcome is the result of dispatching one segment.
type Outcome struct {
	Seq      uint64
	Role     audio.Role
	Start    time.Time
	Audio    time.Duration
	Text     string
	Written  bool // a transcript line was appended
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// OK reports whether the segment was transcribed.
func (o Outcome) OK() bool { return o.Err == nil }

// Dispatcher runs one engine invocation at a time for a stream. It is
// driven from a single goroutine.
type Dispatcher struct {
	cfg    Config
	engine transcribe.Engine
}

// New creates a dispatcher.
func New(cfg Config, engine transcribe.Engine) (*Dispatcher, error) {
	if engine == nil {
		return nil, errors.New("dispatch: engine is required")
	}
	if cfg.WorkDir == "" {
		return nil, errors.New("dispatch: work dir is required")
	}
	if cfg.TranscriptPath == "" {
		return nil, errors.New("dispatch: transcript path is required")
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return &Dispatcher{cfg: cfg, engine: engine}, nil
}

// Prepare creates the work directory and the transcript's directory.
func (d *Dispatcher) Prepare() error {
	if err := os.MkdirAll(d.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("dispatch: creating work dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.cfg.TranscriptPath), 0o755); err != nil {
		return fmt.Errorf("dispatch: creating transcript dir: %w", err)
	}
	return nil
}

// SegmentName is the file stem used for a segment.
func SegmentName(role audio.Role, seq uint64) string {
	return fmt.Sprintf("%s_segment_%06d", role, seq+1)
}

// Dispatch transcribes seg and appends its text. Failures are returned in
// the Outcome and leave the transcript untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, seg segment.Segment) Outcome {
	started := time.Now()
	out := Outcome{
		Seq:   seg.Seq,
		Role:  d.cfg.Role,
		Start: seg.Start,
		Audio: seg.Duration(),
	}

	wavPath := filepath.Join(d.cfg.WorkDir, SegmentName(d.cfg.Role, seg.Seq)+".wav")
	req := transcribe.Request{AudioPath: wavPath, OutputDir: d.cfg.WorkDir, Options: d.cfg.Options}
	defer d.cleanup(wavPath, transcribe.ResultPath(req))

	if err := WriteWAV(wavPath, seg); err != nil {
		out.Err = err
		out.Elapsed = time.Since(started)
		slog.Warn("[dispatch] writing segment failed", "role", d.cfg.Role, "seq", seg.Seq, "error", err)
		return out
	}

	var res transcribe.Result
	policy := retry.Policy{
		Attempts:  d.cfg.Retries + 1,
		Base:      d.cfg.Backoff,
		Max:       8 * d.cfg.Backoff,
		Retryable: transcribe.Retryable,
		Name:      "transcribe " + string(d.cfg.Role),
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		out.Attempts++
		if d.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()
		}
		var err error
		res, err = d.engine.Transcribe(ctx, req)
		return err
	})
	out.Elapsed = time.Since(started)
	if err != nil {
		out.Err = err
		slog.Warn("[dispatch] transcription failed",
			"role", d.cfg.Role,
			"seq", seg.Seq,
			"audio", out.Audio,
			"attempts", out.Attempts,
			"error", err,
		)
		return out
	}

	out.Text = res.Text
	if res.Text == "" {
		slog.Debug("[dispatch] empty transcription", "role", d.cfg.Role, "seq", seg.Seq)
		return out
	}
	if err := AppendLine(d.cfg.TranscriptPath, seg.Start, res.Text); err != nil {
		out.Err = err
		slog.Error("[dispatch] transcript write failed", "role", d.cfg.Role, "path", d.cfg.TranscriptPath, "error", err)
		return out
	}
	out.Written = true

	slog.Info("[dispatch] segment transcribed",
		"role", d.cfg.Role,
		"seq", seg.Seq,
		"audio", out.Audio,
		"elapsed", out.Elapsed.Round(time.Millisecond),
		"reason", seg.Reason,
		"chars", len(res.Text),
	)
	return out
}

func (d *Dispatcher) cleanup(paths ...string) {
	if d.cfg.KeepSegments {
		return
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Debug("[dispatch] cleanup failed", "path", p, "error", err)
		}
	}
}
