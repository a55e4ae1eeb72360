// Package transcribe invokes an external speech-to-text engine on audio
// files and reads back its result.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrEngineInvocationFailed wraps every failed transcription.
	ErrEngineInvocationFailed = errors.New("transcribe: engine invocation failed")
	// ErrEngineNotFound means the engine executable is missing or not
	// executable. It is always reported together with
	// ErrEngineInvocationFailed.
	ErrEngineNotFound = errors.New("transcribe: engine executable not found")
	// ErrUnsupportedOption rejects a request before the engine is run.
	ErrUnsupportedOption = errors.New("transcribe: unsupported option")
	// ErrMalformedOutput means the engine exited cleanly but its result
	// file was missing or unreadable.
	ErrMalformedOutput = errors.New("transcribe: malformed engine output")
)

// Supported values for Options.Task and Options.OutputFormat.
var (
	Tasks         = []string{"transcribe", "translate"}
	OutputFormats = []string{"txt", "srt", "vtt", "json"}
)

// LanguageAuto lets the engine detect the language.
const LanguageAuto = "auto"

// Options are passed through to the engine.
type Options struct {
	Model        string
	Language     string
	Task         string
	OutputFormat string
}

// Validate rejects options the engine does not accept.
func (o Options) Validate() error {
	if strings.TrimSpace(o.Model) == "" {
		return fmt.Errorf("%w: model must be set", ErrUnsupportedOption)
	}
	if !slices.Contains(Tasks, o.Task) {
		return fmt.Errorf("%w: task %q (supported: %s)", ErrUnsupportedOption, o.Task, strings.Join(Tasks, ", "))
	}
	if !slices.Contains(OutputFormats, o.OutputFormat) {
		return fmt.Errorf("%w: output format %q (supported: %s)", ErrUnsupportedOption, o.OutputFormat, strings.Join(OutputFormats, ", "))
	}
	if strings.ContainsAny(o.Language, " \t\n") {
		return fmt.Errorf("%w: language %q", ErrUnsupportedOption, o.Language)
	}
	return nil
}

// Request asks for one audio file to be transcribed.
type Request struct {
	AudioPath string
	OutputDir string
	Options   Options
}

// Result is the engine's answer for one request.
type Result struct {
	Text string
	// Path is the result file the engine wrote. The caller removes it.
	Path string
}

// Engine converts an audio file to text.
type Engine interface {
	// Transcribe blocks until the engine finishes or ctx ends.
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// Retryable reports whether a failed transcription is worth another try.
// Missing executables, bad options and cancellation are not.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrEngineNotFound),
		errors.Is(err, ErrUnsupportedOption),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
