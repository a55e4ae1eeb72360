package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// DefaultExecutable is where the faster-whisper CLI is usually installed.
const DefaultExecutable = "/usr/local/bin/faster-whisper-gpu"

// ExecEngine runs a whisper-style CLI:
//
//	<exe> --model M [--language L] --task T --output_format F --output_dir D <audio>
//
// and reads D/<audio stem>.F.
type ExecEngine struct {
	Executable string
	// WaitDelay bounds how long the engine may linger after SIGTERM.
	WaitDelay time.Duration
	// ModelCacheDir, when set, lets Model "auto" pick the best model
	// already downloaded there.
	ModelCacheDir string
}

// NewExecEngine returns an engine for executable.
func NewExecEngine(executable string) *ExecEngine {
	if executable == "" {
		executable = DefaultExecutable
	}
	return &ExecEngine{Executable: executable, WaitDelay: 5 * time.Second}
}

// Args builds the engine command line for req, without the executable.
func (e *ExecEngine) Args(req Request) []string {
	args := []string{"--model", e.model(req.Options.Model)}
	lang := strings.ToLower(strings.TrimSpace(req.Options.Language))
	if lang != "" && lang != LanguageAuto {
		args = append(args, "--language", req.Options.Language)
	}
	return append(args,
		"--task", req.Options.Task,
		"--output_format", req.Options.OutputFormat,
		"--output_dir", req.OutputDir,
		req.AudioPath,
	)
}

func (e *ExecEngine) model(configured string) string {
	switch {
	case configured != ModelAuto:
		return configured
	case e.ModelCacheDir == "":
		return ModelPreference[len(ModelPreference)-1]
	}
	return SelectModel(e.ModelCacheDir, configured)
}

// ResultPath is where the engine writes its result for req.
func ResultPath(req Request) string {
	stem := strings.TrimSuffix(filepath.Base(req.AudioPath), filepath.Ext(req.AudioPath))
	return filepath.Join(req.OutputDir, stem+"."+req.Options.OutputFormat)
}

// Transcribe runs the engine once. When ctx ends the engine receives
// SIGTERM, then SIGKILL after WaitDelay.
func (e *ExecEngine) Transcribe(ctx context.Context, req Request) (Result, error) {
	if err := req.Options.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrEngineInvocationFailed, err)
	}
	exe, err := e.lookup()
	if err != nil {
		return Result{}, err
	}

	args := e.Args(req)
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.WaitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	slog.Debug("[transcribe] invoking engine", "exe", exe, "args", strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrEngineInvocationFailed, ctxErr)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = "unknown error"
		}
		return Result{}, fmt.Errorf("%w: %s: %v: %s", ErrEngineInvocationFailed, filepath.Base(req.AudioPath), err, lastLine(detail))
	}

	path := ResultPath(req)
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w: reading %s: %v", ErrEngineInvocationFailed, ErrMalformedOutput, path, err)
	}
	text, err := ParseResult(req.Options.OutputFormat, data)
	if err != nil {
		return Result{Path: path}, fmt.Errorf("%w: %w", ErrEngineInvocationFailed, err)
	}
	return Result{Text: text, Path: path}, nil
}

// lookup resolves the executable, reporting ErrEngineNotFound when it is
// missing, a directory, or lacks an execute bit.
func (e *ExecEngine) lookup() (string, error) {
	exe := e.Executable
	if exe == "" {
		exe = DefaultExecutable
	}
	if !strings.ContainsRune(exe, os.PathSeparator) {
		path, err := exec.LookPath(exe)
		if err != nil {
			return "", fmt.Errorf("%w: %w: %v", ErrEngineInvocationFailed, ErrEngineNotFound, err)
		}
		return path, nil
	}

	info, err := os.Stat(exe)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("%w: %w: %s", ErrEngineInvocationFailed, ErrEngineNotFound, exe)
	case err != nil:
		return "", fmt.Errorf("%w: stat %s: %v", ErrEngineInvocationFailed, exe, err)
	case !info.Mode().IsRegular():
		return "", fmt.Errorf("%w: %w: %s is not a file", ErrEngineInvocationFailed, ErrEngineNotFound, exe)
	case info.Mode().Perm()&0o111 == 0:
		return "", fmt.Errorf("%w: %w: %s is not executable", ErrEngineInvocationFailed, ErrEngineNotFound, exe)
	}
	return exe, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
