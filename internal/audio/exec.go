package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chaz8081/gostt-live/internal/queue"
)

// ExecBackend wraps an external recorder that writes raw s16le PCM to
// stdout (pw-record, arecord).
type ExecBackend struct {
	name string
	cfg  StreamConfig
	argv []string

	// Settle is how long Start waits for an immediate exit, so that
	// "device busy" style failures surface from Start rather than Read.
	Settle time.Duration
	// KillAfter bounds how long Stop waits after SIGTERM.
	KillAfter time.Duration

	frames *queue.DropOldest[Frame]
	framer *framer
	stderr *tailBuffer

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	exitErr  error
	stopping bool
	stopOnce sync.Once
}

// NewExecBackend creates a backend that runs argv when started.
func NewExecBackend(name string, cfg StreamConfig, argv []string) *ExecBackend {
	return &ExecBackend{
		name:      name,
		cfg:       cfg,
		argv:      argv,
		Settle:    200 * time.Millisecond,
		KillAfter: 2 * time.Second,
		frames:    queue.New[Frame](backendBuffer),
		framer:    newFramer(cfg),
		stderr:    &tailBuffer{max: 4096},
	}
}

// PWRecordArgs builds a pw-record command line. An empty target lets
// PipeWire pick its default node.
func PWRecordArgs(cfg StreamConfig, target string) []string {
	args := []string{
		BackendPWRecord,
		"--rate", strconv.FormatUint(uint64(cfg.SampleRate), 10),
		"--channels", strconv.FormatUint(uint64(cfg.Channels), 10),
		"--format", "s16",
		"--raw",
	}
	if target != "" {
		args = append(args, "--target", target)
	}
	return append(args, "-")
}

// ARecordArgs builds an arecord command line. Numeric devices are
// addressed as plughw cards.
func ARecordArgs(cfg StreamConfig, device string) []string {
	args := []string{
		BackendARecord,
		"-q",
		"-f", "S16_LE",
		"-r", strconv.FormatUint(uint64(cfg.SampleRate), 10),
		"-c", strconv.FormatUint(uint64(cfg.Channels), 10),
		"-t", "raw",
	}
	if device != "" && device != DefaultDevice {
		if _, err := strconv.Atoi(device); err == nil {
			device = "plughw:" + device
		}
		args = append(args, "-D", device)
	}
	return args
}

// Name returns the backend identifier.
func (b *ExecBackend) Name() string { return b.name }

// Args returns the command line the backend runs.
func (b *ExecBackend) Args() []string {
	return append([]string(nil), b.argv...)
}

// Start launches the recorder process.
func (b *ExecBackend) Start(ctx context.Context) error {
	if len(b.argv) == 0 {
		return fmt.Errorf("audio: %s: empty command", b.name)
	}

	b.mu.Lock()
	if b.cmd != nil || b.stopping {
		b.mu.Unlock()
		return fmt.Errorf("audio: %s backend already started", b.name)
	}

	cmd := exec.Command(b.argv[0], b.argv[1:]...)
	cmd.Stderr = b.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("audio: %s: stdout pipe: %w", b.name, err)
	}
	if err := cmd.Start(); err != nil {
		b.mu.Unlock()
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s executable: %v", ErrDeviceNotFound, b.argv[0], err)
		}
		return fmt.Errorf("audio: starting %s: %w", b.name, err)
	}
	b.cmd = cmd
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go b.pump(stdout)

	slog.Debug("[capture] recorder started", "backend", b.name, "role", b.cfg.Role, "args", strings.Join(b.argv, " "))

	if b.Settle <= 0 {
		return nil
	}
	t := time.NewTimer(b.Settle)
	defer t.Stop()
	select {
	case <-done:
		b.mu.Lock()
		err := b.exitErr
		b.mu.Unlock()
		if err == nil {
			err = ErrProcessExited
		}
		return err
	case <-t.C:
		return nil
	case <-ctx.Done():
		_ = b.Stop()
		return ctx.Err()
	}
}

// pump copies stdout into frames until the process ends.
func (b *ExecBackend) pump(stdout io.Reader) {
	buf := make([]byte, 8192)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, f := range b.framer.push(buf[:n], time.Now()) {
				b.frames.Push(f)
			}
		}
		if err != nil {
			break
		}
	}

	waitErr := b.cmd.Wait()

	b.mu.Lock()
	if !b.stopping {
		b.exitErr = b.exitError(waitErr)
	}
	b.mu.Unlock()

	b.frames.Close()
	close(b.done)
}

// exitError builds the error for an unrequested exit, classifying the
// recorder's stderr where possible.
func (b *ExecBackend) exitError(waitErr error) error {
	detail := strings.TrimSpace(b.stderr.String())
	if detail == "" && waitErr != nil {
		detail = waitErr.Error()
	}
	if detail == "" {
		detail = "exit status 0"
	}
	if class := classify(detail); class != nil {
		return fmt.Errorf("%w: %s: %s", class, b.name, detail)
	}
	return fmt.Errorf("%w: %s: %s", ErrProcessExited, b.name, detail)
}

// Read returns the next frame. After the recorder exits on its own, Read
// drains buffered frames and then returns the exit error.
func (b *ExecBackend) Read(ctx context.Context, timeout time.Duration) (Frame, error) {
	f, err := b.frames.PopTimeout(ctx, timeout)
	if errors.Is(err, queue.ErrClosed) {
		b.mu.Lock()
		exitErr := b.exitErr
		b.mu.Unlock()
		if exitErr != nil {
			return Frame{}, exitErr
		}
	}
	return f, readError(err)
}

// Dropped returns frames evicted because Read fell behind the recorder.
func (b *ExecBackend) Dropped() uint64 {
	return b.frames.Dropped()
}

// Stop terminates the recorder: SIGTERM first, SIGKILL after KillAfter.
func (b *ExecBackend) Stop() error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopping = true
		cmd := b.cmd
		done := b.done
		b.mu.Unlock()

		if cmd == nil {
			b.frames.Close()
			return
		}

		_ = cmd.Process.Signal(syscall.SIGTERM)
		t := time.NewTimer(b.KillAfter)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			slog.Warn("[capture] recorder ignored SIGTERM, killing", "backend", b.name)
			_ = cmd.Process.Kill()
			<-done
		}
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
