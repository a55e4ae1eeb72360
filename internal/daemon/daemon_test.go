package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaz8081/gostt-live/internal/audio"
	"github.com/chaz8081/gostt-live/internal/config"
	"github.com/chaz8081/gostt-live/internal/device"
	"github.com/chaz8081/gostt-live/internal/finalize"
	"github.com/chaz8081/gostt-live/internal/ipc"
	"github.com/chaz8081/gostt-live/internal/state"
	"github.com/chaz8081/gostt-live/internal/transcribe"
)

// scriptedBackend replays frames, then returns endErr or idles until
// stopped.
type scriptedBackend struct {
	frames []audio.Frame
	endErr error

	mu       sync.Mutex
	pos      int
	stopped  chan struct{}
	stopOnce sync.Once
}

func (b *scriptedBackend) Name() string                    { return "scripted" }
func (b *scriptedBackend) Start(ctx context.Context) error { return ctx.Err() }

func (b *scriptedBackend) Read(ctx context.Context, timeout time.Duration) (audio.Frame, error) {
	b.mu.Lock()
	if b.pos < len(b.frames) {
		f := b.frames[b.pos]
		b.pos++
		b.mu.Unlock()
		return f, nil
	}
	b.mu.Unlock()

	if b.endErr != nil {
		return audio.Frame{}, b.endErr
	}
	select {
	case <-b.stopped:
		return audio.Frame{}, io.EOF
	case <-time.After(timeout):
		return audio.Frame{}, audio.ErrReadTimeout
	}
}

func (b *scriptedBackend) Stop() error {
	b.stopOnce.Do(func() { close(b.stopped) })
	return nil
}

type fakeResolver struct {
	calls atomic.Int64
	fail  map[audio.Role]error
}

func (r *fakeResolver) Resolve(_ context.Context, cfg audio.StreamConfig) (device.Resolution, error) {
	r.calls.Add(1)
	if err := r.fail[cfg.Role]; err != nil {
		return device.Resolution{}, err
	}
	return device.Resolution{Role: cfg.Role, Backend: "scripted", Device: "dev0", DeviceName: "Test Mic", Score: 10}, nil
}

type echoEngine struct{}

func (echoEngine) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	return transcribe.Result{Text: "hello there"}, ctx.Err()
}

type countingHook struct{ calls atomic.Int32 }

func (h *countingHook) Name() string { return "counting" }

func (h *countingHook) Finalize(context.Context, finalize.Result) error {
	h.calls.Add(1)
	return nil
}

// utterance is 600ms of speech followed by 900ms of silence.
func utterance(cfg audio.StreamConfig) []audio.Frame {
	n := cfg.FrameSamples()
	var out []audio.Frame
	for i := 0; i < 50; i++ {
		var amp int16
		if i < 20 {
			amp = 8000
		}
		samples := make([]int16, n)
		for j := range samples {
			if j%2 == 0 {
				samples[j] = amp
			} else {
				samples[j] = -amp
			}
		}
		out = append(out, audio.Frame{
			Seq:        uint64(i),
			Role:       cfg.Role,
			Offset:     int64(i * n),
			Samples:    samples,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			CapturedAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(i) * cfg.FrameDuration),
		})
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.RunDir = filepath.Join(dir, "run")
	cfg.Clipboard.Enabled = false
	cfg.ShutdownGrace = 2 * time.Second
	cfg.Transcribe.Retries = 0
	return cfg
}

type harness struct {
	cfg      *config.Config
	resolver *fakeResolver
	hook     *countingHook
	deps     Deps
}

func newHarness(t *testing.T, frames bool, endErr error) *harness {
	t.Helper()
	h := &harness{cfg: testConfig(t), resolver: &fakeResolver{}, hook: &countingHook{}}
	h.deps = Deps{
		Resolver: h.resolver,
		Open: func(_ device.Resolution, sc audio.StreamConfig) (audio.Backend, error) {
			b := &scriptedBackend{endErr: endErr, stopped: make(chan struct{})}
			if frames {
				b.frames = utterance(sc)
			}
			return b, nil
		},
		Engine: echoEngine{},
		Hooks:  []finalize.Hook{finalize.TranscriptWriter{}, h.hook},
		Alive:  aliveSet(),
	}
	return h
}

func (h *harness) daemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(h.cfg, h.deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, d *Daemon) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func streamOf(t *testing.T, d *Daemon, role audio.Role) state.StreamSnapshot {
	t.Helper()
	ss, ok := d.State().Snapshot().Stream(role)
	if !ok {
		t.Fatalf("no %s stream in snapshot", role)
	}
	return ss
}

func TestDaemonSession(t *testing.T) {
	h := newHarness(t, true, nil)
	if err := os.MkdirAll(h.cfg.OutputDir, 0o755); err != nil {
		t.Fatal(err)
	}
	raw := filepath.Join(h.cfg.OutputDir, h.cfg.Input.RawTranscript)
	if err := os.WriteFile(raw, []byte("2026-04-30T10:00:00Z previous session\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := h.daemon(t)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	backups, _ := filepath.Glob(raw + ".*.bak")
	if len(backups) != 1 {
		t.Errorf("backups = %v, want one", backups)
	}

	waitFor(t, "a transcript line", func() bool {
		return streamOf(t, d, audio.RoleInput).Counters.TranscriptsWritten == 1
	})

	client := NewClient(h.cfg.RunDir)
	snap, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if snap.Phase != state.PhaseRunning || snap.Session != d.State().Session() {
		t.Errorf("status = %s/%s", snap.Phase, snap.Session)
	}
	in, _ := snap.Stream(audio.RoleInput)
	if in.Status != state.StatusRunning || in.Resolution == nil || in.Resolution.DeviceName != "Test Mic" {
		t.Errorf("input stream = %+v", in)
	}
	if out, _ := snap.Stream(audio.RoleOutput); out.Status != state.StatusNotConfigured {
		t.Errorf("output status = %s, want not-configured", out.Status)
	}

	resp, err := ipc.Send(ctx, SocketPath(h.cfg.RunDir), ipc.CommandStart)
	if err != nil || !resp.OK || resp.Message != "already running" {
		t.Errorf("start while running = %+v, %v", resp, err)
	}

	if err := client.Stop(ctx); err != nil {
		t.Fatalf("client Stop() error = %v", err)
	}
	waitDone(t, d)

	final, err := os.ReadFile(filepath.Join(h.cfg.OutputDir, h.cfg.Input.FinalTranscript))
	if err != nil {
		t.Fatalf("reading final transcript: %v", err)
	}
	if !strings.HasSuffix(string(final), " hello there\n") || strings.Contains(string(final), "previous session") {
		t.Errorf("final transcript = %q", final)
	}
	if got := h.hook.calls.Load(); got != 1 {
		t.Errorf("finalize ran %d times, want 1", got)
	}
	if d.State().Phase() != state.PhaseStopped {
		t.Errorf("phase = %s, want stopped", d.State().Phase())
	}
	if _, err := os.Stat(LockPath(h.cfg.RunDir)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file still present: %v", err)
	}
	if _, err := os.Stat(SocketPath(h.cfg.RunDir)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket still present: %v", err)
	}
	if _, err := client.Status(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Status() after stop error = %v, want ErrNotRunning", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	h := newHarness(t, false, nil)
	d := h.daemon(t)
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.Stop(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("Stop() #%d error = %v", i, err)
		}
	}
	if err := d.Stop(context.Background()); err != nil {
		t.Errorf("later Stop() error = %v", err)
	}

	resp, err := ipc.Send(context.Background(), SocketPath(h.cfg.RunDir), ipc.CommandStop)
	if err == nil {
		t.Errorf("stop after shutdown answered: %+v", resp)
	}
	if got := h.hook.calls.Load(); got != 1 {
		t.Errorf("finalize ran %d times, want 1", got)
	}
}

func TestSecondStartAlreadyRunning(t *testing.T) {
	h := newHarness(t, false, nil)
	first := h.daemon(t)
	if err := first.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer first.Stop(context.Background())

	second := &fakeResolver{}
	deps := h.deps
	deps.Resolver = second
	hook := &countingHook{}
	deps.Hooks = []finalize.Hook{hook}
	d2, err := New(h.cfg, deps)
	if err != nil {
		t.Fatal(err)
	}

	err = d2.Start(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if second.calls.Load() != 0 {
		t.Error("second daemon resolved devices")
	}
	if err := d2.Stop(context.Background()); err != nil || hook.calls.Load() != 0 {
		t.Errorf("Stop() of refused daemon = %v, finalize calls %d", err, hook.calls.Load())
	}

	info, err := ReadLock(LockPath(h.cfg.RunDir))
	if err != nil || info.Session != first.State().Session() {
		t.Errorf("lock = %+v, %v; want first session", info, err)
	}
	if first.State().Phase() != state.PhaseRunning {
		t.Errorf("first daemon phase = %s", first.State().Phase())
	}
}

func TestStartWithRecordedLock(t *testing.T) {
	const other = 424242
	tests := []struct {
		name    string
		alive   LivenessFunc
		wantErr error
	}{
		{name: "stale lock reclaimed", alive: aliveSet()},
		{name: "live lock refused", alive: aliveSet(other), wantErr: ErrAlreadyRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false, nil)
			h.deps.Alive = tt.alive
			if err := os.MkdirAll(h.cfg.RunDir, 0o700); err != nil {
				t.Fatal(err)
			}
			writeLockFile(t, LockPath(h.cfg.RunDir), LockInfo{PID: other, Session: "crashed"})

			d := h.daemon(t)
			err := d.Start(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Start() error = %v, want %v", err, tt.wantErr)
				}
				if h.resolver.calls.Load() != 0 {
					t.Error("refused daemon resolved devices")
				}
				return
			}
			if err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			defer d.Stop(context.Background())

			warnings := d.State().Snapshot().Warnings
			if len(warnings) != 1 || !strings.Contains(warnings[0], "stale lock reclaimed") {
				t.Errorf("warnings = %q", warnings)
			}
		})
	}
}

func TestNoStreamStarts(t *testing.T) {
	h := newHarness(t, false, nil)
	h.resolver.fail = map[audio.Role]error{audio.RoleInput: device.ErrDeviceUnavailable}
	d := h.daemon(t)

	err := d.Start(context.Background())
	if !errors.Is(err, device.ErrDeviceUnavailable) {
		t.Fatalf("Start() error = %v, want ErrDeviceUnavailable", err)
	}
	if _, err := os.Stat(LockPath(h.cfg.RunDir)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock left behind: %v", err)
	}
	if ipc.Reachable(SocketPath(h.cfg.RunDir)) {
		t.Error("control socket left open")
	}
	if got := streamOf(t, d, audio.RoleInput).Status; got != state.StatusFailed {
		t.Errorf("input status = %s, want failed", got)
	}
	if err := d.Stop(context.Background()); err != nil || h.hook.calls.Load() != 0 {
		t.Errorf("Stop() = %v, finalize calls %d", err, h.hook.calls.Load())
	}
}

func TestOptionalOutputNotStarted(t *testing.T) {
	h := newHarness(t, false, nil)
	h.cfg.Output.Enabled = true
	h.resolver.fail = map[audio.Role]error{audio.RoleOutput: device.ErrDeviceUnavailable}
	d := h.daemon(t)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Stop(context.Background())

	if got := streamOf(t, d, audio.RoleInput).Status; got != state.StatusRunning {
		t.Errorf("input status = %s, want running", got)
	}
	out := streamOf(t, d, audio.RoleOutput)
	if out.Status != state.StatusNotStarted || out.Error == "" {
		t.Errorf("output = %+v, want not-started with error", out)
	}
	if len(d.State().Snapshot().Warnings) == 0 {
		t.Error("no warning recorded for the output stream")
	}
}

func TestAutoStopWhenStreamsEnd(t *testing.T) {
	h := newHarness(t, true, audio.ErrProcessExited)
	d := h.daemon(t)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitDone(t, d)
	if got := streamOf(t, d, audio.RoleInput).Status; got != state.StatusFailed {
		t.Errorf("input status = %s, want failed", got)
	}
	if got := h.hook.calls.Load(); got != 1 {
		t.Errorf("finalize ran %d times, want 1", got)
	}
	if err := d.Stop(context.Background()); err != nil {
		t.Errorf("Stop() after auto-stop error = %v", err)
	}
}

func TestRunStopsOnContext(t *testing.T) {
	h := newHarness(t, false, nil)
	d := h.daemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	waitFor(t, "control socket", func() bool { return ipc.Reachable(SocketPath(h.cfg.RunDir)) })
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
	}
	if got := h.hook.calls.Load(); got != 1 {
		t.Errorf("finalize ran %d times, want 1", got)
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	h := newHarness(t, false, nil)
	d := h.daemon(t)
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer d.Stop(context.Background())

	resp, err := ipc.Send(context.Background(), SocketPath(h.cfg.RunDir), "reload")
	if err != nil {
		t.Fatal(err)
	}
	if resp.OK || !strings.Contains(resp.Error, "unknown command") {
		t.Errorf("response = %+v", resp)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Input.Enabled = false
	if _, err := New(cfg, Deps{}); err == nil {
		t.Error("New() accepted a config with no streams")
	}
	if _, err := New(nil, Deps{}); err == nil {
		t.Error("New() accepted a nil config")
	}
}

func TestDefaultHooks(t *testing.T) {
	cfg := config.Default()
	cfg.Clipboard.Enabled = false
	cfg.Notify.Enabled = true

	var names []string
	for _, h := range DefaultHooks(cfg) {
		names = append(names, h.Name())
	}
	if got := strings.Join(names, ","); got != "final-transcript,notify" {
		t.Errorf("DefaultHooks() = %s", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, false, nil)
	h.cfg.MetricsAddr = "127.0.0.1:0"
	d := h.daemon(t)
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer d.Stop(context.Background())

	resp, err := http.Get("http://" + d.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `gostt_live_stream_running{role="input",status="running"} 1`) {
		t.Errorf("metrics missing running input stream:\n%s", body)
	}
}

func TestPipelineConfigVAD(t *testing.T) {
	h := newHarness(t, false, nil)
	h.cfg.Input.VAD.MinSpeechMS = 250
	h.cfg.Output.VAD.Enabled = false
	d := h.daemon(t)

	in := d.pipelineConfig(audio.RoleInput, h.cfg.Input).VAD
	if in.MinSpeech != 250*time.Millisecond || in.Fixed {
		t.Errorf("input VAD = %+v, want gated with 250ms min speech", in)
	}
	out := d.pipelineConfig(audio.RoleOutput, h.cfg.Output).VAD
	if !out.Fixed || out.MaxSegment != 30*time.Second {
		t.Errorf("output VAD = %+v, want fixed 30s windows", out)
	}
}
