// Package daemon owns the capture daemon's lifecycle: the singleton lock,
// the stream pipelines, the control socket and the finalize step.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chaz8081/gostt-live/internal/audio"
	"github.com/chaz8081/gostt-live/internal/config"
	"github.com/chaz8081/gostt-live/internal/device"
	"github.com/chaz8081/gostt-live/internal/dispatch"
	"github.com/chaz8081/gostt-live/internal/finalize"
	"github.com/chaz8081/gostt-live/internal/ipc"
	"github.com/chaz8081/gostt-live/internal/metrics"
	"github.com/chaz8081/gostt-live/internal/pipeline"
	"github.com/chaz8081/gostt-live/internal/segment"
	"github.com/chaz8081/gostt-live/internal/state"
	"github.com/chaz8081/gostt-live/internal/transcribe"
)

// File names inside the run directory.
const (
	LockFile   = "gostt-live.lock"
	SocketFile = "gostt-live.sock"
)

// LockPath returns the lock file for runDir.
func LockPath(runDir string) string { return filepath.Join(runDir, LockFile) }

// SocketPath returns the control socket for runDir.
func SocketPath(runDir string) string { return filepath.Join(runDir, SocketFile) }

// Deps are the collaborators a daemon is built from. Zero fields get the
// production implementation.
type Deps struct {
	Resolver pipeline.Resolver
	Open     pipeline.Opener
	Engine   transcribe.Engine
	// Hooks replace the configured finalize hooks when non-nil.
	Hooks []finalize.Hook
	Alive LivenessFunc
	Now   func() time.Time
}

// Daemon runs the capture session for one run directory.
type Daemon struct {
	cfg  *config.Config
	deps Deps

	state       *state.State
	lock        *Lock
	server      *ipc.Server
	metrics     *metrics.Server
	pipelines   []*pipeline.Pipeline
	transcripts []finalize.Transcript

	running     bool
	cancel      context.CancelFunc
	stopReq     chan struct{}
	stopReqOnce sync.Once
	stopOnce    sync.Once
	stopErr     error
	stopped     chan struct{}
}

// New validates cfg and returns an idle daemon.
func New(cfg *config.Config, deps Deps) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: invalid config: %w", err)
	}
	if deps.Resolver == nil {
		deps.Resolver = device.NewResolver()
	}
	if deps.Open == nil {
		deps.Open = device.Open
	}
	if deps.Engine == nil {
		e := transcribe.NewExecEngine(cfg.Transcribe.Executable)
		e.ModelCacheDir = cfg.Transcribe.ModelCacheDir
		deps.Engine = e
	}
	if deps.Hooks == nil {
		deps.Hooks = DefaultHooks(cfg)
	}
	if deps.Alive == nil {
		deps.Alive = ProcessAlive
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Daemon{
		cfg:     cfg,
		deps:    deps,
		stopReq: make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// DefaultHooks returns the finalize hooks enabled in cfg.
func DefaultHooks(cfg *config.Config) []finalize.Hook {
	hooks := []finalize.Hook{finalize.TranscriptWriter{}}
	if cfg.Clipboard.Enabled {
		hooks = append(hooks, finalize.NewClipboard())
	}
	if cfg.Notify.Enabled {
		hooks = append(hooks, finalize.NewNotifier())
	}
	return hooks
}

// State returns the daemon state. It is nil before Start.
func (d *Daemon) State() *state.State { return d.state }

// MetricsAddr returns the bound /metrics address, or "" when disabled.
func (d *Daemon) MetricsAddr() string {
	if d.metrics == nil {
		return ""
	}
	return d.metrics.Addr()
}

// Done is closed once the daemon has fully stopped.
func (d *Daemon) Done() <-chan struct{} { return d.stopped }

// Start acquires the lock, starts the pipelines and opens the control
// socket. It fails when the lock is held by a live daemon or when no
// stream could start; in both cases nothing is left running.
func (d *Daemon) Start(ctx context.Context) error {
	if d.state != nil {
		return errors.New("daemon: already started")
	}
	socket := SocketPath(d.cfg.RunDir)
	d.state = state.New(socket)

	lock, err := AcquireLock(LockPath(d.cfg.RunDir), LockInfo{
		PID:       os.Getpid(),
		Socket:    socket,
		Session:   d.state.Session(),
		StartedAt: d.state.StartedAt(),
	}, d.deps.Alive)
	if err != nil {
		return err
	}
	d.lock = lock
	if prev, ok := lock.Reclaimed(); ok {
		warn := fmt.Errorf("%w: pid %d from session %s is gone", ErrStaleLockReclaimed, prev.PID, prev.Session)
		slog.Warn("[daemon] reclaimed stale lock", "lock", lock.Path(), "pid", prev.PID, "session", prev.Session)
		d.state.AddWarning(warn.Error())
	}

	if err := d.startSession(ctx); err != nil {
		d.state.SetError(err)
		for _, p := range d.pipelines {
			_ = p.Stop(ctx)
		}
		_ = d.state.Transition(state.PhaseStopped)
		d.teardown()
		return err
	}

	d.running = true
	_ = d.state.Transition(state.PhaseRunning)
	slog.Info("[daemon] running",
		"session", d.state.Session(),
		"pid", os.Getpid(),
		"socket", socket,
		"streams", len(d.pipelines),
	)

	go d.supervise()
	return nil
}

func (d *Daemon) startSession(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("daemon: creating output dir: %w", err)
	}

	var streams []config.StreamConfig
	var roles []audio.Role
	if d.cfg.Input.Enabled {
		streams, roles = append(streams, d.cfg.Input), append(roles, audio.RoleInput)
	}
	if d.cfg.Output.Enabled {
		streams, roles = append(streams, d.cfg.Output), append(roles, audio.RoleOutput)
	}

	now := d.deps.Now()
	for i, sc := range streams {
		t := finalize.Transcript{
			Role:      roles[i],
			RawPath:   d.outputPath(sc.RawTranscript),
			FinalPath: d.outputPath(sc.FinalTranscript),
		}
		for _, path := range []string{t.RawPath, t.FinalPath} {
			if _, err := dispatch.BackupExisting(path, now); err != nil {
				return fmt.Errorf("daemon: %w", err)
			}
		}
		d.transcripts = append(d.transcripts, t)
	}

	for i, sc := range streams {
		p, err := pipeline.New(d.pipelineConfig(roles[i], sc), pipeline.Deps{
			Resolver: d.deps.Resolver,
			Open:     d.deps.Open,
			Engine:   d.deps.Engine,
		}, d.state)
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		d.pipelines = append(d.pipelines, p)
	}

	var errs []error
	running := 0
	for _, p := range d.pipelines {
		if err := p.Start(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		running++
	}
	if running == 0 {
		return fmt.Errorf("daemon: no stream could start: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		d.state.AddWarning(err.Error())
	}

	srv, err := ipc.Listen(SocketPath(d.cfg.RunDir))
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	d.server = srv
	sctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go func() {
		if err := srv.Serve(sctx, d.handle); err != nil {
			slog.Error("[daemon] control socket stopped", "error", err)
		}
	}()

	if d.cfg.MetricsAddr != "" {
		m, err := metrics.Start(d.cfg.MetricsAddr, metrics.NewCollector(d.state))
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		d.metrics = m
	}
	return nil
}

func (d *Daemon) pipelineConfig(role audio.Role, sc config.StreamConfig) pipeline.Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	t := d.cfg.Transcribe
	return pipeline.Config{
		Stream: audio.StreamConfig{
			Role:          role,
			Backend:       sc.Backend,
			Device:        sc.Device,
			SampleRate:    d.cfg.Audio.SampleRate,
			Channels:      d.cfg.Audio.Channels,
			FrameDuration: ms(d.cfg.Audio.FrameMS),
		},
		VAD: segment.Params{
			SpeechEnergyThreshold: sc.VAD.EnergyThreshold,
			SilenceHold:           ms(sc.VAD.SilenceHoldMS),
			MaxSegment:            ms(sc.VAD.MaxSegmentMS),
			MinSpeech:             ms(sc.VAD.MinSpeechMS),
			Fixed:                 !sc.VAD.Enabled,
		},
		Dispatch: dispatch.Config{
			Role:           role,
			WorkDir:        filepath.Join(d.cfg.OutputDir, "segments", string(role)),
			TranscriptPath: d.outputPath(sc.RawTranscript),
			Options: transcribe.Options{
				Model:        t.Model,
				Language:     t.Language,
				Task:         t.Task,
				OutputFormat: t.OutputFormat,
			},
			Timeout:      t.Timeout,
			Retries:      t.Retries,
			Backoff:      t.Backoff,
			KeepSegments: t.KeepSegments,
		},
		FrameQueue:   d.cfg.Queue.Frames,
		SegmentQueue: d.cfg.Queue.Segments,
		Optional:     role == audio.RoleOutput,
	}
}

func (d *Daemon) outputPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(d.cfg.OutputDir, name)
}

// supervise stops the daemon on request or once every stream has ended.
func (d *Daemon) supervise() {
	ended := make(chan struct{})
	go func() {
		for _, p := range d.pipelines {
			<-p.Done()
		}
		close(ended)
	}()

	select {
	case <-d.stopReq:
	case <-ended:
		slog.Warn("[daemon] all streams ended, stopping")
	}
	if err := d.Stop(context.Background()); err != nil {
		slog.Error("[daemon] stop finished with errors", "error", err)
	}
}

// RequestStop asks the daemon to stop without waiting for it.
func (d *Daemon) RequestStop() {
	d.stopReqOnce.Do(func() { close(d.stopReq) })
}

// Run starts the daemon and blocks until it stops, either on request or
// when ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		slog.Info("[daemon] shutdown signal received")
		return d.Stop(context.Background())
	case <-d.stopped:
		return d.stopErr
	}
}

// Stop flushes and stops every pipeline, waits up to the shutdown grace
// for their backlogs, runs the finalize hooks and releases the socket and
// lock. Only the first call does any work; later calls return nil.
func (d *Daemon) Stop(ctx context.Context) error {
	first := false
	d.stopOnce.Do(func() {
		first = true
		d.stopErr = d.shutdown(ctx)
		close(d.stopped)
	})
	if !first {
		<-d.stopped
		return nil
	}
	return d.stopErr
}

func (d *Daemon) shutdown(ctx context.Context) error {
	if !d.running {
		return nil
	}
	_ = d.state.Transition(state.PhaseStopping)
	slog.Info("[daemon] stopping", "grace", d.cfg.ShutdownGrace)

	gctx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownGrace)
	defer cancel()
	var wg sync.WaitGroup
	for _, p := range d.pipelines {
		wg.Add(1)
		go func(p *pipeline.Pipeline) {
			defer wg.Done()
			if err := p.Stop(gctx); err != nil {
				slog.Warn("[daemon] stream ended with error", "role", p.Role(), "error", err)
			}
		}(p)
	}
	wg.Wait()

	err := d.finalize(ctx)
	if err != nil {
		d.state.SetError(err)
	}

	_ = d.state.Transition(state.PhaseStopped)
	d.teardown()
	slog.Info("[daemon] stopped", "session", d.state.Session(), "elapsed", d.state.Snapshot().Elapsed().Round(time.Millisecond))
	return err
}

func (d *Daemon) finalize(ctx context.Context) error {
	transcripts, collectErr := finalize.Collect(d.transcripts)
	r := finalize.Result{
		Session:     d.state.Session(),
		Elapsed:     d.state.Snapshot().Elapsed(),
		Transcripts: transcripts,
	}
	return errors.Join(collectErr, finalize.Run(ctx, r, d.deps.Hooks...))
}

// teardown closes the control socket, the metrics listener and the lock.
func (d *Daemon) teardown() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.server != nil {
		if err := d.server.Close(); err != nil {
			slog.Warn("[daemon] closing control socket", "error", err)
		}
	}
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.metrics.Shutdown(ctx); err != nil {
			slog.Warn("[daemon] stopping metrics server", "error", err)
		}
		cancel()
	}
	if d.lock != nil {
		if err := d.lock.Release(); err != nil {
			slog.Warn("[daemon] releasing lock", "error", err)
		}
	}
}

// handle answers control requests.
func (d *Daemon) handle(req ipc.Request) ipc.Response {
	snap := d.state.Snapshot()
	switch req.Command {
	case ipc.CommandStatus:
		return ipc.Response{OK: true, Status: &snap}
	case ipc.CommandStart:
		if snap.Phase == state.PhaseRunning {
			return ipc.Response{OK: true, Message: "already running", Status: &snap}
		}
		return ipc.Response{Error: fmt.Sprintf("daemon is %s", snap.Phase), Status: &snap}
	case ipc.CommandStop:
		if snap.Phase == state.PhaseStopping || snap.Phase == state.PhaseStopped {
			return ipc.Response{OK: true, Message: "already stopping", Status: &snap}
		}
		d.RequestStop()
		return ipc.Response{OK: true, Message: "stopping", Status: &snap}
	}
	return ipc.Response{Error: fmt.Sprintf("unknown command %q", req.Command)}
}
