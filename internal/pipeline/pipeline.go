// Package pipeline runs one capture stream end to end: backend, frame
// queue, segmenter, segment queue and dispatcher.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/gostt-live/internal/audio"
	"github.com/chaz8081/gostt-live/internal/device"
	"github.com/chaz8081/gostt-live/internal/dispatch"
	"github.com/chaz8081/gostt-live/internal/metrics"
	"github.com/chaz8081/gostt-live/internal/queue"
	"github.com/chaz8081/gostt-live/internal/retry"
	"github.com/chaz8081/gostt-live/internal/segment"
	"github.com/chaz8081/gostt-live/internal/state"
	"github.com/chaz8081/gostt-live/internal/transcribe"
)

// Resolver picks the backend and device for a stream.
type Resolver interface {
	Resolve(ctx context.Context, cfg audio.StreamConfig) (device.Resolution, error)
}

// Opener builds an unstarted backend for a resolution.
type Opener func(device.Resolution, audio.StreamConfig) (audio.Backend, error)

// Deps are the collaborators a pipeline is built from.
type Deps struct {
	Resolver Resolver
	Open     Opener
	Engine   transcribe.Engine
}

// Config controls one pipeline.
type Config struct {
	Stream   audio.StreamConfig
	VAD      segment.Params
	Dispatch dispatch.Config

	FrameQueue   int
	SegmentQueue int
	// ReadTimeout bounds each backend read so the producer can notice stop.
	ReadTimeout time.Duration
	// StopTimeout bounds backend.Stop; after it capture is abandoned.
	StopTimeout time.Duration

	OpenAttempts int
	OpenBackoff  time.Duration

	// Optional streams that cannot start are marked not-started instead
	// of failed.
	Optional bool
}

func (c *Config) defaults() {
	if c.FrameQueue <= 0 {
		c.FrameQueue = 256
	}
	if c.SegmentQueue <= 0 {
		c.SegmentQueue = 16
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 2 * time.Second
	}
	if c.OpenAttempts <= 0 {
		c.OpenAttempts = 3
	}
	if c.OpenBackoff <= 0 {
		c.OpenBackoff = 250 * time.Millisecond
	}
}

// Pipeline is one stream. Start and Stop are called by the control plane;
// the three worker goroutines own everything else.
type Pipeline struct {
	cfg   Config
	deps  Deps
	state *state.State

	counters   *state.Counters
	segmenter  *segment.Segmenter
	dispatcher *dispatch.Dispatcher
	frames     *queue.DropOldest[audio.Frame]
	segments   *queue.DropOldest[segment.Segment]

	backend        audio.Backend
	backendDropped uint64
	cancelCapture  context.CancelFunc
	cancelDispatch context.CancelFunc

	started  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

// New validates cfg and builds an idle pipeline.
func New(cfg Config, deps Deps, st *state.State) (*Pipeline, error) {
	if deps.Resolver == nil || deps.Open == nil {
		return nil, errors.New("pipeline: resolver and opener are required")
	}
	if st == nil {
		return nil, errors.New("pipeline: state is required")
	}
	if err := cfg.Stream.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	cfg.defaults()
	cfg.Dispatch.Role = cfg.Stream.Role

	seg, err := segment.New(cfg.Stream.Role, cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	disp, err := dispatch.New(cfg.Dispatch, deps.Engine)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	return &Pipeline{
		cfg:        cfg,
		deps:       deps,
		state:      st,
		counters:   &state.Counters{},
		segmenter:  seg,
		dispatcher: disp,
		frames:     queue.New[audio.Frame](cfg.FrameQueue),
		segments:   queue.New[segment.Segment](cfg.SegmentQueue),
		done:       make(chan struct{}),
	}, nil
}

// Role returns the stream role.
func (p *Pipeline) Role() audio.Role { return p.cfg.Stream.Role }

// Optional reports whether the stream may fail to start without
// failing the daemon.
func (p *Pipeline) Optional() bool { return p.cfg.Optional }

// Counters returns the live counters.
func (p *Pipeline) Counters() *state.Counters { return p.counters }

// Done is closed once the pipeline has fully stopped, whether by Stop,
// by its device ending, or because Start failed.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err returns the error that ended the pipeline, if any.
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Start resolves the device, opens it and starts the worker goroutines.
// A failure is recorded in state and returned; the pipeline is then done.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline: %s already started", p.Role())
	}
	role := p.Role()
	p.state.RegisterStream(role, p.counters)

	if err := p.dispatcher.Prepare(); err != nil {
		return p.abort(err)
	}

	res, err := p.deps.Resolver.Resolve(ctx, p.cfg.Stream)
	if err != nil {
		return p.abort(err)
	}
	p.state.SetResolution(role, res.State())
	if res.Fallback {
		p.state.AddWarning(fmt.Sprintf("%s: using fallback device %s/%s", role, res.Backend, res.DeviceName))
	}

	backend, err := p.open(ctx, res)
	if err != nil {
		return p.abort(err)
	}
	p.backend = backend

	cctx, cancelCapture := context.WithCancel(context.Background())
	p.cancelCapture = cancelCapture
	dctx, cancel := context.WithCancel(context.Background())
	p.cancelDispatch = cancel

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		p.produce(cctx)
	}()
	go func() {
		defer wg.Done()
		p.segmentLoop(cctx)
	}()
	go func() {
		defer wg.Done()
		p.dispatchLoop(dctx)
	}()
	go func() {
		wg.Wait()
		cancelCapture()
		cancel()
		if p.Err() == nil {
			p.state.SetStreamStatus(role, state.StatusStopped, nil)
		}
		slog.Info("[pipeline] stopped", "role", role, "counters", p.counters.Snapshot())
		close(p.done)
	}()

	p.state.SetStreamStatus(role, state.StatusRunning, nil)
	slog.Info("[pipeline] running",
		"role", role,
		"backend", res.Backend,
		"device", res.DeviceName,
		"score", res.Score,
		"fallback", res.Fallback,
	)
	return nil
}

func (p *Pipeline) abort(err error) error {
	role := p.Role()
	status := state.StatusFailed
	if p.cfg.Optional {
		status = state.StatusNotStarted
		slog.Warn("[pipeline] optional stream not started", "role", role, "error", err)
	} else {
		slog.Error("[pipeline] stream failed to start", "role", role, "error", err)
	}
	p.setErr(err)
	p.state.SetStreamStatus(role, status, err)
	close(p.done)
	return fmt.Errorf("pipeline: starting %s: %w", role, err)
}

// open creates and starts the backend within the open retry budget.
func (p *Pipeline) open(ctx context.Context, res device.Resolution) (audio.Backend, error) {
	var backend audio.Backend
	policy := retry.Policy{
		Attempts:  p.cfg.OpenAttempts,
		Base:      p.cfg.OpenBackoff,
		Max:       8 * p.cfg.OpenBackoff,
		Retryable: openRetryable,
		Name:      "open " + string(p.Role()),
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		b, err := p.deps.Open(res, p.cfg.Stream)
		if err == nil {
			err = b.Start(ctx)
			if err != nil {
				_ = b.Stop()
			}
		}
		if err != nil {
			metrics.DeviceOpenFailuresTotal.WithLabelValues(string(p.Role())).Inc()
			slog.Warn("[pipeline] opening device failed", "role", p.Role(), "backend", res.Backend, "error", err)
			return err
		}
		backend = b
		return nil
	})
	return backend, err
}

func openRetryable(err error) bool {
	return !errors.Is(err, device.ErrBackendUnsupported) &&
		!errors.Is(err, audio.ErrFormatUnsupported) &&
		!errors.Is(err, context.Canceled)
}

// produce moves frames from the backend into the frame queue until the
// backend ends or ctx is cancelled.
func (p *Pipeline) produce(ctx context.Context) {
	defer p.frames.Close()
	role := p.Role()
	for {
		if ctx.Err() != nil {
			return
		}
		f, err := p.backend.Read(ctx, p.cfg.ReadTimeout)
		p.syncBackendDrops()
		if err == nil {
			if p.frames.Push(f) {
				p.counters.FramesDropped.Add(1)
				metrics.FramesDroppedTotal.WithLabelValues(string(role)).Inc()
				slog.Debug("[capture] frame queue full, dropped oldest", "role", role)
			}
			continue
		}
		if errors.Is(err, audio.ErrReadTimeout) {
			if !p.stopping.Load() {
				slog.Debug("[capture] no audio within read timeout", "role", role)
			}
			continue
		}
		if p.stopping.Load() {
			return
		}
		slog.Error("[capture] stream ended unexpectedly", "role", role, "error", err)
		p.setErr(err)
		p.state.SetStreamStatus(role, state.StatusFailed, err)
		return
	}
}

// droppedCounter is implemented by backends that drop frames internally.
type droppedCounter interface {
	Dropped() uint64
}

func (p *Pipeline) syncBackendDrops() {
	dc, ok := p.backend.(droppedCounter)
	if !ok {
		return
	}
	n := dc.Dropped()
	if n > p.backendDropped {
		delta := n - p.backendDropped
		p.backendDropped = n
		p.counters.FramesDropped.Add(delta)
		metrics.FramesDroppedTotal.WithLabelValues(string(p.Role())).Add(float64(delta))
	}
}

// segmentLoop feeds the segmenter until the frame queue closes or ctx is
// cancelled, then flushes whatever speech is buffered.
func (p *Pipeline) segmentLoop(ctx context.Context) {
	defer p.segments.Close()
	for {
		f, err := p.frames.Pop(ctx)
		if err != nil {
			break
		}
		p.push(f)
	}
	for {
		f, ok := p.frames.TryPop()
		if !ok {
			break
		}
		p.push(f)
	}
	if s, ok := p.segmenter.Flush(); ok {
		p.emit(s)
	}
}

func (p *Pipeline) push(f audio.Frame) {
	for _, s := range p.segmenter.Push(f) {
		p.emit(s)
	}
}

func (p *Pipeline) emit(s segment.Segment) {
	role := string(p.Role())
	p.counters.SegmentsEmitted.Add(1)
	metrics.SegmentsEmittedTotal.WithLabelValues(role, string(s.Reason)).Inc()
	metrics.SegmentAudioSeconds.WithLabelValues(role).Observe(s.Duration().Seconds())
	slog.Debug("[segment] emitted", "role", role, "seq", s.Seq, "duration", s.Duration(), "reason", s.Reason)

	if p.segments.Push(s) {
		p.counters.SegmentsDropped.Add(1)
		metrics.SegmentsDroppedTotal.WithLabelValues(role).Inc()
		slog.Warn("[segment] dispatch backlog full, dropped oldest segment", "role", role)
	}
}

// dispatchLoop transcribes segments in order until the segment queue
// closes or ctx is cancelled.
func (p *Pipeline) dispatchLoop(ctx context.Context) {
	role := string(p.Role())
	for ctx.Err() == nil {
		s, err := p.segments.Pop(ctx)
		if err != nil {
			break
		}
		out := p.dispatcher.Dispatch(ctx, s)
		p.record(out)
	}

	// Cancelled: count whatever is still queued or yet to be flushed.
	abandoned := 0
	for {
		if _, err := p.segments.Pop(context.Background()); err != nil {
			break
		}
		abandoned++
	}
	if abandoned > 0 {
		p.counters.SegmentsDropped.Add(uint64(abandoned))
		metrics.SegmentsDroppedTotal.WithLabelValues(role).Add(float64(abandoned))
		slog.Warn("[dispatch] abandoned segments at shutdown", "role", role, "count", abandoned)
	}
}

func (p *Pipeline) record(out dispatch.Outcome) {
	role := string(p.Role())
	metrics.TranscriptionDuration.WithLabelValues(role).Observe(out.Elapsed.Seconds())
	switch {
	case !out.OK():
		p.counters.TranscriptionsFailed.Add(1)
		metrics.TranscriptionsTotal.WithLabelValues(role, metrics.ResultFailed).Inc()
	case out.Written:
		p.counters.TranscriptsWritten.Add(1)
		metrics.TranscriptionsTotal.WithLabelValues(role, metrics.ResultOK).Inc()
	default:
		metrics.TranscriptionsTotal.WithLabelValues(role, metrics.ResultEmpty).Inc()
	}
}

// Stop ends capture, flushes the segmenter and lets queued segments
// finish until ctx ends; anything still pending after that is abandoned.
// Stop is idempotent and safe to call on a pipeline that never started.
func (p *Pipeline) Stop(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}
	p.stopOnce.Do(func() {
		if p.backend == nil {
			return
		}
		role := p.Role()
		p.stopping.Store(true)
		p.state.SetStreamStatus(role, state.StatusStopping, nil)

		p.stopBackend(ctx)

		select {
		case <-p.done:
			return
		case <-ctx.Done():
			slog.Warn("[pipeline] shutdown grace elapsed, abandoning backlog", "role", role, "pending", p.segments.Len())
			p.cancelDispatch()
		}
		<-p.done
	})
	<-p.done
	return p.Err()
}

// stopBackend stops capture. A backend that does not stop within
// StopTimeout, or before ctx ends, is abandoned by cancelling the
// capture context so the producer and segmenter can still finish.
func (p *Pipeline) stopBackend(ctx context.Context) {
	role := p.Role()
	stopped := make(chan error, 1)
	go func() { stopped <- p.backend.Stop() }()

	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case err := <-stopped:
		if err != nil {
			slog.Warn("[pipeline] stopping backend", "role", role, "error", err)
		}
		return
	case <-timer.C:
		slog.Warn("[pipeline] backend did not stop in time, abandoning capture", "role", role, "timeout", p.cfg.StopTimeout)
	case <-ctx.Done():
		slog.Warn("[pipeline] backend still stopping at end of grace, abandoning capture", "role", role)
	}
	p.cancelCapture()
}

func (p *Pipeline) setErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err == nil {
		p.err = err
	}
}
