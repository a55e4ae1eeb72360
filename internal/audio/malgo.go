package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/chaz8081/gostt-live/internal/queue"
)

// MalgoBackend captures from a miniaudio device through malgo.
type MalgoBackend struct {
	cfg      StreamConfig
	deviceID string // "" selects the backend's default device

	mctx   *malgo.AllocatedContext
	frames *queue.DropOldest[Frame]

	mu      sync.Mutex
	device  *malgo.Device
	stopped bool

	// fmu guards framer separately so the audio thread never waits on mu
	// while Stop is blocked in device.Uninit.
	fmu    sync.Mutex
	framer *framer
}

// NewMalgoBackend creates a backend bound to deviceID, which is matched
// against enumerated capture device ids and names. Call Stop when done.
func NewMalgoBackend(cfg StreamConfig, deviceID string) (*MalgoBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: initializing audio context: %w", err)
	}

	return &MalgoBackend{
		cfg:      cfg,
		deviceID: deviceID,
		mctx:     mctx,
		frames:   queue.New[Frame](backendBuffer),
		framer:   newFramer(cfg),
	}, nil
}

// Name returns the backend identifier.
func (b *MalgoBackend) Name() string { return BackendMalgo }

// Start opens the capture device and begins producing frames.
func (b *MalgoBackend) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return fmt.Errorf("audio: malgo backend already stopped")
	}
	if b.device != nil {
		return fmt.Errorf("audio: malgo backend already started")
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatS16
	deviceCfg.Capture.Channels = b.cfg.Channels
	deviceCfg.SampleRate = b.cfg.SampleRate

	// infos must stay reachable until InitDevice has copied the id.
	var infos []malgo.DeviceInfo
	if b.deviceID != "" {
		var err error
		infos, err = b.mctx.Devices(malgo.Capture)
		if err != nil {
			return normalize(err, ErrDeviceNotFound)
		}
		idx := findDevice(infos, b.deviceID)
		if idx < 0 {
			return fmt.Errorf("%w: %q", ErrDeviceNotFound, b.deviceID)
		}
		deviceCfg.Capture.DeviceID = infos[idx].ID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: b.onData,
	}

	device, err := malgo.InitDevice(b.mctx.Context, deviceCfg, callbacks)
	if err != nil {
		return fmt.Errorf("audio: initializing capture device: %w", normalize(err, ErrDeviceBusy))
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("audio: starting capture device: %w", normalize(err, ErrDeviceBusy))
	}

	b.device = device
	slog.Debug("[capture] malgo device started",
		"role", b.cfg.Role,
		"device", b.deviceID,
		"sample_rate", b.cfg.SampleRate,
		"channels", b.cfg.Channels,
	)
	return nil
}

// Read returns the next captured frame.
func (b *MalgoBackend) Read(ctx context.Context, timeout time.Duration) (Frame, error) {
	f, err := b.frames.PopTimeout(ctx, timeout)
	return f, readError(err)
}

// Dropped returns frames evicted because Read fell behind the device.
func (b *MalgoBackend) Dropped() uint64 {
	return b.frames.Dropped()
}

// Stop releases the device and the audio context.
func (b *MalgoBackend) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	if b.device != nil {
		b.device.Uninit()
		b.device = nil
	}
	b.mu.Unlock()

	b.frames.Close()

	if b.mctx != nil {
		if err := b.mctx.Uninit(); err != nil {
			return fmt.Errorf("audio: uninitializing audio context: %w", err)
		}
		b.mctx.Free()
		b.mctx = nil
	}
	return nil
}

// onData is the malgo callback invoked when audio data is available.
// pSample holds frameCount interleaved s16 frames.
func (b *MalgoBackend) onData(_, pSample []byte, frameCount uint32) {
	n := int(frameCount*b.cfg.Channels) * 2
	if n > len(pSample) {
		n = len(pSample)
	}

	b.fmu.Lock()
	frames := b.framer.push(pSample[:n], time.Now())
	b.fmu.Unlock()

	for _, f := range frames {
		b.frames.Push(f)
	}
}

// MalgoDevices enumerates the capture devices miniaudio can see.
func MalgoDevices() ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: initializing audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("audio: enumerating capture devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		info := &infos[i]
		devices = append(devices, DeviceInfo{
			ID:        info.ID.String(),
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// MalgoAvailable reports whether a miniaudio context can be created.
func MalgoAvailable() bool {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return false
	}
	_ = mctx.Uninit()
	mctx.Free()
	return true
}

func findDevice(infos []malgo.DeviceInfo, want string) int {
	for i := range infos {
		info := &infos[i]
		if info.ID.String() == want || info.Name() == want {
			return i
		}
	}
	return -1
}
