// Package device decides which capture backend and device each stream
// uses, following the desktop's current default where possible.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/chaz8081/gostt-live/internal/audio"
	"github.com/chaz8081/gostt-live/internal/state"
)

var (
	// ErrDeviceUnavailable means no device matching the request exists.
	ErrDeviceUnavailable = errors.New("device: capture device unavailable")
	// ErrBackendUnsupported means no capture backend can serve the request.
	ErrBackendUnsupported = errors.New("device: no supported capture backend")
)

// DefaultProbeTimeout bounds each probe and system lookup.
const DefaultProbeTimeout = 2 * time.Second

// Resolution is the outcome of resolving one StreamConfig.
type Resolution struct {
	Role    audio.Role
	Backend string
	// Device is what the backend is opened with: a malgo device id, a
	// pw-record target or an ALSA device. Empty means the backend default.
	Device     string
	DeviceName string
	Score      int
	Fallback   bool
}

// State converts r for DaemonState.
func (r Resolution) State() state.Resolution {
	return state.Resolution{
		Backend:    r.Backend,
		Device:     r.Device,
		DeviceName: r.DeviceName,
		Score:      r.Score,
		Fallback:   r.Fallback,
	}
}

// Lister enumerates the primary backend's capture devices.
type Lister interface {
	Available() bool
	Devices() ([]audio.DeviceInfo, error)
}

// MalgoLister lists devices through miniaudio.
type MalgoLister struct{}

func (MalgoLister) Available() bool                      { return audio.MalgoAvailable() }
func (MalgoLister) Devices() ([]audio.DeviceInfo, error) { return audio.MalgoDevices() }

// Prober reports whether a subprocess backend can run here.
type Prober interface {
	Runnable(ctx context.Context, name string) bool
}

// ExecProber finds the recorder on PATH and runs it with --version.
type ExecProber struct{}

// Runnable implements Prober.
func (ExecProber) Runnable(ctx context.Context, name string) bool {
	path, err := exec.LookPath(name)
	if err != nil {
		return false
	}
	return exec.CommandContext(ctx, path, "--version").Run() == nil
}

// Resolver maps StreamConfigs onto concrete backends and devices.
type Resolver struct {
	Primary    Lister
	System     SystemAudio
	Probe      Prober
	Alternates []string
	// ProbeTimeout bounds each device enumeration, probe and system lookup.
	ProbeTimeout time.Duration
}

// NewResolver returns a Resolver wired to malgo, pactl and PATH probing.
func NewResolver() *Resolver {
	return &Resolver{
		Primary:      MalgoLister{},
		System:       NewPactlSystem(),
		Probe:        ExecProber{},
		Alternates:   []string{audio.BackendPWRecord, audio.BackendARecord},
		ProbeTimeout: DefaultProbeTimeout,
	}
}

// Resolve picks the backend and device for cfg. The same system state
// always yields the same Resolution.
func (r *Resolver) Resolve(ctx context.Context, cfg audio.StreamConfig) (Resolution, error) {
	if err := cfg.Validate(); err != nil {
		return Resolution{}, err
	}

	switch cfg.Backend {
	case "", audio.BackendAuto:
		if r.primaryAvailable(ctx) {
			res, err := r.resolvePrimary(ctx, cfg)
			if err == nil || !errors.Is(err, errEnumeration) {
				return res, err
			}
			slog.Warn("[resolve] primary backend could not enumerate devices", "role", cfg.Role, "error", err)
		} else {
			slog.Warn("[resolve] primary backend unavailable, trying alternates", "role", cfg.Role)
		}
		return r.resolveAlternate(ctx, cfg)

	case audio.BackendMalgo:
		if !r.primaryAvailable(ctx) {
			return Resolution{}, fmt.Errorf("%w: malgo cannot create an audio context", ErrBackendUnsupported)
		}
		return r.resolvePrimary(ctx, cfg)

	case audio.BackendPWRecord, audio.BackendARecord:
		if !r.runnable(ctx, cfg.Backend) {
			return Resolution{}, fmt.Errorf("%w: %s is not runnable: %w", ErrDeviceUnavailable, cfg.Backend, ErrBackendUnsupported)
		}
		return r.resolveExec(ctx, cfg, cfg.Backend)
	}
	return Resolution{}, fmt.Errorf("%w: unknown backend %q", ErrBackendUnsupported, cfg.Backend)
}

var errEnumeration = errors.New("device: enumeration failed")

func (r *Resolver) resolvePrimary(ctx context.Context, cfg audio.StreamConfig) (Resolution, error) {
	devices, err := bounded(ctx, r.timeout(), func(context.Context) ([]audio.DeviceInfo, error) {
		return r.Primary.Devices()
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %w: %w", ErrDeviceUnavailable, errEnumeration, err)
	}

	res := Resolution{Role: cfg.Role, Backend: audio.BackendMalgo}

	if cfg.Device != audio.DefaultDevice && cfg.Device != "" {
		idx := findDevice(devices, cfg.Device)
		if idx < 0 {
			return Resolution{}, fmt.Errorf("%w: %q is not among %d capture devices", ErrDeviceUnavailable, cfg.Device, len(devices))
		}
		res.Device, res.DeviceName = devices[idx].ID, devices[idx].Name
		return res, nil
	}

	info, err := r.systemDefault(ctx, cfg.Role)
	if err != nil {
		slog.Warn("[resolve] system default lookup failed", "role", cfg.Role, "error", err)
	} else {
		slog.Info("[resolve] system default", "role", cfg.Role, "source", info.Name)
		if idx, score := BestMatch(info, devices); idx >= 0 {
			res.Device, res.DeviceName, res.Score = devices[idx].ID, devices[idx].Name, score
			slog.Info("[resolve] matched device", "role", cfg.Role, "device", res.DeviceName, "score", score)
			return res, nil
		}
		if info.Bluetooth() && r.runnable(ctx, audio.BackendPWRecord) {
			slog.Info("[resolve] using pw-record for bluetooth source", "role", cfg.Role, "source", info.Name)
			return Resolution{
				Role:       cfg.Role,
				Backend:    audio.BackendPWRecord,
				Device:     info.Name,
				DeviceName: info.Label(),
				Fallback:   true,
			}, nil
		}
	}

	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name)
	}

	if cfg.Role == audio.RoleOutput {
		if err == nil && r.runnable(ctx, audio.BackendPWRecord) {
			slog.Warn("[resolve] no capture device matches the sink monitor, using pw-record", "monitor", info.Name, "available", names)
			return Resolution{
				Role:       cfg.Role,
				Backend:    audio.BackendPWRecord,
				Device:     info.Name,
				DeviceName: info.Label(),
				Fallback:   true,
			}, nil
		}
		return Resolution{}, fmt.Errorf("%w: cannot locate the default sink monitor", ErrDeviceUnavailable)
	}

	slog.Warn("[resolve] no capture device matches the system default, using backend default", "role", cfg.Role, "available", names)
	res.Fallback = true
	for _, d := range devices {
		if d.IsDefault {
			res.DeviceName = d.Name
			break
		}
	}
	return res, nil
}

func (r *Resolver) resolveAlternate(ctx context.Context, cfg audio.StreamConfig) (Resolution, error) {
	var lastErr error
	for _, name := range r.Alternates {
		if cfg.Role == audio.RoleOutput && name == audio.BackendARecord {
			continue
		}
		if !r.runnable(ctx, name) {
			slog.Debug("[resolve] backend not runnable", "backend", name)
			continue
		}
		res, err := r.resolveExec(ctx, cfg, name)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return Resolution{}, lastErr
	}
	return Resolution{}, fmt.Errorf("%w: nothing runnable for %s capture", ErrBackendUnsupported, cfg.Role)
}

func (r *Resolver) resolveExec(ctx context.Context, cfg audio.StreamConfig, name string) (Resolution, error) {
	res := Resolution{Role: cfg.Role, Backend: name}
	explicit := cfg.Device != audio.DefaultDevice && cfg.Device != ""

	switch name {
	case audio.BackendARecord:
		if cfg.Role == audio.RoleOutput {
			return Resolution{}, fmt.Errorf("%w: arecord cannot capture system output", ErrBackendUnsupported)
		}
		if explicit {
			res.Device, res.DeviceName = cfg.Device, cfg.Device
		}
		return res, nil

	case audio.BackendPWRecord:
		if explicit {
			res.Device, res.DeviceName = cfg.Device, cfg.Device
			return res, nil
		}
		info, err := r.systemDefault(ctx, cfg.Role)
		if err != nil {
			if cfg.Role == audio.RoleOutput {
				return Resolution{}, fmt.Errorf("%w: default sink: %w", ErrDeviceUnavailable, err)
			}
			slog.Warn("[resolve] system default lookup failed, pw-record will pick its default", "error", err)
			res.Fallback = true
			return res, nil
		}
		res.Device, res.DeviceName = info.Name, info.Label()
		return res, nil
	}
	return Resolution{}, fmt.Errorf("%w: %q", ErrBackendUnsupported, name)
}

func (r *Resolver) systemDefault(ctx context.Context, role audio.Role) (SourceInfo, error) {
	if r.System == nil {
		return SourceInfo{}, ErrNoDefault
	}
	return bounded(ctx, r.timeout(), func(ctx context.Context) (SourceInfo, error) {
		if role == audio.RoleOutput {
			return r.System.DefaultSinkMonitor(ctx)
		}
		return r.System.DefaultSource(ctx)
	})
}

func (r *Resolver) primaryAvailable(ctx context.Context) bool {
	if r.Primary == nil {
		return false
	}
	ok, err := bounded(ctx, r.timeout(), func(context.Context) (bool, error) {
		return r.Primary.Available(), nil
	})
	return err == nil && ok
}

func (r *Resolver) runnable(ctx context.Context, name string) bool {
	if r.Probe == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	return r.Probe.Runnable(ctx, name)
}

func (r *Resolver) timeout() time.Duration {
	if r.ProbeTimeout > 0 {
		return r.ProbeTimeout
	}
	return DefaultProbeTimeout
}

// bounded runs fn and gives up after d, leaving fn to finish on its own.
func bounded[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case res := <-ch:
		return res.v, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Open builds the capture backend named by res. The backend is not
// started.
func Open(res Resolution, cfg audio.StreamConfig) (audio.Backend, error) {
	switch res.Backend {
	case audio.BackendMalgo:
		return audio.NewMalgoBackend(cfg, res.Device)
	case audio.BackendPWRecord:
		return audio.NewExecBackend(res.Backend, cfg, audio.PWRecordArgs(cfg, res.Device)), nil
	case audio.BackendARecord:
		return audio.NewExecBackend(res.Backend, cfg, audio.ARecordArgs(cfg, res.Device)), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrBackendUnsupported, res.Backend)
}
