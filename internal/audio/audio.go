// Package audio defines PCM frames and the capture backends that produce
// them. Every backend emits fixed-duration frames of interleaved signed
// 16-bit little-endian samples, whatever its underlying source.
package audio

import (
	"context"
	"fmt"
	"time"
)

// Role names the logical stream a backend captures.
type Role string

const (
	// RoleInput is the microphone stream.
	RoleInput Role = "input"
	// RoleOutput is the system-output (sink monitor) stream.
	RoleOutput Role = "output"
)

// Backend identifiers accepted in StreamConfig.Backend.
const (
	BackendAuto     = "auto"
	BackendMalgo    = "malgo"
	BackendPWRecord = "pw-record"
	BackendARecord  = "arecord"
)

// DefaultDevice selects the system's current default source or sink.
const DefaultDevice = "default"

// StreamConfig describes what one pipeline captures. It is not modified
// after the pipeline starts.
type StreamConfig struct {
	Role          Role
	Backend       string
	Device        string
	SampleRate    uint32
	Channels      uint32
	FrameDuration time.Duration
}

// Validate checks the config for unusable values.
func (c StreamConfig) Validate() error {
	switch c.Role {
	case RoleInput, RoleOutput:
	default:
		return fmt.Errorf("audio: unknown stream role %q", c.Role)
	}
	if c.SampleRate == 0 {
		return fmt.Errorf("audio: sample rate must be > 0")
	}
	if c.Channels == 0 {
		return fmt.Errorf("audio: channels must be > 0")
	}
	if c.FrameDuration <= 0 {
		return fmt.Errorf("audio: frame duration must be > 0")
	}
	return nil
}

// FrameSamples returns the number of interleaved samples in one frame.
func (c StreamConfig) FrameSamples() int {
	perChannel := int(uint64(c.SampleRate) * uint64(c.FrameDuration) / uint64(time.Second))
	if perChannel < 1 {
		perChannel = 1
	}
	return perChannel * int(c.Channels)
}

// Frame is a fixed-duration slice of PCM audio. Frames are never mutated
// after creation.
type Frame struct {
	Seq        uint64
	Role       Role
	Offset     int64 // per-channel sample offset since the stream started
	Samples    []int16
	SampleRate uint32
	Channels   uint32
	CapturedAt time.Time
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate, f.Channels)
}

// SamplesDuration converts an interleaved sample count into time.
func SamplesDuration(n int, sampleRate, channels uint32) time.Duration {
	if sampleRate == 0 || channels == 0 {
		return 0
	}
	perChannel := int64(n) / int64(channels)
	return time.Duration(perChannel * int64(time.Second) / int64(sampleRate))
}

// Backend produces frames from one audio source.
//
// Start acquires the device for this stream and begins producing frames.
// Read returns the next frame, ErrReadTimeout when none arrived within
// timeout, or an error once the stream has ended. Stop releases the
// device; it is idempotent and may be called from any goroutine.
type Backend interface {
	Name() string
	Start(ctx context.Context) error
	Read(ctx context.Context, timeout time.Duration) (Frame, error)
	Stop() error
}

// DeviceInfo describes a capture device enumerated by a library backend.
type DeviceInfo struct {
	ID        string
	Name      string
	IsDefault bool
}

// backendBuffer bounds the frames a backend holds before Read collects them.
const backendBuffer = 64
