package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/chaz8081/gostt-live/internal/queue"
)

// framer cuts a raw s16le byte stream into fixed-size frames. Bytes that
// do not yet fill a frame are held until the next push.
type framer struct {
	cfg          StreamConfig
	frameSamples int
	pending      []byte
	seq          uint64
	offset       int64
}

func newFramer(cfg StreamConfig) *framer {
	return &framer{
		cfg:          cfg,
		frameSamples: cfg.FrameSamples(),
	}
}

// push appends data and returns every frame it completed.
func (f *framer) push(data []byte, now time.Time) []Frame {
	f.pending = append(f.pending, data...)

	frameBytes := f.frameSamples * 2
	var frames []Frame
	for len(f.pending) >= frameBytes {
		samples := bytesToInt16(f.pending[:frameBytes], f.frameSamples)
		frames = append(frames, Frame{
			Seq:        f.seq,
			Role:       f.cfg.Role,
			Offset:     f.offset,
			Samples:    samples,
			SampleRate: f.cfg.SampleRate,
			Channels:   f.cfg.Channels,
			CapturedAt: now,
		})
		f.seq++
		f.offset += int64(f.frameSamples / int(f.cfg.Channels))
		f.pending = f.pending[frameBytes:]
	}

	// Compact so the backing array does not grow without bound.
	if len(f.pending) == 0 {
		f.pending = nil
	} else if cap(f.pending) > 4*frameBytes {
		f.pending = append([]byte(nil), f.pending...)
	}
	return frames
}

// bytesToInt16 converts little-endian 16-bit PCM to a sample slice.
func bytesToInt16(data []byte, sampleCount int) []int16 {
	samples := make([]int16, 0, sampleCount)
	for i := 0; i < sampleCount; i++ {
		offset := i * 2
		if offset+2 > len(data) {
			break
		}
		samples = append(samples, int16(binary.LittleEndian.Uint16(data[offset:offset+2])))
	}
	return samples
}

// readError maps queue errors onto the Backend.Read contract.
func readError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrTimeout):
		return ErrReadTimeout
	case errors.Is(err, queue.ErrClosed):
		return io.EOF
	default:
		return err
	}
}
