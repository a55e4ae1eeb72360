package dispatch

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/chaz8081/gostt-live/internal/segment"
)

// WriteWAV stores a segment as 16-bit PCM WAV.
func WriteWAV(path string, seg segment.Segment) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dispatch: creating %s: %w", path, err)
	}
	defer f.Close()

	channels := int(max(seg.Channels, 1))
	enc := wav.NewEncoder(f, int(seg.SampleRate), 16, channels, 1)
	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  int(seg.SampleRate),
		},
		Data:           make([]int, len(seg.Samples)),
		SourceBitDepth: 16,
	}
	for i, s := range seg.Samples {
		buf.Data[i] = int(s)
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return fmt.Errorf("dispatch: encoding %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("dispatch: finishing %s: %w", path, err)
	}
	return nil
}
