// Package segment turns a stream of PCM frames into bounded speech
// segments using an energy gate with hold-time hysteresis over a rolling
// buffer.
package segment

import (
	"fmt"
	"math"
	"time"

	"github.com/chaz8081/gostt-live/internal/audio"
)

// VADState is the voice-activity state of one stream.
type VADState int

const (
	Silence VADState = iota
	Speech
)

func (s VADState) String() string {
	switch s {
	case Silence:
		return "SILENCE"
	case Speech:
		return "SPEECH"
	default:
		return fmt.Sprintf("VADState(%d)", int(s))
	}
}

// FlushReason records why a segment was cut.
type FlushReason string

const (
	ReasonSilence     FlushReason = "silence-detected"
	ReasonMaxDuration FlushReason = "max-duration"
	ReasonStop        FlushReason = "forced-on-stop"
)

// Params tune the gate.
type Params struct {
	// SpeechEnergyThreshold is compared against RMS amplitude normalized
	// to [0, 1]. Frames strictly above it count as speech.
	SpeechEnergyThreshold float64
	// SilenceHold is how long energy must stay at or below the threshold
	// before an utterance is closed.
	SilenceHold time.Duration
	// MaxSegment caps the payload of every segment. A buffer holding no
	// speech never grows past it either; older silence is dropped.
	MaxSegment time.Duration
	// MinSpeech is the speech needed before a silence or stop flush emits
	// anything. Zero means one speech frame is enough. Bursts below it are
	// kept as leading context, and trimmed like silence at the cap.
	MinSpeech time.Duration
	// Fixed disables the gate: every frame counts as speech, so audio is
	// cut into MaxSegment windows and Flush emits whatever is buffered.
	Fixed bool
}

// DefaultParams returns the gate settings used when nothing is configured.
func DefaultParams() Params {
	return Params{
		SpeechEnergyThreshold: 0.01,
		SilenceHold:           500 * time.Millisecond,
		MaxSegment:            30 * time.Second,
	}
}

// Validate checks for unusable values.
func (p Params) Validate() error {
	if p.SpeechEnergyThreshold < 0 || p.SpeechEnergyThreshold >= 1 {
		return fmt.Errorf("segment: energy threshold must be in [0, 1), got %v", p.SpeechEnergyThreshold)
	}
	if p.SilenceHold <= 0 {
		return fmt.Errorf("segment: silence hold must be > 0, got %v", p.SilenceHold)
	}
	if p.MaxSegment <= 0 {
		return fmt.Errorf("segment: max segment must be > 0, got %v", p.MaxSegment)
	}
	if p.MinSpeech < 0 || p.MinSpeech > p.MaxSegment {
		return fmt.Errorf("segment: min speech must be in [0, %v], got %v", p.MaxSegment, p.MinSpeech)
	}
	return nil
}

// Segment is a finalized span of audio from one stream.
type Segment struct {
	Seq         uint64
	Role        audio.Role
	Start       time.Time
	End         time.Time
	StartOffset int64 // per-channel sample offsets within the stream
	EndOffset   int64
	Samples     []int16
	SampleRate  uint32
	Channels    uint32
	Reason      FlushReason
}

// Duration returns the payload length.
func (s Segment) Duration() time.Duration {
	return audio.SamplesDuration(len(s.Samples), s.SampleRate, s.Channels)
}

// Segmenter owns the rolling buffer and VAD state for one stream. It is
// not safe for concurrent use; each pipeline drives its own instance from
// a single goroutine.
type Segmenter struct {
	role   audio.Role
	params Params

	started    bool
	sampleRate uint32
	channels   uint32
	maxSamples int
	origin     time.Time

	state     VADState
	silentFor time.Duration

	buf       []int16
	bufOffset int64
	// speechEnd is the buffer index just past the last sample of a speech
	// frame, or 0 when nothing in buf was classified speech.
	speechEnd int
	// speechFor totals the speech-classified audio since the last cut.
	speechFor time.Duration

	seq uint64
}

// New creates a segmenter for role.
func New(role audio.Role, params Params) (*Segmenter, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Segmenter{role: role, params: params}, nil
}

// State returns the current VAD state.
func (s *Segmenter) State() VADState { return s.state }

// Buffered returns the audio currently held in the rolling buffer.
func (s *Segmenter) Buffered() time.Duration {
	return audio.SamplesDuration(len(s.buf), s.sampleRate, s.channels)
}

// Push feeds one frame and returns the segments it completed, in order.
func (s *Segmenter) Push(f audio.Frame) []Segment {
	if len(f.Samples) == 0 {
		return nil
	}
	if !s.started {
		s.init(f)
	}
	if len(s.buf) == 0 {
		s.bufOffset = f.Offset
	}

	speech := s.params.Fixed || Energy(f.Samples) > s.params.SpeechEnergyThreshold

	var out []Segment
	samples := f.Samples
	for len(samples) > 0 {
		room := s.maxSamples - len(s.buf)
		if room <= 0 {
			// Full buffer without enough speech to emit: slide forward.
			s.dropFront(min(len(samples), len(s.buf)))
			continue
		}
		n := min(room, len(samples))
		s.buf = append(s.buf, samples[:n]...)
		samples = samples[n:]
		if speech {
			s.speechEnd = len(s.buf)
			s.speechFor += audio.SamplesDuration(n, s.sampleRate, s.channels)
		}
		if len(s.buf) >= s.maxSamples && s.voiced() {
			out = append(out, s.cut(len(s.buf), ReasonMaxDuration))
		}
	}

	switch {
	case speech:
		s.state = Speech
		s.silentFor = 0
	case s.state == Speech:
		s.silentFor += f.Duration()
		if s.silentFor >= s.params.SilenceHold {
			s.state = Silence
			s.silentFor = 0
			if s.voiced() {
				out = append(out, s.cut(s.speechEnd, ReasonSilence))
			}
		}
	}
	return out
}

// Flush ends the current utterance. It returns a segment only when the
// buffer holds at least MinSpeech of speech since the last cut; anything
// else is discarded. The segmenter is reset to SILENCE either way.
func (s *Segmenter) Flush() (Segment, bool) {
	defer func() {
		s.state = Silence
		s.silentFor = 0
	}()

	if !s.voiced() {
		s.dropFront(len(s.buf))
		return Segment{}, false
	}
	return s.cut(len(s.buf), ReasonStop), true
}

func (s *Segmenter) init(f audio.Frame) {
	s.started = true
	s.sampleRate = f.SampleRate
	s.channels = max(f.Channels, 1)

	perChannel := int(uint64(s.sampleRate) * uint64(s.params.MaxSegment) / uint64(time.Second))
	s.maxSamples = max(perChannel, 1) * int(s.channels)

	s.origin = f.CapturedAt.Add(-audio.SamplesDuration(int(f.Offset)*int(s.channels), s.sampleRate, s.channels))
}

// cut emits the first n buffered samples and keeps the rest.
func (s *Segmenter) cut(n int, reason FlushReason) Segment {
	payload := make([]int16, n)
	copy(payload, s.buf[:n])

	perChannel := int64(n) / int64(s.channels)
	seg := Segment{
		Seq:         s.seq,
		Role:        s.role,
		StartOffset: s.bufOffset,
		EndOffset:   s.bufOffset + perChannel,
		Samples:     payload,
		SampleRate:  s.sampleRate,
		Channels:    s.channels,
		Reason:      reason,
	}
	seg.Start = s.origin.Add(s.offsetDuration(seg.StartOffset))
	seg.End = s.origin.Add(s.offsetDuration(seg.EndOffset))
	s.seq++

	s.dropFront(n)
	s.speechFor = 0
	return seg
}

// voiced reports whether the buffer holds enough speech to emit.
func (s *Segmenter) voiced() bool {
	if s.speechEnd == 0 {
		return false
	}
	return s.params.Fixed || s.speechFor >= s.params.MinSpeech
}

// dropFront discards the first n buffered samples.
func (s *Segmenter) dropFront(n int) {
	if n <= 0 {
		return
	}
	rest := copy(s.buf, s.buf[n:])
	s.buf = s.buf[:rest]
	s.bufOffset += int64(n) / int64(s.channels)
	s.speechEnd = max(0, s.speechEnd-n)
	if s.speechEnd == 0 {
		s.speechFor = 0
	}
}

func (s *Segmenter) offsetDuration(offset int64) time.Duration {
	return time.Duration(offset * int64(time.Second) / int64(s.sampleRate))
}

// Energy returns the RMS amplitude of samples normalized to [0, 1].
func Energy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(samples))) / 32768
}
