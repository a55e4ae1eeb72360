package segment

import (
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/chaz8081/gostt-live/internal/audio"
)

const (
	testRate    = 16000
	frameMS     = 100
	frameSample = testRate * frameMS / 1000
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// feeder builds consecutive mono frames with a known amplitude.
type feeder struct {
	seq    uint64
	offset int64
	all    []int16
}

func (f *feeder) frame(amplitude int16) audio.Frame {
	samples := make([]int16, frameSample)
	for i := range samples {
		// Alternate sign so RMS equals the amplitude.
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	fr := audio.Frame{
		Seq:        f.seq,
		Role:       audio.RoleInput,
		Offset:     f.offset,
		Samples:    samples,
		SampleRate: testRate,
		Channels:   1,
		CapturedAt: epoch.Add(time.Duration(f.offset) * time.Second / testRate),
	}
	f.seq++
	f.offset += frameSample
	f.all = append(f.all, samples...)
	return fr
}

const (
	loud  int16 = 3000 // ~0.09
	quiet int16 = 30   // ~0.001
)

func testParams(hold, maxSeg time.Duration) Params {
	return Params{SpeechEnergyThreshold: 0.01, SilenceHold: hold, MaxSegment: maxSeg}
}

func feedMS(t *testing.T, s *Segmenter, f *feeder, amplitude int16, ms int) []Segment {
	t.Helper()
	var out []Segment
	for i := 0; i < ms/frameMS; i++ {
		out = append(out, s.Push(f.frame(amplitude))...)
	}
	return out
}

func TestSpeechThenSilenceEmitsOneSegment(t *testing.T) {
	s, err := New(audio.RoleInput, testParams(500*time.Millisecond, 5*time.Second))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f := &feeder{}

	got := feedMS(t, s, f, loud, 2000)
	if len(got) != 0 {
		t.Fatalf("segments during speech = %d, want 0", len(got))
	}
	if s.State() != Speech {
		t.Fatalf("State() = %v, want SPEECH", s.State())
	}

	got = feedMS(t, s, f, quiet, 600)
	if len(got) != 1 {
		t.Fatalf("segments after silence = %d, want 1", len(got))
	}
	seg := got[0]
	if seg.Reason != ReasonSilence {
		t.Errorf("Reason = %q, want %q", seg.Reason, ReasonSilence)
	}
	if d := seg.Duration(); d != 2000*time.Millisecond {
		t.Errorf("Duration() = %v, want 2s", d)
	}
	if !seg.Start.Equal(epoch) {
		t.Errorf("Start = %v, want %v", seg.Start, epoch)
	}
	if !seg.End.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("End = %v, want start+2s", seg.End)
	}
	if s.State() != Silence {
		t.Errorf("State() = %v, want SILENCE", s.State())
	}

	if _, ok := s.Flush(); ok {
		t.Error("Flush() after silence should emit nothing")
	}
}

func TestContinuousSpeechSplitsAtMax(t *testing.T) {
	s, err := New(audio.RoleInput, testParams(500*time.Millisecond, 5*time.Second))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f := &feeder{}

	got := feedMS(t, s, f, loud, 12000)
	if len(got) != 2 {
		t.Fatalf("segments = %d, want 2", len(got))
	}
	for i, seg := range got {
		if seg.Reason != ReasonMaxDuration {
			t.Errorf("segment %d Reason = %q, want %q", i, seg.Reason, ReasonMaxDuration)
		}
		if d := seg.Duration(); d != 5*time.Second {
			t.Errorf("segment %d Duration() = %v, want 5s", i, d)
		}
	}
	if s.State() != Speech {
		t.Errorf("State() after max cut = %v, want SPEECH", s.State())
	}
	if got[1].StartOffset != got[0].EndOffset {
		t.Errorf("segment offsets not contiguous: %d != %d", got[1].StartOffset, got[0].EndOffset)
	}

	last := feedMS(t, s, f, quiet, 600)
	if len(last) != 1 {
		t.Fatalf("segments after trailing silence = %d, want 1", len(last))
	}
	if d := last[0].Duration(); d != 2*time.Second {
		t.Errorf("final Duration() = %v, want 2s", d)
	}
}

func TestContinuousSpeechFlushedOnStop(t *testing.T) {
	s, _ := New(audio.RoleInput, testParams(500*time.Millisecond, 5*time.Second))
	f := &feeder{}

	got := feedMS(t, s, f, loud, 12000)
	seg, ok := s.Flush()
	if !ok {
		t.Fatal("Flush() emitted nothing")
	}
	got = append(got, seg)
	if len(got) != 3 {
		t.Fatalf("segments = %d, want 3", len(got))
	}
	if seg.Reason != ReasonStop {
		t.Errorf("Reason = %q, want %q", seg.Reason, ReasonStop)
	}
	if d := seg.Duration(); d != 2*time.Second {
		t.Errorf("Duration() = %v, want 2s", d)
	}
	if s.State() != Silence {
		t.Errorf("State() after Flush = %v, want SILENCE", s.State())
	}
}

func TestFlushSilenceOnlyEmitsNothing(t *testing.T) {
	s, _ := New(audio.RoleInput, testParams(500*time.Millisecond, 5*time.Second))
	f := &feeder{}

	if got := feedMS(t, s, f, quiet, 3000); len(got) != 0 {
		t.Fatalf("segments from silence = %d, want 0", len(got))
	}
	if _, ok := s.Flush(); ok {
		t.Error("Flush() of silence-only buffer should emit nothing")
	}
	if s.Buffered() != 0 {
		t.Errorf("Buffered() after Flush = %v, want 0", s.Buffered())
	}
}

func TestFlushEmptyEmitsNothing(t *testing.T) {
	s, _ := New(audio.RoleInput, DefaultParams())
	if _, ok := s.Flush(); ok {
		t.Error("Flush() of empty segmenter should emit nothing")
	}
}

func TestBriefDipDoesNotCloseSegment(t *testing.T) {
	s, _ := New(audio.RoleInput, testParams(500*time.Millisecond, 10*time.Second))
	f := &feeder{}

	var got []Segment
	got = append(got, feedMS(t, s, f, loud, 1000)...)
	got = append(got, feedMS(t, s, f, quiet, 300)...)
	got = append(got, feedMS(t, s, f, loud, 1000)...)
	if len(got) != 0 {
		t.Fatalf("segments across a 300ms dip = %d, want 0", len(got))
	}
	got = feedMS(t, s, f, quiet, 500)
	if len(got) != 1 {
		t.Fatalf("segments = %d, want 1", len(got))
	}
	if d := got[0].Duration(); d != 2300*time.Millisecond {
		t.Errorf("Duration() = %v, want 2.3s", d)
	}
}

func TestSilenceOnlyBufferIsBounded(t *testing.T) {
	s, _ := New(audio.RoleInput, testParams(500*time.Millisecond, time.Second))
	f := &feeder{}

	feedMS(t, s, f, quiet, 5000)
	if b := s.Buffered(); b != time.Second {
		t.Errorf("Buffered() = %v, want 1s of leading silence", b)
	}

	// Speech onset in a full buffer pushes out one more frame of silence
	// and fills the cap at once.
	got := feedMS(t, s, f, loud, 400)
	got = append(got, feedMS(t, s, f, quiet, 500)...)
	if len(got) != 2 {
		t.Fatalf("segments = %d, want 2", len(got))
	}
	if got[0].Reason != ReasonMaxDuration || got[0].Duration() != time.Second {
		t.Errorf("first segment = %s %v, want max-duration 1s", got[0].Reason, got[0].Duration())
	}
	wantStart := epoch.Add(4100 * time.Millisecond)
	if !got[0].Start.Equal(wantStart) {
		t.Errorf("Start = %v, want %v", got[0].Start, wantStart)
	}
	if got[1].Reason != ReasonSilence || got[1].Duration() != 300*time.Millisecond {
		t.Errorf("second segment = %s %v, want silence-detected 300ms", got[1].Reason, got[1].Duration())
	}
}

func TestPauseBelowCapKeepsEverySample(t *testing.T) {
	const maxSeg = 5 * time.Second
	tests := []struct {
		name        string
		pauseMS     int
		wantDropped int
	}{
		{"short pause", 3000, 0},
		{"one frame under cap", int(maxSeg/time.Millisecond) - frameMS, 0},
		{"one second over cap", int(maxSeg/time.Millisecond) + 1000, 11 * frameSample},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := New(audio.RoleInput, testParams(500*time.Millisecond, maxSeg))
			f := &feeder{}

			got := feedMS(t, s, f, loud, 1000)
			got = append(got, feedMS(t, s, f, quiet, tt.pauseMS)...)
			got = append(got, feedMS(t, s, f, loud, 1000)...)
			if seg, ok := s.Flush(); ok {
				got = append(got, seg)
			}

			var joined []int16
			for i, seg := range got {
				if seg.Duration() > maxSeg {
					t.Fatalf("segment %d Duration() = %v exceeds cap", i, seg.Duration())
				}
				joined = append(joined, seg.Samples...)
			}
			if dropped := len(f.all) - len(joined); dropped != tt.wantDropped {
				t.Fatalf("dropped %d samples, want %d", dropped, tt.wantDropped)
			}
			if tt.wantDropped == 0 && !slices.Equal(joined, f.all) {
				t.Fatal("concatenated payload differs from input")
			}
		})
	}
}

func TestMinSpeechHoldsBackShortBursts(t *testing.T) {
	p := testParams(500*time.Millisecond, time.Second)
	p.MinSpeech = 300 * time.Millisecond

	t.Run("lone burst", func(t *testing.T) {
		s, _ := New(audio.RoleInput, p)
		f := &feeder{}
		got := feedMS(t, s, f, loud, 200)
		got = append(got, feedMS(t, s, f, quiet, 3000)...)
		if len(got) != 0 {
			t.Fatalf("segments = %d, want 0", len(got))
		}
		if s.State() != Silence {
			t.Errorf("State() = %v, want SILENCE", s.State())
		}
		if _, ok := s.Flush(); ok {
			t.Error("Flush() emitted a burst shorter than MinSpeech")
		}
	})

	t.Run("burst before stop", func(t *testing.T) {
		s, _ := New(audio.RoleInput, p)
		f := &feeder{}
		feedMS(t, s, f, loud, 200)
		if _, ok := s.Flush(); ok {
			t.Error("Flush() emitted a burst shorter than MinSpeech")
		}
	})

	t.Run("bursts add up", func(t *testing.T) {
		s, _ := New(audio.RoleInput, testParams(500*time.Millisecond, 5*time.Second))
		s.params.MinSpeech = 300 * time.Millisecond
		f := &feeder{}
		got := feedMS(t, s, f, loud, 200)
		got = append(got, feedMS(t, s, f, quiet, 600)...)
		got = append(got, feedMS(t, s, f, loud, 200)...)
		if len(got) != 0 {
			t.Fatalf("segments before second hold = %d, want 0", len(got))
		}
		got = feedMS(t, s, f, quiet, 600)
		if len(got) != 1 {
			t.Fatalf("segments = %d, want 1", len(got))
		}
		if got[0].Reason != ReasonSilence || got[0].Duration() != time.Second {
			t.Errorf("segment = %s %v, want silence-detected 1s", got[0].Reason, got[0].Duration())
		}
	})
}

func TestFixedWindows(t *testing.T) {
	p := testParams(500*time.Millisecond, time.Second)
	p.Fixed = true
	s, err := New(audio.RoleInput, p)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f := &feeder{}

	got := feedMS(t, s, f, quiet, 2500)
	if len(got) != 2 {
		t.Fatalf("segments = %d, want 2", len(got))
	}
	seg, ok := s.Flush()
	if !ok {
		t.Fatal("Flush() emitted nothing in fixed mode")
	}
	got = append(got, seg)

	wantReasons := []FlushReason{ReasonMaxDuration, ReasonMaxDuration, ReasonStop}
	wantDur := []time.Duration{time.Second, time.Second, 500 * time.Millisecond}
	var joined []int16
	for i, seg := range got {
		if seg.Reason != wantReasons[i] || seg.Duration() != wantDur[i] {
			t.Errorf("segment %d = %s %v, want %s %v", i, seg.Reason, seg.Duration(), wantReasons[i], wantDur[i])
		}
		joined = append(joined, seg.Samples...)
	}
	if !slices.Equal(joined, f.all) {
		t.Error("fixed windows do not concatenate to the input")
	}
}

func TestFrameSplitAtCap(t *testing.T) {
	// A cap that is not a multiple of the frame size forces a split.
	s, _ := New(audio.RoleInput, testParams(500*time.Millisecond, 250*time.Millisecond))
	f := &feeder{}

	got := feedMS(t, s, f, loud, 1000)
	if len(got) != 4 {
		t.Fatalf("segments = %d, want 4", len(got))
	}
	for i, seg := range got {
		if d := seg.Duration(); d != 250*time.Millisecond {
			t.Errorf("segment %d Duration() = %v, want 250ms", i, d)
		}
		if seg.Seq != uint64(i) {
			t.Errorf("segment %d Seq = %d", i, seg.Seq)
		}
	}
}

func TestConcatenationPreservesInput(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 20; trial++ {
		s, _ := New(audio.RoleInput, testParams(300*time.Millisecond, 2*time.Second))
		f := &feeder{}

		var got []Segment
		// Speech bursts separated by pauses shorter than the cap; end on
		// speech so Flush owns the tail.
		for burst := 0; burst < 6; burst++ {
			got = append(got, feedMS(t, s, f, loud, frameMS*(1+rng.IntN(40)))...)
			got = append(got, feedMS(t, s, f, quiet, frameMS*rng.IntN(20))...)
		}
		got = append(got, feedMS(t, s, f, loud, frameMS*(1+rng.IntN(10)))...)
		if seg, ok := s.Flush(); ok {
			got = append(got, seg)
		}

		var joined []int16
		for i, seg := range got {
			if seg.Duration() > 2*time.Second {
				t.Fatalf("trial %d: segment %d Duration() = %v exceeds cap", trial, i, seg.Duration())
			}
			if i > 0 && seg.StartOffset != got[i-1].EndOffset {
				t.Fatalf("trial %d: segment %d not contiguous", trial, i)
			}
			joined = append(joined, seg.Samples...)
		}
		if !slices.Equal(joined, f.all) {
			t.Fatalf("trial %d: concatenated payload (%d samples) != input (%d samples)", trial, len(joined), len(f.all))
		}
	}
}

func TestNoSegmentExceedsMaxUnderLongSpeech(t *testing.T) {
	s, _ := New(audio.RoleInput, testParams(500*time.Millisecond, 3*time.Second))
	f := &feeder{}

	got := feedMS(t, s, f, loud, 60000)
	if seg, ok := s.Flush(); ok {
		got = append(got, seg)
	}
	if len(got) != 20 {
		t.Errorf("segments = %d, want 20", len(got))
	}
	for i, seg := range got {
		if seg.Duration() > 3*time.Second {
			t.Errorf("segment %d Duration() = %v exceeds cap", i, seg.Duration())
		}
	}
}

func TestGapResyncsOffset(t *testing.T) {
	s, _ := New(audio.RoleInput, testParams(200*time.Millisecond, 5*time.Second))
	f := &feeder{}

	feedMS(t, s, f, loud, 500)
	feedMS(t, s, f, quiet, 200)
	s.Flush()

	// Skip ahead as if the frame queue had dropped 10 frames.
	f.offset += 10 * frameSample
	feedMS(t, s, f, loud, 300)
	seg, ok := s.Flush()
	if !ok {
		t.Fatal("Flush() emitted nothing")
	}
	wantOffset := int64(17 * frameSample)
	if seg.StartOffset != wantOffset {
		t.Errorf("StartOffset = %d, want %d", seg.StartOffset, wantOffset)
	}
}

func TestStereoSegments(t *testing.T) {
	s, _ := New(audio.RoleOutput, testParams(200*time.Millisecond, time.Second))
	var out []Segment
	for i := 0; i < 15; i++ {
		samples := make([]int16, 2*frameSample)
		for j := range samples {
			samples[j] = loud
		}
		out = append(out, s.Push(audio.Frame{
			Seq:        uint64(i),
			Role:       audio.RoleOutput,
			Offset:     int64(i * frameSample),
			Samples:    samples,
			SampleRate: testRate,
			Channels:   2,
			CapturedAt: epoch,
		})...)
	}
	if len(out) != 1 {
		t.Fatalf("segments = %d, want 1", len(out))
	}
	if d := out[0].Duration(); d != time.Second {
		t.Errorf("Duration() = %v, want 1s", d)
	}
	if out[0].EndOffset != testRate {
		t.Errorf("EndOffset = %d, want %d", out[0].EndOffset, testRate)
	}
	if out[0].Role != audio.RoleOutput {
		t.Errorf("Role = %q", out[0].Role)
	}
}

func TestEnergy(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{"empty", nil, 0},
		{"zero", []int16{0, 0, 0}, 0},
		{"full scale", []int16{-32768, -32768}, 1},
		{"half", []int16{16384, -16384}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Energy(tt.samples); got != tt.want {
				t.Errorf("Energy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Params
		wantErr bool
	}{
		{"defaults", DefaultParams(), false},
		{"negative threshold", Params{SpeechEnergyThreshold: -0.1, SilenceHold: time.Second, MaxSegment: time.Second}, true},
		{"threshold one", Params{SpeechEnergyThreshold: 1, SilenceHold: time.Second, MaxSegment: time.Second}, true},
		{"zero hold", Params{SpeechEnergyThreshold: 0.01, MaxSegment: time.Second}, true},
		{"zero max", Params{SpeechEnergyThreshold: 0.01, SilenceHold: time.Second}, true},
		{"min speech", Params{SpeechEnergyThreshold: 0.01, SilenceHold: time.Second, MaxSegment: time.Second, MinSpeech: 250 * time.Millisecond}, false},
		{"negative min speech", Params{SpeechEnergyThreshold: 0.01, SilenceHold: time.Second, MaxSegment: time.Second, MinSpeech: -1}, true},
		{"min speech over max", Params{SpeechEnergyThreshold: 0.01, SilenceHold: time.Second, MaxSegment: time.Second, MinSpeech: 2 * time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if _, err := New(audio.RoleInput, tt.p); (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVADStateString(t *testing.T) {
	if Silence.String() != "SILENCE" || Speech.String() != "SPEECH" {
		t.Errorf("String() = %q, %q", Silence.String(), Speech.String())
	}
}
