package state

import "sync/atomic"

// Counters are per-stream event counts updated by the pipeline goroutines.
type Counters struct {
	FramesDropped        atomic.Uint64
	SegmentsDropped      atomic.Uint64
	SegmentsEmitted      atomic.Uint64
	TranscriptsWritten   atomic.Uint64
	TranscriptionsFailed atomic.Uint64
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	FramesDropped        uint64 `json:"frames_dropped"`
	SegmentsDropped      uint64 `json:"segments_dropped"`
	SegmentsEmitted      uint64 `json:"segments_emitted"`
	TranscriptsWritten   uint64 `json:"transcripts_written"`
	TranscriptionsFailed uint64 `json:"transcriptions_failed"`
}

// Snapshot reads every counter.
func (c *Counters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		FramesDropped:        c.FramesDropped.Load(),
		SegmentsDropped:      c.SegmentsDropped.Load(),
		SegmentsEmitted:      c.SegmentsEmitted.Load(),
		TranscriptsWritten:   c.TranscriptsWritten.Load(),
		TranscriptionsFailed: c.TranscriptionsFailed.Load(),
	}
}
