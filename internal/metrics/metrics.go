// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gostt_live"

// Capture and segmentation counters (incremented by the pipelines).
var (
	FramesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Frames evicted from a full frame queue.",
	}, []string{"role"})

	SegmentsEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_emitted_total",
		Help:      "Segments produced by the segmenter.",
	}, []string{"role", "reason"})

	SegmentsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_dropped_total",
		Help:      "Segments evicted from a full segment queue.",
	}, []string{"role"})

	DeviceOpenFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "device_open_failures_total",
		Help:      "Failed attempts to open a capture device.",
	}, []string{"role"})
)

// Transcription metrics (recorded per dispatched segment).
var (
	TranscriptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcriptions_total",
		Help:      "Engine invocations by outcome.",
	}, []string{"role", "result"})

	TranscriptionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transcription_duration_seconds",
		Help:      "Wall time spent transcribing one segment, retries included.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms → 32s
	}, []string{"role"})

	SegmentAudioSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "segment_audio_seconds",
		Help:      "Audio length of emitted segments.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"role"})
)

// Transcription results used as the "result" label.
const (
	ResultOK     = "ok"
	ResultEmpty  = "empty"
	ResultFailed = "failed"
)

func init() {
	prometheus.MustRegister(
		FramesDroppedTotal,
		SegmentsEmittedTotal,
		SegmentsDroppedTotal,
		DeviceOpenFailuresTotal,
		TranscriptionsTotal,
		TranscriptionDuration,
		SegmentAudioSeconds,
	)
}

// Server serves /metrics over HTTP.
type Server struct {
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

// Start binds addr and serves the default registry plus extra collectors.
func Start(addr string, extra ...prometheus.Collector) (*Server, error) {
	reg := prometheus.NewRegistry()
	for _, c := range extra {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: registering collector: %w", err)
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listening on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, reg},
		promhttp.HandlerOpts{},
	))

	s := &Server{
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:   ln,
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[metrics] server stopped", "error", err)
		}
	}()
	slog.Info("[metrics] listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops the listener and waits for in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
