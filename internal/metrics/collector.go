package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chaz8081/gostt-live/internal/state"
)

// StatusSource provides the daemon state at scrape time.
type StatusSource interface {
	Snapshot() state.Snapshot
}

// Collector reports daemon and stream state as gauges read at scrape time.
type Collector struct {
	src StatusSource

	uptime        *prometheus.Desc
	streamRunning *prometheus.Desc
	transcripts   *prometheus.Desc
}

// NewCollector creates a collector over src.
func NewCollector(src StatusSource) *Collector {
	return &Collector{
		src: src,
		uptime: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "uptime_seconds"),
			"Seconds since the daemon started.",
			nil, nil,
		),
		streamRunning: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "stream", "running"),
			"1 when the stream pipeline is running.",
			[]string{"role", "status"}, nil,
		),
		transcripts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "stream", "transcripts_written"),
			"Transcript lines written this session.",
			[]string{"role"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.uptime
	ch <- c.streamRunning
	ch <- c.transcripts
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, snap.Elapsed().Seconds())
	for _, st := range snap.Streams {
		running := 0.0
		if st.Status == state.StatusRunning {
			running = 1
		}
		ch <- prometheus.MustNewConstMetric(c.streamRunning, prometheus.GaugeValue, running, string(st.Role), string(st.Status))
		ch <- prometheus.MustNewConstMetric(c.transcripts, prometheus.GaugeValue, float64(st.Counters.TranscriptsWritten), string(st.Role))
	}
}
