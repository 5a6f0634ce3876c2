// Package metrics writes the outcome of a probe run in the Prometheus text
// format for the node_exporter textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hamed0406/brokerprobe/internal/probe"
)

// Recorder holds the gauges of one run on its own registry, so repeated
// runs in one process never collide on the default registerer.
type Recorder struct {
	reg *prometheus.Registry

	verdict  prometheus.Gauge
	sent     prometheus.Gauge
	received prometheus.Gauge
	duration prometheus.Gauge
	lastRun  prometheus.Gauge
}

// NewRecorder labels every series with the probed endpoint and destination.
func NewRecorder(url, destination string) *Recorder {
	labels := prometheus.Labels{"url": url, "destination": destination}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "brokerprobe",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	r := &Recorder{
		reg:      prometheus.NewRegistry(),
		verdict:  gauge("verdict", "Verdict of the last run: 0=OK 1=WARNING 2=CRITICAL 3=UNKNOWN"),
		sent:     gauge("sent", "1 if the test message was sent"),
		received: gauge("received", "1 if a message was received back"),
		duration: gauge("duration_seconds", "Wall time of the last run in seconds"),
		lastRun:  gauge("last_run_timestamp_seconds", "Unix time the last run finished"),
	}
	r.reg.MustRegister(r.verdict, r.sent, r.received, r.duration, r.lastRun)
	return r
}

func (r *Recorder) Observe(res probe.Result, at time.Time) {
	r.verdict.Set(float64(res.Verdict.ExitCode()))
	r.sent.Set(boolValue(res.Sent))
	r.received.Set(boolValue(res.Received))
	r.duration.Set(res.Duration.Seconds())
	r.lastRun.Set(float64(at.Unix()))
}

// WriteTextfile writes atomically (temp file plus rename).
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
