// Package metrics exposes the pipeline counters as Prometheus metrics.
//
// All values are read from coordinator status snapshots at scrape time,
// so the hot path carries no metric instrumentation of its own.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/C6H12O6Mix/yolo/internal/pipeline"
)

// phaseValue maps the lifecycle phase to a stable numeric gauge so
// dashboards can alert on transitions.
var phaseValue = map[string]float64{
	"idle":     0,
	"starting": 1,
	"running":  2,
	"stopping": 3,
	"stopped":  4,
	"failed":   5,
}

// NewRegistry builds a registry with the pipeline metrics plus the
// standard Go and process collectors.
func NewRegistry(coord *pipeline.Coordinator) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Counters read lifetime totals so they stay monotonic across
	// session restarts; gauges read the live snapshot.
	snap := func() pipeline.Snapshot { return coord.Status() }
	totals := func() pipeline.Totals { return coord.Totals() }

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "yolo_session_phase",
		Help: "Lifecycle phase (0=idle 1=starting 2=running 3=stopping 4=stopped 5=failed).",
	}, func() float64 { return phaseValue[snap().Phase] }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "yolo_session_uptime_seconds",
		Help: "Seconds since the active session started.",
	}, func() float64 { return snap().UptimeS }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "yolo_frames_sourced_total",
		Help: "Frames captured from the input stream.",
	}, func() float64 { return float64(totals().FramesSourced) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "yolo_frames_processed_total",
		Help: "Frames run through the detector.",
	}, func() float64 { return float64(totals().FramesProcessed) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "yolo_frames_published_total",
		Help: "Annotated frames written to the output stream.",
	}, func() float64 { return float64(totals().FramesPublished) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "yolo_frames_dropped_total",
		Help: "Frames lost to full queues, decode errors or stale rejection.",
	}, func() float64 { return float64(totals().FramesDropped) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "yolo_source_reconnects_total",
		Help: "Reconnect attempts made by the source.",
	}, func() float64 { return float64(totals().SourceReconnects) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "yolo_sink_reopens_total",
		Help: "Times the output encoder was reopened.",
	}, func() float64 { return float64(totals().SinkReopens) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "yolo_source_fps",
		Help: "Observed capture rate.",
	}, func() float64 { return snap().SourceFPS }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "yolo_inference_ms",
		Help: "Smoothed per-frame inference time in milliseconds.",
	}, func() float64 { return snap().InferenceMS }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "yolo_end_to_end_ms",
		Help: "Smoothed capture-to-publish latency in milliseconds.",
	}, func() float64 { return snap().EndToEndMS }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "yolo_queue_detect_depth",
		Help: "Frames waiting for the detector.",
	}, func() float64 { return float64(snap().QueueDetect) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "yolo_queue_annotate_depth",
		Help: "Results waiting for the annotator.",
	}, func() float64 { return float64(snap().QueueAnnotate) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "yolo_queue_publish_depth",
		Help: "Annotated frames waiting for the sink.",
	}, func() float64 { return float64(snap().QueuePublish) }))

	return reg
}
