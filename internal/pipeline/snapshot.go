package pipeline

import "time"

// Snapshot is an immutable copy of the session state. Callers get a
// fresh value per Status call and can never observe a torn update.
type Snapshot struct {
	SessionID string    `json:"session_id,omitempty"`
	Phase     string    `json:"phase"`
	StartedAt time.Time `json:"started_at,omitempty"`
	UptimeS   float64   `json:"uptime_s"`

	FramesSourced   uint64 `json:"frames_sourced"`
	FramesProcessed uint64 `json:"frames_processed"`
	FramesPublished uint64 `json:"frames_published"`
	FramesDropped   uint64 `json:"frames_dropped"`

	SourceState      string  `json:"source_state,omitempty"`
	SourceReconnects uint32  `json:"source_reconnects"`
	SourceFPS        float64 `json:"source_fps"`
	SinkReopens      uint32  `json:"sink_reopens"`

	InferenceMS float64 `json:"inference_ms_ewma"`
	EndToEndMS  float64 `json:"end_to_end_ms_ewma"`

	QueueDetect   int `json:"queue_detect"`
	QueueAnnotate int `json:"queue_annotate"`
	QueuePublish  int `json:"queue_publish"`

	LastError string `json:"last_error,omitempty"`
}
