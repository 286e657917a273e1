package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon-level configuration loaded at startup.
// Per-session settings (stream URLs, model weights, thresholds) arrive
// through the control API as a SessionConfig instead.
type Config struct {
	// ListenAddr is the address the control/metrics HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is one of: text, json.
	LogFormat string `yaml:"log_format"`

	// Overlay enables the FPS/latency HUD drawn on published frames.
	Overlay bool `yaml:"overlay"`

	// StopGraceSeconds bounds how long Stop waits for the pipeline
	// stages to drain before tearing them down.
	StopGraceSeconds int `yaml:"stop_grace_s"`

	Source SourceConfig `yaml:"source"`
	Engine EngineConfig `yaml:"engine"`
	Queues QueueConfig  `yaml:"queues"`
	Sink   SinkConfig   `yaml:"sink"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

// SourceConfig controls the frame ingest stage.
type SourceConfig struct {
	// Backend selects the capture implementation: opencv or gstreamer.
	Backend string `yaml:"backend"`

	// DecodeRetries is how many consecutive decode failures are tolerated
	// before the connection is considered lost.
	DecodeRetries int `yaml:"decode_retries"`

	// MaxReconnects is the reconnect budget before the source fails the
	// session. RetryDelaySeconds doubles per attempt up to
	// MaxRetryDelaySeconds.
	MaxReconnects        int `yaml:"max_reconnects"`
	RetryDelaySeconds    int `yaml:"retry_delay_s"`
	MaxRetryDelaySeconds int `yaml:"max_retry_delay_s"`
}

// EngineConfig controls the detection stage.
type EngineConfig struct {
	// Backend selects the detector implementation: dnn or bridge.
	Backend string `yaml:"backend"`

	// InputSize is the square input resolution the model expects.
	InputSize int `yaml:"input_size"`

	// NamesPath optionally overrides the built-in class name list with a
	// newline-separated file.
	NamesPath string `yaml:"names_path"`

	// Bridge configures the external detector process used by the
	// bridge backend.
	Bridge BridgeConfig `yaml:"bridge"`
}

// BridgeConfig describes the external detector process.
type BridgeConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// QueueConfig sets the capacities of the inter-stage queues.
type QueueConfig struct {
	// Detect is the source -> detector queue depth.
	Detect int `yaml:"detect"`

	// Annotate is the detector -> annotator queue depth.
	Annotate int `yaml:"annotate"`

	// Publish is the per-subscriber annotator -> sink queue depth.
	Publish int `yaml:"publish"`

	// Drop is the overflow policy on the detect queue: newest or oldest.
	// "newest" keeps the backlog and discards incoming frames, "oldest"
	// evicts the stalest frame to make room for the incoming one.
	Drop string `yaml:"drop"`
}

// SinkConfig controls the output publishing stage.
type SinkConfig struct {
	// Binary is the encoder executable. Override only for testing.
	Binary string `yaml:"binary"`

	// Preset and Tune map to the libx264 options of the same name.
	Preset string `yaml:"preset"`
	Tune   string `yaml:"tune"`

	// Format is the output container format.
	Format string `yaml:"format"`

	// PublishTimeoutSeconds bounds a single frame write before it is
	// reported as a publish timeout.
	PublishTimeoutSeconds int `yaml:"publish_timeout_s"`

	// MaxReconnects is the reopen budget after the encoder dies or a
	// publish times out.
	MaxReconnects        int `yaml:"max_reconnects"`
	RetryDelaySeconds    int `yaml:"retry_delay_s"`
	MaxRetryDelaySeconds int `yaml:"max_retry_delay_s"`
}

// MQTTConfig controls the optional detection event emitter.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

// Default returns the configuration used when no file (or an empty file)
// is provided.
func Default() *Config {
	return &Config{
		ListenAddr:       ":8080",
		LogLevel:         "info",
		LogFormat:        "text",
		Overlay:          true,
		StopGraceSeconds: 5,
		Source: SourceConfig{
			Backend:              "opencv",
			DecodeRetries:        3,
			MaxReconnects:        5,
			RetryDelaySeconds:    1,
			MaxRetryDelaySeconds: 5,
		},
		Engine: EngineConfig{
			Backend:   "dnn",
			InputSize: 640,
		},
		Queues: QueueConfig{
			Detect:   10,
			Annotate: 4,
			Publish:  8,
			Drop:     "newest",
		},
		Sink: SinkConfig{
			Binary:                "ffmpeg",
			Preset:                "ultrafast",
			Tune:                  "zerolatency",
			Format:                "flv",
			PublishTimeoutSeconds: 5,
			MaxReconnects:         5,
			RetryDelaySeconds:     1,
			MaxRetryDelaySeconds:  5,
		},
		MQTT: MQTTConfig{
			ClientID: "yolod",
			Topic:    "yolo/detections",
		},
	}
}

// Load reads configuration from a YAML file. Missing keys keep their
// defaults, so a partial file is fine.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// StopGrace returns the drain deadline for Stop.
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// RetryDelay returns the initial reconnect backoff for the source.
func (c *SourceConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// MaxRetryDelay returns the backoff cap for the source.
func (c *SourceConfig) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelaySeconds) * time.Second
}

// PublishTimeout returns the per-frame write deadline for the sink.
func (c *SinkConfig) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutSeconds) * time.Second
}

// RetryDelay returns the initial reopen backoff for the sink.
func (c *SinkConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// MaxRetryDelay returns the reopen backoff cap for the sink.
func (c *SinkConfig) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelaySeconds) * time.Second
}
