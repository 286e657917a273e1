package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Session defaults, applied for fields the caller leaves at zero.
const (
	DefaultFPS           = 30
	DefaultWidth         = 1280
	DefaultHeight        = 720
	DefaultBitrate       = "2000k"
	DefaultConfThreshold = 0.25
	DefaultIoUThreshold  = 0.45
)

var bitratePattern = regexp.MustCompile(`^[0-9]+[kKmM]?$`)

// SessionConfig describes one ingest -> detect -> publish session. It is
// immutable once a session starts; changing parameters means stopping the
// session and starting a new one.
type SessionConfig struct {
	// InputURL is the stream to ingest (rtmp://, rtsp://, http(s)://, or
	// a local media file path).
	InputURL string `json:"input_url" yaml:"input_url"`

	// OutputURL is where annotated frames are published.
	OutputURL string `json:"output_url" yaml:"output_url"`

	// WeightsPath is the detector model to load.
	WeightsPath string `json:"weights_path" yaml:"weights_path"`

	// FPS is the target publish rate.
	FPS int `json:"fps" yaml:"fps"`

	// Width and Height are the processing and output resolution.
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`

	// Bitrate is the output video bitrate, e.g. "2000k".
	Bitrate string `json:"bitrate" yaml:"bitrate"`

	// ConfThreshold drops detections scoring below it, in [0, 1].
	ConfThreshold float32 `json:"conf_threshold" yaml:"conf_threshold"`

	// IoUThreshold is the overlap ratio above which lower-confidence
	// detections of the same class are suppressed, in (0, 1].
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
}

// ValidationError reports why a session configuration was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid session config: %s: %s", e.Field, e.Reason)
}

// ApplyDefaults fills zero-valued optional fields. Required fields
// (InputURL, OutputURL, WeightsPath) are left alone for Validate to
// reject.
func (c *SessionConfig) ApplyDefaults() {
	if c.FPS == 0 {
		c.FPS = DefaultFPS
	}
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.Height == 0 {
		c.Height = DefaultHeight
	}
	if c.Bitrate == "" {
		c.Bitrate = DefaultBitrate
	}
	if c.ConfThreshold == 0 {
		c.ConfThreshold = DefaultConfThreshold
	}
	if c.IoUThreshold == 0 {
		c.IoUThreshold = DefaultIoUThreshold
	}
}

// Validate checks the session configuration. The first offending field is
// reported as a *ValidationError.
func (c *SessionConfig) Validate() error {
	if err := validateStreamURL("input_url", c.InputURL); err != nil {
		return err
	}
	if err := validateStreamURL("output_url", c.OutputURL); err != nil {
		return err
	}

	if c.WeightsPath == "" {
		return &ValidationError{Field: "weights_path", Reason: "must not be empty"}
	}

	if c.FPS <= 0 || c.FPS > 240 {
		return &ValidationError{Field: "fps", Reason: fmt.Sprintf("must be in 1..240, got %d", c.FPS)}
	}

	if c.Width <= 0 {
		return &ValidationError{Field: "width", Reason: fmt.Sprintf("must be positive, got %d", c.Width)}
	}
	if c.Height <= 0 {
		return &ValidationError{Field: "height", Reason: fmt.Sprintf("must be positive, got %d", c.Height)}
	}

	// libx264 with yuv420p output cannot encode odd dimensions.
	if c.Width%2 != 0 || c.Height%2 != 0 {
		return &ValidationError{Field: "width/height", Reason: fmt.Sprintf("must be even, got %dx%d", c.Width, c.Height)}
	}

	if !bitratePattern.MatchString(c.Bitrate) {
		return &ValidationError{Field: "bitrate", Reason: fmt.Sprintf("must match %s, got %q", bitratePattern.String(), c.Bitrate)}
	}

	if c.ConfThreshold < 0 || c.ConfThreshold > 1 {
		return &ValidationError{Field: "conf_threshold", Reason: fmt.Sprintf("must be in [0, 1], got %v", c.ConfThreshold)}
	}

	if c.IoUThreshold <= 0 || c.IoUThreshold > 1 {
		return &ValidationError{Field: "iou_threshold", Reason: fmt.Sprintf("must be in (0, 1], got %v", c.IoUThreshold)}
	}

	return nil
}

// validateStreamURL accepts scheme://... endpoints and plain local file
// paths. A string that looks like a URL but does not parse is rejected.
func validateStreamURL(field, raw string) error {
	if raw == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}

	if !strings.Contains(raw, "://") {
		// Local file path, handed to the backend as-is.
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("malformed URL: %v", err)}
	}
	if u.Scheme == "" || u.Host == "" {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("malformed URL %q", raw)}
	}

	return nil
}
