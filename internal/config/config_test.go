package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultIsValid verifies the built-in defaults pass validation.
func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config failed validation: %v", err)
	}
}

// TestLoadPartialFile verifies missing keys keep their defaults.
func TestLoadPartialFile(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9090"
source:
  backend: gstreamer
queues:
  detect: 32
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("Expected listen_addr :9090, got %q", cfg.ListenAddr)
	}
	if cfg.Source.Backend != "gstreamer" {
		t.Errorf("Expected gstreamer backend, got %q", cfg.Source.Backend)
	}
	if cfg.Queues.Detect != 32 {
		t.Errorf("Expected detect queue 32, got %d", cfg.Queues.Detect)
	}

	// Untouched keys keep defaults.
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log_level info, got %q", cfg.LogLevel)
	}
	if !cfg.Overlay {
		t.Error("Expected overlay to default to true")
	}
	if cfg.Queues.Annotate != 4 {
		t.Errorf("Expected default annotate queue 4, got %d", cfg.Queues.Annotate)
	}
}

// TestLoadOverlayOff verifies an explicit false survives the default merge.
func TestLoadOverlayOff(t *testing.T) {
	path := writeConfig(t, "overlay: false\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Overlay {
		t.Error("Expected overlay false")
	}
}

// TestLoadMissingFile verifies the error path for an absent file.
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

// TestLoadMalformedYAML verifies parse errors are reported.
func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "listen_addr: [unclosed\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Expected error for malformed YAML")
	}
}

// TestValidateRejects walks the validation rules.
func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "logfmt" }},
		{"zero stop grace", func(c *Config) { c.StopGraceSeconds = 0 }},
		{"unknown source backend", func(c *Config) { c.Source.Backend = "v4l2" }},
		{"zero decode retries", func(c *Config) { c.Source.DecodeRetries = 0 }},
		{"zero source reconnects", func(c *Config) { c.Source.MaxReconnects = 0 }},
		{"inverted source delays", func(c *Config) { c.Source.MaxRetryDelaySeconds = 0 }},
		{"unknown engine backend", func(c *Config) { c.Engine.Backend = "tensorrt" }},
		{"bridge without command", func(c *Config) { c.Engine.Backend = "bridge" }},
		{"input size not multiple of 32", func(c *Config) { c.Engine.InputSize = 600 }},
		{"zero detect queue", func(c *Config) { c.Queues.Detect = 0 }},
		{"unknown drop policy", func(c *Config) { c.Queues.Drop = "random" }},
		{"empty sink binary", func(c *Config) { c.Sink.Binary = "" }},
		{"zero publish timeout", func(c *Config) { c.Sink.PublishTimeoutSeconds = 0 }},
		{"zero sink reconnects", func(c *Config) { c.Sink.MaxReconnects = 0 }},
		{"mqtt enabled without broker", func(c *Config) { c.MQTT.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}
