package config

import "fmt"

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the daemon configuration for values the pipeline
// cannot operate with. It does not touch session-level settings.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}

	if !logLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json (got %q)", c.LogFormat)
	}

	if c.StopGraceSeconds <= 0 {
		return fmt.Errorf("stop_grace_s must be positive (got %d)", c.StopGraceSeconds)
	}

	switch c.Source.Backend {
	case "opencv", "gstreamer":
	default:
		return fmt.Errorf("source.backend must be opencv or gstreamer (got %q)", c.Source.Backend)
	}

	if c.Source.DecodeRetries <= 0 {
		return fmt.Errorf("source.decode_retries must be positive (got %d)", c.Source.DecodeRetries)
	}

	if c.Source.MaxReconnects <= 0 {
		return fmt.Errorf("source.max_reconnects must be positive (got %d)", c.Source.MaxReconnects)
	}

	if c.Source.RetryDelaySeconds <= 0 || c.Source.MaxRetryDelaySeconds < c.Source.RetryDelaySeconds {
		return fmt.Errorf("source retry delays must satisfy 0 < retry_delay_s <= max_retry_delay_s")
	}

	switch c.Engine.Backend {
	case "dnn":
	case "bridge":
		if c.Engine.Bridge.Command == "" {
			return fmt.Errorf("engine.bridge.command is required for the bridge backend")
		}
	default:
		return fmt.Errorf("engine.backend must be dnn or bridge (got %q)", c.Engine.Backend)
	}

	if c.Engine.InputSize <= 0 || c.Engine.InputSize%32 != 0 {
		return fmt.Errorf("engine.input_size must be a positive multiple of 32 (got %d)", c.Engine.InputSize)
	}

	if c.Queues.Detect <= 0 || c.Queues.Annotate <= 0 || c.Queues.Publish <= 0 {
		return fmt.Errorf("queue depths must be positive (detect=%d annotate=%d publish=%d)",
			c.Queues.Detect, c.Queues.Annotate, c.Queues.Publish)
	}

	if c.Queues.Drop != "newest" && c.Queues.Drop != "oldest" {
		return fmt.Errorf("queues.drop must be newest or oldest (got %q)", c.Queues.Drop)
	}

	if c.Sink.Binary == "" {
		return fmt.Errorf("sink.binary must not be empty")
	}

	if c.Sink.PublishTimeoutSeconds <= 0 {
		return fmt.Errorf("sink.publish_timeout_s must be positive (got %d)", c.Sink.PublishTimeoutSeconds)
	}

	if c.Sink.MaxReconnects <= 0 {
		return fmt.Errorf("sink.max_reconnects must be positive (got %d)", c.Sink.MaxReconnects)
	}

	if c.Sink.RetryDelaySeconds <= 0 || c.Sink.MaxRetryDelaySeconds < c.Sink.RetryDelaySeconds {
		return fmt.Errorf("sink retry delays must satisfy 0 < retry_delay_s <= max_retry_delay_s")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.Topic == "" {
			return fmt.Errorf("mqtt.topic is required when mqtt is enabled")
		}
	}

	return nil
}
