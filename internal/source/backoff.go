package source

import "time"

// ReconnectConfig bounds a reconnect loop.
type ReconnectConfig struct {
	// MaxRetries is the number of reconnect attempts after a lost
	// connection before giving up.
	MaxRetries int

	// RetryDelay is the delay before the first retry.
	RetryDelay time.Duration

	// MaxRetryDelay caps the exponential growth.
	MaxRetryDelay time.Duration
}

// DefaultReconnectConfig returns the standard reconnect policy:
// 5 attempts, delays 1s, 2s, 4s, 5s, 5s.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 5 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
//
// The delay doubles per attempt starting from RetryDelay and is capped
// at MaxRetryDelay:
//
//	attempt 1: RetryDelay
//	attempt 2: RetryDelay * 2
//	attempt 3: RetryDelay * 4
//	...
func Backoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt <= 1 {
		return cfg.RetryDelay
	}

	// Shifting by more than 30 would overflow any sane delay anyway.
	shift := uint(attempt - 1)
	if shift > 30 {
		shift = 30
	}

	delay := cfg.RetryDelay * time.Duration(1<<shift)
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		return cfg.MaxRetryDelay
	}
	return delay
}
