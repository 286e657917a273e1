// Package source ingests video streams and emits decoded frames.
//
// A Source owns one upstream connection. It reconnects on transient
// failures with exponential backoff and reports a terminal error through
// Err() once its reconnect budget is exhausted or the stream ends.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/C6H12O6Mix/yolo/internal/types"
)

// State is the connection state of a source.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateRetrying
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DropPolicy defines what happens when the frame channel is full.
type DropPolicy int

const (
	// DropNew discards the incoming frame and keeps the backlog.
	DropNew DropPolicy = iota
	// DropOld evicts the stalest buffered frame to make room.
	DropOld
)

// ParseDropPolicy maps the config spelling to a DropPolicy.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch s {
	case "newest", "":
		return DropNew, nil
	case "oldest":
		return DropOld, nil
	default:
		return DropNew, fmt.Errorf("unknown drop policy %q", s)
	}
}

// Config holds the settings shared by all source backends.
type Config struct {
	// URL is the stream to open.
	URL string

	// SessionID is stamped onto every emitted frame.
	SessionID string

	// TargetFPS paces frame emission.
	TargetFPS int

	// Width and Height are the emitted frame dimensions. Decoded frames
	// of a different size are scaled.
	Width  int
	Height int

	// QueueSize is the capacity of the Frames() channel.
	QueueSize int

	// Drop is the overflow policy for the Frames() channel.
	Drop DropPolicy

	// DecodeRetries is how many consecutive decode failures are tolerated
	// before the connection is treated as lost.
	DecodeRetries int

	// Reconnect bounds the reconnect loop.
	Reconnect ReconnectConfig
}

// Stats is a point-in-time snapshot of source counters.
type Stats struct {
	FramesCaptured uint64
	FramesDropped  uint64
	DecodeFailures uint64
	Reconnects     uint32
	Connected      bool
	FPS            float64
}

// Source produces decoded frames from an upstream stream.
//
// Start performs the initial connect synchronously, then feeds Frames()
// from a background loop. The channel is closed when the source stops or
// fails; Err() distinguishes the two.
type Source interface {
	Start(ctx context.Context) error
	Frames() <-chan types.Frame
	Stop()
	Err() error
	State() State
	Stats() Stats
}

// New builds the source for cfg.URL. mock:// URLs always get the
// synthetic source, everything else goes to the configured backend.
func New(backend string, cfg Config, log *slog.Logger) (Source, error) {
	if strings.HasPrefix(cfg.URL, "mock://") {
		return NewMock(cfg, log), nil
	}

	switch backend {
	case "opencv", "":
		return NewOpenCV(cfg, log), nil
	case "gstreamer":
		return NewGStreamer(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown source backend %q", backend)
	}
}

// deliver pushes a frame into ch without ever blocking the capture loop.
// Returns false when the frame (or, under DropOld, a racing newer frame)
// was lost; every lost frame increments dropped exactly once.
func deliver(ch chan types.Frame, frame types.Frame, policy DropPolicy, dropped *atomic.Uint64) bool {
	select {
	case ch <- frame:
		return true
	default:
	}

	if policy == DropOld {
		select {
		case <-ch:
			dropped.Add(1)
		default:
		}
		select {
		case ch <- frame:
			return true
		default:
		}
	}

	dropped.Add(1)
	return false
}

// frameInterval converts a target FPS into a ticker period.
func frameInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}
