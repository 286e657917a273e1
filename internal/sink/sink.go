// Package sink encodes annotated frames and republishes them to the
// output endpoint.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/C6H12O6Mix/yolo/internal/types"
)

// ErrStale reports a frame whose sequence number is not ahead of the
// last published frame. It is a per-frame fault; the frame is dropped
// and the session lives.
var ErrStale = errors.New("sink: frame not newer than last published")

// ErrClosed reports a publish against a closed sink.
var ErrClosed = errors.New("sink: closed")

// ConnectError reports a failed open of the output endpoint.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("sink: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// PublishError reports a failed or timed-out frame write. It is a
// transient fault: the caller reopens the sink with bounded backoff.
type PublishError struct {
	Seq     uint64
	Timeout bool
	Err     error
}

func (e *PublishError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("sink: publish frame %d: timed out: %v", e.Seq, e.Err)
	}
	return fmt.Sprintf("sink: publish frame %d: %v", e.Seq, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Stats is a point-in-time snapshot of sink counters.
type Stats struct {
	Published uint64
	Rejected  uint64
	Reopens   uint32
	Connected bool
}

// Sink publishes frames to the output endpoint. Publish rejects frames
// that would violate sequence ordering with ErrStale; published
// sequence numbers are strictly increasing.
type Sink interface {
	Open(ctx context.Context) error
	Publish(frame types.Frame) error
	Close() error
	Stats() Stats
}

// seqGate enforces the ordering guarantee shared by all sink backends.
// Not safe for concurrent use; sinks serialize Publish.
type seqGate struct {
	last    uint64
	hasLast bool
}

// accept reports whether seq may be published, advancing the gate when
// it does.
func (g *seqGate) accept(seq uint64) bool {
	if g.hasLast && seq <= g.last {
		return false
	}
	g.last = seq
	g.hasLast = true
	return true
}
