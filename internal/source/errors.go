package source

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStreamEnded reports a clean upstream end-of-stream. It is terminal
// for the session but not a failure.
var ErrStreamEnded = errors.New("source: stream ended")

// ErrAlreadyStarted is returned by Start on a source that is already
// running or has already run. Sources are single-use.
var ErrAlreadyStarted = errors.New("source: already started")

// ConnectError reports a failed connection attempt.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("source: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DecodeError reports a corrupt or undecodable frame.
type DecodeError struct {
	Seq uint64
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("source: decode frame %d: %v", e.Seq, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FailedError is the terminal error after the reconnect budget is spent.
type FailedError struct {
	Attempts int
	Last     error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("source: failed after %d reconnect attempts: %v", e.Attempts, e.Last)
}

func (e *FailedError) Unwrap() error { return e.Last }

// ErrorCategory classifies upstream errors for logging and retry
// decisions.
type ErrorCategory int

const (
	ErrorUnknown ErrorCategory = iota
	ErrorNetwork
	ErrorCodec
	ErrorAuth
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorNetwork:
		return "network"
	case ErrorCodec:
		return "codec"
	case ErrorAuth:
		return "auth"
	default:
		return "unknown"
	}
}

var (
	networkKeywords = []string{
		"could not connect", "connection refused", "connection reset",
		"timeout", "timed out", "no route to host", "network is unreachable",
		"could not open resource", "could not read from resource",
		"resource not found", "end of file",
	}
	codecKeywords = []string{
		"decode", "decoder", "no valid frames", "invalid data",
		"not negotiated", "could not demultiplex", "parse error",
	}
	authKeywords = []string{
		"unauthorized", "not authorized", "authentication", "401", "403",
	}
)

// Classify buckets an upstream error message by keyword. Network errors
// are worth reconnecting for, auth errors generally are not, codec errors
// sit in between.
func Classify(msg string) ErrorCategory {
	lower := strings.ToLower(msg)

	for _, kw := range authKeywords {
		if strings.Contains(lower, kw) {
			return ErrorAuth
		}
	}
	for _, kw := range codecKeywords {
		if strings.Contains(lower, kw) {
			return ErrorCodec
		}
	}
	for _, kw := range networkKeywords {
		if strings.Contains(lower, kw) {
			return ErrorNetwork
		}
	}

	return ErrorUnknown
}
