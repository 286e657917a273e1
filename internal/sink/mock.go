package sink

import (
	"context"
	"sync"

	"github.com/C6H12O6Mix/yolo/internal/types"
)

// Mock records published frames instead of encoding them. It backs the
// pipeline tests and the local-loop example.
type Mock struct {
	// OpenErr, when set, is returned by Open.
	OpenErr error

	// PublishErr, when set, is returned by every Publish call. Swap it
	// with SetPublishErr to script a mid-session outage.
	mu         sync.Mutex
	publishErr error
	gate       seqGate
	seqs       []uint64
	open       bool
	reopens    uint32
	rejected   uint64
}

// NewMock creates a recording sink.
func NewMock() *Mock {
	return &Mock{}
}

// SetPublishErr scripts the error every subsequent Publish returns; nil
// restores normal operation.
func (m *Mock) SetPublishErr(err error) {
	m.mu.Lock()
	m.publishErr = err
	m.mu.Unlock()
}

// Open marks the sink open.
func (m *Mock) Open(ctx context.Context) error {
	if m.OpenErr != nil {
		return m.OpenErr
	}
	m.mu.Lock()
	if m.open {
		m.mu.Unlock()
		return nil
	}
	m.open = true
	m.reopens++
	m.mu.Unlock()
	return nil
}

// Publish records the frame's sequence number, honoring the ordering
// gate and any scripted error.
func (m *Mock) Publish(frame types.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return ErrClosed
	}
	if m.publishErr != nil {
		return m.publishErr
	}
	if !m.gate.accept(frame.Seq) {
		m.rejected++
		return ErrStale
	}

	m.seqs = append(m.seqs, frame.Seq)
	return nil
}

// Close marks the sink closed.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the recorded counters.
func (m *Mock) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reopens uint32
	if m.reopens > 0 {
		reopens = m.reopens - 1
	}

	return Stats{
		Published: uint64(len(m.seqs)),
		Rejected:  m.rejected,
		Reopens:   reopens,
		Connected: m.open,
	}
}

// Published returns a copy of the recorded sequence numbers in publish
// order.
func (m *Mock) Published() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]uint64, len(m.seqs))
	copy(out, m.seqs)
	return out
}
