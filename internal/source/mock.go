package source

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/C6H12O6Mix/yolo/internal/types"
)

// Mock generates synthetic BGR frames at the target rate. It backs
// mock:// endpoints for tests, the soak tool and the local-loop
// example.
type Mock struct {
	cfg Config
	log *slog.Logger

	// EndAfter, when positive, ends the stream once that many frames
	// have been emitted. The terminal error is FailErr when set,
	// ErrStreamEnded otherwise. Set both before Start.
	EndAfter uint64
	FailErr  error

	frames chan types.Frame
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state    atomic.Int32
	seq      atomic.Uint64
	captured atomic.Uint64
	dropped  atomic.Uint64
	started  time.Time

	errMu sync.Mutex
	err   error
}

// NewMock creates a synthetic source.
func NewMock(cfg Config, log *slog.Logger) *Mock {
	return &Mock{
		cfg:    cfg,
		log:    log.With("component", "source", "backend", "mock"),
		frames: make(chan types.Frame, cfg.QueueSize),
	}
}

// Start begins emitting frames immediately; there is nothing to
// connect to.
func (m *Mock) Start(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateActive)) {
		return ErrAlreadyStarted
	}

	m.started = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(runCtx)

	m.log.Info("mock source started",
		"width", m.cfg.Width, "height", m.cfg.Height, "fps", m.cfg.TargetFPS)

	return nil
}

// Frames returns the synthetic frame channel.
func (m *Mock) Frames() <-chan types.Frame {
	return m.frames
}

// Stop halts frame generation. Safe to call more than once.
func (m *Mock) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Err returns the terminal error, if any.
func (m *Mock) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// State returns the current state.
func (m *Mock) State() State {
	return State(m.state.Load())
}

// Stats returns a snapshot of the counters.
func (m *Mock) Stats() Stats {
	captured := m.captured.Load()

	var fps float64
	if uptime := time.Since(m.started).Seconds(); uptime > 0 {
		fps = float64(captured) / uptime
	}

	return Stats{
		FramesCaptured: captured,
		FramesDropped:  m.dropped.Load(),
		Connected:      m.State() == StateActive,
		FPS:            fps,
	}
}

func (m *Mock) run(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.frames)

	ticker := time.NewTicker(frameInterval(m.cfg.TargetFPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.state.Store(int32(StateStopped))
			return
		case <-ticker.C:
			if m.EndAfter > 0 && m.captured.Load() >= m.EndAfter {
				terminal := m.FailErr
				state := StateFailed
				if terminal == nil {
					terminal = ErrStreamEnded
					state = StateStopped
				}
				m.errMu.Lock()
				m.err = terminal
				m.errMu.Unlock()
				m.state.Store(int32(state))
				return
			}

			frame := m.createFrame()
			m.captured.Add(1)
			deliver(m.frames, frame, m.cfg.Drop, &m.dropped)
		}
	}
}

// createFrame fills a BGR buffer with a gradient that shifts per frame,
// so consumers can see motion and verify buffers are not aliased.
func (m *Mock) createFrame() types.Frame {
	seq := m.seq.Add(1)
	w, h := m.cfg.Width, m.cfg.Height
	data := make([]byte, w*h*3)

	shift := int(seq % 256)
	for y := 0; y < h; y++ {
		v := byte((y + shift) % 256)
		row := data[y*w*3 : (y+1)*w*3]
		for x := 0; x < len(row); x += 3 {
			row[x] = v         // B
			row[x+1] = 128     // G
			row[x+2] = 255 - v // R
		}
	}

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Data:      data,
		SessionID: m.cfg.SessionID,
	}
}
