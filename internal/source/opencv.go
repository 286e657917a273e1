package source

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/C6H12O6Mix/yolo/internal/types"
)

// OpenCV ingests a stream through gocv.VideoCapture. It handles RTMP,
// RTSP, HTTP and local file inputs, whatever the linked OpenCV build
// supports.
type OpenCV struct {
	cfg Config
	log *slog.Logger

	frames chan types.Frame
	cancel context.CancelFunc
	wg     sync.WaitGroup

	capMu sync.Mutex
	cap   *gocv.VideoCapture

	state       atomic.Int32
	seq         atomic.Uint64
	captured    atomic.Uint64
	dropped     atomic.Uint64
	decodeFails atomic.Uint64
	reconnects  atomic.Uint32
	started     time.Time

	errMu sync.Mutex
	err   error
}

// NewOpenCV creates the OpenCV-backed source. Nothing is opened until
// Start.
func NewOpenCV(cfg Config, log *slog.Logger) *OpenCV {
	return &OpenCV{
		cfg:    cfg,
		log:    log.With("component", "source", "backend", "opencv"),
		frames: make(chan types.Frame, cfg.QueueSize),
	}
}

// Start opens the upstream connection synchronously, then feeds the
// frame channel from a background loop that reconnects on failure.
func (s *OpenCV) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}

	s.started = time.Now()

	if err := s.open(); err != nil {
		s.state.Store(int32(StateFailed))
		s.setErr(err)
		close(s.frames)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state.Store(int32(StateActive))

	s.wg.Add(1)
	go s.run(runCtx)

	s.log.Info("source started", "url", s.cfg.URL,
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"target_fps", s.cfg.TargetFPS)

	return nil
}

// Frames returns the decoded frame channel. It is closed once the
// source stops or fails; Err distinguishes the two.
func (s *OpenCV) Frames() <-chan types.Frame {
	return s.frames
}

// Stop cancels the capture loop and releases the connection. Safe to
// call more than once.
func (s *OpenCV) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.closeCapture()
}

// Err returns the terminal error, if any, after the frame channel has
// closed.
func (s *OpenCV) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// State returns the current connection state.
func (s *OpenCV) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the source counters.
func (s *OpenCV) Stats() Stats {
	captured := s.captured.Load()

	var fps float64
	if uptime := time.Since(s.started).Seconds(); uptime > 0 {
		fps = float64(captured) / uptime
	}

	return Stats{
		FramesCaptured: captured,
		FramesDropped:  s.dropped.Load(),
		DecodeFailures: s.decodeFails.Load(),
		Reconnects:     s.reconnects.Load(),
		Connected:      s.State() == StateActive,
		FPS:            fps,
	}
}

func (s *OpenCV) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// open establishes the upstream connection.
func (s *OpenCV) open() error {
	vc, err := gocv.OpenVideoCapture(s.cfg.URL)
	if err != nil {
		return &ConnectError{URL: s.cfg.URL, Err: err}
	}
	if !vc.IsOpened() {
		vc.Close()
		return &ConnectError{URL: s.cfg.URL, Err: fmt.Errorf("capture not opened")}
	}

	s.capMu.Lock()
	s.cap = vc
	s.capMu.Unlock()

	return nil
}

func (s *OpenCV) closeCapture() {
	s.capMu.Lock()
	if s.cap != nil {
		s.cap.Close()
		s.cap = nil
	}
	s.capMu.Unlock()
}

// run drives capture with bounded reconnection. Each failed capture
// pass consumes one attempt from the reconnect budget; the counter
// resets once frames flow again.
func (s *OpenCV) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.frames)

	attempt := 0

	for {
		n, err := s.capture(ctx)
		s.closeCapture()

		if ctx.Err() != nil {
			s.state.Store(int32(StateStopped))
			return
		}

		if n > 0 {
			attempt = 0
		}
		attempt++
		s.reconnects.Add(1)

		if attempt > s.cfg.Reconnect.MaxRetries {
			s.log.Error("reconnect budget exhausted",
				"attempts", attempt-1, "error", err)
			s.setErr(&FailedError{Attempts: attempt - 1, Last: err})
			s.state.Store(int32(StateFailed))
			return
		}

		s.state.Store(int32(StateRetrying))
		delay := Backoff(attempt, s.cfg.Reconnect)
		s.log.Warn("reconnecting to stream",
			"attempt", attempt,
			"delay", delay,
			"category", Classify(err.Error()).String(),
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.state.Store(int32(StateStopped))
			return
		}

		s.state.Store(int32(StateConnecting))
	}
}

// capture reads frames until the connection is lost or ctx is done.
// It returns how many frames it decoded so run can reset the retry
// counter after a healthy stretch.
func (s *OpenCV) capture(ctx context.Context) (uint64, error) {
	s.capMu.Lock()
	vc := s.cap
	s.capMu.Unlock()

	if vc == nil {
		if err := s.open(); err != nil {
			return 0, err
		}
		s.capMu.Lock()
		vc = s.cap
		s.capMu.Unlock()
	}

	s.state.Store(int32(StateActive))

	mat := gocv.NewMat()
	defer mat.Close()

	ticker := time.NewTicker(frameInterval(s.cfg.TargetFPS))
	defer ticker.Stop()

	var read uint64
	consecutive := 0

	for {
		select {
		case <-ctx.Done():
			return read, ctx.Err()
		case <-ticker.C:
		}

		if ok := vc.Read(&mat); !ok || mat.Empty() {
			consecutive++
			s.decodeFails.Add(1)
			if consecutive >= s.cfg.DecodeRetries {
				return read, &DecodeError{
					Seq: s.seq.Load(),
					Err: fmt.Errorf("%d consecutive read failures", consecutive),
				}
			}
			continue
		}
		consecutive = 0

		if mat.Cols() != s.cfg.Width || mat.Rows() != s.cfg.Height {
			gocv.Resize(mat, &mat, image.Pt(s.cfg.Width, s.cfg.Height), 0, 0, gocv.InterpolationLinear)
		}

		data := mat.ToBytes()
		frame := types.Frame{
			Seq:       s.seq.Add(1),
			Timestamp: time.Now(),
			Width:     s.cfg.Width,
			Height:    s.cfg.Height,
			Data:      data,
			SessionID: s.cfg.SessionID,
		}

		read++
		s.captured.Add(1)
		deliver(s.frames, frame, s.cfg.Drop, &s.dropped)
	}
}
