package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/C6H12O6Mix/yolo/internal/types"
)

// GStreamer ingests a stream through a go-gst pipeline. uridecodebin
// handles the transport and codec negotiation, so the same backend
// serves RTMP, RTSP, HTTP and file inputs.
type GStreamer struct {
	cfg Config
	log *slog.Logger

	frames chan types.Frame
	cancel context.CancelFunc
	wg     sync.WaitGroup

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

// NewGStreamer creates the GStreamer-backed source.
func NewGStreamer(cfg Config, log *slog.Logger) *GStreamer {
	return &GStreamer{
		cfg:    cfg,
		log:    log.With("component", "source", "backend", "gstreamer"),
		frames: make(chan types.Frame, cfg.QueueSize),
	}
}

// Start initializes GStreamer and launches the pipeline loop. The
// initial connection is verified synchronously by waiting for the
// pipeline to reach PLAYING.
func (s *GStreamer) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}

	gst.Init(nil)
	s.started = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(runCtx)

	// The pipeline connects asynchronously; give it a bounded window to
	// come up before declaring the endpoint unreachable.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		switch s.State() {
		case StateActive:
			s.log.Info("source started", "url", s.cfg.URL,
				"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
				"target_fps", s.cfg.TargetFPS)
			return nil
		case StateFailed, StateStopped:
			cancel()
			s.wg.Wait()
			if err := s.Err(); err != nil {
				return err
			}
			return &ConnectError{URL: s.cfg.URL, Err: fmt.Errorf("pipeline terminated during connect")}
		}

		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			cancel()
			s.wg.Wait()
			return ctx.Err()
		}
	}

	// Still connecting: the background loop keeps retrying within its
	// budget, which matches the reconnect contract.
	return nil
}

// Frames returns the decoded frame channel.
func (s *GStreamer) Frames() <-chan types.Frame {
	return s.frames
}

// Stop tears down the pipeline. Safe to call more than once.
func (s *GStreamer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Err returns the terminal error, if any.
func (s *GStreamer) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// State returns the current connection state.
func (s *GStreamer) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the source counters.
func (s *GStreamer) Stats() Stats {
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

func (s *GStreamer) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// run drives the pipeline with bounded reconnection, same policy shape
// as the OpenCV backend.
func (s *GStreamer) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.frames)

	attempt := 0

	for {
		before := s.captured.Load()
		err := s.connectAndStream(ctx)

		if ctx.Err() != nil {
			s.state.Store(int32(StateStopped))
			return
		}

		if errors.Is(err, ErrStreamEnded) {
			s.log.Info("upstream ended cleanly")
			s.setErr(ErrStreamEnded)
			s.state.Store(int32(StateStopped))
			return
		}

		if s.captured.Load() > before {
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

// connectAndStream builds the pipeline, plays it and pumps bus messages
// until EOS, error or cancellation.
func (s *GStreamer) connectAndStream(ctx context.Context) error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	defer pipeline.SetState(gst.StateNull)

	src, err := gst.NewElement("uridecodebin")
	if err != nil {
		return fmt.Errorf("create uridecodebin: %w", err)
	}
	src.SetProperty("uri", toURI(s.cfg.URL))

	videoconvert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("create videoconvert: %w", err)
	}
	videoscale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return fmt.Errorf("create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=BGR,width=%d,height=%d,framerate=%d/1",
		s.cfg.Width, s.cfg.Height, s.cfg.TargetFPS,
	)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	pipeline.AddMany(src, videoconvert, videoscale, videorate, capsfilter, appsink.Element)
	gst.ElementLinkMany(videoconvert, videoscale, videorate, capsfilter, appsink.Element)

	// uridecodebin exposes pads only after negotiation.
	src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := videoconvert.GetStaticPad("sink")
		if sinkPad != nil && !sinkPad.IsLinked() {
			srcPad.Link(sinkPad)
		}
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return &ConnectError{URL: s.cfg.URL, Err: err}
	}

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return ErrStreamEnded

		case gst.MessageError:
			gerr := msg.ParseError()
			s.decodeFails.Add(1)
			return fmt.Errorf("pipeline error: %w", gerr)

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, next := msg.ParseStateChanged()
				if next == gst.StatePlaying {
					s.state.Store(int32(StateActive))
					s.log.Info("stream connected")
				}
			}
		}
	}
}

// onNewSample copies each decoded buffer into an owned Frame.
func (s *GStreamer) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	owned := make([]byte, len(data))
	copy(owned, data)

	frame := types.Frame{
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      owned,
		SessionID: s.cfg.SessionID,
	}

	s.captured.Add(1)
	deliver(s.frames, frame, s.cfg.Drop, &s.dropped)

	return gst.FlowOK
}

// toURI maps plain file paths onto file:// URIs for uridecodebin.
func toURI(raw string) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	return "file://" + raw
}
