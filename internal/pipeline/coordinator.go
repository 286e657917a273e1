// Package pipeline coordinates one ingest -> detect -> annotate ->
// publish session.
//
// The coordinator owns the lifecycle state machine and the session's
// stage goroutines. Stages communicate only through bounded queues:
// the source's frame channel, the annotate queue and the fan-out bus.
// Every queue drops rather than blocks, so sustained overload degrades
// the output frame rate instead of growing memory or stalling a stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/C6H12O6Mix/yolo/internal/bus"
	"github.com/C6H12O6Mix/yolo/internal/config"
	"github.com/C6H12O6Mix/yolo/internal/emitter"
	"github.com/C6H12O6Mix/yolo/internal/engine"
	"github.com/C6H12O6Mix/yolo/internal/sink"
	"github.com/C6H12O6Mix/yolo/internal/source"
	"github.com/C6H12O6Mix/yolo/internal/types"
)

// ErrSessionActive is returned by Start while a session is starting,
// running or still stopping.
var ErrSessionActive = errors.New("pipeline: session already active")

// ErrSessionNotActive is returned by Stop when there is nothing to
// stop.
var ErrSessionNotActive = errors.New("pipeline: no active session")

// ErrStartAborted is returned by Start when a concurrent Stop wins the
// race and tears the session down while its stages are still opening.
var ErrStartAborted = errors.New("pipeline: session stopped during startup")

// subscriber ids on the annotated-frame bus.
const (
	subSink    = "sink"
	subEmitter = "emitter"
)

// Factories build the per-session stage implementations. The defaults
// construct the configured backends; tests and the local-loop example
// substitute fakes.
type Factories struct {
	Source func(cfg source.Config) (source.Source, error)
	Engine func(sess config.SessionConfig) (engine.Engine, error)
	Sink   func(sess config.SessionConfig) (sink.Sink, error)
}

// session bundles everything owned by one run of the pipeline.
type session struct {
	id   string
	cfg  config.SessionConfig
	ctx  context.Context
	stop context.CancelFunc

	source source.Source
	engine engine.Engine
	sink   sink.Sink
	bus    *bus.Bus

	annotateQ    chan types.Result
	annotateDone chan struct{}
	sinkCh       <-chan types.Result
	emitCh       <-chan types.Result

	wg        sync.WaitGroup
	startedAt time.Time

	processed atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64

	inferMS *EWMA
	e2eMS   *EWMA

	retired bool
}

// Totals are process-lifetime frame counters, accumulated across
// sessions. Unlike Snapshot they never reset, so they can back
// Prometheus counters.
type Totals struct {
	FramesSourced    uint64
	FramesProcessed  uint64
	FramesPublished  uint64
	FramesDropped    uint64
	SourceReconnects uint64
	SinkReopens      uint64
}

func (t *Totals) add(o Totals) {
	t.FramesSourced += o.FramesSourced
	t.FramesProcessed += o.FramesProcessed
	t.FramesPublished += o.FramesPublished
	t.FramesDropped += o.FramesDropped
	t.SourceReconnects += o.SourceReconnects
	t.SinkReopens += o.SinkReopens
}

// Coordinator owns at most one session at a time and exposes the
// start/stop/status contract the control layer consumes.
type Coordinator struct {
	cfg     *config.Config
	log     *slog.Logger
	emitter *emitter.MQTT

	// Factories may be replaced before the first Start.
	Factories Factories

	mu      sync.Mutex
	phase   Phase
	sess    *session
	lastErr error
	totals  Totals
}

// New creates a coordinator with the default stage factories.
func New(cfg *config.Config, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		cfg: cfg,
		log: log.With("component", "pipeline"),
	}
	c.Factories = Factories{
		Source: func(sc source.Config) (source.Source, error) {
			return source.New(cfg.Source.Backend, sc, log)
		},
		Engine: func(sess config.SessionConfig) (engine.Engine, error) {
			return engine.New(cfg.Engine, sess, log)
		},
		Sink: func(sess config.SessionConfig) (sink.Sink, error) {
			return sink.NewFFmpeg(cfg.Sink, sess, log), nil
		},
	}
	return c
}

// SetEmitter attaches the optional detection-event emitter. Call before
// the first Start.
func (c *Coordinator) SetEmitter(e *emitter.MQTT) {
	c.emitter = e
}

// Start validates the config and brings a new session up. It returns
// once every stage has opened (the session is Running) or with the
// error that prevented it. Validation failures leave the previous
// phase untouched.
func (c *Coordinator) Start(ctx context.Context, sessCfg config.SessionConfig) error {
	sessCfg.ApplyDefaults()

	c.mu.Lock()
	if c.phase.active() {
		c.mu.Unlock()
		return ErrSessionActive
	}

	if err := sessCfg.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	if _, err := os.Stat(sessCfg.WeightsPath); err != nil {
		c.mu.Unlock()
		return &engine.ModelLoadError{Path: sessCfg.WeightsPath, Err: err}
	}

	id := uuid.New().String()
	s := c.newSession(id, sessCfg)
	c.sess = s
	c.phase = PhaseStarting
	c.lastErr = nil
	c.mu.Unlock()

	c.log.Info("session starting",
		"session_id", id,
		"input", sessCfg.InputURL,
		"output", sessCfg.OutputURL,
		"weights", sessCfg.WeightsPath)

	if err := c.openStages(ctx, s); err != nil {
		c.teardown(s)
		// Only record Failed if a concurrent Stop has not already
		// retired this session.
		c.mu.Lock()
		if c.sess == s && c.phase == PhaseStarting {
			c.phase = PhaseFailed
			c.lastErr = err
		}
		c.mu.Unlock()
		return err
	}

	// A Stop that arrived mid-startup has already torn the session
	// down; running loops on it would report a live session that is
	// dead. Re-check before committing to Running.
	c.mu.Lock()
	if c.sess != s || c.phase != PhaseStarting {
		c.mu.Unlock()
		c.teardown(s)
		return ErrStartAborted
	}
	c.phase = PhaseRunning
	c.mu.Unlock()

	c.startLoops(s)

	c.log.Info("session running", "session_id", id)
	return nil
}

// Stop drains the active session within the configured grace period.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseRunning && c.phase != PhaseStarting {
		c.mu.Unlock()
		return ErrSessionNotActive
	}
	c.phase = PhaseStopping
	s := c.sess
	c.mu.Unlock()

	c.log.Info("session stopping", "session_id", s.id)

	s.stop()
	s.source.Stop()

	if !c.waitWithGrace(s) {
		c.log.Warn("grace period elapsed, abandoning stages",
			"session_id", s.id, "grace", c.cfg.StopGrace())
	}
	c.teardown(s)
	c.setPhase(PhaseStopped, nil)

	c.log.Info("session stopped",
		"session_id", s.id,
		"uptime", time.Since(s.startedAt),
		"frames_published", s.published.Load(),
		"frames_dropped", c.droppedTotal(s))

	return nil
}

// Status returns an immutable snapshot of the session state.
func (c *Coordinator) Status() Snapshot {
	c.mu.Lock()
	phase := c.phase
	s := c.sess
	lastErr := c.lastErr
	c.mu.Unlock()

	snap := Snapshot{Phase: phase.String()}
	if lastErr != nil {
		snap.LastError = lastErr.Error()
	}
	if s == nil {
		return snap
	}

	snap.SessionID = s.id
	snap.StartedAt = s.startedAt
	if phase.active() {
		snap.UptimeS = time.Since(s.startedAt).Seconds()
	}
	snap.FramesProcessed = s.processed.Load()
	snap.FramesPublished = s.published.Load()
	snap.FramesDropped = c.droppedTotal(s)
	snap.InferenceMS = s.inferMS.Value()
	snap.EndToEndMS = s.e2eMS.Value()
	snap.QueueAnnotate = len(s.annotateQ)
	snap.QueuePublish = len(s.sinkCh)

	// Stages may be missing on a session that failed during startup.
	if s.source != nil {
		srcStats := s.source.Stats()
		snap.FramesSourced = srcStats.FramesCaptured
		snap.SourceState = s.source.State().String()
		snap.SourceReconnects = srcStats.Reconnects
		snap.SourceFPS = srcStats.FPS
		snap.QueueDetect = len(s.source.Frames())
	}
	if s.sink != nil {
		snap.SinkReopens = s.sink.Stats().Reopens
	}

	return snap
}

// Phase returns the current lifecycle phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Totals returns process-lifetime counters: retired sessions plus the
// live one. Values never decrease while the process runs.
func (c *Coordinator) Totals() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.totals
	if c.sess != nil && !c.sess.retired {
		t.add(c.sessionTotals(c.sess))
	}
	return t
}

// sessionTotals reads one session's counters. Safe on a partially
// opened session.
func (c *Coordinator) sessionTotals(s *session) Totals {
	t := Totals{
		FramesProcessed: s.processed.Load(),
		FramesPublished: s.published.Load(),
		FramesDropped:   c.droppedTotal(s),
	}
	if s.source != nil {
		srcStats := s.source.Stats()
		t.FramesSourced = srcStats.FramesCaptured
		t.SourceReconnects = uint64(srcStats.Reconnects)
	}
	if s.sink != nil {
		t.SinkReopens = uint64(s.sink.Stats().Reopens)
	}
	return t
}

// retire folds a finished session's counters into the lifetime totals,
// exactly once per session.
func (c *Coordinator) retire(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.retired {
		return
	}
	s.retired = true
	c.totals.add(c.sessionTotals(s))
}

func (c *Coordinator) newSession(id string, sessCfg config.SessionConfig) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:           id,
		cfg:          sessCfg,
		ctx:          ctx,
		stop:         cancel,
		bus:          bus.New(),
		annotateQ:    make(chan types.Result, c.cfg.Queues.Annotate),
		annotateDone: make(chan struct{}),
		startedAt:    time.Now(),
		inferMS:      NewEWMA(0.2),
		e2eMS:        NewEWMA(0.2),
	}
}

// openStages loads the model and opens source and sink, in that order:
// a broken model must fail the start before any network connection is
// made.
func (c *Coordinator) openStages(ctx context.Context, s *session) error {
	drop, err := source.ParseDropPolicy(c.cfg.Queues.Drop)
	if err != nil {
		return fmt.Errorf("queue drop policy: %w", err)
	}

	eng, err := c.Factories.Engine(s.cfg)
	if err != nil {
		return err
	}
	s.engine = eng
	if err := eng.Load(ctx); err != nil {
		return err
	}

	src, err := c.Factories.Source(source.Config{
		URL:           s.cfg.InputURL,
		SessionID:     s.id,
		TargetFPS:     s.cfg.FPS,
		Width:         s.cfg.Width,
		Height:        s.cfg.Height,
		QueueSize:     c.cfg.Queues.Detect,
		Drop:          drop,
		DecodeRetries: c.cfg.Source.DecodeRetries,
		Reconnect: source.ReconnectConfig{
			MaxRetries:    c.cfg.Source.MaxReconnects,
			RetryDelay:    c.cfg.Source.RetryDelay(),
			MaxRetryDelay: c.cfg.Source.MaxRetryDelay(),
		},
	})
	if err != nil {
		return err
	}
	s.source = src
	if err := src.Start(s.ctx); err != nil {
		return err
	}

	snk, err := c.Factories.Sink(s.cfg)
	if err != nil {
		return err
	}
	s.sink = snk
	if err := snk.Open(ctx); err != nil {
		return err
	}

	s.sinkCh, err = s.bus.Subscribe(subSink, c.cfg.Queues.Publish)
	if err != nil {
		return err
	}
	if c.emitter != nil {
		s.emitCh, err = s.bus.Subscribe(subEmitter, c.cfg.Queues.Publish)
		if err != nil {
			return err
		}
	}

	return nil
}

// startLoops spawns one goroutine per stage.
func (c *Coordinator) startLoops(s *session) {
	s.wg.Add(3)
	go c.inferLoop(s)
	go c.annotateLoop(s)
	go c.publishLoop(s)

	if s.emitCh != nil {
		s.wg.Add(1)
		go c.emitLoop(s)
	}
}

// fail moves an active session to Failed and tears it down. Called
// from stage goroutines, so the teardown wait happens off to the side.
func (c *Coordinator) fail(s *session, err error) {
	c.mu.Lock()
	if c.sess != s || (c.phase != PhaseRunning && c.phase != PhaseStarting) {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseFailed
	c.lastErr = err
	c.mu.Unlock()

	c.log.Error("session failed", "session_id", s.id, "error", err)

	s.stop()
	s.source.Stop()

	go func() {
		c.waitWithGrace(s)
		c.teardown(s)
	}()
}

// streamEnded handles a clean upstream end-of-stream: the session winds
// down to Stopped rather than Failed.
func (c *Coordinator) streamEnded(s *session) {
	c.mu.Lock()
	if c.sess != s || c.phase != PhaseRunning {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseStopping
	c.mu.Unlock()

	c.log.Info("upstream ended, stopping session", "session_id", s.id)

	s.stop()
	s.source.Stop()

	go func() {
		c.waitWithGrace(s)
		c.teardown(s)
		c.setPhase(PhaseStopped, nil)
	}()
}

// waitWithGrace waits for the stage goroutines, bounded by the stop
// grace period. Returns false when the wait was abandoned.
func (c *Coordinator) waitWithGrace(s *session) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(c.cfg.StopGrace()):
		return false
	}
}

// teardown releases every stage resource. Safe to call on a partially
// opened session, and more than once.
func (c *Coordinator) teardown(s *session) {
	s.stop()
	s.bus.Close()
	if s.source != nil {
		s.source.Stop()
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			c.log.Warn("sink close failed", "session_id", s.id, "error", err)
		}
	}
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			c.log.Warn("engine close failed", "session_id", s.id, "error", err)
		}
	}
	c.retire(s)
}

func (c *Coordinator) setPhase(p Phase, err error) {
	c.mu.Lock()
	c.phase = p
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()
}

// droppedTotal aggregates drops across the queues that can lose frames:
// the source's own channel, the annotate queue, the sink subscriber's
// bus buffer and stale rejections at the sink.
func (c *Coordinator) droppedTotal(s *session) uint64 {
	total := s.dropped.Load()
	if s.source != nil {
		total += s.source.Stats().FramesDropped
	}
	if stats, err := s.bus.SubscriberStats(subSink); err == nil {
		total += stats.Dropped
	}
	if s.sink != nil {
		total += s.sink.Stats().Rejected
	}
	return total
}
