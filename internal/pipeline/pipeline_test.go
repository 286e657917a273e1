package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/C6H12O6Mix/yolo/internal/config"
	"github.com/C6H12O6Mix/yolo/internal/engine"
	"github.com/C6H12O6Mix/yolo/internal/sink"
	"github.com/C6H12O6Mix/yolo/internal/source"
	"github.com/C6H12O6Mix/yolo/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires a coordinator to a mock source, engine and sink.
type harness struct {
	coord  *Coordinator
	engine *engine.Mock
	sink   *sink.Mock
	source *source.Mock
	cfg    *config.Config
	sess   config.SessionConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	weights := filepath.Join(t.TempDir(), "model.onnx")
	if err := os.WriteFile(weights, []byte("stub"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Overlay = false
	cfg.StopGraceSeconds = 2
	cfg.Sink.RetryDelaySeconds = 0
	cfg.Sink.MaxRetryDelaySeconds = 0

	h := &harness{
		coord:  New(cfg, testLogger()),
		engine: &engine.Mock{Detections: []types.Detection{}},
		sink:   sink.NewMock(),
		cfg:    cfg,
		sess: config.SessionConfig{
			InputURL:    "mock://camera",
			OutputURL:   "rtmp://localhost/live/out",
			WeightsPath: weights,
			FPS:         120,
			Width:       64,
			Height:      48,
		},
	}

	h.coord.Factories = Factories{
		Source: func(sc source.Config) (source.Source, error) {
			h.source = source.NewMock(sc, testLogger())
			return h.source, nil
		},
		Engine: func(config.SessionConfig) (engine.Engine, error) {
			return h.engine, nil
		},
		Sink: func(config.SessionConfig) (sink.Sink, error) {
			return h.sink, nil
		},
	}

	return h
}

func (h *harness) waitPhase(t *testing.T, want Phase, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if h.coord.Phase() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("phase = %v, want %v within %v", h.coord.Phase(), want, within)
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if got := h.coord.Phase(); got != PhaseIdle {
		t.Fatalf("initial phase = %v, want idle", got)
	}

	if err := h.coord.Start(ctx, h.sess); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.coord.Phase(); got != PhaseRunning {
		t.Fatalf("phase after Start = %v, want running", got)
	}

	snap := h.coord.Status()
	if snap.SessionID == "" {
		t.Error("running status has empty session_id")
	}
	if snap.Phase != "running" {
		t.Errorf("status phase = %q, want running", snap.Phase)
	}

	if err := h.coord.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.coord.Phase(); got != PhaseStopped {
		t.Fatalf("phase after Stop = %v, want stopped", got)
	}
}

func TestStartRejectsSecondSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coord.Start(ctx, h.sess); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.coord.Stop(ctx)

	if err := h.coord.Start(ctx, h.sess); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Start = %v, want ErrSessionActive", err)
	}
}

func TestStartValidationLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := h.sess
	bad.InputURL = ""
	err := h.coord.Start(ctx, bad)

	var vErr *config.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Start = %v, want *config.ValidationError", err)
	}
	if got := h.coord.Phase(); got != PhaseIdle {
		t.Fatalf("phase after rejected Start = %v, want idle", got)
	}
}

func TestStartMissingWeights(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := h.sess
	bad.WeightsPath = filepath.Join(t.TempDir(), "missing.onnx")
	err := h.coord.Start(ctx, bad)

	var mlErr *engine.ModelLoadError
	if !errors.As(err, &mlErr) {
		t.Fatalf("Start = %v, want *engine.ModelLoadError", err)
	}
	if got := h.coord.Phase(); got != PhaseIdle {
		t.Fatalf("phase after rejected Start = %v, want idle", got)
	}
}

func TestStopWithoutSession(t *testing.T) {
	h := newHarness(t)

	if err := h.coord.Stop(context.Background()); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("Stop = %v, want ErrSessionNotActive", err)
	}
}

func TestPublishedSeqsStrictlyIncreasing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coord.Start(ctx, h.sess); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.coord.Status().FramesPublished >= 20 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := h.coord.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	seqs := h.sink.Published()
	if len(seqs) < 20 {
		t.Fatalf("published %d frames, want >= 20", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("seq inversion at %d: %d after %d", i, seqs[i], seqs[i-1])
		}
	}
}

func TestInferenceErrorDropsFrameOnly(t *testing.T) {
	h := newHarness(t)
	h.engine.InferErr = &engine.InferenceError{Seq: 0, Err: errors.New("bad tensor")}
	ctx := context.Background()

	if err := h.coord.Start(ctx, h.sess); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.coord.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.coord.Status().FramesDropped >= 5 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	snap := h.coord.Status()
	if snap.FramesDropped < 5 {
		t.Fatalf("frames_dropped = %d, want >= 5", snap.FramesDropped)
	}
	if got := h.coord.Phase(); got != PhaseRunning {
		t.Fatalf("phase = %v, want running despite inference errors", got)
	}
	if len(h.sink.Published()) != 0 {
		t.Errorf("published %d frames, want 0", len(h.sink.Published()))
	}
}

func TestSinkFailureExhaustsBudget(t *testing.T) {
	h := newHarness(t)
	h.cfg.Sink.MaxReconnects = 0
	ctx := context.Background()

	if err := h.coord.Start(ctx, h.sess); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.sink.SetPublishErr(&sink.PublishError{Seq: 1, Err: errors.New("broken pipe")})

	h.waitPhase(t, PhaseFailed, 3*time.Second)

	snap := h.coord.Status()
	if snap.LastError == "" {
		t.Error("failed status has empty last_error")
	}
}

func TestStreamEndStopsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	srcFactory := h.coord.Factories.Source
	h.coord.Factories.Source = func(sc source.Config) (source.Source, error) {
		s, err := srcFactory(sc)
		if err != nil {
			return nil, err
		}
		h.source.EndAfter = 10
		return s, nil
	}

	if err := h.coord.Start(ctx, h.sess); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.waitPhase(t, PhaseStopped, 3*time.Second)

	snap := h.coord.Status()
	if snap.LastError != "" {
		t.Errorf("clean end left last_error = %q", snap.LastError)
	}
}

func TestSourceFailureFailsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	srcFactory := h.coord.Factories.Source
	h.coord.Factories.Source = func(sc source.Config) (source.Source, error) {
		s, err := srcFactory(sc)
		if err != nil {
			return nil, err
		}
		h.source.EndAfter = 5
		h.source.FailErr = &source.FailedError{Attempts: 5, Last: errors.New("connection refused")}
		return s, nil
	}

	if err := h.coord.Start(ctx, h.sess); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.waitPhase(t, PhaseFailed, 3*time.Second)
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coord.Start(ctx, h.sess); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	first := h.coord.Status().SessionID
	if err := h.coord.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Each session gets fresh stage instances from the factories.
	h.sink = sink.NewMock()

	if err := h.coord.Start(ctx, h.sess); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer h.coord.Stop(ctx)

	if second := h.coord.Status().SessionID; second == first {
		t.Errorf("restart reused session id %q", first)
	}
}

// gatedSink blocks Open until released, signalling when Open is
// entered, so tests can interleave deterministically with startup.
type gatedSink struct {
	*sink.Mock
	enterOnce sync.Once
	entered   chan struct{}
	release   chan struct{}
}

func newGatedSink() *gatedSink {
	return &gatedSink{
		Mock:    sink.NewMock(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedSink) Open(ctx context.Context) error {
	g.enterOnce.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Mock.Open(ctx)
}

func TestStopDuringStartupAbortsStart(t *testing.T) {
	h := newHarness(t)
	gate := newGatedSink()
	h.coord.Factories.Sink = func(config.SessionConfig) (sink.Sink, error) {
		return gate, nil
	}

	startErr := make(chan error, 1)
	go func() { startErr <- h.coord.Start(context.Background(), h.sess) }()

	// Startup is now blocked inside the sink open.
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("startup never reached the sink open")
	}

	if err := h.coord.Stop(context.Background()); err != nil {
		t.Fatalf("Stop during startup: %v", err)
	}
	if got := h.coord.Phase(); got != PhaseStopped {
		t.Fatalf("phase after Stop = %v, want stopped", got)
	}

	close(gate.release)

	select {
	case err := <-startErr:
		if err == nil {
			t.Fatal("Start reported success for a session Stop had torn down")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after release")
	}

	// The stopped verdict the caller saw must stick: the losing Start
	// must not resurrect the session.
	if got := h.coord.Phase(); got != PhaseStopped {
		t.Fatalf("phase after aborted start = %v, want stopped", got)
	}
	if snap := h.coord.Status(); snap.Phase == "running" {
		t.Fatalf("status reports running on a torn-down session")
	}
}

func TestEngineTransportErrorFailsSession(t *testing.T) {
	h := newHarness(t)
	h.engine.InferErr = errors.New("worker pipe closed")
	ctx := context.Background()

	if err := h.coord.Start(ctx, h.sess); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A non-inference engine fault means the detector itself is dead,
	// not one bad frame: the session must fail, not spin on drops.
	h.waitPhase(t, PhaseFailed, 3*time.Second)

	if snap := h.coord.Status(); snap.LastError == "" {
		t.Error("failed status has empty last_error")
	}
}

func TestStopAccountsForEveryFrame(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coord.Start(ctx, h.sess); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.coord.Status().FramesPublished >= 20 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := h.coord.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Conservation: every captured frame was either published or
	// counted as a drop somewhere; stopping strands nothing silently.
	snap := h.coord.Status()
	if snap.FramesSourced != snap.FramesPublished+snap.FramesDropped {
		t.Fatalf("sourced %d != published %d + dropped %d",
			snap.FramesSourced, snap.FramesPublished, snap.FramesDropped)
	}
}

func TestTotalsAccumulateAcrossSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	runSession := func(min uint64) {
		t.Helper()
		if err := h.coord.Start(ctx, h.sess); err != nil {
			t.Fatalf("Start: %v", err)
		}
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if h.coord.Totals().FramesPublished >= min {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		if err := h.coord.Stop(ctx); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}

	runSession(5)
	first := h.coord.Totals()
	if first.FramesPublished < 5 {
		t.Fatalf("first session totals published = %d, want >= 5", first.FramesPublished)
	}

	h.sink = sink.NewMock()
	runSession(first.FramesPublished + 5)

	// The status snapshot restarts per session; the totals never do.
	final := h.coord.Totals()
	if final.FramesPublished < first.FramesPublished+5 {
		t.Fatalf("totals published = %d, want >= %d",
			final.FramesPublished, first.FramesPublished+5)
	}
	if final.FramesSourced < first.FramesSourced {
		t.Fatalf("totals sourced regressed: %d < %d", final.FramesSourced, first.FramesSourced)
	}
	if snap := h.coord.Status(); snap.FramesPublished >= final.FramesPublished {
		t.Fatalf("snapshot published %d should be per-session, below totals %d",
			snap.FramesPublished, final.FramesPublished)
	}
}

func TestEngineLoadErrorFailsStart(t *testing.T) {
	h := newHarness(t)
	h.engine.LoadErr = &engine.ModelLoadError{Path: "x", Err: errors.New("corrupt")}

	err := h.coord.Start(context.Background(), h.sess)
	var mlErr *engine.ModelLoadError
	if !errors.As(err, &mlErr) {
		t.Fatalf("Start = %v, want *engine.ModelLoadError", err)
	}
	if got := h.coord.Phase(); got != PhaseFailed {
		t.Fatalf("phase = %v, want failed", got)
	}
}

func TestEWMA(t *testing.T) {
	e := NewEWMA(0.5)
	if e.Value() != 0 {
		t.Fatalf("zero-sample value = %v", e.Value())
	}

	e.Update(10)
	if got := e.Value(); got != 10 {
		t.Fatalf("first sample = %v, want 10", got)
	}

	e.Update(20)
	if got := e.Value(); got != 15 {
		t.Fatalf("second sample = %v, want 15", got)
	}
}

func TestPhaseStrings(t *testing.T) {
	cases := map[Phase]string{
		PhaseIdle:     "idle",
		PhaseStarting: "starting",
		PhaseRunning:  "running",
		PhaseStopping: "stopping",
		PhaseStopped:  "stopped",
		PhaseFailed:   "failed",
	}
	for phase, want := range cases {
		if got := phase.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", phase, got, want)
		}
	}
}
