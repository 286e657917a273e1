package engine

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/C6H12O6Mix/yolo/internal/config"
	"github.com/C6H12O6Mix/yolo/internal/types"
)

const (
	// bridgeWriteTimeout bounds a single frame write so a hung worker
	// cannot stall the inference loop.
	bridgeWriteTimeout = 2 * time.Second

	// bridgeLoadTimeout bounds the worker's model-load handshake.
	bridgeLoadTimeout = 30 * time.Second

	// bridgeStopTimeout is how long Close waits before killing the
	// worker process.
	bridgeStopTimeout = 2 * time.Second

	// maxMessageSize caps a framed message. Raw 1080p BGR is ~6 MB;
	// anything near this limit means a corrupt length prefix.
	maxMessageSize = 64 << 20
)

// Bridge runs the detector in an external worker process. Frames go to
// the worker's stdin and results come back on stdout, each message
// framed as a 4-byte big-endian length followed by a msgpack body.
//
// The worker loads its model at startup and answers the seq-0 handshake
// before serving frames, so model problems surface from Load rather
// than on the first frame.
type Bridge struct {
	cfg  config.EngineConfig
	sess config.SessionConfig
	log  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	cancel context.CancelFunc
	wg     sync.WaitGroup
	loaded bool
}

// bridgeRequest is one inference request to the worker. Seq 0 with a
// nil payload is the load handshake.
type bridgeRequest struct {
	Seq     uint64  `msgpack:"seq"`
	Width   int     `msgpack:"width"`
	Height  int     `msgpack:"height"`
	Data    []byte  `msgpack:"data"`
	Conf    float32 `msgpack:"conf"`
	IoU     float32 `msgpack:"iou"`
	Weights string  `msgpack:"weights"`
}

// bridgeDetection mirrors types.Detection on the wire. Box order is
// cx, cy, w, h, angle.
type bridgeDetection struct {
	Box        [5]float32 `msgpack:"box"`
	ClassID    int        `msgpack:"class_id"`
	ClassName  string     `msgpack:"class_name"`
	Confidence float32    `msgpack:"confidence"`
}

// bridgeResponse is the worker's answer for one request.
type bridgeResponse struct {
	Seq        uint64            `msgpack:"seq"`
	Detections []bridgeDetection `msgpack:"detections"`
	Error      string            `msgpack:"error"`
}

// NewBridge creates the subprocess backend. The worker is not spawned
// until Load.
func NewBridge(cfg config.EngineConfig, sess config.SessionConfig, log *slog.Logger) *Bridge {
	return &Bridge{
		cfg:  cfg,
		sess: sess,
		log:  log.With("component", "engine", "backend", "bridge"),
	}
}

// Load spawns the worker process and waits for its model-load
// handshake.
func (b *Bridge) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loaded {
		return nil
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, b.cfg.Bridge.Command, b.cfg.Bridge.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return &ModelLoadError{Path: b.sess.WeightsPath, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return &ModelLoadError{Path: b.sess.WeightsPath, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return &ModelLoadError{Path: b.sess.WeightsPath, Err: err}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return &ModelLoadError{Path: b.sess.WeightsPath, Err: fmt.Errorf("spawn worker: %w", err)}
	}

	b.cmd = cmd
	b.stdin = stdin
	b.stdout = bufio.NewReader(stdout)
	b.cancel = cancel

	b.wg.Add(2)
	go b.logStderr(stderr)
	go b.waitProcess(procCtx, cmd)

	b.log.Info("worker spawned",
		"command", b.cfg.Bridge.Command,
		"pid", cmd.Process.Pid)

	// Handshake: the worker loads the model and answers seq 0.
	req := bridgeRequest{
		Seq:     0,
		Conf:    b.sess.ConfThreshold,
		IoU:     b.sess.IoUThreshold,
		Weights: b.sess.WeightsPath,
	}
	resp, err := b.roundTrip(req, bridgeLoadTimeout)
	if err != nil {
		b.teardown()
		return &ModelLoadError{Path: b.sess.WeightsPath, Err: err}
	}
	if resp.Error != "" {
		b.teardown()
		return &ModelLoadError{Path: b.sess.WeightsPath, Err: fmt.Errorf("%s", resp.Error)}
	}

	b.loaded = true
	b.log.Info("model loaded", "weights", b.sess.WeightsPath)
	return nil
}

// Infer sends one frame to the worker and returns its detections. The
// worker applies confidence filtering and suppression itself; the
// thresholds travel with every request.
func (b *Bridge) Infer(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	if err := validateFrame(frame); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.loaded {
		return nil, fmt.Errorf("bridge: worker not loaded")
	}

	req := bridgeRequest{
		Seq:    frame.Seq,
		Width:  frame.Width,
		Height: frame.Height,
		Data:   frame.Data,
		Conf:   b.sess.ConfThreshold,
		IoU:    b.sess.IoUThreshold,
	}

	// A transport failure (dead worker, closed pipe, framing corruption)
	// means the engine itself is broken, not this frame: it stays a plain
	// error so the caller escalates instead of dropping frames forever.
	// Only a worker-reported per-frame fault is an *InferenceError.
	resp, err := b.roundTrip(req, bridgeWriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("bridge: frame %d: %w", frame.Seq, err)
	}
	if resp.Error != "" {
		return nil, &InferenceError{Seq: frame.Seq, Err: fmt.Errorf("%s", resp.Error)}
	}

	dets := make([]types.Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		dets = append(dets, types.Detection{
			Box: types.OrientedBox{
				CX:    d.Box[0],
				CY:    d.Box[1],
				W:     d.Box[2],
				H:     d.Box[3],
				Angle: d.Box[4],
			},
			ClassID:    d.ClassID,
			ClassName:  d.ClassName,
			Confidence: d.Confidence,
		})
	}

	return dets, nil
}

// Close shuts the worker down, killing it after a bounded wait.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd == nil {
		return nil
	}
	b.teardown()
	b.loaded = false
	return nil
}

// teardown closes stdin to let the worker exit, then cancels the
// process context (which kills it) once the grace period elapses.
// Callers hold b.mu.
func (b *Bridge) teardown() {
	if b.stdin != nil {
		b.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(bridgeStopTimeout):
		b.log.Warn("worker did not exit in time, killing it")
		b.cancel()
		<-done
	}

	b.cancel()
	b.cmd = nil
	b.stdin = nil
	b.stdout = nil
}

// roundTrip performs one framed write and read. The write is bounded by
// timeout; the read is bounded by the worker dying (which closes
// stdout).
func (b *Bridge) roundTrip(req bridgeRequest, timeout time.Duration) (*bridgeResponse, error) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- writeMessage(b.stdin, req)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("write request: %w", err)
		}
	case <-time.After(timeout):
		return nil, fmt.Errorf("write request: timed out after %v", timeout)
	}

	var resp bridgeResponse
	if err := readMessage(b.stdout, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.Seq != req.Seq {
		return nil, fmt.Errorf("response seq %d does not match request seq %d", resp.Seq, req.Seq)
	}

	return &resp, nil
}

// writeMessage frames v as length-prefixed msgpack.
func writeMessage(w io.Writer, v interface{}) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))

	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readMessage reads one length-prefixed msgpack message into v.
func readMessage(r io.Reader, v interface{}) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > maxMessageSize {
		return fmt.Errorf("invalid message size %d", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}

	return msgpack.Unmarshal(body, v)
}

// logStderr forwards the worker's stderr into the structured log,
// mapping its level tags where they are recognizable.
func (b *Bridge) logStderr(stderr io.Reader) {
	defer b.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			b.log.Error("worker stderr", "line", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			b.log.Warn("worker stderr", "line", line)
		default:
			b.log.Debug("worker stderr", "line", line)
		}
	}
}

// waitProcess reaps the worker so it cannot linger as a zombie.
func (b *Bridge) waitProcess(ctx context.Context, cmd *exec.Cmd) {
	defer b.wg.Done()

	err := cmd.Wait()
	if err != nil && ctx.Err() == nil {
		b.log.Error("worker exited unexpectedly", "error", err)
		return
	}
	b.log.Debug("worker exited", "error", err)
}
