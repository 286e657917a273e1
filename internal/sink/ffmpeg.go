package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/C6H12O6Mix/yolo/internal/config"
	"github.com/C6H12O6Mix/yolo/internal/types"
)

// FFmpeg publishes frames by piping raw BGR24 into an ffmpeg process
// that encodes with libx264 and pushes the result to the output URL.
type FFmpeg struct {
	cfg  config.SinkConfig
	sess config.SessionConfig
	log  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	gate   seqGate
	exited chan error
	open   bool

	published atomic.Uint64
	rejected  atomic.Uint64
	opens     atomic.Uint32
}

// NewFFmpeg creates the encoder sink. The process is not spawned until
// Open.
func NewFFmpeg(cfg config.SinkConfig, sess config.SessionConfig, log *slog.Logger) *FFmpeg {
	return &FFmpeg{
		cfg:  cfg,
		sess: sess,
		log:  log.With("component", "sink", "backend", "ffmpeg"),
	}
}

// buildArgs assembles the encoder command line: raw BGR24 on stdin,
// libx264 low-latency encode, container format per config.
func buildArgs(cfg config.SinkConfig, sess config.SessionConfig) []string {
	return []string{
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", sess.Width, sess.Height),
		"-r", fmt.Sprintf("%d", sess.FPS),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", cfg.Preset,
		"-tune", cfg.Tune,
		"-b:v", sess.Bitrate,
		"-pix_fmt", "yuv420p",
		"-f", cfg.Format,
		sess.OutputURL,
	}
}

// Open spawns the encoder process and verifies it survives its first
// moment; an unreachable endpoint makes ffmpeg exit almost at once.
func (f *FFmpeg) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.open {
		return nil
	}

	cmd := exec.Command(f.cfg.Binary, buildArgs(f.cfg, f.sess)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ConnectError{URL: f.sess.OutputURL, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ConnectError{URL: f.sess.OutputURL, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &ConnectError{URL: f.sess.OutputURL, Err: fmt.Errorf("spawn %s: %w", f.cfg.Binary, err)}
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()
	go f.drainStderr(stderr)

	// Let an immediate connect failure surface now instead of on the
	// first publish.
	select {
	case err := <-exited:
		return &ConnectError{URL: f.sess.OutputURL, Err: fmt.Errorf("encoder exited: %v", err)}
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		cmd.Process.Kill()
		<-exited
		return ctx.Err()
	}

	f.cmd = cmd
	f.stdin = stdin
	f.exited = exited
	f.open = true
	f.opens.Add(1)

	f.log.Info("sink opened",
		"url", f.sess.OutputURL,
		"resolution", fmt.Sprintf("%dx%d", f.sess.Width, f.sess.Height),
		"fps", f.sess.FPS,
		"bitrate", f.sess.Bitrate,
		"pid", cmd.Process.Pid)

	return nil
}

// Publish writes one frame to the encoder with a bounded deadline.
func (f *FFmpeg) Publish(frame types.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open {
		return ErrClosed
	}

	if !f.gate.accept(frame.Seq) {
		f.rejected.Add(1)
		return fmt.Errorf("frame %d: %w", frame.Seq, ErrStale)
	}

	// The writer is passed in so a goroutine lingering after a timeout
	// never touches fields a concurrent reopen may replace.
	done := make(chan error, 1)
	go func(w io.Writer, data []byte) {
		_, err := w.Write(data)
		done <- err
	}(f.stdin, frame.Data)

	select {
	case err := <-done:
		if err != nil {
			return &PublishError{Seq: frame.Seq, Err: err}
		}
	case err := <-f.exited:
		// Keep the exit result available for Close.
		f.exited <- err
		return &PublishError{Seq: frame.Seq, Err: fmt.Errorf("encoder exited: %v", err)}
	case <-time.After(f.cfg.PublishTimeout()):
		return &PublishError{Seq: frame.Seq, Timeout: true,
			Err: fmt.Errorf("no progress within %v", f.cfg.PublishTimeout())}
	}

	f.published.Add(1)
	return nil
}

// Close shuts the encoder down, killing it if it ignores the closed
// pipe.
func (f *FFmpeg) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open {
		return nil
	}
	f.open = false

	f.stdin.Close()

	select {
	case err := <-f.exited:
		f.log.Debug("encoder exited", "error", err)
	case <-time.After(2 * time.Second):
		f.log.Warn("encoder ignored closed pipe, killing it")
		f.cmd.Process.Kill()
		<-f.exited
	}

	f.cmd = nil
	f.stdin = nil
	f.exited = nil

	// Reopening the same endpoint restarts the container stream, so
	// the sequence gate carries over; order holds across reopens.
	return nil
}

// Stats returns a snapshot of the sink counters.
func (f *FFmpeg) Stats() Stats {
	f.mu.Lock()
	open := f.open
	f.mu.Unlock()

	var reopens uint32
	if opens := f.opens.Load(); opens > 0 {
		reopens = opens - 1
	}

	return Stats{
		Published: f.published.Load(),
		Rejected:  f.rejected.Load(),
		Reopens:   reopens,
		Connected: open,
	}
}

// drainStderr keeps the encoder from blocking on a full stderr pipe
// and surfaces its output at debug level.
func (f *FFmpeg) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		f.log.Debug("encoder stderr", "line", scanner.Text())
	}
}
