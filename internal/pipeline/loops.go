package pipeline

import (
	"errors"
	"log/slog"
	"time"

	"github.com/C6H12O6Mix/yolo/internal/annotate"
	"github.com/C6H12O6Mix/yolo/internal/emitter"
	"github.com/C6H12O6Mix/yolo/internal/engine"
	"github.com/C6H12O6Mix/yolo/internal/sink"
	"github.com/C6H12O6Mix/yolo/internal/source"
	"github.com/C6H12O6Mix/yolo/internal/types"
)

// inferLoop consumes source frames and runs detection. Per-frame
// inference errors drop that frame only; the loop ends when the source
// channel closes (stream ended, source failed, or session stopping).
// It owns the annotate queue: closing it tells the annotator no more
// results are coming, so downstream stages can drain to empty instead
// of abandoning queued frames.
func (c *Coordinator) inferLoop(s *session) {
	defer s.wg.Done()
	defer close(s.annotateQ)

	log := c.log.With("session_id", s.id, "stage", "infer")

	for frame := range s.source.Frames() {
		// Once the session is stopping, frames not yet inferred are
		// counted out rather than spent on a detector nobody will see.
		if s.ctx.Err() != nil {
			s.dropped.Add(1)
			continue
		}

		start := time.Now()
		dets, err := s.engine.Infer(s.ctx, frame)
		elapsed := time.Since(start)

		if err != nil {
			var infErr *engine.InferenceError
			if errors.As(err, &infErr) {
				s.dropped.Add(1)
				log.Warn("inference failed, dropping frame",
					"seq", frame.Seq, "error", err)
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			c.fail(s, err)
			return
		}

		s.processed.Add(1)
		s.inferMS.Update(float64(elapsed) / float64(time.Millisecond))

		res := types.Result{
			Frame:         frame,
			Detections:    dets,
			InferenceTime: elapsed,
		}
		select {
		case s.annotateQ <- res:
		default:
			s.dropped.Add(1)
		}
	}

	// Channel closed. A nil or clean end-of-stream error means the
	// session winds down; anything else fails it.
	err := s.source.Err()
	switch {
	case err == nil, errors.Is(err, source.ErrStreamEnded):
		c.streamEnded(s)
	default:
		c.fail(s, err)
	}
}

// annotateLoop draws detections (and the HUD, when enabled) onto a copy
// of each frame and fans the result out on the bus. It runs until the
// annotate queue is closed and drained, so a stopping session never
// strands results between the detector and the sink.
func (c *Coordinator) annotateLoop(s *session) {
	defer s.wg.Done()
	defer close(s.annotateDone)

	for res := range s.annotateQ {
		hud := annotate.Overlay{}
		if c.cfg.Overlay {
			hud = annotate.Overlay{
				Enabled:     true,
				FPS:         s.source.Stats().FPS,
				LatencyMS:   s.e2eMS.Value(),
				DetectionMS: s.inferMS.Value(),
			}
		}
		res.Frame = annotate.Annotate(res.Frame, res.Detections, hud)
		s.bus.Publish(res)
	}
}

// publishLoop writes annotated frames to the sink. Stale frames are
// counted as drops; other publish errors consume the sink's reopen
// budget before failing the session.
func (c *Coordinator) publishLoop(s *session) {
	defer s.wg.Done()

	log := c.log.With("session_id", s.id, "stage", "publish")
	attempt := 0

	for {
		select {
		case <-s.ctx.Done():
			c.drainPublish(s)
			return
		case res := <-s.sinkCh:
			err := s.sink.Publish(res.Frame)
			if err == nil {
				attempt = 0
				s.published.Add(1)
				s.e2eMS.Update(float64(time.Since(res.Frame.Timestamp)) / float64(time.Millisecond))
				continue
			}

			if errors.Is(err, sink.ErrStale) {
				// Counted by the sink's Rejected stat.
				continue
			}
			if errors.Is(err, sink.ErrClosed) || s.ctx.Err() != nil {
				s.dropped.Add(1)
				if s.ctx.Err() != nil {
					c.drainPublish(s)
				}
				return
			}

			s.dropped.Add(1)
			log.Warn("publish failed, reopening sink", "seq", res.Frame.Seq, "error", err)
			if !c.reopenSink(s, &attempt, log) {
				if s.ctx.Err() != nil {
					c.drainPublish(s)
					return
				}
				c.fail(s, err)
				return
			}
		}
	}
}

// drainPublish flushes what is already annotated when the session
// stops: it waits for the annotator to finish, then publishes the
// remaining queued frames. Failures here are counted, never retried;
// the overall stop grace period bounds the whole drain.
func (c *Coordinator) drainPublish(s *session) {
	<-s.annotateDone

	for {
		select {
		case res := <-s.sinkCh:
			err := s.sink.Publish(res.Frame)
			switch {
			case err == nil:
				s.published.Add(1)
			case errors.Is(err, sink.ErrStale):
			default:
				s.dropped.Add(1)
			}
		default:
			return
		}
	}
}

// reopenSink closes and reopens the sink with backoff, spending attempt
// against the reopen budget. Returns false once the budget is exhausted
// or the session is stopping.
func (c *Coordinator) reopenSink(s *session, attempt *int, log *slog.Logger) bool {
	for {
		*attempt++
		if *attempt > c.cfg.Sink.MaxReconnects {
			return false
		}

		if err := s.sink.Close(); err != nil {
			log.Debug("sink close during reopen", "error", err)
		}

		delay := source.Backoff(*attempt, source.ReconnectConfig{
			RetryDelay:    c.cfg.Sink.RetryDelay(),
			MaxRetryDelay: c.cfg.Sink.MaxRetryDelay(),
		})
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(delay):
		}

		err := s.sink.Open(s.ctx)
		if err == nil {
			return true
		}
		log.Warn("sink reopen failed", "attempt", *attempt, "error", err)
	}
}

// emitLoop forwards detection events to the MQTT emitter. Emit errors
// are counted by the emitter and never affect the video path.
func (c *Coordinator) emitLoop(s *session) {
	defer s.wg.Done()

	log := c.log.With("session_id", s.id, "stage", "emit")

	for {
		select {
		case <-s.ctx.Done():
			return
		case res := <-s.emitCh:
			if len(res.Detections) == 0 {
				continue
			}
			if err := c.emitter.Publish(emitter.EventFromResult(res)); err != nil {
				log.Debug("event publish failed", "seq", res.Frame.Seq, "error", err)
			}
		}
	}
}
