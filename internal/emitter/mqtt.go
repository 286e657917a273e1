// Package emitter publishes per-frame detection events to MQTT so
// downstream consumers can react to detections without decoding the
// annotated video stream.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/C6H12O6Mix/yolo/internal/config"
	"github.com/C6H12O6Mix/yolo/internal/types"
)

const publishWait = 2 * time.Second

// EventBox is the oriented box as transmitted.
type EventBox struct {
	CX    float32 `json:"cx"`
	CY    float32 `json:"cy"`
	W     float32 `json:"w"`
	H     float32 `json:"h"`
	Angle float32 `json:"angle"`
}

// EventDetection is one detection as transmitted.
type EventDetection struct {
	Class      string   `json:"class"`
	Confidence float32  `json:"confidence"`
	Box        EventBox `json:"box"`
}

// Event is the JSON payload published per processed frame.
type Event struct {
	SessionID  string           `json:"session_id"`
	Seq        uint64           `json:"seq"`
	Timestamp  time.Time        `json:"timestamp"`
	Detections []EventDetection `json:"detections"`
}

// EventFromResult flattens a pipeline result into its wire form.
func EventFromResult(res types.Result) Event {
	dets := make([]EventDetection, 0, len(res.Detections))
	for _, d := range res.Detections {
		dets = append(dets, EventDetection{
			Class:      d.ClassName,
			Confidence: d.Confidence,
			Box: EventBox{
				CX:    d.Box.CX,
				CY:    d.Box.CY,
				W:     d.Box.W,
				H:     d.Box.H,
				Angle: d.Box.Angle,
			},
		})
	}

	return Event{
		SessionID:  res.Frame.SessionID,
		Seq:        res.Frame.Seq,
		Timestamp:  res.Frame.Timestamp,
		Detections: dets,
	}
}

// Stats is a snapshot of the emitter counters.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// MQTT publishes detection events at QoS 0. Publish failures are
// counted, never propagated: events are best-effort and must not slow
// the pipeline.
type MQTT struct {
	cfg    config.MQTTConfig
	log    *slog.Logger
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTT creates the emitter. Nothing connects until Connect.
func NewMQTT(cfg config.MQTTConfig, log *slog.Logger) *MQTT {
	return &MQTT{
		cfg: cfg,
		log: log.With("component", "emitter"),
	}
}

// Connect establishes the broker connection with automatic reconnect.
func (e *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		e.log.Info("mqtt connected", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		e.log.Warn("mqtt connection lost, auto-reconnecting", "error", err)
	}

	e.client = mqtt.NewClient(opts)

	token := e.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connect %s: timed out", e.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", e.cfg.Broker, err)
	}

	return nil
}

// Publish sends one event. Failures advance the error counter and are
// returned for logging only; callers keep going.
func (e *MQTT) Publish(ev Event) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("marshal event: %w", err)
	}

	token := e.client.Publish(e.cfg.Topic, 0, false, payload)
	if !token.WaitTimeout(publishWait) {
		e.countError()
		return fmt.Errorf("publish timed out")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	return nil
}

// Disconnect closes the broker connection.
func (e *MQTT) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.log.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (e *MQTT) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors}
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTT) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
