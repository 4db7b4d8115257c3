// Package emitter publishes replay events to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BorisBojanov/ReplaySystem/internal/config"
	"github.com/BorisBojanov/ReplaySystem/internal/replay"
)

// Event kinds.
const (
	EventSaved     = "saved"
	EventFailed    = "failed"
	EventDropped   = "dropped"
	EventCancelled = "cancelled"
)

// Event is the JSON payload published on the events topic.
type Event struct {
	Event      string `json:"event"`
	InstanceID string `json:"instance_id"`
	SessionID  string `json:"session_id,omitempty"`
	Path       string `json:"path,omitempty"`
	Thumbnail  string `json:"thumbnail,omitempty"`
	Frames     int    `json:"frames"`
	Bytes      int64  `json:"bytes,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// NewEvent builds the event describing the outcome of a save.
func NewEvent(instanceID string, s replay.Session, res replay.Result, err error, now time.Time) Event {
	ev := Event{
		Event:      EventSaved,
		InstanceID: instanceID,
		SessionID:  s.ID,
		Frames:     len(s.Frames),
		Timestamp:  now.UTC().Format(time.RFC3339),
	}

	switch {
	case err == nil:
		ev.Path = res.Path
		ev.Thumbnail = res.Thumbnail
		ev.Frames = res.Frames
		ev.Bytes = res.Bytes
		ev.DurationMS = res.Duration.Milliseconds()
		return ev
	case errors.Is(err, replay.ErrSaveInProgress):
		ev.Event = EventDropped
	case errors.Is(err, context.Canceled):
		ev.Event = EventCancelled
	default:
		ev.Event = EventFailed
		ev.Path = res.Path
	}
	ev.Error = err.Error()
	return ev
}

// MQTTEmitter publishes replay events to the MQTT broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for the control source

	mu        sync.RWMutex
	published map[string]uint64 // count per event kind
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
			"max_retry_interval", "30s")
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// PublishEvent publishes ev to the events topic.
func (e *MQTTEmitter) PublishEvent(ev Event) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := e.cfg.MQTT.Topics.Events
	qos := e.cfg.MQTT.QoS["events"]

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[ev.Event]++
	e.mu.Unlock()

	slog.Debug("emitter: event published", "topic", topic, "event", ev.Event, "size", len(payload))
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
