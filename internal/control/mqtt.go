package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message is a control-topic payload, e.g. {"command":"save"}.
type Message struct {
	Command string `json:"command"`
}

// Response acknowledges a control message.
type Response struct {
	CommandAck string `json:"command_ack"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// MQTTConfig configures an MQTTSource.
type MQTTConfig struct {
	// Topic receives command messages.
	Topic string
	// ResponseTopic receives acknowledgements. Empty disables responses.
	ResponseTopic string
	QoS           byte
}

// MQTTSource receives commands from an MQTT control topic.
type MQTTSource struct {
	cfg    MQTTConfig
	client mqtt.Client
	now    func() time.Time
}

// NewMQTTSource creates a source on an already connected client.
func NewMQTTSource(client mqtt.Client, cfg MQTTConfig) *MQTTSource {
	return &MQTTSource{cfg: cfg, client: client, now: time.Now}
}

// Name implements Source.
func (m *MQTTSource) Name() string { return "mqtt" }

// Run implements Source.
func (m *MQTTSource) Run(ctx context.Context, out chan<- Command) error {
	slog.Info("control: subscribing to control topic", "topic", m.cfg.Topic, "qos", m.cfg.QoS)

	// out is closed by Merge once Run returns, so Run waits for in-flight
	// handlers and later deliveries are discarded.
	var (
		mu       sync.Mutex
		stopped  bool
		inFlight sync.WaitGroup
	)
	token := m.client.Subscribe(m.cfg.Topic, m.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		inFlight.Add(1)
		mu.Unlock()
		defer inFlight.Done()

		cmd, resp := m.parse(msg.Payload())
		if resp.Status == "accepted" {
			select {
			case out <- cmd:
			case <-ctx.Done():
				return
			default:
				slog.Warn("control: command queue full, dropping command", "command", cmd.String())
				resp.Status = "error"
				resp.Error = "command queue full"
			}
		}
		m.sendResponse(resp)
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	<-ctx.Done()

	if m.client.IsConnected() {
		m.client.Unsubscribe(m.cfg.Topic).WaitTimeout(2 * time.Second)
	}
	mu.Lock()
	stopped = true
	mu.Unlock()
	inFlight.Wait()
	slog.Info("control: control topic handler stopped", "topic", m.cfg.Topic)
	return nil
}

// parse decodes a payload into a command and the response to send.
func (m *MQTTSource) parse(payload []byte) (Command, Response) {
	resp := Response{Timestamp: m.now().UTC().Format(time.RFC3339)}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Error("control: failed to parse control message", "error", err)
		resp.CommandAck = "unknown"
		resp.Status = "error"
		resp.Error = "invalid JSON"
		return 0, resp
	}

	resp.CommandAck = msg.Command
	cmd, err := ParseCommand(msg.Command)
	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return 0, resp
	}

	slog.Info("control: command received", "command", cmd.String(), "source", "mqtt")
	resp.Status = "accepted"
	return cmd, resp
}

func (m *MQTTSource) sendResponse(resp Response) {
	if m.cfg.ResponseTopic == "" {
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := m.client.Publish(m.cfg.ResponseTopic, m.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
