//go:build !no_mqtt

// Package mqtt bridges the panel to an MQTT broker: device state and card
// reads out, output commands in.
package mqtt

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"osdp-acu/internal/osdp"
	"osdp-acu/internal/panel"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Bridge connects the panel to MQTT.
type Bridge struct {
	client pahomqtt.Client
	panel  *panel.ControlPanel
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	// Per-device retained state accumulator.
	mu     sync.Mutex
	states map[string]map[string]any // topic name -> property map
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(p *panel.ControlPanel, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		panel:  p,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		states: make(map[string]map[string]any),
		ctx:    ctx,
		cancel: cancel,
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "osdp-acu"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to panel events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.panel.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event panel.Event) {
	switch data := event.Data.(type) {
	case panel.ConnectionStatusEvent:
		b.updateAndPublishState(deviceTopic(data.ConnectionID, data.Address), "online", data.Online)
	case panel.LocalStatusEvent:
		topic := deviceTopic(data.ConnectionID, data.Address)
		b.updateAndPublishState(topic, "tamper", data.Status.Tamper)
		b.updateAndPublishState(topic, "power_fault", data.Status.PowerFault)
	case panel.RawCardEvent:
		b.publishJSON(b.prefix+"/"+deviceTopic(data.ConnectionID, data.Address)+"/card", cardPayload(data), false)
	case panel.KeypadEvent:
		b.publishJSON(b.prefix+"/"+deviceTopic(data.ConnectionID, data.Address)+"/keypad", keypadPayload(data), false)
	}
}

func (b *Bridge) updateAndPublishState(topic, prop string, value any) {
	b.mu.Lock()
	state, ok := b.states[topic]
	if !ok {
		state = make(map[string]any)
		b.states[topic] = state
	}
	state[prop] = value
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+topic, payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// subscribeCommands listens for output set commands on every device topic:
// <prefix>/bus<id>/<addr>/set with {"output": n, "on": bool, "timer": n}.
func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/+/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		b.logger.Warn("MQTT subscribe timeout", "topic", topic)
	}
}

type setCommand struct {
	Output uint8  `json:"output"`
	On     bool   `json:"on"`
	Timer  uint16 `json:"timer,omitempty"`
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	id, addr, err := parseDeviceTopic(b.prefix, topic)
	if err != nil {
		b.logger.Warn("command on unexpected topic", "topic", topic, "err", err)
		return
	}

	var cmd setCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "topic", topic, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.panel.OutputControl(ctx, id, addr, cmd.Output, outputCode(cmd), cmd.Timer); err != nil {
		b.logger.Warn("output command failed", "conn", uint32(id), "addr", addr, "err", err)
	}
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	b.publish(topic, mustJSON(v), retained)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// outputCode maps a set command to the OSDP output control code.
func outputCode(cmd setCommand) osdp.OutputControlCode {
	switch {
	case cmd.On && cmd.Timer > 0:
		return osdp.OutputOnTimed
	case cmd.On:
		return osdp.OutputOnPermanent
	case cmd.Timer > 0:
		return osdp.OutputOffTimed
	default:
		return osdp.OutputOffPermanent
	}
}

func cardPayload(data panel.RawCardEvent) map[string]any {
	return map[string]any{
		"reader":    data.Card.Reader,
		"bit_count": data.Card.BitCount,
		"data":      hex.EncodeToString(data.Card.Data),
	}
}

func keypadPayload(data panel.KeypadEvent) map[string]any {
	return map[string]any{
		"reader": data.Keypad.Reader,
		"digits": string(data.Keypad.Digits),
	}
}

// deviceTopic is the topic segment for one device: "bus<id>/<addr>" with the
// address in decimal.
func deviceTopic(id panel.ConnectionID, addr uint8) string {
	return fmt.Sprintf("bus%d/%d", uint32(id), addr)
}

// parseDeviceTopic reverses deviceTopic for "<prefix>/bus<id>/<addr>/set".
func parseDeviceTopic(prefix, topic string) (panel.ConnectionID, uint8, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return 0, 0, fmt.Errorf("topic outside prefix %q", prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || !strings.HasPrefix(parts[0], "bus") {
		return 0, 0, fmt.Errorf("malformed device topic %q", topic)
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "bus"), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bus id: %w", err)
	}
	addr, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || addr > 0x7F {
		return 0, 0, fmt.Errorf("address %q out of range", parts[1])
	}
	return panel.ConnectionID(id), uint8(addr), nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
