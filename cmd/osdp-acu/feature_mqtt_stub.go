//go:build no_mqtt

package main

import (
	"log/slog"

	"osdp-acu/internal/panel"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *panel.ControlPanel, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
