//go:build no_automation

package main

import (
	"log/slog"

	"osdp-acu/internal/automation"
	"osdp-acu/internal/panel"
)

func initAutomation(_ *panel.ControlPanel, _ *Config, logger *slog.Logger) *automation.Engine {
	logger.Info("automation disabled at build time")
	return &automation.Engine{}
}
