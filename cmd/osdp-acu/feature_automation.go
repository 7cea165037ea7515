//go:build !no_automation

package main

import (
	"log/slog"

	"osdp-acu/internal/automation"
	"osdp-acu/internal/panel"
)

func initAutomation(p *panel.ControlPanel, cfg *Config, logger *slog.Logger) *automation.Engine {
	engine := automation.NewEngine(p, cfg.ScriptsDir, logger)
	engine.Start()
	return engine
}
