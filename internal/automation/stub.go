//go:build no_automation

package automation

import (
	"log/slog"

	"osdp-acu/internal/panel"
)

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ *panel.ControlPanel, _ string, _ *slog.Logger) *Engine { return &Engine{} }

// Start does nothing.
func (e *Engine) Start() {}

// Stop does nothing.
func (e *Engine) Stop() {}

// StartScriptSource does nothing.
func (e *Engine) StartScriptSource(_, _ string) error { return nil }

// Logs returns nil.
func (e *Engine) Logs(_ string) []string { return nil }
