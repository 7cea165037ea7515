//go:build !no_automation

// Package automation runs Lua access rules against panel events. A script
// registers handlers for card reads, keypad input, and status transitions,
// and drives outputs, LEDs, and buzzers through the panel.
package automation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"osdp-acu/internal/panel"
)

// Handler event kinds scripts can subscribe to.
const (
	hookCard   = "card"
	hookKeypad = "keypad"
	hookStatus = "status"
	hookTamper = "tamper"
)

// luaHandler is one registered Lua callback.
type luaHandler struct {
	hook string
	fn   *lua.LFunction
}

// scriptVM is a running Lua VM for a single rule script. All Lua access is
// serialised through the commands channel.
type scriptVM struct {
	name     string
	state    *lua.LState
	commands chan func(*lua.LState)
	done     chan struct{}

	mu       sync.Mutex
	handlers []luaHandler
	logs     []string
}

// Engine manages rule VMs and dispatches panel events to them.
type Engine struct {
	panel      *panel.ControlPanel
	logger     *slog.Logger
	scriptsDir string

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine loading rules from scriptsDir.
func NewEngine(p *panel.ControlPanel, scriptsDir string, logger *slog.Logger) *Engine {
	return &Engine{
		panel:      p,
		logger:     logger.With("component", "automation"),
		scriptsDir: scriptsDir,
		vms:        make(map[string]*scriptVM),
	}
}

// Start loads every *.lua rule in the scripts directory and subscribes to
// panel events.
func (e *Engine) Start() {
	e.unsub = e.panel.Events().OnAll(e.dispatchEvent)

	if e.scriptsDir == "" {
		e.logger.Info("automation engine started", "scripts", 0)
		return
	}
	paths, err := filepath.Glob(filepath.Join(e.scriptsDir, "*.lua"))
	if err != nil {
		e.logger.Error("scan scripts dir", "err", err)
		return
	}
	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			e.logger.Error("read script", "path", path, "err", err)
			continue
		}
		name := strings.TrimSuffix(filepath.Base(path), ".lua")
		if err := e.StartScriptSource(name, string(src)); err != nil {
			e.logger.Error("start script", "name", name, "err", err)
		}
	}

	e.mu.Lock()
	count := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", count)
}

// Stop tears down all VMs and unsubscribes from panel events.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, vm := range e.vms {
		close(vm.done)
		delete(e.vms, name)
	}
	e.logger.Info("automation engine stopped")
}

// StartScriptSource compiles and runs one rule script. A script with the
// same name replaces the previous VM.
func (e *Engine) StartScriptSource(name, src string) error {
	vm := &scriptVM{
		name:     name,
		state:    lua.NewState(),
		commands: make(chan func(*lua.LState), 64),
		done:     make(chan struct{}),
	}
	e.registerAPI(vm)

	// Initial evaluation registers the script's handlers.
	if err := vm.state.DoString(src); err != nil {
		vm.state.Close()
		return fmt.Errorf("run script %s: %w", name, err)
	}

	go vm.run()

	e.mu.Lock()
	if old, ok := e.vms[name]; ok {
		close(old.done)
	}
	e.vms[name] = vm
	e.mu.Unlock()

	e.logger.Info("script started", "name", name)
	return nil
}

// Logs returns the captured log lines of one script.
func (e *Engine) Logs(name string) []string {
	e.mu.Lock()
	vm, ok := e.vms[name]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]string(nil), vm.logs...)
}

// run serialises all Lua calls for one VM.
func (vm *scriptVM) run() {
	defer vm.state.Close()
	fmt.Println("DEBUG vm.run start", vm.name)
	for {
		select {
		case <-vm.done:
			fmt.Println("DEBUG vm.run done", vm.name)
			return
		case cmd := <-vm.commands:
			fmt.Println("DEBUG vm.run executing", vm.name)
			cmd(vm.state)
			fmt.Println("DEBUG vm.run executed", vm.name)
		}
	}
}

// dispatchEvent fans a panel event out to every matching Lua handler.
func (e *Engine) dispatchEvent(ev panel.Event) {
	hook, fields := eventToLua(ev)
	fmt.Println("DEBUG dispatch", ev.Type, hook)
	if hook == "" {
		return
	}

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			fmt.Println("DEBUG handler check", vm.name, h.hook, hook)
			if h.hook != hook {
				continue
			}
			fn := h.fn
			call := func(L *lua.LState) {
				tbl := L.NewTable()
				for k, v := range fields {
					L.SetField(tbl, k, goToLua(L, v))
				}
				if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, tbl); err != nil {
					e.logger.Error("script handler", "name", vm.name, "hook", hook, "err", err)
				}
			}
			select {
			case vm.commands <- call:
				fmt.Println("DEBUG queued call", vm.name)
			case <-vm.done:
				fmt.Println("DEBUG vm done", vm.name)
			default:
				fmt.Println("DEBUG queue full drop", vm.name)
			}
		}
	}
}
