//go:build !no_automation

package automation

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"osdp-acu/internal/osdp"
	"osdp-acu/internal/panel"
)

const commandTimeout = 10 * time.Second

// registerAPI installs the "osdp" table into a script VM.
func (e *Engine) registerAPI(vm *scriptVM) {
	L := vm.state
	tbl := L.NewTable()

	hook := func(name string) lua.LGFunction {
		return func(L *lua.LState) int {
			fn := L.CheckFunction(1)
			vm.mu.Lock()
			vm.handlers = append(vm.handlers, luaHandler{hook: name, fn: fn})
			vm.mu.Unlock()
			return 0
		}
	}
	L.SetField(tbl, "on_card", L.NewFunction(hook(hookCard)))
	L.SetField(tbl, "on_keypad", L.NewFunction(hook(hookKeypad)))
	L.SetField(tbl, "on_status", L.NewFunction(hook(hookStatus)))
	L.SetField(tbl, "on_tamper", L.NewFunction(hook(hookTamper)))

	L.SetField(tbl, "output", L.NewFunction(func(L *lua.LState) int {
		bus := panel.ConnectionID(L.CheckInt(1))
		addr := uint8(L.CheckInt(2))
		output := uint8(L.CheckInt(3))
		on := L.CheckBool(4)
		timer := uint16(L.OptInt(5, 0))

		code := osdp.OutputOffPermanent
		switch {
		case on && timer > 0:
			code = osdp.OutputOnTimed
		case on:
			code = osdp.OutputOnPermanent
		case timer > 0:
			code = osdp.OutputOffTimed
		}

		// Panel calls block; run them off the VM goroutine.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			if err := e.panel.OutputControl(ctx, bus, addr, output, code, timer); err != nil {
				e.logger.Warn("script output control", "name", vm.name, "err", err)
			}
		}()
		return 0
	}))

	L.SetField(tbl, "led", L.NewFunction(func(L *lua.LState) int {
		bus := panel.ConnectionID(L.CheckInt(1))
		addr := uint8(L.CheckInt(2))
		reader := uint8(L.CheckInt(3))
		color := osdp.LEDColor(L.CheckInt(4))
		deciseconds := uint16(L.OptInt(5, 20))

		led := osdp.LEDControl{
			Reader:    reader,
			TempMode:  2,
			TempOn:    5,
			TempOff:   0,
			TempOnCol: color,
			TempTimer: deciseconds,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			if err := e.panel.ReaderLEDControl(ctx, bus, addr, led); err != nil {
				e.logger.Warn("script led control", "name", vm.name, "err", err)
			}
		}()
		return 0
	}))

	L.SetField(tbl, "buzzer", L.NewFunction(func(L *lua.LState) int {
		bus := panel.ConnectionID(L.CheckInt(1))
		addr := uint8(L.CheckInt(2))
		reader := uint8(L.CheckInt(3))
		count := uint8(L.OptInt(4, 1))

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			if err := e.panel.BuzzerControl(ctx, bus, addr, reader, 2, 2, 2, count); err != nil {
				e.logger.Warn("script buzzer control", "name", vm.name, "err", err)
			}
		}()
		return 0
	}))

	L.SetField(tbl, "text", L.NewFunction(func(L *lua.LState) int {
		bus := panel.ConnectionID(L.CheckInt(1))
		addr := uint8(L.CheckInt(2))
		reader := uint8(L.CheckInt(3))
		row := uint8(L.CheckInt(4))
		col := uint8(L.CheckInt(5))
		msg := L.CheckString(6)

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			if err := e.panel.TextOutput(ctx, bus, addr, reader, row, col, msg); err != nil {
				e.logger.Warn("script text output", "name", vm.name, "err", err)
			}
		}()
		return 0
	}))

	L.SetField(tbl, "log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		vm.mu.Lock()
		vm.logs = append(vm.logs, msg)
		if len(vm.logs) > 100 {
			vm.logs = vm.logs[len(vm.logs)-100:]
		}
		vm.mu.Unlock()
		e.logger.Info("script", "name", vm.name, "msg", msg)
		return 0
	}))

	L.SetGlobal("osdp", tbl)
}

// eventToLua maps a panel event to a script hook and its field table.
func eventToLua(ev panel.Event) (string, map[string]any) {
	switch data := ev.Data.(type) {
	case panel.RawCardEvent:
		return hookCard, map[string]any{
			"bus":       uint32(data.ConnectionID),
			"address":   data.Address,
			"reader":    data.Card.Reader,
			"bit_count": data.Card.BitCount,
			"data":      hex.EncodeToString(data.Card.Data),
		}
	case panel.KeypadEvent:
		return hookKeypad, map[string]any{
			"bus":     uint32(data.ConnectionID),
			"address": data.Address,
			"reader":  data.Keypad.Reader,
			"digits":  string(data.Keypad.Digits),
		}
	case panel.ConnectionStatusEvent:
		return hookStatus, map[string]any{
			"bus":     uint32(data.ConnectionID),
			"address": data.Address,
			"online":  data.Online,
		}
	case panel.LocalStatusEvent:
		return hookTamper, map[string]any{
			"bus":         uint32(data.ConnectionID),
			"address":     data.Address,
			"tamper":      data.Status.Tamper,
			"power_fault": data.Status.PowerFault,
		}
	default:
		return "", nil
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch n := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(n)
	case string:
		return lua.LString(n)
	case int:
		return lua.LNumber(n)
	case int64:
		return lua.LNumber(n)
	case uint8:
		return lua.LNumber(n)
	case uint16:
		return lua.LNumber(n)
	case uint32:
		return lua.LNumber(n)
	case float64:
		return lua.LNumber(n)
	default:
		return lua.LString(fmt.Sprintf("%v", n))
	}
}
