//go:build !no_automation

package automation

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"osdp-acu/internal/osdp"
	"osdp-acu/internal/panel"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ackConn is a minimal Connection whose PD acknowledges everything.
type ackConn struct {
	mu   sync.Mutex
	open bool
	out  bytes.Buffer
	seen map[osdp.CommandCode]int
}

func newAckConn() *ackConn {
	return &ackConn{seen: make(map[osdp.CommandCode]int)}
}

func (c *ackConn) Open() error  { c.mu.Lock(); c.open = true; c.mu.Unlock(); return nil }
func (c *ackConn) Close() error { c.mu.Lock(); c.open = false; c.mu.Unlock(); return nil }
func (c *ackConn) IsOpen() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.open }

func (c *ackConn) Write(p []byte) error {
	f, _, err := osdp.DecodeFrame(p, nil)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[osdp.CommandCode(f.Code)]++
	rf := osdp.Frame{Address: f.Address, Reply: true, Sequence: f.Sequence, UseCRC: f.UseCRC, Code: uint8(osdp.ReplyAck)}
	raw, err := osdp.EncodeFrame(&rf, nil)
	if err != nil {
		return err
	}
	c.out.Write(raw)
	return nil
}

func (c *ackConn) Read(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if c.out.Len() > 0 {
			n, _ := c.out.Read(p)
			c.mu.Unlock()
			return n, nil
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	return 0, panel.ErrReadTimeout
}

func (c *ackConn) commandCount(code osdp.CommandCode) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[code]
}

func newTestEngine(t *testing.T, scriptsDir string) (*Engine, *panel.ControlPanel, *ackConn) {
	t.Helper()
	p := panel.NewControlPanel(newTestLogger(),
		panel.WithPollInterval(2*time.Millisecond), panel.WithReplyWindow(25*time.Millisecond))
	t.Cleanup(p.Shutdown)

	conn := newAckConn()
	id, err := p.StartConnection(conn)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.AddDevice(id, 0x01, true, false, nil); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(p, scriptsDir, newTestLogger())
	e.Start()
	t.Cleanup(e.Stop)
	return e, p, conn
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func TestCardHandlerFires(t *testing.T) {
	e, p, _ := newTestEngine(t, "")

	err := e.StartScriptSource("rules", `
osdp.on_card(function(evt)
    osdp.log("card " .. evt.data .. " at " .. evt.address)
end)
`)
	if err != nil {
		t.Fatal(err)
	}

	p.Events().Emit(panel.Event{Type: panel.EventRawCard, Data: panel.RawCardEvent{
		ConnectionID: 1,
		Address:      0x01,
		Card:         osdp.RawCard{BitCount: 26, Data: []byte{0xDE, 0xAD}},
	}})

	if !waitFor(t, 2*time.Second, func() bool { return len(e.Logs("rules")) == 1 }) {
		t.Fatalf("handler never fired, logs = %v", e.Logs("rules"))
	}
	if got := e.Logs("rules")[0]; got != "card dead at 1" {
		t.Errorf("log = %q", got)
	}
}

func TestCardHandlerDrivesOutput(t *testing.T) {
	e, p, conn := newTestEngine(t, "")

	err := e.StartScriptSource("door", `
osdp.on_card(function(evt)
    osdp.output(evt.bus, evt.address, 0, true, 30)
end)
`)
	if err != nil {
		t.Fatal(err)
	}

	p.Events().Emit(panel.Event{Type: panel.EventRawCard, Data: panel.RawCardEvent{
		ConnectionID: 1,
		Address:      0x01,
		Card:         osdp.RawCard{BitCount: 26, Data: []byte{0xAA}},
	}})

	if !waitFor(t, 3*time.Second, func() bool { return conn.commandCount(osdp.CmdOutputControl) >= 1 }) {
		t.Fatal("output control never sent")
	}
}

func TestStatusHandler(t *testing.T) {
	e, p, _ := newTestEngine(t, "")

	err := e.StartScriptSource("watch", `
osdp.on_status(function(evt)
    if evt.online then
        osdp.log("up")
    else
        osdp.log("down")
    end
end)
`)
	if err != nil {
		t.Fatal(err)
	}

	p.Events().Emit(panel.Event{Type: panel.EventConnectionStatus, Data: panel.ConnectionStatusEvent{
		ConnectionID: 1, Address: 0x01, Online: false,
	}})

	if !waitFor(t, 2*time.Second, func() bool { return len(e.Logs("watch")) == 1 }) {
		t.Fatal("handler never fired")
	}
	if e.Logs("watch")[0] != "down" {
		t.Errorf("log = %q", e.Logs("watch")[0])
	}
}

func TestScriptSyntaxError(t *testing.T) {
	e, _, _ := newTestEngine(t, "")
	if err := e.StartScriptSource("bad", "this is not lua ("); err == nil {
		t.Error("expected error for invalid script")
	}
}

func TestLoadScriptsFromDir(t *testing.T) {
	dir := t.TempDir()
	script := `osdp.on_card(function(evt) osdp.log("hit") end)`
	if err := os.WriteFile(filepath.Join(dir, "rule1.lua"), []byte(script), 0644); err != nil {
		t.Fatal(err)
	}

	e, p, _ := newTestEngine(t, dir)

	p.Events().Emit(panel.Event{Type: panel.EventRawCard, Data: panel.RawCardEvent{
		ConnectionID: 1, Address: 0x01,
		Card: osdp.RawCard{BitCount: 8, Data: []byte{0x01}},
	}})

	if !waitFor(t, 2*time.Second, func() bool { return len(e.Logs("rule1")) == 1 }) {
		t.Fatal("script from dir never fired")
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"uint8", uint8(255), lua.LTNumber},
		{"uint16", uint16(1024), lua.LTNumber},
		{"uint32", uint32(100000), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val); got.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got.Type(), tt.want)
			}
		})
	}
}
