package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"osdp-acu/internal/osdp"
	"osdp-acu/internal/panel"
	"osdp-acu/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ackConn is a minimal in-memory Connection whose PD at address 0x01
// acknowledges everything.
type ackConn struct {
	mu   sync.Mutex
	open bool
	out  bytes.Buffer
}

func (c *ackConn) Open() error {
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	return nil
}

func (c *ackConn) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return nil
}

func (c *ackConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *ackConn) Write(p []byte) error {
	f, _, err := osdp.DecodeFrame(p, nil)
	if err != nil {
		return nil
	}
	rf := osdp.Frame{Address: f.Address, Reply: true, Sequence: f.Sequence, UseCRC: f.UseCRC, Code: uint8(osdp.ReplyAck)}
	raw, err := osdp.EncodeFrame(&rf, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.out.Write(raw)
	c.mu.Unlock()
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

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *panel.ControlPanel, panel.ConnectionID) {
	t.Helper()
	p := panel.NewControlPanel(newTestLogger(),
		panel.WithPollInterval(2*time.Millisecond), panel.WithReplyWindow(25*time.Millisecond))
	t.Cleanup(p.Shutdown)

	id, err := p.StartConnection(&ackConn{})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.AddDevice(id, 0x01, true, false, nil); err != nil {
		t.Fatal(err)
	}

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "web.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	s := NewServer(p, st, newTestLogger(), opts...)
	t.Cleanup(s.Stop)
	return s, p, id
}

func TestAPIStatus(t *testing.T) {
	s, _, id := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var buses []panel.BusStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &buses); err != nil {
		t.Fatal(err)
	}
	if len(buses) != 1 || buses[0].ConnectionID != id {
		t.Errorf("buses = %+v", buses)
	}
	if len(buses[0].Devices) != 1 || buses[0].Devices[0].Address != 0x01 {
		t.Errorf("devices = %+v", buses[0].Devices)
	}
}

func TestAPIVersion(t *testing.T) {
	s, _, _ := newTestServer(t, WithVersion("1.2.3"))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	if !strings.Contains(rec.Body.String(), "1.2.3") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAPIKeyAuth(t *testing.T) {
	s, _, _ := newTestServer(t, WithAPIKey("sekrit"))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", rec.Code)
	}
}

func TestAPIOutputControl(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := bytes.NewBufferString(`{"output": 0, "on": true, "timer": 30}`)
	req := httptest.NewRequest(http.MethodPost, "/api/devices/1/0x01/output", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestAPIUnknownDevice(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := bytes.NewBufferString(`{"output": 0, "on": true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/devices/1/0x55/output", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAPIInvalidAddress(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/1/0xFF", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAPIEvents(t *testing.T) {
	s, _, _ := newTestServer(t)

	if err := s.journal.AppendEvent(&store.AccessEvent{Kind: store.KindCardRead, Bus: 1, Address: 1, Data: "aa"}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events?limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var events []store.AccessEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != store.KindCardRead {
		t.Errorf("events = %+v", events)
	}
}

func TestAPIEventsBadLimit(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events?limit=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAPIDeviceDetail(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/1/1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var dev panel.DeviceStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &dev); err != nil {
		t.Fatal(err)
	}
	if dev.Address != 0x01 {
		t.Errorf("device = %+v", dev)
	}
}

func TestCORSOriginRejected(t *testing.T) {
	s, _, _ := newTestServer(t, WithAllowedOrigins([]string{"https://panel.example.com"}))

	body := bytes.NewBufferString(`{"output": 0, "on": true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/devices/1/1/output", body)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
