package panel

import (
	"bytes"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"osdp-acu/internal/osdp"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// queuedReply is one canned PD answer to a POLL, used to inject unsolicited
// replies such as card data or PIV fragments.
type queuedReply struct {
	code    osdp.ReplyCode
	payload []byte
}

// fakePD is an in-memory Connection behaving as a single plaintext PD. It
// decodes every frame the bus writes and queues an answer that Read then
// hands back. Handlers can override the answer per command code.
type fakePD struct {
	address uint8

	mu       sync.Mutex
	open     bool
	muted    bool
	out      bytes.Buffer
	notify   chan struct{}
	handlers map[osdp.CommandCode]func(data []byte) (osdp.ReplyCode, []byte)
	pollQ    []queuedReply
	seen     map[osdp.CommandCode]int
}

func newFakePD(address uint8) *fakePD {
	return &fakePD{
		address:  address,
		notify:   make(chan struct{}, 16),
		handlers: make(map[osdp.CommandCode]func(data []byte) (osdp.ReplyCode, []byte)),
		seen:     make(map[osdp.CommandCode]int),
	}
}

// mute stops the PD from answering, simulating a cut connection.
func (pd *fakePD) mute(m bool) {
	pd.mu.Lock()
	pd.muted = m
	pd.mu.Unlock()
}

// handle overrides the answer for one command code.
func (pd *fakePD) handle(code osdp.CommandCode, fn func(data []byte) (osdp.ReplyCode, []byte)) {
	pd.mu.Lock()
	pd.handlers[code] = fn
	pd.mu.Unlock()
}

// queueOnPoll schedules an unsolicited reply for the next POLL.
func (pd *fakePD) queueOnPoll(code osdp.ReplyCode, payload []byte) {
	pd.mu.Lock()
	pd.pollQ = append(pd.pollQ, queuedReply{code, payload})
	pd.mu.Unlock()
}

// commandCount reports how many times a command code was received.
func (pd *fakePD) commandCount(code osdp.CommandCode) int {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.seen[code]
}

func (pd *fakePD) Open() error {
	pd.mu.Lock()
	pd.open = true
	pd.mu.Unlock()
	return nil
}

func (pd *fakePD) Close() error {
	pd.mu.Lock()
	pd.open = false
	pd.mu.Unlock()
	return nil
}

func (pd *fakePD) IsOpen() bool {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.open
}

func (pd *fakePD) Write(p []byte) error {
	f, _, err := osdp.DecodeFrame(p, nil)
	if err != nil {
		return nil // noise from the PD's point of view
	}
	if f.Address != pd.address && f.Address != osdp.BroadcastAddr {
		return nil
	}

	pd.mu.Lock()
	defer pd.mu.Unlock()

	code := osdp.CommandCode(f.Code)
	pd.seen[code]++

	if pd.muted {
		return nil
	}

	replyCode := osdp.ReplyAck
	var payload []byte
	switch {
	case pd.handlers[code] != nil:
		replyCode, payload = pd.handlers[code](f.Data)
	case code == osdp.CmdPoll && len(pd.pollQ) > 0:
		q := pd.pollQ[0]
		pd.pollQ = pd.pollQ[1:]
		replyCode, payload = q.code, q.payload
	case code == osdp.CmdIDReport:
		replyCode = osdp.ReplyIDReport
		payload = []byte{0x5C, 0x26, 0x23, 0x01, 0x01, 0x78, 0x56, 0x34, 0x12, 0x01, 0x00, 0x07}
	}

	rf := osdp.Frame{
		Address:  pd.address,
		Reply:    true,
		Sequence: f.Sequence,
		UseCRC:   f.UseCRC,
		Code:     uint8(replyCode),
		Data:     payload,
	}
	raw, err := osdp.EncodeFrame(&rf, nil)
	if err != nil {
		return err
	}
	pd.out.Write(raw)
	select {
	case pd.notify <- struct{}{}:
	default:
	}
	return nil
}

func (pd *fakePD) Read(p []byte, timeout time.Duration) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		pd.mu.Lock()
		if pd.out.Len() > 0 {
			n, _ := pd.out.Read(p)
			pd.mu.Unlock()
			return n, nil
		}
		pd.mu.Unlock()

		select {
		case <-pd.notify:
		case <-deadline.C:
			return 0, ErrReadTimeout
		}
	}
}

// newTestPanel creates a fast-cadence panel with one bus and one plaintext
// device at the fake PD's address.
func newTestPanel(t *testing.T, pd *fakePD) (*ControlPanel, ConnectionID) {
	t.Helper()
	p := NewControlPanel(newTestLogger(), WithPollInterval(2*time.Millisecond), WithReplyWindow(25*time.Millisecond))
	t.Cleanup(p.Shutdown)

	id, err := p.StartConnection(pd)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.AddDevice(id, pd.address, true, false, nil); err != nil {
		t.Fatal(err)
	}
	return p, id
}

// waitFor polls cond until it holds or the deadline expires.
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
