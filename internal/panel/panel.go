package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"osdp-acu/internal/osdp"
)

// Default caller-facing timeouts.
const (
	DefaultCommandTimeout = 5 * time.Second
	DefaultPIVTimeout     = 10 * time.Second
)

var (
	// ErrTimeout is returned when no matching reply arrived in time.
	ErrTimeout = errors.New("panel: timeout")
	// ErrUnknownConnection reports a ConnectionID not registered with the panel.
	ErrUnknownConnection = errors.New("panel: unknown connection")
	// ErrUnknownDevice reports an address with no device on the target bus.
	ErrUnknownDevice = errors.New("panel: unknown device")
	// ErrShutdown reports an operation on a panel that has been shut down.
	ErrShutdown = errors.New("panel: shut down")
)

// NakError is returned by the typed convenience commands when the PD
// answered with a NAK. At the SendCommand level a NAK is an ordinary reply.
type NakError struct {
	Nak osdp.Nak
}

func (e *NakError) Error() string {
	return fmt.Sprintf("panel: pd nak 0x%02X", e.Nak.Code)
}

// Option configures a ControlPanel.
type Option func(*ControlPanel)

// WithPollInterval overrides the per-bus poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(p *ControlPanel) { p.pollInterval = d }
}

// WithReplyWindow overrides the per-device reply window.
func WithReplyWindow(d time.Duration) Option {
	return func(p *ControlPanel) { p.replyWindow = d }
}

// pivTransaction is one in-flight PIV retrieval for a device.
type pivTransaction struct {
	asm  *assembler
	done chan []byte
}

// ControlPanel owns a set of buses, the shared reply dispatcher, and the
// multi-part reassembly state. All methods are safe for concurrent use.
type ControlPanel struct {
	logger     *slog.Logger
	events     *EventBus
	replies    chan Reply
	dispatcher *ReplyDispatcher

	mu     sync.Mutex
	buses  map[ConnectionID]*Bus
	closed bool

	nextConn atomic.Uint32
	nextTx   atomic.Uint64

	pollInterval time.Duration
	replyWindow  time.Duration

	pivMu     sync.Mutex
	pivLocks  map[deviceKey]chan struct{}
	pivActive map[deviceKey]*pivTransaction
	unsubPIV  func()
}

// NewControlPanel creates a panel and starts its reply dispatcher.
func NewControlPanel(logger *slog.Logger, opts ...Option) *ControlPanel {
	events := NewEventBus(logger)
	replies := make(chan Reply, 1024)
	p := &ControlPanel{
		logger:       logger.With("component", "panel"),
		events:       events,
		replies:      replies,
		dispatcher:   NewReplyDispatcher(replies, events, logger),
		buses:        make(map[ConnectionID]*Bus),
		pivLocks:     make(map[deviceKey]chan struct{}),
		pivActive:    make(map[deviceKey]*pivTransaction),
		pollInterval: defaultPollInterval,
		replyWindow:  defaultReplyWindow,
	}
	for _, opt := range opts {
		opt(p)
	}
	// The fragment listener lives for the panel's lifetime and is
	// registered before any command can be sent.
	p.unsubPIV = events.On(EventPIVData, p.handlePIVFragment)
	p.dispatcher.Start()
	return p
}

// Events returns the panel's event bus.
func (p *ControlPanel) Events() *EventBus { return p.events }

// StartConnection opens the connection, wraps it in a bus, and starts
// polling. The returned ConnectionID is stable for the bus's lifetime.
func (p *ControlPanel) StartConnection(conn Connection) (ConnectionID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrShutdown
	}
	if !conn.IsOpen() {
		if err := conn.Open(); err != nil {
			return 0, fmt.Errorf("open connection: %w", err)
		}
	}
	id := ConnectionID(p.nextConn.Add(1))
	bus := NewBus(id, conn, p.replies, p.events, p.logger)
	bus.pollInterval = p.pollInterval
	bus.replyWindow = p.replyWindow
	p.buses[id] = bus
	bus.Start()
	p.logger.Info("connection started", "conn", uint32(id))
	return id, nil
}

// Shutdown stops every bus, waits for their loops to exit, closes the
// connections, clears PIV state, and zeroises key material.
func (p *ControlPanel) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	buses := make([]*Bus, 0, len(p.buses))
	for id, b := range p.buses {
		buses = append(buses, b)
		delete(p.buses, id)
	}
	p.mu.Unlock()

	for _, b := range buses {
		for _, d := range b.Devices() {
			d.Reset()
			d.Zeroise()
		}
		if err := b.Close(); err != nil {
			p.logger.Warn("close bus", "conn", uint32(b.ID()), "err", err)
		}
	}

	p.dispatcher.Stop()
	p.unsubPIV()

	p.pivMu.Lock()
	p.pivLocks = make(map[deviceKey]chan struct{})
	p.pivActive = make(map[deviceKey]*pivTransaction)
	p.pivMu.Unlock()

	p.logger.Info("panel shut down")
}

func (p *ControlPanel) bus(id ConnectionID) (*Bus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrShutdown
	}
	b, ok := p.buses[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConnection, uint32(id))
	}
	return b, nil
}

func (p *ControlPanel) device(id ConnectionID, address uint8) (*Bus, *DeviceProxy, error) {
	b, err := p.bus(id)
	if err != nil {
		return nil, nil, err
	}
	d, ok := b.Device(address)
	if !ok {
		return nil, nil, fmt.Errorf("%w: conn %d address 0x%02X", ErrUnknownDevice, uint32(id), address)
	}
	return b, d, nil
}

// AddDevice registers a PD on a bus. key is the 16-byte installation key
// when useSecureChannel is set.
func (p *ControlPanel) AddDevice(id ConnectionID, address uint8, useCRC, useSecureChannel bool, key []byte) error {
	b, err := p.bus(id)
	if err != nil {
		return err
	}
	d, err := NewDeviceProxy(address, useCRC, useSecureChannel, key)
	if err != nil {
		return err
	}
	b.AddDevice(d)
	p.logger.Info("device added", "conn", uint32(id), "addr", address, "crc", useCRC, "secure", useSecureChannel)
	return nil
}

// RemoveDevice unregisters a PD; its key material is zeroised.
func (p *ControlPanel) RemoveDevice(id ConnectionID, address uint8) error {
	b, err := p.bus(id)
	if err != nil {
		return err
	}
	if !b.RemoveDevice(address) {
		return fmt.Errorf("%w: conn %d address 0x%02X", ErrUnknownDevice, uint32(id), address)
	}
	p.logger.Info("device removed", "conn", uint32(id), "addr", address)
	return nil
}

// IsOnline reports whether a device is currently responding.
func (p *ControlPanel) IsOnline(id ConnectionID, address uint8) (bool, error) {
	_, d, err := p.device(id, address)
	if err != nil {
		return false, err
	}
	return d.Online(), nil
}

// ResetDevice forces a device back to its initial state; pending commands
// are dropped and their callers time out.
func (p *ControlPanel) ResetDevice(id ConnectionID, address uint8) error {
	_, d, err := p.device(id, address)
	if err != nil {
		return err
	}
	d.Reset()
	return nil
}

// SendCommand queues a command and suspends until its correlated reply
// arrives or the context expires (a default 5 s deadline applies when the
// context has none). A NAK completes the command successfully; callers
// inspect the payload. Cancellation removes the pending handle — the frame
// already in flight runs to completion and its reply becomes
// notification-only.
func (p *ControlPanel) SendCommand(ctx context.Context, id ConnectionID, cmd Command) (Reply, error) {
	_, d, err := p.device(id, cmd.Address)
	if err != nil {
		return Reply{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCommandTimeout)
		defer cancel()
	}

	cmd.txID = p.nextTx.Add(1)
	key := deviceKey{Conn: id, Address: cmd.Address}
	result := p.dispatcher.Register(cmd.txID, key, cmd.Code)
	d.Enqueue(&cmd)

	select {
	case reply := <-result:
		return reply, nil
	case <-ctx.Done():
		p.dispatcher.Cancel(cmd.txID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Reply{}, fmt.Errorf("%w: %v to conn %d address 0x%02X", ErrTimeout, cmd.Code, uint32(id), cmd.Address)
		}
		return Reply{}, ctx.Err()
	}
}

// GetPIVData retrieves a PIV data object, reassembling its fragments. At
// most one PIV transaction runs per device; a second caller suspends on the
// per-device lock until the first completes or its own deadline expires.
func (p *ControlPanel) GetPIVData(ctx context.Context, id ConnectionID, address uint8, req osdp.PIVDataRequest, timeout time.Duration) ([]byte, error) {
	if _, _, err := p.device(id, address); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultPIVTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	key := deviceKey{Conn: id, Address: address}
	lock := p.pivLock(key)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: piv lock for conn %d address 0x%02X", ErrTimeout, uint32(id), address)
	}
	defer func() { <-lock }()

	tx := &pivTransaction{asm: newAssembler(), done: make(chan []byte, 1)}
	p.pivMu.Lock()
	p.pivActive[key] = tx
	p.pivMu.Unlock()
	defer func() {
		p.pivMu.Lock()
		delete(p.pivActive, key)
		p.pivMu.Unlock()
	}()

	reply, err := p.SendCommand(ctx, id, Command{
		Address: address,
		Code:    osdp.CmdGetPIVData,
		Data:    osdp.BuildGetPIVData(req),
	})
	if err != nil {
		return nil, err
	}
	if reply.Code == osdp.ReplyNak {
		nak, perr := osdp.ParseNak(reply.Payload)
		if perr != nil {
			return nil, perr
		}
		return nil, &NakError{Nak: *nak}
	}

	select {
	case data := <-tx.done:
		return data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: piv data from conn %d address 0x%02X", ErrTimeout, uint32(id), address)
	}
}

// pivLock returns the binary semaphore for a device, creating it on first
// use.
func (p *ControlPanel) pivLock(key deviceKey) chan struct{} {
	p.pivMu.Lock()
	defer p.pivMu.Unlock()
	lock, ok := p.pivLocks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		p.pivLocks[key] = lock
	}
	return lock
}

// handlePIVFragment feeds PIV fragments into the device's active
// transaction. Fragments with no transaction are stale and dropped. An
// out-of-range fragment discards the buffer; the caller times out.
func (p *ControlPanel) handlePIVFragment(ev Event) {
	data, ok := ev.Data.(PIVDataEvent)
	if !ok {
		return
	}
	key := deviceKey{Conn: data.ConnectionID, Address: data.Address}

	p.pivMu.Lock()
	defer p.pivMu.Unlock()
	tx, ok := p.pivActive[key]
	if !ok {
		p.logger.Debug("piv fragment with no transaction", "conn", uint32(data.ConnectionID), "addr", data.Address)
		return
	}

	frag := data.Fragment
	complete, err := tx.asm.Add(int(frag.WholeLength), int(frag.Offset), frag.Data)
	if err != nil {
		p.logger.Warn("piv fragment rejected", "conn", uint32(data.ConnectionID), "addr", data.Address, "err", err)
		tx.asm = newAssembler()
		return
	}
	if complete {
		select {
		case tx.done <- tx.asm.Bytes():
		default:
		}
	}
}
