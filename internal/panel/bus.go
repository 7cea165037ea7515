package panel

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"osdp-acu/internal/osdp"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultReplyWindow  = 200 * time.Millisecond
)

// Bus drives one Connection: a single cooperative loop that polls the device
// roster round-robin, one frame in flight at a time, and feeds decoded
// replies to the dispatcher. The one-in-flight invariant is what keeps reply
// correlation unambiguous.
type Bus struct {
	id     ConnectionID
	conn   Connection
	logger *slog.Logger
	events *EventBus

	mu      sync.Mutex
	devices map[uint8]*DeviceProxy
	cursor  int // index into the sorted address snapshot

	replySink chan<- Reply

	pollInterval time.Duration
	replyWindow  time.Duration

	done    chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewBus creates a bus over an opened connection. Replies are delivered to
// replySink; online transitions are emitted on events.
func NewBus(id ConnectionID, conn Connection, replySink chan<- Reply, events *EventBus, logger *slog.Logger) *Bus {
	return &Bus{
		id:           id,
		conn:         conn,
		logger:       logger.With("bus", uint32(id)),
		events:       events,
		devices:      make(map[uint8]*DeviceProxy),
		replySink:    replySink,
		pollInterval: defaultPollInterval,
		replyWindow:  defaultReplyWindow,
		done:         make(chan struct{}),
	}
}

// ID returns the bus's connection id.
func (b *Bus) ID() ConnectionID { return b.id }

// Start spawns the poll loop.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.run()
}

// Close stops the poll loop, waits for the current cycle to complete, and
// closes the connection.
func (b *Bus) Close() error {
	b.stopped.Do(func() { close(b.done) })
	b.wg.Wait()
	return b.conn.Close()
}

// AddDevice registers a device proxy. Replacing an address resets the old
// proxy first.
func (b *Bus) AddDevice(d *DeviceProxy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.devices[d.address]; ok {
		old.Reset()
		old.Zeroise()
	}
	b.devices[d.address] = d
}

// RemoveDevice unregisters and zeroises a device proxy.
func (b *Bus) RemoveDevice(address uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[address]
	if !ok {
		return false
	}
	delete(b.devices, address)
	d.Reset()
	d.Zeroise()
	return true
}

// Device looks up a device proxy by address.
func (b *Bus) Device(address uint8) (*DeviceProxy, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[address]
	return d, ok
}

// Devices returns a snapshot of the roster.
func (b *Bus) Devices() []*DeviceProxy {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*DeviceProxy, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}

// nextDevice picks the next device in stable address order, advancing the
// round-robin cursor.
func (b *Bus) nextDevice() *DeviceProxy {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.devices) == 0 {
		return nil
	}
	addrs := make([]int, 0, len(b.devices))
	for a := range b.devices {
		addrs = append(addrs, int(a))
	}
	sort.Ints(addrs)
	b.cursor++
	if b.cursor >= len(addrs) {
		b.cursor = 0
	}
	return b.devices[uint8(addrs[b.cursor])]
}

func (b *Bus) run() {
	defer b.wg.Done()
	b.logger.Debug("poll loop started")

	for {
		select {
		case <-b.done:
			b.logger.Debug("poll loop stopped")
			return
		default:
		}

		start := time.Now()
		if !b.conn.IsOpen() {
			// Transport dropped; devices keep missing cycles until the
			// reconnect succeeds.
			if err := b.conn.Open(); err != nil {
				b.logger.Warn("reconnect", "err", err)
				if d := b.nextDevice(); d != nil {
					b.deviceMissed(d)
				}
			} else {
				b.logger.Info("reconnected")
			}
		} else if d := b.nextDevice(); d != nil {
			b.pollDevice(d)
		}

		remain := b.pollInterval - time.Since(start)
		if remain > 0 {
			select {
			case <-time.After(remain):
			case <-b.done:
				b.logger.Debug("poll loop stopped")
				return
			}
		}
	}
}

// pollDevice runs one exchange: build and send the device's next outbound
// frame, then read until a frame addressed to it decodes or the reply window
// elapses.
func (b *Bus) pollDevice(d *DeviceProxy) {
	raw, issued, inFlight, err := d.NextOutbound()
	if err != nil {
		b.logger.Warn("build outbound", "addr", d.address, "err", err)
		b.deviceMissed(d)
		return
	}

	if err := b.conn.Write(raw); err != nil {
		b.logger.Warn("write", "addr", d.address, "err", err)
		b.deviceMissed(d)
		return
	}

	deadline := time.Now().Add(b.replyWindow)
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 256)

	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			b.deviceMissed(d)
			return
		}

		n, err := b.conn.Read(tmp, remain)
		if err != nil {
			if !errors.Is(err, ErrReadTimeout) {
				b.logger.Warn("read", "addr", d.address, "err", err)
			}
			b.deviceMissed(d)
			return
		}
		buf = append(buf, tmp[:n]...)

		for {
			f, consumed, err := d.Decode(buf)
			buf = buf[consumed:]
			if err != nil {
				var fe *osdp.FrameError
				if errors.As(err, &fe) {
					// Noise or corruption; keep scanning inside the window.
					b.logger.Debug("frame rejected", "addr", d.address, "reason", fe.Reason)
					continue
				}
				break // incomplete, read more
			}
			if f.Address != d.address {
				b.logger.Debug("frame for other address", "got", f.Address, "want", d.address)
				continue
			}

			reply, wentOnline, err := d.AcceptReply(b.id, f, issued, inFlight)
			if err != nil {
				b.logger.Debug("reply rejected", "addr", d.address, "err", err)
				continue
			}
			if wentOnline {
				b.emitStatus(d, true)
			}
			if reply != nil {
				b.replySink <- *reply
			}
			return
		}
	}
}

// deviceMissed counts one missed cycle and emits the offline transition when
// the threshold is crossed.
func (b *Bus) deviceMissed(d *DeviceProxy) {
	if d.OnTimeout() {
		b.logger.Info("device offline", "addr", d.address)
		b.emitStatus(d, false)
	}
}

func (b *Bus) emitStatus(d *DeviceProxy, online bool) {
	if online {
		b.logger.Info("device online", "addr", d.address)
	}
	b.events.Emit(Event{Type: EventConnectionStatus, Data: ConnectionStatusEvent{
		ConnectionID: b.id,
		Address:      d.address,
		Online:       online,
	}})
}
