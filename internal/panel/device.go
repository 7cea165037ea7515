package panel

import (
	"fmt"
	"sync"
	"time"

	"osdp-acu/internal/osdp"
)

// ConnectionID identifies one Bus for its lifetime.
type ConnectionID uint32

// offlineThreshold is the number of consecutive missed replies after which a
// device is considered offline.
const offlineThreshold = 5

// Command is one queued application command. Commands are immutable once
// enqueued.
type Command struct {
	Address uint8
	Code    osdp.CommandCode
	Data    []byte

	txID uint64 // transaction id for reply correlation, 0 for internal traffic
}

// Reply is what a Bus emits to the dispatcher after a device accepted a
// frame.
type Reply struct {
	ConnectionID ConnectionID
	Address      uint8
	Code         osdp.ReplyCode
	Command      osdp.CommandCode // the command this frame answered
	TxID         uint64           // 0 when unsolicited
	Payload      []byte
	Sequence     uint8
}

// DeviceProxy holds the per-device state on a bus: framing options, the
// secure-channel session, the 2-bit sequence counter, the pending command
// queue, and online tracking.
//
// The Bus is the only writer during polling; AddDevice/RemoveDevice and the
// panel's enqueue path are serialised through the proxy's own lock.
type DeviceProxy struct {
	mu sync.Mutex

	address   uint8
	useCRC    bool
	useSecure bool
	session   *osdp.SecureChannelSession

	sequence  uint8
	queue     []*Command
	misses    int
	online    bool
	lastReply time.Time
}

// NewDeviceProxy creates a proxy for one PD address. key is the 16-byte
// installation key, required when useSecure is set.
func NewDeviceProxy(address uint8, useCRC, useSecure bool, key []byte) (*DeviceProxy, error) {
	if address > osdp.BroadcastAddr {
		return nil, fmt.Errorf("panel: address 0x%02X out of range", address)
	}
	d := &DeviceProxy{
		address:   address,
		useCRC:    useCRC,
		useSecure: useSecure,
	}
	if useSecure {
		sess, err := osdp.NewSecureChannelSession(key)
		if err != nil {
			return nil, err
		}
		d.session = sess
	}
	return d, nil
}

// Address returns the PD address.
func (d *DeviceProxy) Address() uint8 { return d.address }

// Online reports whether the device is currently responding.
func (d *DeviceProxy) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// Sequence returns the current 2-bit sequence counter.
func (d *DeviceProxy) Sequence() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sequence
}

// LastReplyAt returns the time of the last valid reply.
func (d *DeviceProxy) LastReplyAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastReply
}

// SecureState returns the secure-channel state, or None for plaintext
// devices.
func (d *DeviceProxy) SecureState() osdp.SCState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return osdp.None
	}
	return d.session.State()
}

// Enqueue appends a command to the pending queue. Pending commands are
// answered strictly FIFO.
func (d *DeviceProxy) Enqueue(cmd *Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, cmd)
}

// QueueLen returns the number of pending commands.
func (d *DeviceProxy) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// NextOutbound builds the next frame to transmit. Secure-channel
// establishment pre-empts application traffic; with an idle queue a POLL
// keeps the device alive. The returned command is non-nil only when the
// frame carries the head of the queue; it must be handed back to
// AcceptReply.
func (d *DeviceProxy) NextOutbound() (raw []byte, issued osdp.CommandCode, inFlight *Command, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := osdp.Frame{
		Address:  d.address,
		Sequence: d.sequence,
		UseCRC:   d.useCRC,
	}

	if d.useSecure && d.session.State() != osdp.Established {
		code, scb, payload, err := d.session.NextHandshake()
		if err != nil {
			return nil, 0, nil, err
		}
		f.SCB = scb
		f.Code = uint8(code)
		f.Data = payload
		raw, err := osdp.EncodeFrame(&f, d.session)
		if err != nil {
			return nil, 0, nil, err
		}
		return raw, code, nil, nil
	}

	code := osdp.CmdPoll
	var data []byte
	if len(d.queue) > 0 {
		inFlight = d.queue[0]
		code = inFlight.Code
		data = inFlight.Data
	}

	if d.useSecure {
		f.SCB, f.Data = d.session.WrapCommand(data)
	} else {
		f.Data = data
	}
	f.Code = uint8(code)

	raw, err = osdp.EncodeFrame(&f, d.session)
	if err != nil {
		return nil, 0, nil, err
	}
	return raw, code, inFlight, nil
}

// Decode attempts to extract the next frame from buf using the device's
// framing and secure session state.
func (d *DeviceProxy) Decode(buf []byte) (*osdp.Frame, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return osdp.DecodeFrame(buf, d.session)
}

// AcceptReply processes a decoded frame answering the outbound frame built
// by the preceding NextOutbound call. It verifies the sequence, advances it,
// resets the miss counter, and — when the frame satisfies the in-flight
// command per the reply-for-command table — pops the queue head.
//
// The returned reply is nil for secure-channel handshake traffic, which
// never reaches the dispatcher. wentOnline reports an offline-to-online
// transition.
func (d *DeviceProxy) AcceptReply(connID ConnectionID, f *osdp.Frame, issued osdp.CommandCode, inFlight *Command) (reply *Reply, wentOnline bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !f.Reply {
		return nil, false, &osdp.FrameError{Reason: "not a reply frame"}
	}
	if f.Sequence != d.sequence {
		return nil, false, &osdp.FrameError{Reason: fmt.Sprintf("sequence mismatch: got %d, want %d", f.Sequence, d.sequence)}
	}

	code := osdp.ReplyCode(f.Code)

	// Secure-channel establishment replies are consumed here.
	if d.useSecure && d.session.State() != osdp.Established {
		if err := d.acceptHandshakeReply(code, f.Data, issued); err != nil {
			return nil, false, err
		}
		wentOnline = d.markValidReply()
		return nil, wentOnline, nil
	}

	// A busy PD wants the command retried next cycle; it neither advances
	// the exchange nor counts as a miss.
	if code == osdp.ReplyBusy {
		return nil, false, nil
	}

	wentOnline = d.markValidReply()

	reply = &Reply{
		ConnectionID: connID,
		Address:      d.address,
		Code:         code,
		Command:      issued,
		Payload:      f.Data,
		Sequence:     f.Sequence,
	}

	if inFlight != nil && len(d.queue) > 0 && d.queue[0] == inFlight &&
		osdp.ReplyMatches(inFlight.Code, code) {
		d.queue = d.queue[1:]
		reply.TxID = inFlight.txID
	}
	return reply, wentOnline, nil
}

func (d *DeviceProxy) acceptHandshakeReply(code osdp.ReplyCode, data []byte, issued osdp.CommandCode) error {
	switch {
	case code == osdp.ReplyCCrypt && issued == osdp.CmdChallenge:
		return d.session.HandleCCrypt(data)
	case code == osdp.ReplyRMACI && issued == osdp.CmdSCrypt:
		return d.session.HandleRMACI(data)
	case code == osdp.ReplyNak:
		d.session.Break()
		return &osdp.SecureChannelError{Phase: "handshake", Err: fmt.Errorf("pd nak")}
	default:
		return &osdp.FrameError{Reason: fmt.Sprintf("unexpected handshake reply %v", code)}
	}
}

// markValidReply records a successful exchange: misses cleared, sequence
// advanced by 1 (mod 4), online restored after a single success.
func (d *DeviceProxy) markValidReply() (wentOnline bool) {
	d.misses = 0
	d.lastReply = time.Now()
	d.sequence = (d.sequence + 1) & 0x03
	if !d.online {
		d.online = true
		return true
	}
	return false
}

// OnTimeout records one missed cycle. Crossing the threshold takes the
// device offline, breaks the secure session, and resets the sequence so the
// next exchange starts from 0.
func (d *DeviceProxy) OnTimeout() (wentOffline bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.misses++
	if d.misses < offlineThreshold {
		return false
	}
	d.sequence = 0
	if d.session != nil {
		d.session.Break()
	}
	if d.online {
		d.online = false
		return true
	}
	return false
}

// Reset forces the device back to its initial state: offline, session torn
// down, sequence 0, queue cleared. Callers awaiting the dropped commands
// time out.
func (d *DeviceProxy) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.online = false
	d.sequence = 0
	d.misses = 0
	d.queue = nil
	if d.session != nil {
		d.session.Reset()
	}
}

// Zeroise wipes secure-channel key material. The proxy must not be used
// afterwards.
func (d *DeviceProxy) Zeroise() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		d.session.Zeroise()
	}
}
