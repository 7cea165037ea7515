package panel

import (
	"log/slog"
	"sync"

	"osdp-acu/internal/osdp"
)

// deviceKey addresses one device across the whole panel.
type deviceKey struct {
	Conn    ConnectionID
	Address uint8
}

// Typed event payloads. Every payload carries the originating connection and
// address.

// ConnectionStatusEvent reports an online/offline transition.
type ConnectionStatusEvent struct {
	ConnectionID ConnectionID `json:"connection_id"`
	Address      uint8        `json:"address"`
	Online       bool         `json:"online"`
}

// AckEvent is a bare acknowledgement.
type AckEvent struct {
	ConnectionID ConnectionID     `json:"connection_id"`
	Address      uint8            `json:"address"`
	Command      osdp.CommandCode `json:"command"`
}

// NakEvent is a negative acknowledgement with its error code.
type NakEvent struct {
	ConnectionID ConnectionID     `json:"connection_id"`
	Address      uint8            `json:"address"`
	Command      osdp.CommandCode `json:"command"`
	Nak          osdp.Nak         `json:"nak"`
}

// IDReportEvent carries a PD identification report.
type IDReportEvent struct {
	ConnectionID ConnectionID  `json:"connection_id"`
	Address      uint8         `json:"address"`
	Report       osdp.IDReport `json:"report"`
}

// CapabilitiesEvent carries a PD capabilities report.
type CapabilitiesEvent struct {
	ConnectionID ConnectionID      `json:"connection_id"`
	Address      uint8             `json:"address"`
	Capabilities []osdp.Capability `json:"capabilities"`
}

// LocalStatusEvent carries tamper/power status.
type LocalStatusEvent struct {
	ConnectionID ConnectionID     `json:"connection_id"`
	Address      uint8            `json:"address"`
	Status       osdp.LocalStatus `json:"status"`
}

// InputStatusEvent carries input point states.
type InputStatusEvent struct {
	ConnectionID ConnectionID `json:"connection_id"`
	Address      uint8        `json:"address"`
	Inputs       []bool       `json:"inputs"`
}

// OutputStatusEvent carries output point states.
type OutputStatusEvent struct {
	ConnectionID ConnectionID `json:"connection_id"`
	Address      uint8        `json:"address"`
	Outputs      []bool       `json:"outputs"`
}

// ReaderStatusEvent carries per-reader tamper states.
type ReaderStatusEvent struct {
	ConnectionID ConnectionID `json:"connection_id"`
	Address      uint8        `json:"address"`
	Readers      []uint8      `json:"readers"`
}

// RawCardEvent carries raw card data read by a PD.
type RawCardEvent struct {
	ConnectionID ConnectionID `json:"connection_id"`
	Address      uint8        `json:"address"`
	Card         osdp.RawCard `json:"card"`
}

// FormattedCardEvent carries character-format card data.
type FormattedCardEvent struct {
	ConnectionID ConnectionID       `json:"connection_id"`
	Address      uint8              `json:"address"`
	Card         osdp.FormattedCard `json:"card"`
}

// KeypadEvent carries reader keypad digits.
type KeypadEvent struct {
	ConnectionID ConnectionID `json:"connection_id"`
	Address      uint8        `json:"address"`
	Keypad       osdp.Keypad  `json:"keypad"`
}

// ComEvent echoes accepted communication settings.
type ComEvent struct {
	ConnectionID ConnectionID `json:"connection_id"`
	Address      uint8        `json:"address"`
	Com          osdp.Com     `json:"com"`
}

// ManufacturerEvent carries a manufacturer-specific reply.
type ManufacturerEvent struct {
	ConnectionID ConnectionID      `json:"connection_id"`
	Address      uint8             `json:"address"`
	Reply        osdp.Manufacturer `json:"reply"`
}

// ExtendedReadEvent carries an opaque extended-read reply.
type ExtendedReadEvent struct {
	ConnectionID ConnectionID `json:"connection_id"`
	Address      uint8        `json:"address"`
	Data         []byte       `json:"data"`
}

// PIVDataEvent carries one PIV data fragment.
type PIVDataEvent struct {
	ConnectionID ConnectionID     `json:"connection_id"`
	Address      uint8            `json:"address"`
	Fragment     osdp.PIVFragment `json:"fragment"`
}

// EventAck is emitted for bare acknowledgements.
const EventAck = "ack"

// pendingRequest is one caller awaiting a correlated reply.
type pendingRequest struct {
	txID   uint64
	key    deviceKey
	code   osdp.CommandCode
	result chan Reply // buffered; completed at most once
}

// ReplyDispatcher is the process-wide single consumer of all buses' reply
// sinks. For each reply it first completes the matching pending request,
// then fans out the typed notification — in that order, so a listener never
// observes a reply before the awaiting caller is resumed.
type ReplyDispatcher struct {
	replies chan Reply
	events  *EventBus
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[uint64]*pendingRequest

	done    chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewReplyDispatcher creates a dispatcher draining replies.
func NewReplyDispatcher(replies chan Reply, events *EventBus, logger *slog.Logger) *ReplyDispatcher {
	return &ReplyDispatcher{
		replies: replies,
		events:  events,
		logger:  logger.With("component", "dispatcher"),
		pending: make(map[uint64]*pendingRequest),
		done:    make(chan struct{}),
	}
}

// Start spawns the dispatch loop.
func (rd *ReplyDispatcher) Start() {
	rd.wg.Add(1)
	go rd.run()
}

// Stop terminates the dispatch loop and fails all pending requests (their
// callers time out).
func (rd *ReplyDispatcher) Stop() {
	rd.stopped.Do(func() { close(rd.done) })
	rd.wg.Wait()

	rd.mu.Lock()
	defer rd.mu.Unlock()
	for txID := range rd.pending {
		delete(rd.pending, txID)
	}
}

// Register records a pending request before its command is transmitted and
// returns the completion channel.
func (rd *ReplyDispatcher) Register(txID uint64, key deviceKey, code osdp.CommandCode) <-chan Reply {
	pr := &pendingRequest{
		txID:   txID,
		key:    key,
		code:   code,
		result: make(chan Reply, 1),
	}
	rd.mu.Lock()
	rd.pending[txID] = pr
	rd.mu.Unlock()
	return pr.result
}

// Cancel removes a pending request. The in-flight command runs to
// completion on the bus; its reply is then notification-only.
func (rd *ReplyDispatcher) Cancel(txID uint64) {
	rd.mu.Lock()
	delete(rd.pending, txID)
	rd.mu.Unlock()
}

func (rd *ReplyDispatcher) run() {
	defer rd.wg.Done()
	for {
		select {
		case <-rd.done:
			return
		case reply := <-rd.replies:
			rd.complete(reply)
			rd.notify(reply)
		}
	}
}

// complete resolves the awaiting caller, if any. The bus already correlated
// the reply to its issuing command; unsolicited replies carry no
// transaction id and never complete a request.
func (rd *ReplyDispatcher) complete(reply Reply) {
	if reply.TxID == 0 {
		return
	}
	rd.mu.Lock()
	pr, ok := rd.pending[reply.TxID]
	if ok {
		delete(rd.pending, reply.TxID)
	}
	rd.mu.Unlock()
	if !ok {
		rd.logger.Debug("reply for cancelled request", "tx", reply.TxID, "code", reply.Code)
		return
	}
	rd.logger.Debug("request completed", "tx", pr.txID, "addr", pr.key.Address, "cmd", pr.code, "reply", reply.Code)
	pr.result <- reply
}

// notify fans the reply out to typed listeners. Listener panics are
// contained by the event bus.
func (rd *ReplyDispatcher) notify(reply Reply) {
	connID, addr := reply.ConnectionID, reply.Address

	switch reply.Code {
	case osdp.ReplyAck:
		rd.events.Emit(Event{Type: EventAck, Data: AckEvent{connID, addr, reply.Command}})

	case osdp.ReplyNak:
		nak, err := osdp.ParseNak(reply.Payload)
		if err != nil {
			rd.warnParse(reply, err)
			return
		}
		rd.events.Emit(Event{Type: EventNak, Data: NakEvent{connID, addr, reply.Command, *nak}})

	case osdp.ReplyIDReport:
		r, err := osdp.ParseIDReport(reply.Payload)
		if err != nil {
			rd.warnParse(reply, err)
			return
		}
		rd.events.Emit(Event{Type: EventIDReport, Data: IDReportEvent{connID, addr, *r}})

	case osdp.ReplyCapabilities:
		caps, err := osdp.ParseCapabilities(reply.Payload)
		if err != nil {
			rd.warnParse(reply, err)
			return
		}
		rd.events.Emit(Event{Type: EventCapabilities, Data: CapabilitiesEvent{connID, addr, caps}})

	case osdp.ReplyLocalStatus:
		s, err := osdp.ParseLocalStatus(reply.Payload)
		if err != nil {
			rd.warnParse(reply, err)
			return
		}
		rd.events.Emit(Event{Type: EventLocalStatus, Data: LocalStatusEvent{connID, addr, *s}})

	case osdp.ReplyInputStatus:
		rd.events.Emit(Event{Type: EventInputStatus, Data: InputStatusEvent{connID, addr, osdp.ParseStatusFlags(reply.Payload)}})

	case osdp.ReplyOutputStatus:
		rd.events.Emit(Event{Type: EventOutputStatus, Data: OutputStatusEvent{connID, addr, osdp.ParseStatusFlags(reply.Payload)}})

	case osdp.ReplyReaderStatus:
		rd.events.Emit(Event{Type: EventReaderStatus, Data: ReaderStatusEvent{connID, addr, osdp.ParseReaderStatus(reply.Payload)}})

	case osdp.ReplyRawCard:
		c, err := osdp.ParseRawCard(reply.Payload)
		if err != nil {
			rd.warnParse(reply, err)
			return
		}
		rd.events.Emit(Event{Type: EventRawCard, Data: RawCardEvent{connID, addr, *c}})

	case osdp.ReplyFormattedCard:
		c, err := osdp.ParseFormattedCard(reply.Payload)
		if err != nil {
			rd.warnParse(reply, err)
			return
		}
		rd.events.Emit(Event{Type: EventFormattedCard, Data: FormattedCardEvent{connID, addr, *c}})

	case osdp.ReplyKeypad:
		k, err := osdp.ParseKeypad(reply.Payload)
		if err != nil {
			rd.warnParse(reply, err)
			return
		}
		rd.events.Emit(Event{Type: EventKeypad, Data: KeypadEvent{connID, addr, *k}})

	case osdp.ReplyCom:
		c, err := osdp.ParseCom(reply.Payload)
		if err != nil {
			rd.warnParse(reply, err)
			return
		}
		rd.events.Emit(Event{Type: EventCom, Data: ComEvent{connID, addr, *c}})

	case osdp.ReplyManufacturer:
		m, err := osdp.ParseManufacturer(reply.Payload)
		if err != nil {
			rd.warnParse(reply, err)
			return
		}
		rd.events.Emit(Event{Type: EventManufacturer, Data: ManufacturerEvent{connID, addr, *m}})

	case osdp.ReplyExtendedRead:
		rd.events.Emit(Event{Type: EventExtendedRead, Data: ExtendedReadEvent{connID, addr, reply.Payload}})

	case osdp.ReplyPIVData:
		f, err := osdp.ParsePIVFragment(reply.Payload)
		if err != nil {
			rd.warnParse(reply, err)
			return
		}
		rd.events.Emit(Event{Type: EventPIVData, Data: PIVDataEvent{connID, addr, *f}})

	default:
		rd.logger.Debug("unhandled reply", "code", reply.Code, "addr", addr)
	}
}

func (rd *ReplyDispatcher) warnParse(reply Reply, err error) {
	rd.logger.Warn("reply payload parse", "code", reply.Code, "addr", reply.Address, "err", err)
}
