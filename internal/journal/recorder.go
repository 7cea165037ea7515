// Package journal records panel events into the persistent access-event
// store.
package journal

import (
	"encoding/hex"
	"log/slog"

	"osdp-acu/internal/panel"
	"osdp-acu/internal/store"
)

// Recorder subscribes to the panel's event bus and appends journal entries
// for card reads, keypad input, and status transitions.
type Recorder struct {
	store  store.Store
	events *panel.EventBus
	logger *slog.Logger
	unsub  func()

	// MaxEntries bounds the journal; 0 disables pruning.
	MaxEntries int
}

// NewRecorder creates a recorder over the given store and event bus.
func NewRecorder(st store.Store, events *panel.EventBus, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  st,
		events: events,
		logger: logger.With("component", "journal"),
	}
}

// Start subscribes to panel events.
func (r *Recorder) Start() {
	r.unsub = r.events.OnAll(r.handleEvent)
}

// Stop unsubscribes.
func (r *Recorder) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
}

func (r *Recorder) handleEvent(ev panel.Event) {
	var entry *store.AccessEvent

	switch data := ev.Data.(type) {
	case panel.RawCardEvent:
		entry = &store.AccessEvent{
			Kind:     store.KindCardRead,
			Bus:      uint32(data.ConnectionID),
			Address:  data.Address,
			Reader:   data.Card.Reader,
			BitCount: data.Card.BitCount,
			Data:     hex.EncodeToString(data.Card.Data),
		}
	case panel.FormattedCardEvent:
		entry = &store.AccessEvent{
			Kind:    store.KindFormattedCard,
			Bus:     uint32(data.ConnectionID),
			Address: data.Address,
			Reader:  data.Card.Reader,
			Data:    string(data.Card.Data),
		}
	case panel.KeypadEvent:
		entry = &store.AccessEvent{
			Kind:    store.KindKeypad,
			Bus:     uint32(data.ConnectionID),
			Address: data.Address,
			Reader:  data.Keypad.Reader,
			Data:    string(data.Keypad.Digits),
		}
	case panel.ConnectionStatusEvent:
		online := data.Online
		entry = &store.AccessEvent{
			Kind:    store.KindStatusChange,
			Bus:     uint32(data.ConnectionID),
			Address: data.Address,
			Online:  &online,
		}
	case panel.LocalStatusEvent:
		entry = &store.AccessEvent{
			Kind:       store.KindLocalStatus,
			Bus:        uint32(data.ConnectionID),
			Address:    data.Address,
			Tamper:     data.Status.Tamper,
			PowerFault: data.Status.PowerFault,
		}
	case panel.NakEvent:
		entry = &store.AccessEvent{
			Kind:    store.KindNak,
			Bus:     uint32(data.ConnectionID),
			Address: data.Address,
			NakCode: data.Nak.Code,
		}
	default:
		return
	}

	if err := r.store.AppendEvent(entry); err != nil {
		r.logger.Error("append journal entry", "kind", entry.Kind, "err", err)
		return
	}
	if r.MaxEntries > 0 {
		if err := r.store.Prune(r.MaxEntries); err != nil {
			r.logger.Warn("prune journal", "err", err)
		}
	}
}
