package panel

import (
	"context"

	"osdp-acu/internal/osdp"
)

// Convenience wrappers over SendCommand. Each sends one command, waits for
// the correlated reply, and decodes it; a NAK surfaces as *NakError.

func (p *ControlPanel) nakOrErr(reply Reply) error {
	if reply.Code != osdp.ReplyNak {
		return nil
	}
	nak, err := osdp.ParseNak(reply.Payload)
	if err != nil {
		return err
	}
	return &NakError{Nak: *nak}
}

// IDReport queries a PD's identification report.
func (p *ControlPanel) IDReport(ctx context.Context, id ConnectionID, address uint8) (*osdp.IDReport, error) {
	reply, err := p.SendCommand(ctx, id, Command{Address: address, Code: osdp.CmdIDReport, Data: []byte{0x00}})
	if err != nil {
		return nil, err
	}
	if err := p.nakOrErr(reply); err != nil {
		return nil, err
	}
	return osdp.ParseIDReport(reply.Payload)
}

// Capabilities queries a PD's capability report.
func (p *ControlPanel) Capabilities(ctx context.Context, id ConnectionID, address uint8) ([]osdp.Capability, error) {
	reply, err := p.SendCommand(ctx, id, Command{Address: address, Code: osdp.CmdCapabilities, Data: []byte{0x00}})
	if err != nil {
		return nil, err
	}
	if err := p.nakOrErr(reply); err != nil {
		return nil, err
	}
	return osdp.ParseCapabilities(reply.Payload)
}

// LocalStatus queries tamper and power state.
func (p *ControlPanel) LocalStatus(ctx context.Context, id ConnectionID, address uint8) (*osdp.LocalStatus, error) {
	reply, err := p.SendCommand(ctx, id, Command{Address: address, Code: osdp.CmdLocalStatus})
	if err != nil {
		return nil, err
	}
	if err := p.nakOrErr(reply); err != nil {
		return nil, err
	}
	return osdp.ParseLocalStatus(reply.Payload)
}

// InputStatus queries input point states.
func (p *ControlPanel) InputStatus(ctx context.Context, id ConnectionID, address uint8) ([]bool, error) {
	reply, err := p.SendCommand(ctx, id, Command{Address: address, Code: osdp.CmdInputStatus})
	if err != nil {
		return nil, err
	}
	if err := p.nakOrErr(reply); err != nil {
		return nil, err
	}
	return osdp.ParseStatusFlags(reply.Payload), nil
}

// OutputStatus queries output point states.
func (p *ControlPanel) OutputStatus(ctx context.Context, id ConnectionID, address uint8) ([]bool, error) {
	reply, err := p.SendCommand(ctx, id, Command{Address: address, Code: osdp.CmdOutputStatus})
	if err != nil {
		return nil, err
	}
	if err := p.nakOrErr(reply); err != nil {
		return nil, err
	}
	return osdp.ParseStatusFlags(reply.Payload), nil
}

// ReaderStatus queries per-reader tamper states.
func (p *ControlPanel) ReaderStatus(ctx context.Context, id ConnectionID, address uint8) ([]uint8, error) {
	reply, err := p.SendCommand(ctx, id, Command{Address: address, Code: osdp.CmdReaderStatus})
	if err != nil {
		return nil, err
	}
	if err := p.nakOrErr(reply); err != nil {
		return nil, err
	}
	return osdp.ParseReaderStatus(reply.Payload), nil
}

// OutputControl drives one output. The PD answers with an ACK or an output
// status report.
func (p *ControlPanel) OutputControl(ctx context.Context, id ConnectionID, address uint8, output uint8, code osdp.OutputControlCode, timer uint16) error {
	reply, err := p.SendCommand(ctx, id, Command{
		Address: address,
		Code:    osdp.CmdOutputControl,
		Data:    osdp.BuildOutputControl(output, code, timer),
	})
	if err != nil {
		return err
	}
	return p.nakOrErr(reply)
}

// ReaderLEDControl drives one reader LED.
func (p *ControlPanel) ReaderLEDControl(ctx context.Context, id ConnectionID, address uint8, led osdp.LEDControl) error {
	reply, err := p.SendCommand(ctx, id, Command{
		Address: address,
		Code:    osdp.CmdLEDControl,
		Data:    osdp.BuildLEDControl(led),
	})
	if err != nil {
		return err
	}
	return p.nakOrErr(reply)
}

// BuzzerControl drives a reader buzzer.
func (p *ControlPanel) BuzzerControl(ctx context.Context, id ConnectionID, address uint8, reader, tone, onTime, offTime, count uint8) error {
	reply, err := p.SendCommand(ctx, id, Command{
		Address: address,
		Code:    osdp.CmdBuzzerControl,
		Data:    osdp.BuildBuzzerControl(reader, tone, onTime, offTime, count),
	})
	if err != nil {
		return err
	}
	return p.nakOrErr(reply)
}

// TextOutput writes text to a reader display.
func (p *ControlPanel) TextOutput(ctx context.Context, id ConnectionID, address uint8, reader uint8, row, col uint8, text string) error {
	reply, err := p.SendCommand(ctx, id, Command{
		Address: address,
		Code:    osdp.CmdTextOutput,
		Data:    osdp.BuildTextOutput(reader, row, col, text),
	})
	if err != nil {
		return err
	}
	return p.nakOrErr(reply)
}

// CommSet reconfigures a PD's address and baud rate. The COM reply echoes
// the settings the PD accepted.
func (p *ControlPanel) CommSet(ctx context.Context, id ConnectionID, address uint8, newAddress uint8, baud uint32) (*osdp.Com, error) {
	reply, err := p.SendCommand(ctx, id, Command{
		Address: address,
		Code:    osdp.CmdCommSet,
		Data:    osdp.BuildCommSet(newAddress, baud),
	})
	if err != nil {
		return nil, err
	}
	if err := p.nakOrErr(reply); err != nil {
		return nil, err
	}
	if reply.Code == osdp.ReplyAck {
		return &osdp.Com{Address: newAddress, Baud: baud}, nil
	}
	return osdp.ParseCom(reply.Payload)
}

// ManufacturerSpecific sends a vendor command. The reply payload, if any,
// is vendor-defined.
func (p *ControlPanel) ManufacturerSpecific(ctx context.Context, id ConnectionID, address uint8, vendor [3]byte, data []byte) (*osdp.Manufacturer, error) {
	reply, err := p.SendCommand(ctx, id, Command{
		Address: address,
		Code:    osdp.CmdManufacturer,
		Data:    osdp.BuildManufacturer(vendor, data),
	})
	if err != nil {
		return nil, err
	}
	if err := p.nakOrErr(reply); err != nil {
		return nil, err
	}
	if reply.Code != osdp.ReplyManufacturer {
		return nil, nil
	}
	return osdp.ParseManufacturer(reply.Payload)
}

// ExtendedWrite sends an extended-write block and returns the raw
// extended-read answer, nil on a bare ACK.
func (p *ControlPanel) ExtendedWrite(ctx context.Context, id ConnectionID, address uint8, data []byte) ([]byte, error) {
	reply, err := p.SendCommand(ctx, id, Command{Address: address, Code: osdp.CmdExtendedWrite, Data: data})
	if err != nil {
		return nil, err
	}
	if err := p.nakOrErr(reply); err != nil {
		return nil, err
	}
	if reply.Code != osdp.ReplyExtendedRead {
		return nil, nil
	}
	return reply.Payload, nil
}

// MaxReplySize announces the largest reply frame the ACU accepts.
func (p *ControlPanel) MaxReplySize(ctx context.Context, id ConnectionID, address uint8, size uint16) error {
	reply, err := p.SendCommand(ctx, id, Command{
		Address: address,
		Code:    osdp.CmdMaxReplySize,
		Data:    osdp.BuildMaxReplySize(size),
	})
	if err != nil {
		return err
	}
	return p.nakOrErr(reply)
}

// Typed listener helpers.

// OnConnectionStatusChanged registers a listener for online transitions.
func (p *ControlPanel) OnConnectionStatusChanged(fn func(ConnectionStatusEvent)) func() {
	return p.events.On(EventConnectionStatus, func(ev Event) {
		if data, ok := ev.Data.(ConnectionStatusEvent); ok {
			fn(data)
		}
	})
}

// OnRawCard registers a listener for raw card reads.
func (p *ControlPanel) OnRawCard(fn func(RawCardEvent)) func() {
	return p.events.On(EventRawCard, func(ev Event) {
		if data, ok := ev.Data.(RawCardEvent); ok {
			fn(data)
		}
	})
}

// OnFormattedCard registers a listener for character-format card reads.
func (p *ControlPanel) OnFormattedCard(fn func(FormattedCardEvent)) func() {
	return p.events.On(EventFormattedCard, func(ev Event) {
		if data, ok := ev.Data.(FormattedCardEvent); ok {
			fn(data)
		}
	})
}

// OnKeypad registers a listener for keypad input.
func (p *ControlPanel) OnKeypad(fn func(KeypadEvent)) func() {
	return p.events.On(EventKeypad, func(ev Event) {
		if data, ok := ev.Data.(KeypadEvent); ok {
			fn(data)
		}
	})
}

// OnLocalStatus registers a listener for tamper/power reports.
func (p *ControlPanel) OnLocalStatus(fn func(LocalStatusEvent)) func() {
	return p.events.On(EventLocalStatus, func(ev Event) {
		if data, ok := ev.Data.(LocalStatusEvent); ok {
			fn(data)
		}
	})
}

// OnNak registers a listener for negative acknowledgements.
func (p *ControlPanel) OnNak(fn func(NakEvent)) func() {
	return p.events.On(EventNak, func(ev Event) {
		if data, ok := ev.Data.(NakEvent); ok {
			fn(data)
		}
	})
}
