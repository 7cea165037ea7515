package osdp

import (
	"encoding/binary"
	"fmt"
)

// CommandCode is an ACU-to-PD command code.
type CommandCode uint8

// Command codes.
const (
	CmdPoll          CommandCode = 0x60
	CmdIDReport      CommandCode = 0x61
	CmdCapabilities  CommandCode = 0x62
	CmdLocalStatus   CommandCode = 0x64
	CmdInputStatus   CommandCode = 0x65
	CmdOutputStatus  CommandCode = 0x66
	CmdReaderStatus  CommandCode = 0x67
	CmdOutputControl CommandCode = 0x68
	CmdLEDControl    CommandCode = 0x69
	CmdBuzzerControl CommandCode = 0x6A
	CmdTextOutput    CommandCode = 0x6B
	CmdCommSet       CommandCode = 0x6E
	CmdKeySet        CommandCode = 0x75
	CmdChallenge     CommandCode = 0x76
	CmdSCrypt        CommandCode = 0x77
	CmdMaxReplySize  CommandCode = 0x7B
	CmdManufacturer  CommandCode = 0x80
	CmdExtendedWrite CommandCode = 0xA1
	CmdAbort         CommandCode = 0xA2
	CmdGetPIVData    CommandCode = 0xA3
)

func (c CommandCode) String() string {
	switch c {
	case CmdPoll:
		return "Poll"
	case CmdIDReport:
		return "IDReport"
	case CmdCapabilities:
		return "Capabilities"
	case CmdLocalStatus:
		return "LocalStatus"
	case CmdInputStatus:
		return "InputStatus"
	case CmdOutputStatus:
		return "OutputStatus"
	case CmdReaderStatus:
		return "ReaderStatus"
	case CmdOutputControl:
		return "OutputControl"
	case CmdLEDControl:
		return "LEDControl"
	case CmdBuzzerControl:
		return "BuzzerControl"
	case CmdTextOutput:
		return "TextOutput"
	case CmdCommSet:
		return "CommSet"
	case CmdKeySet:
		return "KeySet"
	case CmdChallenge:
		return "Challenge"
	case CmdSCrypt:
		return "SCrypt"
	case CmdMaxReplySize:
		return "MaxReplySize"
	case CmdManufacturer:
		return "Manufacturer"
	case CmdExtendedWrite:
		return "ExtendedWrite"
	case CmdAbort:
		return "Abort"
	case CmdGetPIVData:
		return "GetPIVData"
	default:
		return fmt.Sprintf("0x%02X", uint8(c))
	}
}

// OutputControlCode selects the action of a single output control entry.
type OutputControlCode uint8

// Output control codes.
const (
	OutputNop            OutputControlCode = 0x00
	OutputOffPermanent   OutputControlCode = 0x01
	OutputOnPermanent    OutputControlCode = 0x02
	OutputOffTimed       OutputControlCode = 0x03
	OutputOnTimed        OutputControlCode = 0x04
	OutputOnTimedThenOff OutputControlCode = 0x05
	OutputOffTimedThenOn OutputControlCode = 0x06
)

// BuildOutputControl encodes a single output control entry: output number,
// control code, and timer in 100 ms units (for the timed codes).
func BuildOutputControl(output uint8, code OutputControlCode, timer uint16) []byte {
	buf := make([]byte, 4)
	buf[0] = output
	buf[1] = uint8(code)
	binary.LittleEndian.PutUint16(buf[2:4], timer)
	return buf
}

// LEDColor is an OSDP LED color value.
type LEDColor uint8

// LED colors.
const (
	LEDBlack LEDColor = iota
	LEDRed
	LEDGreen
	LEDAmber
	LEDBlue
)

// LEDControl describes one reader LED control entry. The temporary settings
// blink TempOn/TempOff deciseconds for TempTimer deciseconds; the permanent
// settings apply afterwards.
type LEDControl struct {
	Reader     uint8
	LED        uint8
	TempMode   uint8 // 0 nop, 1 cancel, 2 set
	TempOn     uint8 // deciseconds
	TempOff    uint8
	TempOnCol  LEDColor
	TempOffCol LEDColor
	TempTimer  uint16 // deciseconds
	PermMode   uint8  // 0 nop, 1 set
	PermOn     uint8
	PermOff    uint8
	PermOnCol  LEDColor
	PermOffCol LEDColor
}

// BuildLEDControl encodes a single LED control entry.
func BuildLEDControl(c LEDControl) []byte {
	buf := make([]byte, 14)
	buf[0] = c.Reader
	buf[1] = c.LED
	buf[2] = c.TempMode
	buf[3] = c.TempOn
	buf[4] = c.TempOff
	buf[5] = uint8(c.TempOnCol)
	buf[6] = uint8(c.TempOffCol)
	binary.LittleEndian.PutUint16(buf[7:9], c.TempTimer)
	buf[9] = c.PermMode
	buf[10] = c.PermOn
	buf[11] = c.PermOff
	buf[12] = uint8(c.PermOnCol)
	buf[13] = uint8(c.PermOffCol)
	return buf
}

// BuildBuzzerControl encodes a buzzer control entry: tone code 2 is the
// default beep, on/off in deciseconds, count 0 means forever.
func BuildBuzzerControl(reader, tone, onTime, offTime, count uint8) []byte {
	return []byte{reader, tone, onTime, offTime, count}
}

// BuildTextOutput encodes a text output command for a reader display.
func BuildTextOutput(reader uint8, row, col uint8, text string) []byte {
	buf := make([]byte, 6+len(text))
	buf[0] = reader
	buf[1] = 0x01 // permanent text, no wrap
	buf[2] = 0x00 // time (permanent)
	buf[3] = row
	buf[4] = col
	buf[5] = uint8(len(text))
	copy(buf[6:], text)
	return buf
}

// BuildCommSet encodes a communication configuration command: new address
// and baud rate. The PD answers with a COM reply echoing the settings.
func BuildCommSet(address uint8, baud uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = address
	binary.LittleEndian.PutUint32(buf[1:5], baud)
	return buf
}

// BuildManufacturer encodes a manufacturer-specific command: 3-byte vendor
// code followed by opaque data.
func BuildManufacturer(vendor [3]byte, data []byte) []byte {
	buf := make([]byte, 3+len(data))
	copy(buf[:3], vendor[:])
	copy(buf[3:], data)
	return buf
}

// BuildMaxReplySize announces the largest reply frame the ACU can receive.
func BuildMaxReplySize(size uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, size)
	return buf
}

// PIVDataRequest selects a PIV data object on the PD.
type PIVDataRequest struct {
	ObjectID  [3]byte
	ElementID uint8
	Offset    uint16
}

// BuildGetPIVData encodes a PIV data retrieval command.
func BuildGetPIVData(req PIVDataRequest) []byte {
	buf := make([]byte, 6)
	copy(buf[:3], req.ObjectID[:])
	buf[3] = req.ElementID
	binary.LittleEndian.PutUint16(buf[4:6], req.Offset)
	return buf
}
