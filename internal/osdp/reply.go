package osdp

import (
	"encoding/binary"
	"fmt"
)

// ReplyCode is a PD-to-ACU reply code.
type ReplyCode uint8

// Reply codes.
const (
	ReplyAck           ReplyCode = 0x40
	ReplyNak           ReplyCode = 0x41
	ReplyIDReport      ReplyCode = 0x45
	ReplyCapabilities  ReplyCode = 0x46
	ReplyLocalStatus   ReplyCode = 0x48
	ReplyInputStatus   ReplyCode = 0x49
	ReplyOutputStatus  ReplyCode = 0x4A
	ReplyReaderStatus  ReplyCode = 0x4B
	ReplyRawCard       ReplyCode = 0x50
	ReplyFormattedCard ReplyCode = 0x51
	ReplyKeypad        ReplyCode = 0x53
	ReplyCom           ReplyCode = 0x54
	ReplyCCrypt        ReplyCode = 0x76
	ReplyRMACI         ReplyCode = 0x78
	ReplyBusy          ReplyCode = 0x79
	ReplyPIVData       ReplyCode = 0x80
	ReplyManufacturer  ReplyCode = 0x90
	ReplyExtendedRead  ReplyCode = 0xB1
)

func (r ReplyCode) String() string {
	switch r {
	case ReplyAck:
		return "Ack"
	case ReplyNak:
		return "Nak"
	case ReplyIDReport:
		return "IDReport"
	case ReplyCapabilities:
		return "Capabilities"
	case ReplyLocalStatus:
		return "LocalStatus"
	case ReplyInputStatus:
		return "InputStatus"
	case ReplyOutputStatus:
		return "OutputStatus"
	case ReplyReaderStatus:
		return "ReaderStatus"
	case ReplyRawCard:
		return "RawCard"
	case ReplyFormattedCard:
		return "FormattedCard"
	case ReplyKeypad:
		return "Keypad"
	case ReplyCom:
		return "Com"
	case ReplyCCrypt:
		return "CCrypt"
	case ReplyRMACI:
		return "RMACI"
	case ReplyBusy:
		return "Busy"
	case ReplyPIVData:
		return "PIVData"
	case ReplyManufacturer:
		return "Manufacturer"
	case ReplyExtendedRead:
		return "ExtendedRead"
	default:
		return fmt.Sprintf("0x%02X", uint8(r))
	}
}

// replyTable lists the reply codes that satisfy each command, beyond the
// universally acceptable Ack/Nak. A reply not listed for the in-flight
// command never completes it; it is notification-only.
var replyTable = map[CommandCode][]ReplyCode{
	CmdIDReport:      {ReplyIDReport},
	CmdCapabilities:  {ReplyCapabilities},
	CmdLocalStatus:   {ReplyLocalStatus},
	CmdInputStatus:   {ReplyInputStatus},
	CmdOutputStatus:  {ReplyOutputStatus},
	CmdReaderStatus:  {ReplyReaderStatus},
	CmdOutputControl: {ReplyOutputStatus},
	CmdCommSet:       {ReplyCom},
	CmdManufacturer:  {ReplyManufacturer},
	CmdExtendedWrite: {ReplyExtendedRead},
	CmdGetPIVData:    {ReplyPIVData},
}

// ReplyMatches reports whether a reply code satisfies a command per the
// reply-for-command table. Ack and Nak satisfy any command.
func ReplyMatches(cmd CommandCode, reply ReplyCode) bool {
	if reply == ReplyAck || reply == ReplyNak {
		return true
	}
	for _, r := range replyTable[cmd] {
		if r == reply {
			return true
		}
	}
	return false
}

// Nak error codes.
const (
	NakChecksum       = 0x01
	NakSequence       = 0x02
	NakUnknownCommand = 0x03
	NakLength         = 0x04
	NakUnsupported    = 0x05
	NakSecurity       = 0x06
	NakTimeout        = 0x08
)

// Nak is a negative acknowledgement. It is a successful protocol outcome,
// not a transport error; callers inspect the code.
type Nak struct {
	Code uint8
	Data []byte
}

// ParseNak decodes a NAK payload.
func ParseNak(data []byte) (*Nak, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("osdp: nak payload empty")
	}
	n := &Nak{Code: data[0]}
	if len(data) > 1 {
		n.Data = append([]byte(nil), data[1:]...)
	}
	return n, nil
}

// IDReport is a PD identification report.
type IDReport struct {
	Vendor   [3]byte
	Model    uint8
	Version  uint8
	Serial   uint32
	Firmware [3]uint8 // major, minor, build
}

// ParseIDReport decodes a PDID payload.
func ParseIDReport(data []byte) (*IDReport, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("osdp: id report payload %d bytes, want 12", len(data))
	}
	r := &IDReport{
		Model:   data[3],
		Version: data[4],
		Serial:  binary.LittleEndian.Uint32(data[5:9]),
	}
	copy(r.Vendor[:], data[0:3])
	copy(r.Firmware[:], data[9:12])
	return r, nil
}

// Capability function codes a PD may report.
const (
	CapContactStatusMonitoring = 1
	CapOutputControl           = 2
	CapCardDataFormat          = 3
	CapLEDControl              = 4
	CapAudibleOutput           = 5
	CapTextOutput              = 6
	CapCheckCharacter          = 8
	CapCommunicationSecurity   = 9
	CapReceiveBufferSize       = 10
	CapLargestCombinedMessage  = 11
	CapSmartCard               = 12
	CapReaders                 = 13
	CapBiometrics              = 14
)

// Capability is one PDCAP triplet.
type Capability struct {
	Function   uint8
	Compliance uint8
	NumberOf   uint8
}

// ParseCapabilities decodes a PDCAP payload.
func ParseCapabilities(data []byte) ([]Capability, error) {
	if len(data)%3 != 0 {
		return nil, fmt.Errorf("osdp: capabilities payload %d bytes, not a multiple of 3", len(data))
	}
	caps := make([]Capability, 0, len(data)/3)
	for i := 0; i+3 <= len(data); i += 3 {
		caps = append(caps, Capability{
			Function:   data[i],
			Compliance: data[i+1],
			NumberOf:   data[i+2],
		})
	}
	return caps, nil
}

// LocalStatus reports PD tamper and power state.
type LocalStatus struct {
	Tamper     bool
	PowerFault bool
}

// ParseLocalStatus decodes an LSTATR payload.
func ParseLocalStatus(data []byte) (*LocalStatus, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("osdp: local status payload %d bytes, want 2", len(data))
	}
	return &LocalStatus{Tamper: data[0] != 0, PowerFault: data[1] != 0}, nil
}

// ParseStatusFlags decodes ISTATR/OSTATR payloads: one boolean per point.
func ParseStatusFlags(data []byte) []bool {
	out := make([]bool, len(data))
	for i, b := range data {
		out[i] = b != 0
	}
	return out
}

// ReaderTamper states per reader in an RSTATR payload.
const (
	ReaderNormal        = 0x00
	ReaderNotResponding = 0x01
	ReaderTampered      = 0x02
)

// ParseReaderStatus decodes an RSTATR payload: one tamper status per reader.
func ParseReaderStatus(data []byte) []uint8 {
	return append([]uint8(nil), data...)
}

// RawCard is card data as read from the wire, bit count exact.
type RawCard struct {
	Reader   uint8
	Format   uint8
	BitCount uint16
	Data     []byte
}

// ParseRawCard decodes a RAW reply payload.
func ParseRawCard(data []byte) (*RawCard, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("osdp: raw card payload %d bytes, want >= 4", len(data))
	}
	c := &RawCard{
		Reader:   data[0],
		Format:   data[1],
		BitCount: binary.LittleEndian.Uint16(data[2:4]),
	}
	want := (int(c.BitCount) + 7) / 8
	if len(data)-4 < want {
		return nil, fmt.Errorf("osdp: raw card data %d bytes, want %d for %d bits", len(data)-4, want, c.BitCount)
	}
	c.Data = append([]byte(nil), data[4:4+want]...)
	return c, nil
}

// FormattedCard is character-format card data.
type FormattedCard struct {
	Reader uint8
	Data   []byte
}

// ParseFormattedCard decodes an FMT reply payload.
func ParseFormattedCard(data []byte) (*FormattedCard, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("osdp: formatted card payload %d bytes, want >= 3", len(data))
	}
	n := int(data[2])
	if len(data)-3 < n {
		return nil, fmt.Errorf("osdp: formatted card data %d bytes, want %d", len(data)-3, n)
	}
	return &FormattedCard{Reader: data[0], Data: append([]byte(nil), data[3:3+n]...)}, nil
}

// Keypad is a burst of reader keypad digits.
type Keypad struct {
	Reader uint8
	Digits []byte
}

// ParseKeypad decodes a KEYPAD reply payload.
func ParseKeypad(data []byte) (*Keypad, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("osdp: keypad payload %d bytes, want >= 2", len(data))
	}
	n := int(data[1])
	if len(data)-2 < n {
		return nil, fmt.Errorf("osdp: keypad digits %d bytes, want %d", len(data)-2, n)
	}
	return &Keypad{Reader: data[0], Digits: append([]byte(nil), data[2:2+n]...)}, nil
}

// Com echoes the communication settings a PD accepted after COMSET.
type Com struct {
	Address uint8
	Baud    uint32
}

// ParseCom decodes a COM reply payload.
func ParseCom(data []byte) (*Com, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("osdp: com payload %d bytes, want 5", len(data))
	}
	return &Com{Address: data[0], Baud: binary.LittleEndian.Uint32(data[1:5])}, nil
}

// Manufacturer is a manufacturer-specific reply.
type Manufacturer struct {
	Vendor [3]byte
	Data   []byte
}

// ParseManufacturer decodes an MFGREP payload.
func ParseManufacturer(data []byte) (*Manufacturer, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("osdp: manufacturer payload %d bytes, want >= 3", len(data))
	}
	m := &Manufacturer{Data: append([]byte(nil), data[3:]...)}
	copy(m.Vendor[:], data[0:3])
	return m, nil
}

// PIVFragment is one fragment of a multi-part PIV data reply.
type PIVFragment struct {
	WholeLength uint16
	Offset      uint16
	Length      uint16
	Data        []byte
}

// ParsePIVFragment decodes a PIVDATAR payload.
func ParsePIVFragment(data []byte) (*PIVFragment, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("osdp: piv fragment payload %d bytes, want >= 6", len(data))
	}
	f := &PIVFragment{
		WholeLength: binary.LittleEndian.Uint16(data[0:2]),
		Offset:      binary.LittleEndian.Uint16(data[2:4]),
		Length:      binary.LittleEndian.Uint16(data[4:6]),
	}
	if len(data)-6 < int(f.Length) {
		return nil, fmt.Errorf("osdp: piv fragment data %d bytes, want %d", len(data)-6, f.Length)
	}
	f.Data = append([]byte(nil), data[6:6+int(f.Length)]...)
	return f, nil
}
