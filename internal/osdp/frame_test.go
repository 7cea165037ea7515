package osdp

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"poll checksum", Frame{Address: 0x01, Sequence: 1, Code: uint8(CmdPoll)}},
		{"poll crc", Frame{Address: 0x01, Sequence: 2, UseCRC: true, Code: uint8(CmdPoll)}},
		{"id report reply", Frame{Address: 0x23, Reply: true, Sequence: 3, UseCRC: true,
			Code: uint8(ReplyIDReport), Data: []byte{0x5C, 0x26, 0x23, 0x01, 0x02, 0xEF, 0xBE, 0xAD, 0xDE, 0x01, 0x02, 0x03}}},
		{"broadcast", Frame{Address: BroadcastAddr, Sequence: 0, Code: uint8(CmdCommSet),
			Data: BuildCommSet(0x05, 9600)}},
		{"empty data crc", Frame{Address: 0x7E, Sequence: 0, UseCRC: true, Code: uint8(ReplyAck), Reply: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeFrame(&tt.frame, nil)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, consumed, err := DecodeFrame(raw, nil)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if consumed != len(raw) {
				t.Errorf("consumed %d, want %d", consumed, len(raw))
			}
			if got.Address != tt.frame.Address {
				t.Errorf("address: got 0x%02X, want 0x%02X", got.Address, tt.frame.Address)
			}
			if got.Reply != tt.frame.Reply {
				t.Errorf("reply flag: got %v", got.Reply)
			}
			if got.Sequence != tt.frame.Sequence {
				t.Errorf("sequence: got %d, want %d", got.Sequence, tt.frame.Sequence)
			}
			if got.UseCRC != tt.frame.UseCRC {
				t.Errorf("useCRC: got %v", got.UseCRC)
			}
			if got.Code != tt.frame.Code {
				t.Errorf("code: got 0x%02X, want 0x%02X", got.Code, tt.frame.Code)
			}
			if !bytes.Equal(got.Data, tt.frame.Data) {
				t.Errorf("data: got %X, want %X", got.Data, tt.frame.Data)
			}
		})
	}
}

func TestFrameBitFlipDetected(t *testing.T) {
	for _, useCRC := range []bool{false, true} {
		f := Frame{Address: 0x04, Sequence: 2, UseCRC: useCRC, Code: uint8(ReplyRawCard),
			Reply: true, Data: []byte{0x00, 0x00, 0x1A, 0x00, 0xDE, 0xAD, 0xBE, 0xEF}}
		raw, err := EncodeFrame(&f, nil)
		if err != nil {
			t.Fatal(err)
		}

		for byteIdx := 0; byteIdx < len(raw); byteIdx++ {
			for bit := 0; bit < 8; bit++ {
				flipped := append([]byte(nil), raw...)
				flipped[byteIdx] ^= 1 << bit

				got, _, err := DecodeFrame(flipped, nil)
				if err == nil && got != nil &&
					got.Address == f.Address && got.Code == f.Code && bytes.Equal(got.Data, f.Data) {
					t.Errorf("useCRC=%v: flip of byte %d bit %d not detected", useCRC, byteIdx, bit)
				}
			}
		}
	}
}

func TestDecodeResyncOnNoise(t *testing.T) {
	f := Frame{Address: 0x02, Sequence: 1, UseCRC: true, Code: uint8(CmdPoll)}
	raw, err := EncodeFrame(&f, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Garbage including a stray SOM with an absurd length field.
	noise := []byte{0xFF, 0x00, SOM, 0xFF, 0xFF, 0x12, 0xAB}
	buf := append(append([]byte(nil), noise...), raw...)

	got, consumed, err := DecodeFrame(buf, nil)
	if err != nil {
		t.Fatalf("decode with noise: %v", err)
	}
	if consumed != len(buf) {
		t.Errorf("consumed %d, want %d", consumed, len(buf))
	}
	if got.Address != f.Address || got.Code != f.Code {
		t.Errorf("decoded wrong frame: addr=0x%02X code=0x%02X", got.Address, got.Code)
	}
}

func TestDecodeIncomplete(t *testing.T) {
	f := Frame{Address: 0x02, Sequence: 1, Code: uint8(CmdPoll)}
	raw, err := EncodeFrame(&f, nil)
	if err != nil {
		t.Fatal(err)
	}

	for cut := 1; cut < len(raw); cut++ {
		_, consumed, err := DecodeFrame(raw[:cut], nil)
		if err != ErrIncomplete {
			t.Fatalf("cut at %d: err = %v, want ErrIncomplete", cut, err)
		}
		if consumed != 0 {
			t.Errorf("cut at %d: consumed %d bytes of a partial frame", cut, consumed)
		}
	}
}

func TestDecodeEmptyBuffer(t *testing.T) {
	if _, _, err := DecodeFrame(nil, nil); err != ErrIncomplete {
		t.Errorf("err = %v, want ErrIncomplete", err)
	}
}

func TestDecodeBadChecksumConsumesOneSOM(t *testing.T) {
	f := Frame{Address: 0x02, Sequence: 1, Code: uint8(CmdPoll)}
	raw, err := EncodeFrame(&f, nil)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xFF

	_, consumed, err := DecodeFrame(raw, nil)
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FrameError", err)
	}
	if consumed != 1 {
		t.Errorf("consumed %d, want 1 (resume scan after SOM)", consumed)
	}
}

func TestChecksum(t *testing.T) {
	data := []byte{0x53, 0x01, 0x08, 0x00, 0x00, 0x60, 0x00}
	sum := checksum(data)
	var total uint8
	for _, b := range data {
		total += b
	}
	if total+sum != 0 {
		t.Errorf("checksum 0x%02X does not cancel byte sum 0x%02X", sum, total)
	}
}

func TestCRC16KnownValue(t *testing.T) {
	// CRC-16/AUG-CCITT of "123456789" is 0xE5CC.
	if got := crc16([]byte("123456789")); got != 0xE5CC {
		t.Errorf("crc16 = 0x%04X, want 0xE5CC", got)
	}
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	f := Frame{Address: 0x01, Code: uint8(CmdTextOutput), Data: make([]byte, maxFrameLen)}
	if _, err := EncodeFrame(&f, nil); err == nil {
		t.Error("expected error for oversized frame")
	}
}
