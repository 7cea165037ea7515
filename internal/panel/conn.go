// Package panel implements the ACU side of OSDP: per-connection buses that
// poll peripheral devices, the device roster with framing and secure-channel
// state, reply correlation back to awaiting callers, and multi-part
// reassembly for large replies.
package panel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// ErrReadTimeout is returned by Connection.Read when no byte arrived within
// the timeout. The poll loop treats it as the end of the reply window.
var ErrReadTimeout = errors.New("panel: read timeout")

// Connection is a byte-oriented duplex transport carrying one OSDP bus,
// typically an RS-485 adapter or a TCP-wrapped serial server.
type Connection interface {
	Open() error
	Close() error
	IsOpen() bool
	// Read fills p with available bytes, waiting up to timeout for the
	// first byte. It returns ErrReadTimeout when nothing arrived.
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) error
}

// SerialConnection drives an RS-485 (or USB CDC) serial port.
type SerialConnection struct {
	portName string
	mode     *serial.Mode
	port     serial.Port
	open     atomic.Bool
}

// NewSerialConnection creates a serial connection. OSDP defaults to 9600
// baud, 8N1.
func NewSerialConnection(portName string, baudRate int) *SerialConnection {
	return &SerialConnection{
		portName: portName,
		mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
	}
}

func (c *SerialConnection) Open() error {
	port, err := serial.Open(c.portName, c.mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.portName, err)
	}
	// Some RS-485 adapters gate their driver on DTR/RTS.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	c.port = port
	c.open.Store(true)
	return nil
}

func (c *SerialConnection) Close() error {
	if !c.open.Swap(false) {
		return nil
	}
	return c.port.Close()
}

func (c *SerialConnection) IsOpen() bool { return c.open.Load() }

func (c *SerialConnection) Read(p []byte, timeout time.Duration) (int, error) {
	if !c.open.Load() {
		return 0, errors.New("panel: serial port closed")
	}
	if err := c.port.SetReadTimeout(timeout); err != nil {
		return 0, fmt.Errorf("set read timeout: %w", err)
	}
	n, err := c.port.Read(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, ErrReadTimeout
	}
	return n, nil
}

func (c *SerialConnection) Write(p []byte) error {
	if !c.open.Load() {
		return errors.New("panel: serial port closed")
	}
	_, err := c.port.Write(p)
	return err
}

// TCPConnection wraps a serial bus reachable through a TCP serial server.
type TCPConnection struct {
	addr string
	conn net.Conn
	open atomic.Bool
}

// NewTCPConnection creates a TCP connection to addr ("host:port").
func NewTCPConnection(addr string) *TCPConnection {
	return &TCPConnection{addr: addr}
}

func (c *TCPConnection) Open() error {
	conn, err := net.DialTimeout("tcp", c.addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	c.conn = conn
	c.open.Store(true)
	return nil
}

func (c *TCPConnection) Close() error {
	if !c.open.Swap(false) {
		return nil
	}
	return c.conn.Close()
}

func (c *TCPConnection) IsOpen() bool { return c.open.Load() }

func (c *TCPConnection) Read(p []byte, timeout time.Duration) (int, error) {
	if !c.open.Load() {
		return 0, errors.New("panel: tcp connection closed")
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() || os.IsTimeout(err) {
			return n, ErrReadTimeout
		}
		return n, err
	}
	return n, nil
}

func (c *TCPConnection) Write(p []byte) error {
	if !c.open.Load() {
		return errors.New("panel: tcp connection closed")
	}
	_, err := c.conn.Write(p)
	return err
}
