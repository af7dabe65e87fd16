package transport

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the bias board UART rate (115200 8N1).
	DefaultBaudRate = 115200
	// readChunk is the per-read buffer size.
	readChunk = 1024
)

// port is the subset of go.bug.st/serial.Port the transport needs.
// Narrowed so tests can substitute a scripted implementation.
type port interface {
	SetReadTimeout(t time.Duration) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	Close() error
}

// openPort is replaceable in tests.
var openPort = func(name string, mode *serial.Mode) (port, error) {
	return serial.Open(name, mode)
}

// Port describes an available serial port.
type Port struct {
	Name        string
	Description string
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]Port, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	result := make([]Port, 0, len(names))
	for _, name := range names {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Serial is the Transport over a real serial port.
type Serial struct {
	device   string
	baudRate int

	mu   sync.Mutex
	conn port
	buf  []byte // bytes read but not yet returned as a line
	open bool
}

var _ Transport = (*Serial)(nil)

// NewSerial creates a transport for the named device. Call Open before use.
func NewSerial(device string, baudRate int) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	return &Serial{device: device, baudRate: baudRate}
}

// Open opens the serial port in 8N1 mode and discards any stale input.
func (s *Serial) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return fmt.Errorf("already open")
	}

	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	conn, err := openPort(s.device, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.device, err)
	}
	if err := conn.ResetInputBuffer(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to flush serial port %s: %w", s.device, err)
	}

	s.conn = conn
	s.open = true
	s.buf = nil
	return nil
}

// WriteFrame writes one frame to the port.
func (s *Serial) WriteFrame(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrClosed
	}
	if _, err := s.conn.Write(p); err != nil {
		return fmt.Errorf("serial write: %w (%w)", err, ErrClosed)
	}
	return nil
}

// ReadLine returns the next terminator-delimited line, without the
// terminator. Returns ErrTimeout when the deadline expires first. A
// partial line left in the buffer is kept for the next call; Drain
// discards it.
func (s *Serial) ReadLine(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil, ErrClosed
	}

	deadline := time.Now().Add(timeout)
	for {
		if i := bytes.IndexByte(s.buf, '\n'); i >= 0 {
			line := bytes.TrimRight(s.buf[:i], "\r")
			s.buf = s.buf[i+1:]
			return line, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		if err := s.conn.SetReadTimeout(remaining); err != nil {
			return nil, fmt.Errorf("serial set read timeout: %w (%w)", err, ErrClosed)
		}

		chunk := make([]byte, readChunk)
		n, err := s.conn.Read(chunk)
		if err != nil {
			return nil, fmt.Errorf("serial read: %w (%w)", err, ErrClosed)
		}
		if n == 0 {
			// go.bug.st/serial signals an expired read timeout with a
			// zero-length read and nil error.
			return nil, ErrTimeout
		}
		s.buf = append(s.buf, chunk[:n]...)
	}
}

// Drain discards buffered partial input. Called after a protocol timeout
// so a late straggler reply cannot be matched to the next request.
func (s *Serial) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	if s.open {
		s.conn.ResetInputBuffer()
	}
}

// Close closes the port. Subsequent calls are no-ops.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("serial close: %w", err)
	}
	return nil
}
