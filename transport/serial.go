package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// DefaultBaudRate is used when a Serial channel is constructed with a
// non-positive baud rate. 115200 is what every stock MicroPython port runs.
const DefaultBaudRate = 115200

// Serial is a Channel over a serial port. Framing is fixed at 8-N-1 with
// no hardware handshake, matching the MicroPython USB-CDC convention.
type Serial struct {
	path string
	baud int
	log  *zap.Logger

	mu   sync.Mutex
	port serial.Port
}

// NewSerial creates a serial channel for the device at path. The channel
// is not opened until Open is called. A nil logger disables logging.
func NewSerial(path string, baud int, log *zap.Logger) *Serial {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Serial{path: path, baud: baud, log: log}
}

// ID returns the device path.
func (s *Serial) ID() string { return s.path }

// Open opens the serial port.
func (s *Serial) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return wrapErr(s.path, "open", errors.New("already open"))
	}
	if err := ctx.Err(); err != nil {
		return wrapErr(s.path, "open", err)
	}

	port, err := serial.Open(s.path, &serial.Mode{
		BaudRate: s.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return wrapErr(s.path, "open", err)
	}

	s.port = port
	s.log.Debug("serial port opened",
		zap.String("path", s.path),
		zap.Int("baud", s.baud))
	return nil
}

// Close closes the serial port. A blocked Read returns with an error.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	if err != nil {
		return wrapErr(s.path, "close", err)
	}
	return nil
}

// Read reads up to len(p) bytes, honoring the deadline. go.bug.st/serial
// reports a read timeout as (0, nil), so the poll loop re-checks the
// deadline on every empty return.
func (s *Serial) Read(p []byte, deadline time.Time) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return 0, wrapErr(s.path, "read", ErrClosed)
	}

	for {
		wait := 50 * time.Millisecond
		if d, ok := deadlineTimeout(deadline); ok {
			if d == 0 {
				return 0, wrapErr(s.path, "read", ErrDeadline)
			}
			if d < wait {
				wait = d
			}
		}
		if err := port.SetReadTimeout(wait); err != nil {
			return 0, wrapErr(s.path, "read", err)
		}

		n, err := port.Read(p)
		if err != nil {
			if isDisconnect(err) {
				err = fmt.Errorf("device disconnected: %w", err)
			}
			return 0, wrapErr(s.path, "read", err)
		}
		if n > 0 {
			return n, nil
		}
		// Timed out with no data; loop until the caller's deadline.
	}
}

// Write writes all of p to the port.
func (s *Serial) Write(p []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return wrapErr(s.path, "write", ErrClosed)
	}

	for len(p) > 0 {
		n, err := port.Write(p)
		if err != nil {
			if isDisconnect(err) {
				err = fmt.Errorf("device disconnected: %w", err)
			}
			return wrapErr(s.path, "write", err)
		}
		p = p[n:]
	}
	if err := port.Drain(); err != nil {
		return wrapErr(s.path, "write", err)
	}
	return nil
}

// isDisconnect classifies an error as a device-gone condition rather than
// a configuration problem.
func isDisconnect(err error) bool {
	var portErr serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "input/output error") ||
		strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "device not configured") ||
		strings.Contains(msg, "broken pipe")
}
