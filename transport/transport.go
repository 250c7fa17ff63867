// Package transport provides duplex byte-stream channels to a MicroPython
// device.
//
// A Channel carries raw bytes and nothing else: it has no knowledge of the
// raw REPL protocol. The protocol engine layers framing on top of whatever
// Channel it is given. Three implementations are provided:
//
//   - Serial: a USB/UART serial port (8-N-1, no hardware handshake)
//   - Subprocess: the stdin/stdout of a spawned device-emulator binary,
//     presented as a single duplex stream
//   - WebSocket: a WebREPL endpoint
//
// Channels never retry. Any I/O failure surfaces as a *Error carrying the
// channel identity; reconnection is the connection manager's job.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDeadline is returned (wrapped in *Error) when a read deadline
	// expires before any byte arrives.
	ErrDeadline = errors.New("read deadline exceeded")
	// ErrClosed is returned when an operation is attempted on a closed
	// or never-opened channel.
	ErrClosed = errors.New("channel closed")
)

// Channel is a duplex byte stream to a device.
//
// Implementations are not safe for concurrent Read or concurrent Write;
// the protocol engine serializes access. Close may be called concurrently
// with a blocked Read and must unblock it.
type Channel interface {
	// ID identifies the channel endpoint (device path, command line, URL)
	// for logs and errors.
	ID() string

	// Open establishes the underlying stream. Opening an already-open
	// channel is an error.
	Open(ctx context.Context) error

	// Close tears the stream down. Safe to call more than once.
	Close() error

	// Read fills p with up to len(p) bytes, blocking until at least one
	// byte is available, the deadline passes, or the stream fails. It
	// returns zero bytes only at EOF or on deadline expiry; a deadline
	// expiry yields an error wrapping ErrDeadline. A zero deadline means
	// block indefinitely.
	Read(p []byte, deadline time.Time) (int, error)

	// Write writes all of p to the device. The bytes are flushed to the
	// underlying stream before Write returns; there is no buffering layer
	// below this boundary.
	Write(p []byte) error
}

// Error is a transport-level I/O failure. It names the channel and the
// operation that failed so that errors remain attributable after they
// have crossed the protocol and connection layers.
type Error struct {
	Channel string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %s: %v", e.Channel, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsDeadline reports whether err is a read-deadline expiry rather than a
// stream failure.
func IsDeadline(err error) bool {
	return errors.Is(err, ErrDeadline)
}

// wrapErr builds a *Error unless err is already one for the same channel.
func wrapErr(channel, op string, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Channel: channel, Op: op, Err: err}
}

// deadlineTimeout converts an absolute deadline to a wait duration.
// Zero deadline means no limit.
func deadlineTimeout(deadline time.Time) (time.Duration, bool) {
	if deadline.IsZero() {
		return 0, false
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	return d, true
}
