// Package flowcontrol implements the raw-paste windowed send budget.
//
// When a MicroPython device accepts raw-paste mode it advertises a window
// increment: the number of bytes of input buffer it is prepared to accept.
// The host may write at most that many bytes before it must stop and wait
// for the device to replenish the window in-band:
//
//	host                                device
//	  │ ── up to `remaining` bytes ──────▶ │
//	  │                                    │ consumes input buffer
//	  │ ◀───────────────────────── 0x01 ── │  window += increment
//	  │ ── more code bytes ──────────────▶ │
//	  │ ◀───────────────────────── 0x04 ── │  stop sending, read response
//
// The two in-band bytes are the only values the device may send during a
// transfer. Anything else means the host and device have lost framing
// agreement, which is unrecoverable without a protocol reset.
//
// Invariants maintained by Window:
//
//   - remaining >= 0 at all times
//   - remaining only decreases via Consume (a write) and only increases
//     by exactly the increment via Replenish (an in-band 0x01)
package flowcontrol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smnsjas/go-rawrepl/transport"
)

// In-band bytes the device may send during a raw-paste transfer.
const (
	// ByteReplenish grants the host another window increment.
	ByteReplenish = 0x01
	// ByteAbort asks the host to stop transmitting and proceed directly
	// to reading the response.
	ByteAbort = 0x04
)

var (
	// ErrDesync is returned when the device sends a byte that is neither
	// a window replenish nor an abort during a transfer. The connection
	// must be reset before reuse.
	ErrDesync = errors.New("flow control desynchronized")
	// ErrWindowExceeded is returned by Consume when asked for more than
	// the remaining budget. Indicates a bug in the caller, not the device.
	ErrWindowExceeded = errors.New("window budget exceeded")
)

// Window tracks the remaining raw-paste send budget for one transfer.
// It does no I/O itself and is not safe for concurrent use; the protocol
// engine's execution mutex guarantees a single writer.
type Window struct {
	remaining int
	increment int

	// Running totals, used to check the window invariant in tests.
	consumed    int
	replenished int
}

// NewWindow creates a window from the increment the device advertised in
// its raw-paste acceptance reply. The initial budget equals the increment.
func NewWindow(increment int) (*Window, error) {
	if increment <= 0 {
		return nil, fmt.Errorf("window increment must be positive, got %d", increment)
	}
	return &Window{remaining: increment, increment: increment}, nil
}

// Remaining returns the current send budget.
func (w *Window) Remaining() int { return w.remaining }

// Increment returns the negotiated window increment.
func (w *Window) Increment() int { return w.increment }

// Consumed returns the total bytes charged against the window.
func (w *Window) Consumed() int { return w.consumed }

// Replenished returns the total bytes granted by in-band replenishes,
// not counting the initial budget.
func (w *Window) Replenished() int { return w.replenished }

// Consume charges n bytes against the budget.
func (w *Window) Consume(n int) error {
	if n < 0 || n > w.remaining {
		return fmt.Errorf("%w: requested %d with %d remaining", ErrWindowExceeded, n, w.remaining)
	}
	w.remaining -= n
	w.consumed += n
	return nil
}

// Replenish grants another increment of budget.
func (w *Window) Replenish() {
	w.remaining += w.increment
	w.replenished += w.increment
}

// flowPoll bounds a single wait for an in-band byte so that ctx
// cancellation is observed promptly while the device holds the window
// closed.
const flowPoll = 50 * time.Millisecond

// Send writes data through the window, blocking on in-band flow bytes
// whenever the budget runs out. It returns aborted=true if the device
// requested early termination with 0x04; the caller must then proceed
// directly to reading the response. An unexpected in-band byte surfaces
// as an error wrapping ErrDesync. Cancelling ctx stops the transfer
// within one poll interval.
func Send(ctx context.Context, ch transport.Channel, w *Window, data []byte, deadline time.Time) (aborted bool, err error) {
	var flow [1]byte
	for len(data) > 0 {
		if w.Remaining() == 0 {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			slice := time.Now().Add(flowPoll)
			if slice.After(deadline) {
				slice = deadline
			}
			n, err := ch.Read(flow[:], slice)
			if err != nil {
				if transport.IsDeadline(err) && time.Now().Before(deadline) {
					continue
				}
				return false, err
			}
			if n == 0 {
				continue
			}
			switch flow[0] {
			case ByteReplenish:
				w.Replenish()
				continue
			case ByteAbort:
				return true, nil
			default:
				return false, fmt.Errorf("%w: unexpected in-band byte 0x%02x", ErrDesync, flow[0])
			}
		}

		n := w.Remaining()
		if n > len(data) {
			n = len(data)
		}
		if err := w.Consume(n); err != nil {
			return false, err
		}
		if err := ch.Write(data[:n]); err != nil {
			return false, err
		}
		data = data[n:]
	}
	return false, nil
}
