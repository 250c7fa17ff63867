// Package protocol implements the MicroPython raw REPL state machine.
//
// # State Machine
//
// The engine tracks which REPL mode the device is in:
//
//	Normal --(0x01, banner "raw REPL; CTRL-B to exit")--> Raw
//	Raw    --(0x02)--------------------------------------> Normal
//	Raw    --(0x05 'A' 0x01, ack R 0x01 + window)--------> RawPaste
//	RawPaste --(end-of-data 0x04, response read)---------> Raw
//
// No state is reachable except through an explicit control-byte exchange
// with the device. Raw-paste is entered and exited per execution, never
// held open across calls.
//
// # Execution framing
//
// A plain-raw execution writes the code bytes followed by 0x04 and then
// expects, in order: the two-byte "OK" acknowledgement, the stdout bytes,
// a 0x04 marker, the exception text (possibly empty), a second 0x04, and
// the ">" prompt. Raw-paste replaces the submission with window-gated
// writes (package flowcontrol) and acknowledges end-of-data with a 0x04
// from the device before the same stdout/exception framing.
//
// Bytes that do not fit this framing within the execute timeout are a
// protocol violation; the engine resynchronizes the channel (interrupt,
// re-enter raw) before returning, so a failed call never leaves the
// channel mid-frame.
//
// # Concurrency
//
// Exactly one exchange runs at a time per engine. Callers queue FIFO on
// the execution slot, mirroring the single-threaded target interpreter.
package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smnsjas/go-rawrepl/flowcontrol"
	"github.com/smnsjas/go-rawrepl/response"
	"github.com/smnsjas/go-rawrepl/timeout"
	"github.com/smnsjas/go-rawrepl/transport"
)

// Control bytes of the raw REPL protocol. Fixed by the device firmware,
// not configurable.
const (
	// ByteEnterRaw switches the REPL from normal to raw mode.
	ByteEnterRaw = 0x01
	// ByteExitRaw switches the REPL from raw back to normal mode.
	ByteExitRaw = 0x02
	// ByteInterrupt is KeyboardInterrupt.
	ByteInterrupt = 0x03
	// ByteEOT triggers execution / soft reset and delimits response
	// sections. It appears twice per response: at the stdout/exception
	// boundary and before the terminating prompt.
	ByteEOT = 0x04
)

// rawPasteProbe requests raw-paste mode. A supporting device answers
// 'R' 0x01 followed by a little-endian uint16 window increment.
var rawPasteProbe = []byte{0x05, 'A', ByteEnterRaw}

// rawBanner is printed by the device on entering raw mode.
var rawBanner = []byte("raw REPL; CTRL-B to exit")

// rawPrompt terminates every raw-mode response.
const rawPrompt = '>'

var (
	// ErrProtocolViolation is returned when the device sends bytes that
	// do not fit the expected framing, outside the defined raw-paste
	// fallback path.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrInvalidState is returned when an operation is attempted in the
	// wrong REPL mode.
	ErrInvalidState = errors.New("invalid protocol state")
	// ErrBusy is returned by TryDrain when an execution holds the slot.
	ErrBusy = errors.New("execution in progress")
)

// State is the REPL mode the device is in.
type State int

const (
	// StateNormal is the interactive ">>>" REPL.
	StateNormal State = iota
	// StateRaw is raw mode, ready to accept a code submission.
	StateRaw
	// StateRawPaste is a windowed code transfer in progress.
	StateRawPaste
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "Normal"
	case StateRaw:
		return "Raw"
	case StateRawPaste:
		return "RawPaste"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// PasteSupport records the outcome of the raw-paste probe for the life
// of a connection.
type PasteSupport int

const (
	// PasteUnknown means the device has not been probed yet.
	PasteUnknown PasteSupport = iota
	// PasteSupported means the probe negotiated a window increment.
	PasteSupported
	// PasteUnsupported means the probe ack mismatched; all executions on
	// this connection use plain raw mode.
	PasteUnsupported
)

// String returns a string representation of the probe outcome.
func (p PasteSupport) String() string {
	switch p {
	case PasteSupported:
		return "Supported"
	case PasteUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// Engine drives the raw REPL protocol over one transport channel.
type Engine struct {
	ch     transport.Channel
	policy *timeout.Policy
	log    *zap.Logger

	// execSlot is the per-channel execution mutex. Buffered with one
	// token; acquire = send, release = receive. Waiters queue FIFO.
	execSlot chan struct{}

	mu    sync.RWMutex
	state State
	paste PasteSupport
	// windowIncrement is the negotiated raw-paste window, valid when
	// paste == PasteSupported.
	windowIncrement int

	// pending holds channel bytes read past a framing marker.
	pending []byte
}

// NewEngine creates an engine over ch. policy must be non-nil; a nil
// logger disables logging.
func NewEngine(ch transport.Channel, policy *timeout.Policy, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		ch:       ch,
		policy:   policy,
		log:      log,
		execSlot: make(chan struct{}, 1),
		state:    StateNormal,
	}
}

// State returns the current REPL mode.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Paste returns the raw-paste probe outcome for this connection.
func (e *Engine) Paste() PasteSupport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paste
}

// WindowIncrement returns the negotiated raw-paste window increment, or
// zero if raw-paste was never negotiated.
func (e *Engine) WindowIncrement() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.windowIncrement
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	old := e.state
	e.state = s
	e.mu.Unlock()
	if old != s {
		e.log.Debug("protocol state",
			zap.Stringer("from", old),
			zap.Stringer("to", s))
	}
}

// acquire takes the execution slot, queueing FIFO behind other callers.
func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.execSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() { <-e.execSlot }

// Resync forces the device into a known normal-mode prompt: interrupt any
// running code, soft-reset, and drain until the ">>>" prompt appears.
// Used on connect and as the recovery path after a broken exchange.
func (e *Engine) Resync(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	return e.resyncLocked(ctx)
}

func (e *Engine) resyncLocked(ctx context.Context) error {
	deadline := time.Now().Add(e.policy.For(timeout.OpConnect, 0))

	e.discardPending()
	// \r ensures any partial input line is terminated before the
	// interrupt; two interrupts break even a running except handler.
	if err := e.ch.Write([]byte{'\r', ByteInterrupt, ByteInterrupt}); err != nil {
		return err
	}
	// Leave raw mode if the device happens to be in it, then soft-reset.
	if err := e.ch.Write([]byte{ByteExitRaw}); err != nil {
		return err
	}
	if err := e.ch.Write([]byte{ByteEOT}); err != nil {
		return err
	}

	if _, err := e.readUntil(ctx, []byte(">>> "), deadline, timeout.OpConnect); err != nil {
		return err
	}
	e.discardPending()
	e.setState(StateNormal)
	return nil
}

// EnterRaw switches the device from normal to raw mode.
func (e *Engine) EnterRaw(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	return e.enterRawLocked(ctx)
}

func (e *Engine) enterRawLocked(ctx context.Context) error {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state != StateNormal {
		return fmt.Errorf("%w: enter raw from %s", ErrInvalidState, state)
	}

	start := time.Now()
	deadline := start.Add(e.policy.For(timeout.OpEnterRaw, 0))

	if err := e.ch.Write([]byte{'\r', ByteEnterRaw}); err != nil {
		return err
	}
	if _, err := e.readUntil(ctx, rawBanner, deadline, timeout.OpEnterRaw); err != nil {
		return fmt.Errorf("raw mode banner: %w", err)
	}
	if _, err := e.readUntil(ctx, []byte{rawPrompt}, deadline, timeout.OpEnterRaw); err != nil {
		return fmt.Errorf("raw mode prompt: %w", err)
	}

	e.policy.Observe(timeout.OpEnterRaw, time.Since(start))
	e.setState(StateRaw)
	return nil
}

// ExitRaw returns the device from raw to normal mode. Exiting from
// normal mode is a no-op.
func (e *Engine) ExitRaw(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state == StateNormal {
		return nil
	}

	if err := e.ch.Write([]byte{'\r', ByteExitRaw}); err != nil {
		return err
	}
	e.setState(StateNormal)
	// The ">>>" prompt follows; leave it for the next Resync or the
	// background drain rather than blocking the caller on it.
	return nil
}

// SoftReset soft-resets the interpreter from raw mode. Device-side
// globals are lost. The device lands back at the raw-mode banner.
func (e *Engine) SoftReset(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state != StateRaw {
		return fmt.Errorf("%w: soft reset from %s", ErrInvalidState, state)
	}

	deadline := time.Now().Add(e.policy.For(timeout.OpConnect, 0))
	if err := e.ch.Write([]byte{ByteEOT}); err != nil {
		return err
	}
	if _, err := e.readUntil(ctx, rawBanner, deadline, timeout.OpConnect); err != nil {
		return fmt.Errorf("soft reset banner: %w", err)
	}
	if _, err := e.readUntil(ctx, []byte{rawPrompt}, deadline, timeout.OpConnect); err != nil {
		return fmt.Errorf("soft reset prompt: %w", err)
	}
	e.discardPending()
	return nil
}

// Interrupt sends a KeyboardInterrupt without waiting for a response.
func (e *Engine) Interrupt() error {
	return e.ch.Write([]byte{ByteInterrupt})
}

// Execute runs code on the device and returns the parsed response. The
// device must be in raw mode. Raw-paste is used when the device supports
// it (probed on first use); otherwise the code is submitted in plain raw
// mode. Concurrent callers queue FIFO.
//
// Cancelling ctx mid-exchange interrupts the device and resynchronizes
// the channel before returning, so the channel is never left mid-frame.
func (e *Engine) Execute(ctx context.Context, code string) (*response.Response, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state != StateRaw {
		return nil, fmt.Errorf("%w: execute from %s", ErrInvalidState, state)
	}

	resp, err := e.executeLocked(ctx, code)
	if err != nil {
		// Leave the channel reusable: interrupt whatever is running and
		// re-enter raw mode. Best effort; the original error wins.
		e.recoverLocked(context.WithoutCancel(ctx))
	}
	return resp, err
}

func (e *Engine) executeLocked(ctx context.Context, code string) (*response.Response, error) {
	start := time.Now()
	payload := []byte(code)

	e.mu.RLock()
	paste := e.paste
	e.mu.RUnlock()

	var (
		submitted bool
		err       error
	)
	if paste != PasteUnsupported {
		submitted, err = e.submitRawPaste(ctx, payload)
		if err != nil {
			return nil, err
		}
	}
	if !submitted {
		if err := e.submitRaw(ctx, payload); err != nil {
			return nil, err
		}
	}

	resp, err := e.readResponse(ctx, code)
	if err != nil {
		return nil, err
	}
	e.policy.Observe(timeout.OpExecute, time.Since(start))
	return resp, nil
}

// submitRawPaste attempts a windowed raw-paste submission. It returns
// submitted=false (and no error) when the device does not support
// raw-paste, in which case the caller falls back to plain raw mode for
// this and all future executions on the connection.
func (e *Engine) submitRawPaste(ctx context.Context, payload []byte) (submitted bool, err error) {
	probeDeadline := time.Now().Add(e.policy.For(timeout.OpChunkAck, 0))

	if err := e.ch.Write(rawPasteProbe); err != nil {
		return false, err
	}

	ack, err := e.readN(ctx, 2, probeDeadline, timeout.OpChunkAck)
	if err != nil {
		return false, err
	}
	if !(ack[0] == 'R' && ack[1] == ByteEnterRaw) {
		// Mismatched ack: raw-paste unsupported. Terminate whatever the
		// device made of the probe bytes and fall back silently.
		e.mu.Lock()
		e.paste = PasteUnsupported
		e.mu.Unlock()
		e.log.Debug("raw-paste unsupported, falling back to raw mode",
			zap.String("ack", fmt.Sprintf("% x", ack)))
		if err := e.recoverProbe(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	winBytes, err := e.readN(ctx, 2, probeDeadline, timeout.OpChunkAck)
	if err != nil {
		return false, err
	}
	increment := int(binary.LittleEndian.Uint16(winBytes))
	window, err := flowcontrol.NewWindow(increment)
	if err != nil {
		return false, fmt.Errorf("%w: bad window increment: %v", ErrProtocolViolation, err)
	}

	e.mu.Lock()
	e.paste = PasteSupported
	e.windowIncrement = increment
	e.mu.Unlock()
	e.setState(StateRawPaste)

	start := time.Now()
	dataDeadline := start.Add(e.policy.For(timeout.OpDataTransfer, len(payload)))

	// Any bytes already buffered past the window reply are in-band flow
	// bytes; account for them before the windowed send reads the channel.
	aborted, err := e.consumePendingFlow(window)
	if err == nil && !aborted {
		aborted, err = flowcontrol.Send(ctx, e.ch, window, payload, dataDeadline)
	}
	if err != nil {
		e.setState(StateRaw)
		if errors.Is(err, flowcontrol.ErrDesync) {
			return false, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if transport.IsDeadline(err) {
			return false, &timeout.Error{Op: timeout.OpDataTransfer, Limit: e.policy.For(timeout.OpDataTransfer, len(payload))}
		}
		return false, err
	}
	e.policy.Observe(timeout.OpDataTransfer, time.Since(start))

	// 0x04 terminates the transfer either way: end-of-data, or the
	// confirmation the device expects after signalling an abort.
	if err := e.ch.Write([]byte{ByteEOT}); err != nil {
		e.setState(StateRaw)
		return false, err
	}

	if !aborted {
		// The device acks end-of-data with a 0x04 before the stdout
		// section. An aborted transfer has no ack; the response follows
		// the confirmation directly.
		ackDeadline := time.Now().Add(e.policy.For(timeout.OpChunkAck, 0))
		if _, err := e.readUntil(ctx, []byte{ByteEOT}, ackDeadline, timeout.OpChunkAck); err != nil {
			e.setState(StateRaw)
			return false, fmt.Errorf("end-of-data ack: %w", err)
		}
	}

	// Paste mode is per call; the response framing happens in raw mode.
	e.setState(StateRaw)
	return true, nil
}

// consumePendingFlow applies buffered bytes to the window with the same
// semantics flowcontrol.Send uses for channel bytes.
func (e *Engine) consumePendingFlow(window *flowcontrol.Window) (aborted bool, err error) {
	for len(e.pending) > 0 {
		b := e.pending[0]
		e.pending = e.pending[1:]
		switch b {
		case flowcontrol.ByteReplenish:
			window.Replenish()
		case flowcontrol.ByteAbort:
			return true, nil
		default:
			return false, fmt.Errorf("%w: unexpected in-band byte 0x%02x", ErrProtocolViolation, b)
		}
	}
	return false, nil
}

// recoverProbe cleans up after a failed raw-paste probe on a device that
// consumed the probe bytes as code input: submit the polluted line and
// discard its (error) response.
func (e *Engine) recoverProbe(ctx context.Context) error {
	deadline := time.Now().Add(e.policy.For(timeout.OpExecute, 0))
	if err := e.ch.Write([]byte{ByteEOT}); err != nil {
		return err
	}
	if _, err := e.readUntil(ctx, []byte{rawPrompt}, deadline, timeout.OpExecute); err != nil {
		return err
	}
	e.discardPending()
	return nil
}

// submitRaw writes the code in plain raw mode and waits for the "OK"
// acknowledgement.
func (e *Engine) submitRaw(ctx context.Context, payload []byte) error {
	start := time.Now()
	budget := e.policy.For(timeout.OpDataTransfer, len(payload))
	dataDeadline := start.Add(budget)

	// Chunked writes keep each write below the device's modest input
	// buffer; the device echoes nothing in raw mode so no reads happen
	// until the submission terminator.
	const chunkSize = 256
	for off := 0; off < len(payload); off += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(dataDeadline) {
			return &timeout.Error{Op: timeout.OpDataTransfer, Limit: budget}
		}
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := e.ch.Write(payload[off:end]); err != nil {
			return err
		}
	}
	e.policy.Observe(timeout.OpDataTransfer, time.Since(start))

	if err := e.ch.Write([]byte{ByteEOT}); err != nil {
		return err
	}

	ackDeadline := time.Now().Add(e.policy.For(timeout.OpChunkAck, 0))
	ack, err := e.readN(ctx, 2, ackDeadline, timeout.OpChunkAck)
	if err != nil {
		return fmt.Errorf("submission ack: %w", err)
	}
	if !bytes.Equal(ack, []byte("OK")) {
		return fmt.Errorf("%w: expected OK ack, got % x", ErrProtocolViolation, ack)
	}
	return nil
}

// readResponse reads the framed execution response: stdout bytes, 0x04,
// exception text, 0x04, prompt.
func (e *Engine) readResponse(ctx context.Context, code string) (*response.Response, error) {
	deadline := time.Now().Add(e.policy.For(timeout.OpExecute, 0))

	stdout, err := e.readUntil(ctx, []byte{ByteEOT}, deadline, timeout.OpExecute)
	if err != nil {
		return nil, fmt.Errorf("stdout section: %w", err)
	}
	exc, err := e.readUntil(ctx, []byte{ByteEOT}, deadline, timeout.OpExecute)
	if err != nil {
		return nil, fmt.Errorf("exception section: %w", err)
	}

	prompt, err := e.readN(ctx, 1, deadline, timeout.OpExecute)
	if err != nil {
		return nil, fmt.Errorf("terminating prompt: %w", err)
	}
	if prompt[0] != rawPrompt {
		return nil, fmt.Errorf("%w: expected prompt after response, got 0x%02x", ErrProtocolViolation, prompt[0])
	}

	return response.Parse(stdout, exc, code), nil
}

// recoverLocked re-establishes raw mode after a broken exchange. Errors
// are logged, not returned: the caller is already failing.
func (e *Engine) recoverLocked(ctx context.Context) {
	e.discardPending()
	e.setState(StateNormal)

	if err := e.ch.Write([]byte{'\r', ByteInterrupt, ByteInterrupt}); err != nil {
		e.log.Warn("recovery interrupt failed", zap.Error(err))
		return
	}
	// Give the device a moment to print whatever it was mid-way through,
	// then discard it and re-enter raw mode.
	e.drainFor(200 * time.Millisecond)
	if err := e.enterRawLocked(ctx); err != nil {
		e.log.Warn("recovery re-enter raw failed", zap.Error(err))
	}
}

// Drain reads whatever the device has emitted outside an exchange, up to
// the given duration. Returns ErrBusy without blocking if an execution
// holds the slot. Used by the connection manager's background listener.
func (e *Engine) Drain(maxWait time.Duration) ([]byte, error) {
	select {
	case e.execSlot <- struct{}{}:
	default:
		return nil, ErrBusy
	}
	defer e.release()

	out := e.takePending()
	out = append(out, e.drainFor(maxWait)...)
	return out, nil
}

// drainFor reads until the channel stays quiet for the duration.
func (e *Engine) drainFor(d time.Duration) []byte {
	var out []byte
	buf := make([]byte, 512)
	deadline := time.Now().Add(d)
	for {
		n, err := e.ch.Read(buf, deadline)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			return out
		}
	}
}

// --- buffered channel reads ---------------------------------------------

func (e *Engine) takePending() []byte {
	p := e.pending
	e.pending = nil
	return p
}

func (e *Engine) discardPending() { e.pending = nil }

// readPoll bounds a single blocking channel read. Cancellation is
// re-checked between slices, so cancel latency is one poll interval, not
// the operation's full deadline.
const readPoll = 50 * time.Millisecond

// fill appends at least one byte to pending, honoring the deadline and
// ctx cancellation.
func (e *Engine) fill(ctx context.Context, deadline time.Time, op timeout.Operation) error {
	buf := make([]byte, 512)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		slice := time.Now().Add(readPoll)
		if slice.After(deadline) {
			slice = deadline
		}
		n, err := e.ch.Read(buf, slice)
		if n > 0 {
			e.pending = append(e.pending, buf[:n]...)
			return nil
		}
		if err == nil {
			continue
		}
		if !transport.IsDeadline(err) {
			return err
		}
		if !time.Now().Before(deadline) {
			return &timeout.Error{Op: op, Limit: e.policy.For(op, 0)}
		}
	}
}

// readUntil consumes bytes up to and including marker, returning the
// bytes before it.
func (e *Engine) readUntil(ctx context.Context, marker []byte, deadline time.Time, op timeout.Operation) ([]byte, error) {
	for {
		if i := bytes.Index(e.pending, marker); i >= 0 {
			before := e.pending[:i]
			e.pending = e.pending[i+len(marker):]
			return before, nil
		}
		if err := e.fill(ctx, deadline, op); err != nil {
			return nil, err
		}
	}
}

// readN consumes exactly n bytes.
func (e *Engine) readN(ctx context.Context, n int, deadline time.Time, op timeout.Operation) ([]byte, error) {
	for len(e.pending) < n {
		if err := e.fill(ctx, deadline, op); err != nil {
			return nil, err
		}
	}
	out := e.pending[:n]
	e.pending = e.pending[n:]
	return out, nil
}
