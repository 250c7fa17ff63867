// Package device provides the connection manager: the single public
// surface for executing code on a MicroPython device.
//
// A Manager owns exactly one transport channel and one protocol engine.
// It drives connect/disconnect, reconnection with exponential backoff,
// and the FIFO execution queue, and it maintains the observable device
// state record. Sharing a channel between two managers is a programming
// error, not a supported configuration.
//
// # Lifecycle
//
//	Disconnected → Connecting → Connected ⇄ Executing
//	                  ↓             ↓
//	                Error ←── Reconnecting
//
// The state record has exactly one writer (the manager); consumers read
// point-in-time snapshots and may subscribe to change events.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smnsjas/go-rawrepl/flowcontrol"
	"github.com/smnsjas/go-rawrepl/protocol"
	"github.com/smnsjas/go-rawrepl/response"
	"github.com/smnsjas/go-rawrepl/timeout"
	"github.com/smnsjas/go-rawrepl/transport"
)

var (
	// ErrAlreadyConnected is returned by Connect on a connected manager.
	// A manager never silently opens a second transport.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrNotConnected is returned when an operation requires an open
	// connection.
	ErrNotConnected = errors.New("not connected")
	// ErrReconnectDisabled marks errors surfaced without any reconnect
	// attempt because the policy disables reconnection.
	ErrReconnectDisabled = errors.New("reconnection disabled")
)

// ConnectionState is the manager's lifecycle state.
type ConnectionState int

const (
	// StateDisconnected is the initial and post-disconnect state.
	StateDisconnected ConnectionState = iota
	// StateConnecting means the transport and protocol are being set up.
	StateConnecting
	// StateConnected means the device sits in raw mode, ready to execute.
	StateConnected
	// StateExecuting means a code submission is in flight.
	StateExecuting
	// StateReconnecting means a failed operation triggered the
	// reconnection policy.
	StateReconnecting
	// StateError means connect or reconnect gave up.
	StateError
)

// String returns a string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateExecuting:
		return "Executing"
	case StateReconnecting:
		return "Reconnecting"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Capabilities describes the connected interpreter, probed once per
// connection.
type Capabilities struct {
	Implementation string
	Platform       string
	Version        string
	// RawPasteWindow is the negotiated flow-control window increment,
	// zero when the device fell back to plain raw mode.
	RawPasteWindow int
}

// Snapshot is a point-in-time copy of the device state record.
type Snapshot struct {
	ConnectionID      uuid.UUID
	ConnectionState   ConnectionState
	Capabilities      *Capabilities
	CurrentOperation  string
	LastOperationTime time.Time
}

// ReconnectPolicy bounds automatic reconnection after transport or
// protocol failures during an operation.
type ReconnectPolicy struct {
	Enabled        bool          `yaml:"enabled"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DefaultReconnectPolicy retries three times with 250ms/500ms/1s waits.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:        true,
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// backoff returns the wait before the given 1-based attempt, doubling
// each time up to the cap.
func (p ReconnectPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	if d <= 0 {
		d = 250 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Options configures a Manager. The zero value is usable.
type Options struct {
	// Timeouts is the fixed timeout table; zero fields take defaults.
	Timeouts timeout.Config
	// Reconnect bounds automatic reconnection. Zero value disables it;
	// use DefaultReconnectPolicy for the usual bounded retry.
	Reconnect ReconnectPolicy
	// Logger receives structured logs; nil disables logging.
	Logger *zap.Logger
	// OnStateChange is invoked synchronously on every connection-state
	// transition.
	OnStateChange func(old, new ConnectionState)
	// OnOutput receives device bytes read outside an active execution
	// (the OutputReceived diagnostic event).
	OnOutput func([]byte)
	// BackgroundListener drains unsolicited device output between
	// operations and feeds it to OnOutput.
	BackgroundListener bool
	// SkipCapabilityProbe skips the sys.implementation query on connect.
	SkipCapabilityProbe bool
}

// OpError annotates a failed manager operation with its context: the
// operation name, how long it ran, the connection state it left behind,
// and how many reconnect attempts were spent.
type OpError struct {
	Op       string
	Elapsed  time.Duration
	State    ConnectionState
	Attempts int
	Err      error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s failed after %s (state %s, reconnect attempts %d): %v",
		e.Op, e.Elapsed.Round(time.Millisecond), e.State, e.Attempts, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Manager is the connection orchestrator. All methods are safe for
// concurrent use; executions queue FIFO on the protocol engine's slot.
type Manager struct {
	id     uuid.UUID
	ch     transport.Channel
	policy *timeout.Policy
	opts   Options
	log    *zap.Logger

	mu     sync.RWMutex
	engine *protocol.Engine
	state  ConnectionState
	caps   *Capabilities
	curOp  string
	lastOp time.Time

	listenerCancel context.CancelFunc
	listenerDone   chan struct{}
}

// NewManager creates a manager owning ch. The channel must not be shared
// with another manager.
func NewManager(ch transport.Channel, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.New()
	log = log.With(zap.String("conn", id.String()[:8]), zap.String("channel", ch.ID()))
	return &Manager{
		id:     id,
		ch:     ch,
		policy: timeout.NewPolicy(opts.Timeouts),
		opts:   opts,
		log:    log,
		state:  StateDisconnected,
	}
}

// ID returns the manager's connection identity.
func (m *Manager) ID() uuid.UUID { return m.id }

// State returns a point-in-time snapshot of the device state record.
func (m *Manager) State() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{
		ConnectionID:      m.id,
		ConnectionState:   m.state,
		CurrentOperation:  m.curOp,
		LastOperationTime: m.lastOp,
	}
	if m.caps != nil {
		caps := *m.caps
		snap.Capabilities = &caps
	}
	return snap
}

// setState transitions the connection state and fires the change event.
func (m *Manager) setState(s ConnectionState) {
	m.mu.Lock()
	old := m.state
	m.state = s
	m.mu.Unlock()
	if old == s {
		return
	}
	m.log.Debug("connection state",
		zap.Stringer("from", old),
		zap.Stringer("to", s))
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(old, s)
	}
}

// Connect opens the transport and brings the device into raw mode:
// interrupt, soft reset, resync to the normal prompt, enter raw mode,
// then probe the interpreter capabilities. Calling Connect on a
// connected manager returns ErrAlreadyConnected.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateExecuting, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.mu.Unlock()

	start := time.Now()
	m.setState(StateConnecting)

	if err := m.establish(ctx); err != nil {
		m.setState(StateError)
		return &OpError{Op: "connect", Elapsed: time.Since(start), State: StateError, Err: err}
	}

	m.setState(StateConnected)
	m.startListener()
	m.log.Info("device connected",
		zap.Duration("took", time.Since(start)),
		zap.Stringer("raw_paste", m.engineRef().Paste()))
	return nil
}

// establish performs one full transport+protocol bring-up. Used by both
// Connect and the reconnection path.
func (m *Manager) establish(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.policy.For(timeout.OpConnect, 0))
	defer cancel()

	if err := m.ch.Open(ctx); err != nil {
		return err
	}

	engine := protocol.NewEngine(m.ch, m.policy, m.log)
	if err := engine.Resync(ctx); err != nil {
		_ = m.ch.Close()
		return err
	}
	if err := engine.EnterRaw(ctx); err != nil {
		_ = m.ch.Close()
		return err
	}

	m.mu.Lock()
	m.engine = engine
	m.caps = nil
	m.mu.Unlock()

	if !m.opts.SkipCapabilityProbe {
		if err := m.probeCapabilities(ctx, engine); err != nil {
			// Capabilities are observability, not correctness.
			m.log.Warn("capability probe failed", zap.Error(err))
		}
	}
	return nil
}

const capabilityProbe = "import sys\n" +
	"print(sys.implementation.name)\n" +
	"print(sys.platform)\n" +
	"print(sys.version)\n"

func (m *Manager) probeCapabilities(ctx context.Context, engine *protocol.Engine) error {
	resp, err := engine.Execute(ctx, capabilityProbe)
	if err != nil {
		return err
	}
	if resp.Err != nil {
		return resp.Err
	}

	caps := &Capabilities{RawPasteWindow: engine.WindowIncrement()}
	lines := strings.Split(strings.ReplaceAll(resp.ResultText, "\r\n", "\n"), "\n")
	if len(lines) > 0 {
		caps.Implementation = strings.TrimSpace(lines[0])
	}
	if len(lines) > 1 {
		caps.Platform = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		caps.Version = strings.TrimSpace(strings.Join(lines[2:], " "))
	}

	m.mu.Lock()
	m.caps = caps
	m.mu.Unlock()
	m.log.Debug("device capabilities",
		zap.String("implementation", caps.Implementation),
		zap.String("platform", caps.Platform),
		zap.Int("raw_paste_window", caps.RawPasteWindow))
	return nil
}

// Execute runs code on the device and returns its parsed response.
//
// A device-side exception is returned as both resp.Err and the error
// (a *response.ExecutionError); it is a meaningful result of the code
// that ran and is never retried. Transport and protocol faults invoke
// the reconnection policy before surfacing as an *OpError; after a
// successful reconnect the in-flight code is resubmitted. Prior
// commands are never replayed; device globals do not survive the
// reconnect's soft reset.
func (m *Manager) Execute(ctx context.Context, code string) (*response.Response, error) {
	m.mu.RLock()
	state := m.state
	engine := m.engine
	m.mu.RUnlock()
	if state != StateConnected || engine == nil {
		return nil, &OpError{Op: "execute", State: state, Err: ErrNotConnected}
	}

	start := time.Now()
	m.beginOperation("execute")
	m.setState(StateExecuting)

	resp, attempts, err := m.executeWithReconnect(ctx, code)

	m.endOperation()
	m.mu.RLock()
	cur := m.state
	m.mu.RUnlock()
	// Anything that did not end in Error (success, device exception, a
	// timeout the engine recovered from) leaves the connection usable.
	if cur == StateExecuting {
		m.setState(StateConnected)
	}

	if err != nil && !isExecutionError(err) {
		m.mu.RLock()
		endState := m.state
		m.mu.RUnlock()
		return resp, &OpError{
			Op:       "execute",
			Elapsed:  time.Since(start),
			State:    endState,
			Attempts: attempts,
			Err:      err,
		}
	}
	return resp, err
}

// executeWithReconnect runs the submission, driving the reconnection
// policy on transport/protocol faults. Returns the reconnect attempts
// spent.
func (m *Manager) executeWithReconnect(ctx context.Context, code string) (*response.Response, int, error) {
	attempts := 0
	for {
		engine := m.engineRef()
		if engine == nil {
			return nil, attempts, ErrNotConnected
		}

		resp, err := engine.Execute(ctx, code)
		if err == nil {
			if resp.Err != nil {
				// Device-side exception: a result, not a fault.
				return resp, attempts, resp.Err
			}
			return resp, attempts, nil
		}

		if !isRecoverable(err) {
			return nil, attempts, err
		}
		if !m.opts.Reconnect.Enabled {
			return nil, attempts, fmt.Errorf("%w: %w", ErrReconnectDisabled, err)
		}

		m.log.Warn("operation failed, attempting reconnect", zap.Error(err))
		reconnected := false
		for attempts < m.opts.Reconnect.MaxAttempts {
			attempts++
			rerr := m.reconnectOnce(ctx, attempts)
			if rerr == nil {
				reconnected = true
				break
			}
			m.log.Warn("reconnect attempt failed",
				zap.Int("attempt", attempts),
				zap.Error(rerr))
			if ctx.Err() != nil {
				break
			}
		}
		if !reconnected {
			m.setState(StateError)
			return nil, attempts, err
		}

		m.setState(StateExecuting)
		// Resubmit the in-flight code on the fresh connection.
	}
}

// reconnectOnce tears the connection down and brings it back up after
// the policy's backoff for this attempt.
func (m *Manager) reconnectOnce(ctx context.Context, attempt int) error {
	m.setState(StateReconnecting)
	m.stopListener()
	_ = m.ch.Close()
	m.mu.Lock()
	m.engine = nil
	m.mu.Unlock()

	wait := m.opts.Reconnect.backoff(attempt)
	m.log.Info("reconnecting",
		zap.Int("attempt", attempt),
		zap.Duration("backoff", wait))
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := m.establish(ctx); err != nil {
		return err
	}
	m.startListener()
	return nil
}

// Interrupt sends a KeyboardInterrupt to the device. The byte goes down
// the channel immediately, bypassing the execution queue, so a running
// program blocked inside Execute can be broken from another goroutine.
// It must not be called while a code submission is being transferred;
// during that phase the byte would land inside the payload. Interrupting
// a submission is the job of cancelling the Execute's context.
func (m *Manager) Interrupt(ctx context.Context) error {
	engine := m.engineRef()
	if engine == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return engine.Interrupt()
}

// SoftReset soft-resets the interpreter, wiping device-side globals.
// The connection stays in raw mode.
func (m *Manager) SoftReset(ctx context.Context) error {
	engine := m.engineRef()
	if engine == nil {
		return ErrNotConnected
	}
	m.beginOperation("soft-reset")
	defer m.endOperation()
	return engine.SoftReset(ctx)
}

// Disconnect exits raw mode best-effort and closes the transport. It
// always succeeds from the caller's perspective; teardown errors are
// logged, not returned.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.stopListener()

	m.mu.Lock()
	engine := m.engine
	m.engine = nil
	state := m.state
	m.mu.Unlock()

	if state == StateDisconnected {
		return nil
	}

	if engine != nil {
		if err := engine.ExitRaw(ctx); err != nil {
			m.log.Warn("exit raw mode during disconnect", zap.Error(err))
		}
	}
	if err := m.ch.Close(); err != nil {
		m.log.Warn("close transport during disconnect", zap.Error(err))
	}

	m.setState(StateDisconnected)
	m.log.Info("device disconnected")
	return nil
}

func (m *Manager) engineRef() *protocol.Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine
}

func (m *Manager) beginOperation(name string) {
	m.mu.Lock()
	m.curOp = name
	m.mu.Unlock()
}

func (m *Manager) endOperation() {
	m.mu.Lock()
	m.curOp = ""
	m.lastOp = time.Now()
	m.mu.Unlock()
}

// --- background listener -------------------------------------------------

// listenerInterval paces the idle drain; short enough to surface device
// prints promptly, long enough to stay out of the way.
const listenerInterval = 250 * time.Millisecond

func (m *Manager) startListener() {
	if !m.opts.BackgroundListener {
		return
	}
	m.mu.Lock()
	if m.listenerCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.listenerCancel = cancel
	m.listenerDone = done
	m.mu.Unlock()

	go m.listen(ctx, done)
}

func (m *Manager) stopListener() {
	m.mu.Lock()
	cancel := m.listenerCancel
	done := m.listenerDone
	m.listenerCancel = nil
	m.listenerDone = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// listen drains unsolicited device output between operations. It shares
// the engine's execution slot, so it can never steal framing bytes from
// an active execution.
func (m *Manager) listen(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(listenerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		engine := m.engineRef()
		if engine == nil {
			continue
		}
		out, err := engine.Drain(20 * time.Millisecond)
		if err != nil {
			// ErrBusy: an execution owns the channel right now.
			continue
		}
		if len(out) > 0 {
			m.log.Debug("unsolicited device output", zap.Int("bytes", len(out)))
			if m.opts.OnOutput != nil {
				m.opts.OnOutput(out)
			}
		}
	}
}

// --- helpers -------------------------------------------------------------

// isExecutionError reports whether err is a device-side exception.
func isExecutionError(err error) bool {
	var ee *response.ExecutionError
	return errors.As(err, &ee)
}

// isRecoverable reports whether err is a transport or protocol fault
// that the reconnection policy applies to. Cancellation, timeouts and
// device-side exceptions are not retried.
func isRecoverable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *timeout.Error
	if errors.As(err, &te) {
		return false
	}
	var tre *transport.Error
	if errors.As(err, &tre) {
		return true
	}
	return errors.Is(err, protocol.ErrProtocolViolation) || errors.Is(err, flowcontrol.ErrDesync)
}

// Execute runs code on the device and decodes its textual result as JSON
// into T. The device-side code is expected to print a single JSON value
// (json.dumps or a bare literal).
func Execute[T any](ctx context.Context, m *Manager, code string) (T, error) {
	var v T
	resp, err := m.Execute(ctx, code)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(resp.ResultText), &v); err != nil {
		return v, fmt.Errorf("decode result %q: %w", resp.ResultText, err)
	}
	return v, nil
}
