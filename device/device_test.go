package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smnsjas/go-rawrepl/response"
	"github.com/smnsjas/go-rawrepl/timeout"
	"github.com/smnsjas/go-rawrepl/transport"
)

const (
	fakeNormal = iota
	fakeRaw
	fakePaste
)

var errDeviceGone = errors.New("device gone")

// fakeChannel emulates the device end of a transport: host writes drive a
// small interpreter state machine and reads serve the bytes it queued.
// An empty queue reads as an immediate deadline error, so nothing in the
// tests waits out a real timeout.
type fakeChannel struct {
	mu   sync.Mutex
	out  bytes.Buffer
	buf  bytes.Buffer
	mode int

	run func(code string) (stdout, exc string)

	window  int
	granted int

	opens int
	// failWrites simulates a dead link; healOnOpen clears it on the next
	// Open so a reconnect attempt succeeds.
	failWrites bool
	healOnOpen bool
	// mute swallows submissions without responding, which surfaces as an
	// operation timeout on the host side.
	mute bool
}

func (f *fakeChannel) ID() string { return "fake" }

func (f *fakeChannel) Open(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.mode = fakeNormal
	f.out.Reset()
	f.buf.Reset()
	if f.healOnOpen {
		f.failWrites = false
	}
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) Read(p []byte, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.out.Len() == 0 {
		return 0, &transport.Error{Channel: "fake", Op: "read", Err: transport.ErrDeadline}
	}
	return f.out.Read(p)
}

func (f *fakeChannel) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return &transport.Error{Channel: "fake", Op: "write", Err: errDeviceGone}
	}
	if f.mode == fakeRaw && f.buf.Len() == 0 && bytes.Equal(p, []byte{0x05, 'A', 0x01}) {
		f.out.Write([]byte{'R', 0x01})
		var w [2]byte
		binary.LittleEndian.PutUint16(w[:], uint16(f.window))
		f.out.Write(w[:])
		f.mode = fakePaste
		f.granted = f.window
		return nil
	}
	for _, b := range p {
		f.accept(b)
	}
	return nil
}

func (f *fakeChannel) accept(b byte) {
	switch f.mode {
	case fakeNormal:
		switch b {
		case 0x01:
			f.mode = fakeRaw
			f.buf.Reset()
			f.out.WriteString("raw REPL; CTRL-B to exit\r\n>")
		case 0x04:
			f.out.WriteString("MPY: soft reboot\r\n>>> ")
		}
	case fakeRaw:
		switch b {
		case '\r', 0x03:
		case 0x01:
			f.buf.Reset()
			f.out.WriteString("raw REPL; CTRL-B to exit\r\n>")
		case 0x02:
			f.mode = fakeNormal
		case 0x04:
			if f.buf.Len() == 0 {
				f.out.WriteString("MPY: soft reboot\r\nraw REPL; CTRL-B to exit\r\n>")
				return
			}
			f.out.WriteString("OK")
			f.respond()
		default:
			f.buf.WriteByte(b)
		}
	case fakePaste:
		if b == 0x04 {
			f.out.WriteByte(0x04)
			f.mode = fakeRaw
			f.respond()
			return
		}
		f.buf.WriteByte(b)
		f.granted--
		if f.granted == 0 {
			f.out.WriteByte(0x01)
			f.granted = f.window
		}
	}
}

func (f *fakeChannel) respond() {
	code := f.buf.String()
	f.buf.Reset()
	if f.mute {
		return
	}
	var stdout, exc string
	if f.run != nil {
		stdout, exc = f.run(code)
	}
	f.out.WriteString(stdout)
	f.out.WriteByte(0x04)
	f.out.WriteString(exc)
	f.out.WriteByte(0x04)
	f.out.WriteByte('>')
}

// inject queues unsolicited device output, as a running program's print
// would.
func (f *fakeChannel) inject(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out.Write(b)
}

func (f *fakeChannel) setFailWrites(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = v
}

func (f *fakeChannel) setMute(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mute = v
}

func newFakeChannel(window int) *fakeChannel {
	return &fakeChannel{window: window}
}

func fastReconnect(attempts int) ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:        true,
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
	}
}

func mustConnect(t *testing.T, ch *fakeChannel, opts Options) *Manager {
	t.Helper()
	opts.SkipCapabilityProbe = true
	m := NewManager(ch, opts)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return m
}

func TestConnectExecuteDisconnect(t *testing.T) {
	ch := newFakeChannel(32)
	ch.run = func(code string) (string, string) {
		if code == "print(2+2)" {
			return "4\r\n", ""
		}
		return "", ""
	}

	var transitions []ConnectionState
	m := mustConnect(t, ch, Options{
		OnStateChange: func(_, s ConnectionState) {
			transitions = append(transitions, s)
		},
	})
	ctx := context.Background()

	resp, err := m.Execute(ctx, "print(2+2)")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.ResultText != "4" {
		t.Fatalf("ResultText = %q, want %q", resp.ResultText, "4")
	}

	if err := m.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	want := []ConnectionState{
		StateConnecting, StateConnected,
		StateExecuting, StateConnected,
		StateDisconnected,
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestConnectTwice(t *testing.T) {
	m := mustConnect(t, newFakeChannel(32), Options{})
	if err := m.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestExecuteBeforeConnect(t *testing.T) {
	m := NewManager(newFakeChannel(32), Options{})
	_, err := m.Execute(context.Background(), "1")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
	var oe *OpError
	if !errors.As(err, &oe) || oe.Op != "execute" {
		t.Fatalf("error = %v, want *OpError for execute", err)
	}
}

func TestExecuteDeviceException(t *testing.T) {
	ch := newFakeChannel(32)
	ch.run = func(code string) (string, string) {
		return "", "Traceback (most recent call last):\r\n" +
			"  File \"<stdin>\", line 1, in <module>\r\n" +
			"ZeroDivisionError: divide by zero\r\n"
	}
	m := mustConnect(t, ch, Options{Reconnect: fastReconnect(3)})

	resp, err := m.Execute(context.Background(), "1/0")
	if err == nil {
		t.Fatal("expected an error for device exception")
	}
	var ee *response.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want *response.ExecutionError", err)
	}
	if ee.Kind == response.KindUnknown {
		t.Fatal("kind = Unknown, want a mapped kind")
	}
	if ee.Line != 1 {
		t.Fatalf("line = %d, want 1", ee.Line)
	}
	if resp == nil || resp.Err != ee {
		t.Fatal("response must carry the same execution error")
	}

	// An exception is a result of the code, never a reconnect trigger.
	if ch.opens != 1 {
		t.Fatalf("channel opened %d times, want 1", ch.opens)
	}
	if m.State().ConnectionState != StateConnected {
		t.Fatalf("state = %s, want Connected", m.State().ConnectionState)
	}
}

func TestReconnectExhaustion(t *testing.T) {
	ch := newFakeChannel(32)
	m := mustConnect(t, ch, Options{Reconnect: fastReconnect(3)})

	// The link dies and stays dead: every reconnect attempt reopens the
	// channel but the first protocol write fails again.
	ch.setFailWrites(true)

	_, err := m.Execute(context.Background(), "print(1)")
	var oe *OpError
	if !errors.As(err, &oe) {
		t.Fatalf("error = %v, want *OpError", err)
	}
	if oe.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", oe.Attempts)
	}
	if oe.State != StateError {
		t.Fatalf("state = %s, want Error", oe.State)
	}
	var te *transport.Error
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want wrapped *transport.Error", err)
	}

	if m.State().ConnectionState != StateError {
		t.Fatalf("manager state = %s, want Error", m.State().ConnectionState)
	}
	if _, err := m.Execute(context.Background(), "1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("execute after giving up = %v, want ErrNotConnected", err)
	}
}

func TestReconnectResubmitsInFlightCommand(t *testing.T) {
	ch := newFakeChannel(32)
	ch.run = func(code string) (string, string) {
		if code == "print(2+2)" {
			return "4\r\n", ""
		}
		return "", ""
	}
	m := mustConnect(t, ch, Options{Reconnect: fastReconnect(3)})

	// Dead link that comes back on the next open.
	ch.setFailWrites(true)
	ch.healOnOpen = true

	resp, err := m.Execute(context.Background(), "print(2+2)")
	if err != nil {
		t.Fatalf("Execute across reconnect: %v", err)
	}
	if resp.ResultText != "4" {
		t.Fatalf("ResultText = %q, want %q", resp.ResultText, "4")
	}
	if ch.opens != 2 {
		t.Fatalf("channel opened %d times, want 2", ch.opens)
	}
	if m.State().ConnectionState != StateConnected {
		t.Fatalf("state = %s, want Connected", m.State().ConnectionState)
	}
}

func TestReconnectDisabled(t *testing.T) {
	ch := newFakeChannel(32)
	m := mustConnect(t, ch, Options{}) // zero policy: no reconnection

	ch.setFailWrites(true)

	_, err := m.Execute(context.Background(), "print(1)")
	if !errors.Is(err, ErrReconnectDisabled) {
		t.Fatalf("error = %v, want ErrReconnectDisabled", err)
	}
	var oe *OpError
	if !errors.As(err, &oe) || oe.Attempts != 0 {
		t.Fatalf("error = %v, want *OpError with 0 attempts", err)
	}
	if ch.opens != 1 {
		t.Fatalf("channel opened %d times, want 1", ch.opens)
	}
}

func TestTimeoutIsNotRetried(t *testing.T) {
	ch := newFakeChannel(32)
	m := mustConnect(t, ch, Options{
		Reconnect: fastReconnect(3),
		Timeouts:  timeout.Config{Execute: 150 * time.Millisecond},
	})

	// The device swallows the submission: the host gives up on its own
	// deadline, and a timeout never triggers reconnection.
	ch.setMute(true)

	_, err := m.Execute(context.Background(), "while True: pass")
	var te *timeout.Error
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want wrapped *timeout.Error", err)
	}
	var oe *OpError
	if !errors.As(err, &oe) || oe.Attempts != 0 {
		t.Fatalf("error = %v, want *OpError with 0 attempts", err)
	}
	if ch.opens != 1 {
		t.Fatalf("channel opened %d times, want 1", ch.opens)
	}

	// The engine recovered the channel; the connection stays usable.
	if m.State().ConnectionState != StateConnected {
		t.Fatalf("state = %s after timeout, want Connected", m.State().ConnectionState)
	}
	ch.setMute(false)
	if _, err := m.Execute(context.Background(), "print(1)"); err != nil {
		t.Fatalf("execute after timeout: %v", err)
	}
}

func TestInterrupt(t *testing.T) {
	m := NewManager(newFakeChannel(32), Options{})
	ctx := context.Background()

	if err := m.Interrupt(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Interrupt before connect = %v, want ErrNotConnected", err)
	}

	m = mustConnect(t, newFakeChannel(32), Options{})
	if err := m.Interrupt(ctx); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := m.Interrupt(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("Interrupt with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	m := mustConnect(t, newFakeChannel(32), Options{})
	ctx := context.Background()
	if err := m.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := m.Disconnect(ctx); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if m.State().ConnectionState != StateDisconnected {
		t.Fatalf("state = %s, want Disconnected", m.State().ConnectionState)
	}
}

func TestCapabilityProbe(t *testing.T) {
	ch := newFakeChannel(32)
	ch.run = func(code string) (string, string) {
		if code == capabilityProbe {
			return "micropython\r\nlinux\r\n3.4.0; MicroPython v1.22.0 on 2024-01-05\r\n", ""
		}
		return "", ""
	}
	m := NewManager(ch, Options{})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	caps := m.State().Capabilities
	if caps == nil {
		t.Fatal("no capabilities recorded")
	}
	if caps.Implementation != "micropython" {
		t.Fatalf("implementation = %q", caps.Implementation)
	}
	if caps.Platform != "linux" {
		t.Fatalf("platform = %q", caps.Platform)
	}
	if caps.RawPasteWindow != 32 {
		t.Fatalf("raw paste window = %d, want 32", caps.RawPasteWindow)
	}
}

func TestBackgroundListener(t *testing.T) {
	ch := newFakeChannel(32)
	got := make(chan []byte, 1)
	m := mustConnect(t, ch, Options{
		BackgroundListener: true,
		OnOutput: func(b []byte) {
			select {
			case got <- b:
			default:
			}
		},
	})
	defer m.Disconnect(context.Background())

	ch.inject([]byte("sensor: 21.5\r\n"))

	select {
	case out := <-got:
		if string(out) != "sensor: 21.5\r\n" {
			t.Fatalf("output = %q", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("background listener never surfaced device output")
	}
}

func TestExecuteDecodesJSON(t *testing.T) {
	ch := newFakeChannel(32)
	ch.run = func(code string) (string, string) {
		return "{\"temp\": 21.5, \"pin\": 4}\r\n", ""
	}
	m := mustConnect(t, ch, Options{})

	type reading struct {
		Temp float64 `json:"temp"`
		Pin  int     `json:"pin"`
	}
	r, err := Execute[reading](context.Background(), m, "print(json.dumps(read()))")
	if err != nil {
		t.Fatalf("Execute[T]: %v", err)
	}
	if r.Temp != 21.5 || r.Pin != 4 {
		t.Fatalf("decoded %+v", r)
	}
}

func TestOpErrorMessage(t *testing.T) {
	err := &OpError{
		Op:       "execute",
		Elapsed:  1500 * time.Millisecond,
		State:    StateError,
		Attempts: 3,
		Err:      errDeviceGone,
	}
	want := fmt.Sprintf("execute failed after 1.5s (state Error, reconnect attempts 3): %v", errDeviceGone)
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
