package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Subprocess is a Channel over the stdin/stdout pipes of a spawned
// device-emulator binary (typically the MicroPython unix port started
// with -i). The two pipes are presented as one duplex stream.
//
// Pipe reads cannot be interrupted portably, so a pump goroutine owns
// stdout and hands chunks to Read through a channel; deadlines and Close
// are enforced on the channel receive, never on the pipe itself.
type Subprocess struct {
	path string
	args []string
	log  *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	chunks chan readChunk
	done   chan struct{}

	// leftover holds bytes from a pumped chunk the caller has not
	// consumed yet. Only Read touches it.
	leftover []byte
}

type readChunk struct {
	data []byte
	err  error
}

// NewSubprocess creates a channel that will run the given binary with
// args. The process is not started until Open. A nil logger disables
// logging.
func NewSubprocess(path string, args []string, log *zap.Logger) *Subprocess {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subprocess{path: path, args: args, log: log}
}

// ID returns the emulator command line.
func (s *Subprocess) ID() string {
	if len(s.args) == 0 {
		return s.path
	}
	return s.path + " " + strings.Join(s.args, " ")
}

// Open starts the emulator process and the stdout pump.
func (s *Subprocess) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return wrapErr(s.ID(), "open", errors.New("already open"))
	}
	if err := ctx.Err(); err != nil {
		return wrapErr(s.ID(), "open", err)
	}

	cmd := exec.Command(s.path, s.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return wrapErr(s.ID(), "open", fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return wrapErr(s.ID(), "open", fmt.Errorf("stdout pipe: %w", err))
	}
	// The emulator's stderr is protocol noise at best; discard it rather
	// than let it interleave with the framed stdout stream.
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return wrapErr(s.ID(), "open", fmt.Errorf("start process: %w", err))
	}

	s.cmd = cmd
	s.stdin = stdin
	s.chunks = make(chan readChunk, 16)
	s.done = make(chan struct{})
	s.leftover = nil

	go s.pump(stdout, s.chunks, s.done)

	s.log.Debug("emulator started",
		zap.String("path", s.path),
		zap.Strings("args", s.args),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// pump reads stdout until EOF or Close and forwards chunks to Read.
func (s *Subprocess) pump(stdout io.Reader, chunks chan<- readChunk, done <-chan struct{}) {
	for {
		buf := make([]byte, 4096)
		n, err := stdout.Read(buf)
		if n > 0 {
			select {
			case chunks <- readChunk{data: buf[:n]}:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case chunks <- readChunk{err: err}:
			case <-done:
			}
			return
		}
	}
}

// Close terminates the emulator. The process gets a moment to exit after
// its stdin closes before being killed.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	cmd := s.cmd
	stdin := s.stdin
	done := s.done
	s.cmd = nil
	s.stdin = nil

	close(done)
	_ = stdin.Close()

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
		<-waited
	}

	s.log.Debug("emulator stopped", zap.String("path", s.path))
	return nil
}

// Read returns buffered bytes if any, otherwise waits for the pump up to
// the deadline.
func (s *Subprocess) Read(p []byte, deadline time.Time) (int, error) {
	s.mu.Lock()
	chunks := s.chunks
	done := s.done
	open := s.cmd != nil
	s.mu.Unlock()
	if !open {
		return 0, wrapErr(s.ID(), "read", ErrClosed)
	}

	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}

	var expire <-chan time.Time
	if d, ok := deadlineTimeout(deadline); ok {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case chunk := <-chunks:
		if chunk.err != nil {
			return 0, wrapErr(s.ID(), "read", chunk.err)
		}
		n := copy(p, chunk.data)
		s.leftover = chunk.data[n:]
		return n, nil
	case <-done:
		return 0, wrapErr(s.ID(), "read", ErrClosed)
	case <-expire:
		return 0, wrapErr(s.ID(), "read", ErrDeadline)
	}
}

// Write writes all of p to the emulator's stdin. OS pipes are unbuffered
// on this side, so the write is flushed by the time it returns.
func (s *Subprocess) Write(p []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return wrapErr(s.ID(), "write", ErrClosed)
	}
	if _, err := stdin.Write(p); err != nil {
		return wrapErr(s.ID(), "write", err)
	}
	return nil
}
