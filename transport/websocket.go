package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket is a Channel over a WebREPL endpoint (ws://device:8266/).
// WebREPL carries REPL bytes in websocket text frames; this channel
// flattens frames back into a byte stream.
//
// If a password is configured, Open performs the WebREPL login exchange
// (read the "Password:" prompt, send the password, wait for the
// "WebREPL connected" banner) before the channel is considered usable.
type WebSocket struct {
	url      string
	password string
	log      *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	leftover []byte
}

// NewWebSocket creates a WebREPL channel for url. An empty password skips
// the login exchange. A nil logger disables logging.
func NewWebSocket(url, password string, log *zap.Logger) *WebSocket {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocket{url: url, password: password, log: log}
}

// ID returns the endpoint URL.
func (w *WebSocket) ID() string { return w.url }

// Open dials the endpoint and, when a password is set, completes the
// WebREPL login.
func (w *WebSocket) Open(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		return wrapErr(w.url, "open", errors.New("already open"))
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return wrapErr(w.url, "open", err)
	}
	w.conn = conn
	w.leftover = nil

	if w.password != "" {
		if err := w.login(ctx); err != nil {
			_ = conn.Close()
			w.conn = nil
			return wrapErr(w.url, "open", fmt.Errorf("webrepl login: %w", err))
		}
	}

	w.log.Debug("webrepl connected", zap.String("url", w.url))
	return nil
}

// login performs the password exchange. Caller holds the lock.
func (w *WebSocket) login(ctx context.Context) error {
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := w.readUntilLocked([]byte("Password:"), deadline); err != nil {
		return err
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, []byte(w.password+"\r")); err != nil {
		return err
	}
	return w.readUntilLocked([]byte("WebREPL connected"), deadline)
}

// readUntilLocked consumes frames until the marker appears. Bytes after
// the marker are kept for the first Read.
func (w *WebSocket) readUntilLocked(marker []byte, deadline time.Time) error {
	var acc []byte
	for {
		if err := w.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return err
		}
		acc = append(acc, data...)
		if i := bytes.Index(acc, marker); i >= 0 {
			w.leftover = acc[i+len(marker):]
			return nil
		}
	}
}

// Close closes the websocket connection.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	if err != nil {
		return wrapErr(w.url, "close", err)
	}
	return nil
}

// Read returns buffered frame bytes if any, otherwise reads the next
// frame honoring the deadline.
func (w *WebSocket) Read(p []byte, deadline time.Time) (int, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return 0, wrapErr(w.url, "read", ErrClosed)
	}

	if len(w.leftover) > 0 {
		n := copy(p, w.leftover)
		w.leftover = w.leftover[n:]
		return n, nil
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, wrapErr(w.url, "read", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, wrapErr(w.url, "read", ErrDeadline)
		}
		return 0, wrapErr(w.url, "read", err)
	}
	n := copy(p, data)
	w.leftover = data[n:]
	return n, nil
}

// Write sends p as a single text frame. Frame delivery is the flush.
func (w *WebSocket) Write(p []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return wrapErr(w.url, "write", ErrClosed)
	}
	if err := conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return wrapErr(w.url, "write", err)
	}
	return nil
}
