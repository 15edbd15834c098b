// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

// DialOptions configures a websocket bridge connection
type DialOptions struct {
	Username      string
	Password      string
	SkipSSLVerify bool
}

// Dial opens a websocket connection with optional HTTP Basic auth
func Dial(ctx context.Context, wsURL string, opts DialOptions) (*websocket.Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: opts.SkipSSLVerify,
		}
	}

	headers := http.Header{}
	if opts.Username != "" && opts.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}
	return conn, nil
}

// pump reads binary messages on its own goroutine. gorilla connections are
// unusable after a read deadline expires, so timeouts are applied on the
// channel instead of the socket.
type pump struct {
	conn *websocket.Conn
	msgs chan []byte
	done chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

func newPump(conn *websocket.Conn) *pump {
	p := &pump{
		conn: conn,
		msgs: make(chan []byte, 16),
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pump) run() {
	defer close(p.msgs)
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			p.errMu.Lock()
			p.err = err
			p.errMu.Unlock()
			return
		}
		// Text frames carry bridge chatter, not device data
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case p.msgs <- data:
		case <-p.done:
			return
		}
	}
}

// next waits up to timeout for one message
func (p *pump) next(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data, ok := <-p.msgs:
		if !ok {
			return nil, p.closedErr()
		}
		return data, nil
	case <-p.done:
		return nil, fmt.Errorf("%w: websocket closed", telemetry.ErrTransportDisconnected)
	case <-timer.C:
		return nil, telemetry.ErrTransportTimeout
	}
}

func (p *pump) closedErr() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err == nil {
		return fmt.Errorf("%w: websocket closed", telemetry.ErrTransportDisconnected)
	}
	return fmt.Errorf("%w: %w", telemetry.ErrTransportDisconnected, p.err)
}

func (p *pump) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

// WebSocketStream presents a websocket byte bridge as a byte stream. Message
// boundaries carry no meaning; the synchronizer finds the frames.
type WebSocketStream struct {
	*pump
	readTimeout time.Duration
	buf         []byte
}

// NewWebSocketStream wraps conn. readTimeout bounds every Read.
func NewWebSocketStream(conn *websocket.Conn, readTimeout time.Duration) *WebSocketStream {
	return &WebSocketStream{pump: newPump(conn), readTimeout: readTimeout}
}

// Read returns buffered bytes first, then waits for the next message.
// It fails with telemetry.ErrTransportTimeout when none arrives in time.
func (w *WebSocketStream) Read(p []byte) (int, error) {
	if len(w.buf) == 0 {
		data, err := w.next(w.readTimeout)
		if err != nil {
			return 0, err
		}
		w.buf = data
	}
	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *WebSocketStream) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WebSocketReports delivers one fixed report per binary message
type WebSocketReports struct {
	*pump
}

// NewWebSocketReports wraps conn
func NewWebSocketReports(conn *websocket.Conn) *WebSocketReports {
	return &WebSocketReports{pump: newPump(conn)}
}

// ReadReport implements telemetry.ReportSource. Messages longer than p are
// truncated to len(p).
func (w *WebSocketReports) ReadReport(p []byte, timeout time.Duration) (int, error) {
	data, err := w.next(timeout)
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}

// WriteReport sends one report as a binary message
func (w *WebSocketReports) WriteReport(report []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, report)
}
