// Package transport provides concrete links for the channel multiplexer:
// a WebSocket transport for production and an in-memory pair for tests.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/muxlink/muxlink/internal/mux"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// maxFrameSize bounds inbound frames; terminal output bursts stay well
	// under this.
	maxFrameSize = 1 << 20
)

// WebSocket is a mux.Transport over a single WebSocket connection. Open
// dials asynchronously; the outcome and all subsequent events are reported
// through the registered callbacks. Each Open/Close cycle is a generation,
// so callbacks from a superseded connection are suppressed.
type WebSocket struct {
	url         string
	dialTimeout time.Duration

	mu      sync.Mutex
	cb      mux.Callbacks
	conn    *websocket.Conn
	dialing bool
	gen     int
}

// NewWebSocket builds a transport that dials the given ws:// or wss:// URL.
func NewWebSocket(url string) *WebSocket {
	return &WebSocket{url: url, dialTimeout: defaultDialTimeout}
}

// SetCallbacks registers the event sinks. Must be called before Open.
func (w *WebSocket) SetCallbacks(cb mux.Callbacks) {
	w.mu.Lock()
	w.cb = cb
	w.mu.Unlock()
}

// Open dials the server in the background. A no-op while a connection or
// dial attempt is already in flight.
func (w *WebSocket) Open() {
	w.mu.Lock()
	if w.conn != nil || w.dialing {
		w.mu.Unlock()
		return
	}
	w.dialing = true
	w.gen++
	gen := w.gen
	cb := w.cb
	w.mu.Unlock()

	go w.dial(gen, cb)
}

func (w *WebSocket) dial(gen int, cb mux.Callbacks) {
	ctx, cancel := context.WithTimeout(context.Background(), w.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, w.url, nil)

	w.mu.Lock()
	if gen != w.gen {
		// Close raced the dial; this attempt no longer matters.
		w.dialing = false
		w.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}
	w.dialing = false
	if err != nil {
		w.mu.Unlock()
		if cb.OnClose != nil {
			cb.OnClose(fmt.Errorf("dial %s: %w", w.url, err))
		}
		return
	}
	conn.SetReadLimit(maxFrameSize)
	w.conn = conn
	w.mu.Unlock()

	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	go w.readLoop(gen, conn, cb)
}

func (w *WebSocket) readLoop(gen int, conn *websocket.Conn, cb mux.Callbacks) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			w.mu.Lock()
			stale := gen != w.gen
			if !stale {
				w.conn = nil
				w.gen++
			}
			w.mu.Unlock()

			if !stale && cb.OnClose != nil {
				cb.OnClose(err)
			}
			return
		}
		if cb.OnMessage != nil {
			cb.OnMessage(data)
		}
	}
}

// Send writes one text frame. It fails if the link is not open.
func (w *WebSocket) Send(data []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("send: transport not open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close tears the connection down. The read loop's resulting error is
// suppressed; a deliberate close must not look like a failure upstream.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.gen++
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}
