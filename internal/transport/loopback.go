package transport

import (
	"fmt"
	"sync"

	"github.com/muxlink/muxlink/internal/mux"
)

// Loopback is an in-memory mux.Transport whose frames are delivered to a
// peer Loopback. Deterministic and dependency-free, for tests that need a
// real bidirectional link without sockets.
type Loopback struct {
	mu   sync.Mutex
	cb   mux.Callbacks
	peer *Loopback
	open bool
}

// Pair returns two connected loopback transports. Frames sent on one are
// delivered synchronously to the other's OnMessage callback once both ends
// are open.
func Pair() (*Loopback, *Loopback) {
	a := &Loopback{}
	b := &Loopback{}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *Loopback) SetCallbacks(cb mux.Callbacks) {
	l.mu.Lock()
	l.cb = cb
	l.mu.Unlock()
}

func (l *Loopback) Open() {
	l.mu.Lock()
	if l.open {
		l.mu.Unlock()
		return
	}
	l.open = true
	cb := l.cb
	l.mu.Unlock()

	if cb.OnOpen != nil {
		cb.OnOpen()
	}
}

func (l *Loopback) Send(data []byte) error {
	l.mu.Lock()
	open := l.open
	peer := l.peer
	l.mu.Unlock()
	if !open {
		return fmt.Errorf("send: loopback not open")
	}

	peer.mu.Lock()
	peerOpen := peer.open
	cb := peer.cb
	peer.mu.Unlock()
	if !peerOpen {
		return fmt.Errorf("send: peer not open")
	}
	if cb.OnMessage != nil {
		// Copy so the receiver cannot observe later mutation.
		frame := append([]byte(nil), data...)
		cb.OnMessage(frame)
	}
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return nil
	}
	l.open = false
	peer := l.peer
	l.mu.Unlock()

	peer.mu.Lock()
	peerOpen := peer.open
	peer.open = false
	cb := peer.cb
	peer.mu.Unlock()

	if peerOpen && cb.OnClose != nil {
		cb.OnClose(fmt.Errorf("peer closed"))
	}
	return nil
}
