// Package client assembles the protocol core into a ready-to-use client:
// WebSocket transport, channel multiplexer, and connection supervisor wired
// together. The supervisor treats the multiplexer as its link; multiplexer
// state changes feed the supervisor's lifecycle.
package client

import (
	"time"

	"github.com/muxlink/muxlink/internal/metrics"
	"github.com/muxlink/muxlink/internal/mux"
	"github.com/muxlink/muxlink/internal/supervisor"
	"github.com/muxlink/muxlink/internal/transport"
)

// Options configures a Client.
type Options struct {
	// URL is the server's ws:// or wss:// endpoint. Ignored when Transport
	// is set.
	URL string

	// Token authenticates the client after the transport opens.
	Token string

	HeartbeatInterval time.Duration
	OpenTimeout       time.Duration
	ForwardingTTL     time.Duration

	// MaxRetries caps consecutive reconnection attempts. Zero means the
	// supervisor default.
	MaxRetries int

	// Transport overrides the WebSocket transport, mainly for tests.
	Transport mux.Transport

	// Metrics, when set, receives multiplexer and supervisor counters.
	Metrics *metrics.Set

	// OnStateChange observes supervisor lifecycle transitions.
	OnStateChange func(from, to supervisor.State)

	// OnGaveUp fires when the retry ceiling is hit; Retry restarts.
	OnGaveUp func()
}

// Client is the assembled protocol stack.
type Client struct {
	mux *mux.Multiplexer
	sup *supervisor.Supervisor
}

// New wires the stack together. Nothing connects until Connect.
func New(opts Options) *Client {
	tr := opts.Transport
	if tr == nil {
		tr = transport.NewWebSocket(opts.URL)
	}

	c := &Client{}
	cfg := mux.Config{
		Token:             opts.Token,
		HeartbeatInterval: opts.HeartbeatInterval,
		OpenTimeout:       opts.OpenTimeout,
		ForwardingTTL:     opts.ForwardingTTL,
		OnStateChange:     c.muxStateChanged,
	}
	if opts.Metrics != nil {
		cfg.Metrics = opts.Metrics
	}
	c.mux = mux.New(tr, cfg)
	c.sup = supervisor.New(c.mux, supervisor.Config{
		MaxRetries: opts.MaxRetries,
		OnGaveUp:   opts.OnGaveUp,
	})

	if opts.OnStateChange != nil {
		c.sup.OnStateChange(opts.OnStateChange)
	}
	if opts.Metrics != nil {
		m := opts.Metrics
		c.sup.OnStateChange(func(from, to supervisor.State) {
			if from == supervisor.StateReconnecting && to == supervisor.StateConnecting {
				m.ReconnectAttempt()
			}
		})
	}
	return c
}

// muxStateChanged bridges link state into the supervisor.
func (c *Client) muxStateChanged(_, next mux.State) {
	if c.sup == nil {
		return
	}
	switch next {
	case mux.StateAuthenticating:
		c.sup.LinkAuthenticating()
	case mux.StateConnected:
		c.sup.LinkUp()
	case mux.StateDisconnected:
		c.sup.LinkDown()
	}
}

// Lifecycle controls, delegated to the supervisor.

func (c *Client) Connect() { c.sup.Connect() }

func (c *Client) Disconnect() { c.sup.Disconnect() }

func (c *Client) Retry() { c.sup.Retry() }

func (c *Client) Suspend() { c.sup.Suspend() }

func (c *Client) Resume() { c.sup.Resume() }

func (c *Client) Online() { c.sup.Online() }

func (c *Client) Offline() { c.sup.Offline() }

// State returns the supervisor's lifecycle state.
func (c *Client) State() supervisor.State { return c.sup.State() }

// Transitions returns the supervisor's recent state history.
func (c *Client) Transitions() []supervisor.Transition { return c.sup.Transitions() }

// Stats combines the multiplexer's snapshot with the supervisor's
// reconnection counter.
type Stats struct {
	mux.Stats
	ReconnectAttempts int
}

// Stats returns a point-in-time snapshot of the assembled stack.
func (c *Client) Stats() Stats {
	return Stats{Stats: c.mux.Stats(), ReconnectAttempts: c.sup.Attempts()}
}

// Session operations, delegated to the multiplexer.

func (c *Client) ConnectTerminal(sessionID string, opts mux.TerminalOptions, h mux.Handler) error {
	return c.mux.ConnectTerminal(sessionID, opts, h)
}

func (c *Client) ConnectChat(sessionID string, opts mux.ChatOptions, h mux.Handler) error {
	return c.mux.ConnectChat(sessionID, opts, h)
}

func (c *Client) TerminalInput(sessionID, input string) error {
	return c.mux.TerminalInput(sessionID, input)
}

func (c *Client) TerminalResize(sessionID string, cols, rows int) error {
	return c.mux.TerminalResize(sessionID, cols, rows)
}

func (c *Client) ChatMessage(sessionID, content string) error {
	return c.mux.ChatMessage(sessionID, content)
}

func (c *Client) CloseTerminal(sessionID string) error { return c.mux.CloseTerminal(sessionID) }

func (c *Client) CloseChat(sessionID string) error { return c.mux.CloseChat(sessionID) }

func (c *Client) DisconnectTerminal(sessionID string) error {
	return c.mux.DisconnectTerminal(sessionID)
}

func (c *Client) DisconnectChat(sessionID string) error { return c.mux.DisconnectChat(sessionID) }

func (c *Client) CloseAllSessions() { c.mux.CloseAllSessions() }
