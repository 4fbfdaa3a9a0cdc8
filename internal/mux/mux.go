// Package mux routes many logical sessions over one shared transport.
//
// The multiplexer owns the protocol conversation on an injected Transport:
// it authenticates after the transport opens, heartbeats while connected,
// queues outbound messages until authentication succeeds, and routes inbound
// messages to per-session handlers. When the server promotes a temporary
// session id to a permanent one mid-flight, the multiplexer moves the
// handler to the new id and forwards late messages addressed to the old id
// for a grace period.
package mux

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/muxlink/muxlink/internal/wire"
)

// State is the multiplexer's reduced connection state. The supervisor layers
// its richer lifecycle (reconnecting, suspended, failed) on top of this.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Callbacks is the event surface a Transport reports into.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Transport is a single bidirectional byte-frame link. The multiplexer never
// dials; Open is expected to establish the link asynchronously and report
// the outcome through the callbacks.
type Transport interface {
	Open()
	Send(data []byte) error
	Close() error
	SetCallbacks(cb Callbacks)
}

// Metrics receives multiplexer observability updates. All methods must be
// safe for concurrent use.
type Metrics interface {
	MessageRouted(channel string)
	MessageDropped(reason string)
	ActiveSessions(n int)
	PendingQueueDepth(n int)
}

type nopMetrics struct{}

func (nopMetrics) MessageRouted(string)  {}
func (nopMetrics) MessageDropped(string) {}
func (nopMetrics) ActiveSessions(int)    {}
func (nopMetrics) PendingQueueDepth(int) {}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultOpenTimeout       = 10 * time.Second
	defaultForwardingTTL     = 15 * time.Second

	// forwardingCapacity bounds the alias map; entries also expire by TTL.
	forwardingCapacity = 1024
)

// Config carries the multiplexer's tunables. Zero durations take defaults.
type Config struct {
	Token             string
	HeartbeatInterval time.Duration
	OpenTimeout       time.Duration
	ForwardingTTL     time.Duration

	// OnStateChange is invoked synchronously, outside the multiplexer's
	// lock, for every state transition.
	OnStateChange func(old, next State)

	Metrics Metrics
}

// subscription records one session's connect parameters so it can be
// replayed after a reconnect.
type subscription struct {
	channel   wire.Channel
	sessionID string
	data      json.RawMessage
}

// Multiplexer routes session traffic over one Transport.
type Multiplexer struct {
	transport Transport
	cfg       Config

	mu            sync.Mutex
	state         State
	authenticated bool
	hasConnected  bool

	handlers map[string]Handler
	subs     map[string]*subscription
	subOrder []string
	pending  [][]byte

	aliases *expirable.LRU[string, string]

	openTimer *time.Timer
	hbTicker  *time.Ticker
	hbDone    chan struct{}
}

// New builds a multiplexer over the given transport and registers its
// callbacks on it.
func New(transport Transport, cfg Config) *Multiplexer {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.ForwardingTTL <= 0 {
		cfg.ForwardingTTL = defaultForwardingTTL
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}

	m := &Multiplexer{
		transport: transport,
		cfg:       cfg,
		handlers:  make(map[string]Handler),
		subs:      make(map[string]*subscription),
		aliases:   expirable.NewLRU[string, string](forwardingCapacity, nil, cfg.ForwardingTTL),
	}
	transport.SetCallbacks(Callbacks{
		OnOpen:    m.handleOpen,
		OnMessage: m.handleMessage,
		OnClose:   m.handleClose,
	})
	return m
}

func key(ch wire.Channel, sessionID string) string {
	return ch.String() + ":" + sessionID
}

// setStateLocked updates the state and returns the notification to run after
// the lock is released. Callers must invoke the returned func.
func (m *Multiplexer) setStateLocked(next State) func() {
	old := m.state
	m.state = next
	cb := m.cfg.OnStateChange
	if cb == nil || old == next {
		return func() {}
	}
	return func() { cb(old, next) }
}

// Connect starts the transport. It is a no-op unless the multiplexer is
// disconnected, so repeated calls while a connection is in flight are safe.
func (m *Multiplexer) Connect() {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(StateConnecting)
	m.armOpenTimerLocked()
	m.mu.Unlock()

	notify()
	m.transport.Open()
}

// Disconnect tears the link down and stops every timer the multiplexer
// owns. Subscriptions are kept so a later Connect resubscribes them.
func (m *Multiplexer) Disconnect() {
	m.mu.Lock()
	m.clearOpenTimerLocked()
	m.stopHeartbeatLocked()
	m.authenticated = false
	notify := func() {}
	if m.state != StateDisconnected {
		notify = m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	if err := m.transport.Close(); err != nil {
		log.Printf("mux: transport close: %v", err)
	}
	notify()
}

// Send packs and transmits a message, or queues it FIFO while the link is
// not yet authenticated.
func (m *Multiplexer) Send(msg wire.Message) error {
	frame, err := wire.Pack(msg)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	m.mu.Lock()
	if !m.authenticated {
		m.pending = append(m.pending, frame)
		m.cfg.Metrics.PendingQueueDepth(len(m.pending))
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	return m.transport.Send(frame)
}

// Subscribe registers a handler and a replayable subscription record for a
// (channel, session) pair. It reports false if the pair is already
// subscribed.
func (m *Multiplexer) Subscribe(ch wire.Channel, sessionID string, connectData json.RawMessage, h Handler) bool {
	k := key(ch, sessionID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[k]; exists {
		return false
	}
	m.handlers[k] = h
	m.subs[k] = &subscription{channel: ch, sessionID: sessionID, data: connectData}
	m.subOrder = append(m.subOrder, k)
	m.cfg.Metrics.ActiveSessions(len(m.subs))
	return true
}

// Unsubscribe removes the handler and subscription record for a pair. It
// reports false if the pair was not subscribed.
func (m *Multiplexer) Unsubscribe(ch wire.Channel, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeKeyLocked(key(ch, sessionID))
}

func (m *Multiplexer) removeKeyLocked(k string) bool {
	if _, exists := m.subs[k]; !exists {
		return false
	}
	delete(m.handlers, k)
	delete(m.subs, k)
	for i, existing := range m.subOrder {
		if existing == k {
			m.subOrder = append(m.subOrder[:i], m.subOrder[i+1:]...)
			break
		}
	}
	m.cfg.Metrics.ActiveSessions(len(m.subs))
	return true
}

// State returns the current connection state.
func (m *Multiplexer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the link is authenticated and usable.
func (m *Multiplexer) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// Stats is a point-in-time snapshot of the multiplexer.
type Stats struct {
	State         State
	Authenticated bool
	Sessions      int
	Pending       int
}

// Stats returns a snapshot of connection and queue state.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State:         m.state,
		Authenticated: m.authenticated,
		Sessions:      len(m.subs),
		Pending:       len(m.pending),
	}
}

// ---- timers ----

func (m *Multiplexer) armOpenTimerLocked() {
	m.clearOpenTimerLocked()
	m.openTimer = time.AfterFunc(m.cfg.OpenTimeout, m.openTimedOut)
}

func (m *Multiplexer) clearOpenTimerLocked() {
	if m.openTimer != nil {
		m.openTimer.Stop()
		m.openTimer = nil
	}
}

func (m *Multiplexer) openTimedOut() {
	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.openTimer = nil
	notify := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	log.Printf("mux: connection open timed out after %v", m.cfg.OpenTimeout)
	if err := m.transport.Close(); err != nil {
		log.Printf("mux: transport close: %v", err)
	}
	notify()
}

func (m *Multiplexer) startHeartbeatLocked() {
	m.stopHeartbeatLocked()
	m.hbTicker = time.NewTicker(m.cfg.HeartbeatInterval)
	m.hbDone = make(chan struct{})
	go m.heartbeatLoop(m.hbTicker, m.hbDone)
}

func (m *Multiplexer) stopHeartbeatLocked() {
	if m.hbTicker != nil {
		m.hbTicker.Stop()
		m.hbTicker = nil
	}
	if m.hbDone != nil {
		close(m.hbDone)
		m.hbDone = nil
	}
}

func (m *Multiplexer) heartbeatLoop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			frame, err := wire.Pack(wire.Message{Channel: wire.ChannelSystem, Type: wire.SysPing})
			if err != nil {
				continue
			}
			if err := m.transport.Send(frame); err != nil {
				log.Printf("mux: heartbeat send: %v", err)
			}
		case <-done:
			return
		}
	}
}

// ---- transport callbacks ----

func (m *Multiplexer) handleOpen() {
	m.mu.Lock()
	m.clearOpenTimerLocked()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(StateAuthenticating)
	token := m.cfg.Token
	m.mu.Unlock()
	notify()

	data, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		log.Printf("mux: marshal auth payload: %v", err)
		return
	}
	frame, err := wire.Pack(wire.Message{Channel: wire.ChannelSystem, Type: wire.SysAuth, Data: data})
	if err != nil {
		log.Printf("mux: pack auth: %v", err)
		return
	}
	if err := m.transport.Send(frame); err != nil {
		log.Printf("mux: send auth: %v", err)
	}
}

func (m *Multiplexer) handleClose(err error) {
	m.mu.Lock()
	m.clearOpenTimerLocked()
	m.stopHeartbeatLocked()
	m.authenticated = false
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if err != nil {
		log.Printf("mux: transport closed: %v", err)
	}
	notify()
}

func (m *Multiplexer) handleMessage(raw []byte) {
	msg, err := wire.Unpack(raw)
	if err != nil {
		log.Printf("mux: drop undecodable message: %v", err)
		m.cfg.Metrics.MessageDropped("decode")
		return
	}

	if msg.Channel == wire.ChannelSystem {
		m.handleSystem(msg)
		return
	}
	m.route(msg)
}

func (m *Multiplexer) handleSystem(msg wire.Message) {
	switch msg.Type {
	case wire.SysAuthSuccess:
		m.handleAuthSuccess()
	case wire.SysAuthFailed:
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(msg.Data, &body)
		log.Printf("mux: authentication failed: %s", body.Reason)
		m.Disconnect()
	case wire.SysPing:
		frame, err := wire.Pack(wire.Message{Channel: wire.ChannelSystem, Type: wire.SysPong})
		if err == nil {
			if err := m.transport.Send(frame); err != nil {
				log.Printf("mux: send pong: %v", err)
			}
		}
	case wire.SysPong:
		// Liveness acknowledged; nothing to do.
	default:
		m.cfg.Metrics.MessageDropped("system")
	}
}

func (m *Multiplexer) handleAuthSuccess() {
	m.mu.Lock()
	m.authenticated = true
	notify := m.setStateLocked(StateConnected)
	m.startHeartbeatLocked()

	flush := m.pending
	m.pending = nil
	m.cfg.Metrics.PendingQueueDepth(0)

	var resub []*subscription
	if m.hasConnected {
		for _, k := range m.subOrder {
			resub = append(resub, m.subs[k])
		}
	}
	m.hasConnected = true
	m.mu.Unlock()
	notify()

	for _, frame := range flush {
		if err := m.transport.Send(frame); err != nil {
			log.Printf("mux: flush pending: %v", err)
		}
	}
	for _, sub := range resub {
		msg := wire.Message{
			Channel:   sub.channel,
			SessionID: sub.sessionID,
			Type:      connectType(sub.channel),
			Data:      sub.data,
		}
		if err := m.Send(msg); err != nil {
			log.Printf("mux: resubscribe %s:%s: %v", sub.channel, sub.sessionID, err)
		}
	}
}

func connectType(ch wire.Channel) string {
	if ch == wire.ChannelChat {
		return wire.ChatConnect
	}
	return wire.TermConnect
}

func closeType(ch wire.Channel) string {
	if ch == wire.ChannelChat {
		return wire.ChatClose
	}
	return wire.TermClose
}

func disconnectType(ch wire.Channel) string {
	if ch == wire.ChannelChat {
		return wire.ChatDisconnect
	}
	return wire.TermDisconnect
}

// ---- inbound routing ----

func isConnectAck(msg wire.Message) bool {
	return (msg.Channel == wire.ChannelTerminal && msg.Type == wire.TermConnected) ||
		(msg.Channel == wire.ChannelChat && msg.Type == wire.ChatReady)
}

func isSessionClose(msg wire.Message) bool {
	return (msg.Channel == wire.ChannelTerminal && msg.Type == wire.TermClose) ||
		(msg.Channel == wire.ChannelChat && msg.Type == wire.ChatClose)
}

func (m *Multiplexer) route(msg wire.Message) {
	if isConnectAck(msg) {
		m.routeAck(msg)
		return
	}

	k := key(msg.Channel, msg.SessionID)
	m.mu.Lock()
	h, ok := m.handlers[k]
	if !ok {
		if forwarded, found := m.aliases.Get(k); found {
			k = forwarded
			h, ok = m.handlers[k]
		}
	}
	closed := false
	if ok && isSessionClose(msg) {
		m.removeKeyLocked(k)
		closed = true
	}
	m.mu.Unlock()

	if !ok {
		// Unknown session: drop without surfacing an error.
		m.cfg.Metrics.MessageDropped("unrouted")
		return
	}

	m.cfg.Metrics.MessageRouted(msg.Channel.String())
	if closed {
		h.OnDisconnect()
		return
	}
	h.OnMessage(msg.Type, msg.Data)
}

// routeAck dispatches a session acknowledgement, remapping the session id
// first when the server promoted a temporary id.
func (m *Multiplexer) routeAck(msg wire.Message) {
	var ack struct {
		OriginalSessionID string `json:"original_session_id"`
	}
	_ = json.Unmarshal(msg.Data, &ack)

	k := key(msg.Channel, msg.SessionID)
	m.mu.Lock()
	if ack.OriginalSessionID != "" && ack.OriginalSessionID != msg.SessionID {
		m.remapLocked(msg.Channel, ack.OriginalSessionID, msg.SessionID)
	}
	h, ok := m.handlers[k]
	m.mu.Unlock()

	if !ok {
		m.cfg.Metrics.MessageDropped("unrouted")
		return
	}
	m.cfg.Metrics.MessageRouted(msg.Channel.String())
	h.OnConnect(msg.Data)
}

// remapLocked moves the handler and subscription from the old session id to
// the new one and leaves a forwarding alias behind so in-flight messages
// addressed to the old id still reach the handler until the alias expires.
func (m *Multiplexer) remapLocked(ch wire.Channel, oldID, newID string) {
	oldKey := key(ch, oldID)
	newKey := key(ch, newID)
	if oldKey == newKey {
		return
	}

	if h, exists := m.handlers[oldKey]; exists {
		m.handlers[newKey] = h
		delete(m.handlers, oldKey)
	}
	if sub, exists := m.subs[oldKey]; exists {
		sub.sessionID = newID
		m.subs[newKey] = sub
		delete(m.subs, oldKey)
		for i, existing := range m.subOrder {
			if existing == oldKey {
				m.subOrder[i] = newKey
				break
			}
		}
	}
	m.aliases.Add(oldKey, newKey)
}
