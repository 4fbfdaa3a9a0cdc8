package mux

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/muxlink/muxlink/internal/wire"
)

// fakeTransport records everything the multiplexer does and lets tests
// drive the callback surface directly.
type fakeTransport struct {
	mu     sync.Mutex
	cb     Callbacks
	opened int
	closed int
	sent   [][]byte
}

func (f *fakeTransport) Open() {
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetCallbacks(cb Callbacks) {
	f.cb = cb
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeTransport) deliver(t *testing.T, msg wire.Message) {
	t.Helper()
	frame, err := wire.Pack(msg)
	if err != nil {
		t.Fatalf("pack test message: %v", err)
	}
	f.cb.OnMessage(frame)
}

// sentMessages decodes every frame the multiplexer has written so far.
func (f *fakeTransport) sentMessages(t *testing.T) []wire.Message {
	t.Helper()
	f.mu.Lock()
	frames := append([][]byte(nil), f.sent...)
	f.mu.Unlock()

	msgs := make([]wire.Message, 0, len(frames))
	for _, frame := range frames {
		msg, err := wire.Unpack(frame)
		if err != nil {
			t.Fatalf("unpack sent frame %s: %v", frame, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (f *fakeTransport) countType(t *testing.T, ch wire.Channel, typ string) int {
	t.Helper()
	n := 0
	for _, msg := range f.sentMessages(t) {
		if msg.Channel == ch && msg.Type == typ {
			n++
		}
	}
	return n
}

func newTestMux(t *testing.T, cfg Config) (*Multiplexer, *fakeTransport) {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	ft := &fakeTransport{}
	m := New(ft, cfg)
	t.Cleanup(m.Disconnect)
	return m, ft
}

func authenticate(t *testing.T, m *Multiplexer, ft *fakeTransport) {
	t.Helper()
	m.Connect()
	ft.cb.OnOpen()
	ft.deliver(t, wire.Message{Channel: wire.ChannelSystem, Type: wire.SysAuthSuccess})
	if !m.Connected() {
		t.Fatal("multiplexer did not reach connected state")
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnect_Idempotent(t *testing.T) {
	m, ft := newTestMux(t, Config{})

	m.Connect()
	m.Connect()
	m.Connect()

	if got := ft.openCount(); got != 1 {
		t.Errorf("transport opened %d times, want 1", got)
	}
	if got := m.State(); got != StateConnecting {
		t.Errorf("state = %v, want connecting", got)
	}
}

func TestAuthHandshake(t *testing.T) {
	m, ft := newTestMux(t, Config{Token: "secret"})

	m.Connect()
	ft.cb.OnOpen()

	if got := m.State(); got != StateAuthenticating {
		t.Fatalf("state after open = %v, want authenticating", got)
	}

	sent := ft.sentMessages(t)
	if len(sent) != 1 || sent[0].Channel != wire.ChannelSystem || sent[0].Type != wire.SysAuth {
		t.Fatalf("first frame = %+v, want system auth", sent)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(sent[0].Data, &body); err != nil || body.Token != "secret" {
		t.Errorf("auth payload = %s, want token secret", sent[0].Data)
	}

	ft.deliver(t, wire.Message{Channel: wire.ChannelSystem, Type: wire.SysAuthSuccess})
	stats := m.Stats()
	if stats.State != StateConnected || !stats.Authenticated {
		t.Errorf("stats after auth = %+v", stats)
	}
}

func TestAuthFailed_Disconnects(t *testing.T) {
	m, ft := newTestMux(t, Config{})

	m.Connect()
	ft.cb.OnOpen()
	reason, _ := json.Marshal(map[string]string{"reason": "bad token"})
	ft.deliver(t, wire.Message{Channel: wire.ChannelSystem, Type: wire.SysAuthFailed, Data: reason})

	stats := m.Stats()
	if stats.State != StateDisconnected || stats.Authenticated {
		t.Errorf("stats after auth_failed = %+v", stats)
	}
	ft.mu.Lock()
	closed := ft.closed
	ft.mu.Unlock()
	if closed == 0 {
		t.Error("transport not closed after auth_failed")
	}
}

func TestSend_QueuedUntilAuthenticated(t *testing.T) {
	m, ft := newTestMux(t, Config{})

	for _, input := range []string{"a", "b", "c"} {
		if err := m.TerminalInput("s1", input); err != nil {
			t.Fatalf("TerminalInput(%q) error = %v", input, err)
		}
	}
	if got := m.Stats().Pending; got != 3 {
		t.Fatalf("pending = %d, want 3", got)
	}
	if got := len(ft.sentMessages(t)); got != 0 {
		t.Fatalf("%d frames sent before authentication", got)
	}

	authenticate(t, m, ft)

	var inputs []string
	for _, msg := range ft.sentMessages(t) {
		if msg.Channel == wire.ChannelTerminal && msg.Type == wire.TermInput {
			var body struct {
				Data string `json:"data"`
			}
			if err := json.Unmarshal(msg.Data, &body); err != nil {
				t.Fatalf("unmarshal input: %v", err)
			}
			inputs = append(inputs, body.Data)
		}
	}
	if len(inputs) != 3 || inputs[0] != "a" || inputs[1] != "b" || inputs[2] != "c" {
		t.Errorf("flushed inputs = %v, want FIFO [a b c]", inputs)
	}
	if got := m.Stats().Pending; got != 0 {
		t.Errorf("pending after flush = %d", got)
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	m, ft := newTestMux(t, Config{})
	authenticate(t, m, ft)

	if err := m.ConnectTerminal("s1", TerminalOptions{WorkingDir: "/work"}, HandlerFuncs{}); err != nil {
		t.Fatalf("ConnectTerminal() error = %v", err)
	}
	if got := ft.countType(t, wire.ChannelTerminal, wire.TermConnect); got != 1 {
		t.Fatalf("connect frames after first subscribe = %d, want 1", got)
	}

	// Drop the link and bring it back.
	ft.cb.OnClose(nil)
	if m.Connected() {
		t.Fatal("still connected after transport close")
	}
	authenticate(t, m, ft)

	if got := ft.countType(t, wire.ChannelTerminal, wire.TermConnect); got != 2 {
		t.Errorf("connect frames after reconnect = %d, want 2 (resubscription)", got)
	}
}

func TestFirstAuthDoesNotResubscribe(t *testing.T) {
	m, ft := newTestMux(t, Config{})

	// Subscribe before the link ever comes up; the connect frame is queued.
	if err := m.ConnectTerminal("s1", TerminalOptions{}, HandlerFuncs{}); err != nil {
		t.Fatalf("ConnectTerminal() error = %v", err)
	}
	authenticate(t, m, ft)

	if got := ft.countType(t, wire.ChannelTerminal, wire.TermConnect); got != 1 {
		t.Errorf("connect frames after first auth = %d, want 1 (no duplicate resubscribe)", got)
	}
}

func TestOpenTimeout(t *testing.T) {
	m, ft := newTestMux(t, Config{OpenTimeout: 15 * time.Millisecond})

	m.Connect()
	waitFor(t, func() bool { return m.State() == StateDisconnected },
		"open timeout did not fire")

	ft.mu.Lock()
	closed := ft.closed
	ft.mu.Unlock()
	if closed == 0 {
		t.Error("transport not closed after open timeout")
	}
}

func TestHeartbeat(t *testing.T) {
	m, ft := newTestMux(t, Config{HeartbeatInterval: 10 * time.Millisecond})
	authenticate(t, m, ft)

	waitFor(t, func() bool { return ft.countType(t, wire.ChannelSystem, wire.SysPing) >= 2 },
		"heartbeat pings not sent")

	m.Disconnect()
	n := ft.countType(t, wire.ChannelSystem, wire.SysPing)
	time.Sleep(50 * time.Millisecond)
	if got := ft.countType(t, wire.ChannelSystem, wire.SysPing); got != n {
		t.Errorf("pings kept flowing after Disconnect: %d -> %d", n, got)
	}
}

func TestPingReplied(t *testing.T) {
	m, ft := newTestMux(t, Config{})
	authenticate(t, m, ft)

	ft.deliver(t, wire.Message{Channel: wire.ChannelSystem, Type: wire.SysPing})
	if got := ft.countType(t, wire.ChannelSystem, wire.SysPong); got != 1 {
		t.Errorf("pong frames = %d, want 1", got)
	}
}

func TestRouting_SessionIsolation(t *testing.T) {
	m, ft := newTestMux(t, Config{})
	authenticate(t, m, ft)

	var got1, got2 []string
	h1 := HandlerFuncs{Message: func(typ string, _ json.RawMessage) { got1 = append(got1, typ) }}
	h2 := HandlerFuncs{Message: func(typ string, _ json.RawMessage) { got2 = append(got2, typ) }}
	if err := m.ConnectTerminal("s1", TerminalOptions{}, h1); err != nil {
		t.Fatal(err)
	}
	if err := m.ConnectTerminal("s2", TerminalOptions{}, h2); err != nil {
		t.Fatal(err)
	}

	out, _ := json.Marshal(map[string]string{"data": "hello"})
	ft.deliver(t, wire.Message{Channel: wire.ChannelTerminal, SessionID: "s1", Type: wire.TermOutput, Data: out})
	ft.deliver(t, wire.Message{Channel: wire.ChannelTerminal, SessionID: "s1", Type: wire.TermOutput, Data: out})

	if len(got1) != 2 {
		t.Errorf("s1 handler saw %d messages, want 2", len(got1))
	}
	if len(got2) != 0 {
		t.Errorf("s2 handler saw %d messages, want 0", len(got2))
	}
}

func TestRouting_UnknownSessionDroppedSilently(t *testing.T) {
	m, ft := newTestMux(t, Config{})
	authenticate(t, m, ft)

	ft.deliver(t, wire.Message{Channel: wire.ChannelTerminal, SessionID: "ghost", Type: wire.TermOutput})
	// Nothing to assert beyond the absence of a panic and unchanged stats.
	if got := m.Stats().Sessions; got != 0 {
		t.Errorf("sessions = %d, want 0", got)
	}
}

func TestSessionIDRemap(t *testing.T) {
	m, ft := newTestMux(t, Config{})
	authenticate(t, m, ft)

	var connects int
	var msgs []string
	h := HandlerFuncs{
		Connect: func(json.RawMessage) { connects++ },
		Message: func(typ string, data json.RawMessage) {
			var body struct {
				Data string `json:"data"`
			}
			_ = json.Unmarshal(data, &body)
			msgs = append(msgs, body.Data)
		},
	}
	if err := m.ConnectTerminal("new-123", TerminalOptions{}, h); err != nil {
		t.Fatal(err)
	}

	ack, _ := json.Marshal(map[string]string{"original_session_id": "new-123"})
	ft.deliver(t, wire.Message{Channel: wire.ChannelTerminal, SessionID: "real-abc", Type: wire.TermConnected, Data: ack})
	if connects != 1 {
		t.Fatalf("OnConnect fired %d times, want 1", connects)
	}

	// Late message still addressed to the temporary id is forwarded.
	late, _ := json.Marshal(map[string]string{"data": "late"})
	ft.deliver(t, wire.Message{Channel: wire.ChannelTerminal, SessionID: "new-123", Type: wire.TermOutput, Data: late})
	// Messages at the permanent id reach the same handler.
	cur, _ := json.Marshal(map[string]string{"data": "current"})
	ft.deliver(t, wire.Message{Channel: wire.ChannelTerminal, SessionID: "real-abc", Type: wire.TermOutput, Data: cur})

	if len(msgs) != 2 || msgs[0] != "late" || msgs[1] != "current" {
		t.Errorf("handler messages = %v, want [late current]", msgs)
	}

	// The registries moved with the remap.
	if m.Unsubscribe(wire.ChannelTerminal, "new-123") {
		t.Error("temporary id still subscribed after remap")
	}
	if !m.Unsubscribe(wire.ChannelTerminal, "real-abc") {
		t.Error("permanent id not subscribed after remap")
	}
}

func TestForwardingAliasExpiry(t *testing.T) {
	m, ft := newTestMux(t, Config{ForwardingTTL: 20 * time.Millisecond})
	authenticate(t, m, ft)

	var msgs int
	h := HandlerFuncs{Message: func(string, json.RawMessage) { msgs++ }}
	if err := m.ConnectTerminal("new-9", TerminalOptions{}, h); err != nil {
		t.Fatal(err)
	}
	ack, _ := json.Marshal(map[string]string{"original_session_id": "new-9"})
	ft.deliver(t, wire.Message{Channel: wire.ChannelTerminal, SessionID: "perm-9", Type: wire.TermConnected, Data: ack})

	time.Sleep(60 * time.Millisecond)

	ft.deliver(t, wire.Message{Channel: wire.ChannelTerminal, SessionID: "new-9", Type: wire.TermOutput})
	if msgs != 0 {
		t.Errorf("expired alias still forwarded %d messages", msgs)
	}
	ft.deliver(t, wire.Message{Channel: wire.ChannelTerminal, SessionID: "perm-9", Type: wire.TermOutput})
	if msgs != 1 {
		t.Errorf("permanent id routing broken after alias expiry: %d messages", msgs)
	}
}

func TestServerClose_DispatchesDisconnect(t *testing.T) {
	m, ft := newTestMux(t, Config{})
	authenticate(t, m, ft)

	var disconnects int
	h := HandlerFuncs{Disconnect: func() { disconnects++ }}
	if err := m.ConnectChat("c1", ChatOptions{}, h); err != nil {
		t.Fatal(err)
	}

	ft.deliver(t, wire.Message{Channel: wire.ChannelChat, SessionID: "c1", Type: wire.ChatClose})

	if disconnects != 1 {
		t.Errorf("OnDisconnect fired %d times, want 1", disconnects)
	}
	if got := m.Stats().Sessions; got != 0 {
		t.Errorf("sessions after server close = %d, want 0", got)
	}
}

func TestConnectTerminal_IdempotentPerSession(t *testing.T) {
	m, ft := newTestMux(t, Config{})
	authenticate(t, m, ft)

	for i := 0; i < 3; i++ {
		if err := m.ConnectTerminal("s1", TerminalOptions{WorkingDir: "/w"}, HandlerFuncs{}); err != nil {
			t.Fatalf("ConnectTerminal attempt %d error = %v", i, err)
		}
	}
	if got := ft.countType(t, wire.ChannelTerminal, wire.TermConnect); got != 1 {
		t.Errorf("connect frames = %d, want 1", got)
	}
	if got := m.Stats().Sessions; got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}
}

func TestUnsubscribeCompleteness(t *testing.T) {
	m, _ := newTestMux(t, Config{})

	if !m.Subscribe(wire.ChannelChat, "c1", nil, HandlerFuncs{}) {
		t.Fatal("first Subscribe failed")
	}
	if !m.Unsubscribe(wire.ChannelChat, "c1") {
		t.Fatal("Unsubscribe failed")
	}
	// Both registries must be empty again for the pair.
	if !m.Subscribe(wire.ChannelChat, "c1", nil, HandlerFuncs{}) {
		t.Error("re-Subscribe after Unsubscribe failed")
	}
}

func TestCloseAllSessions(t *testing.T) {
	m, ft := newTestMux(t, Config{})
	authenticate(t, m, ft)

	for _, id := range []string{"t1", "t2"} {
		if err := m.ConnectTerminal(id, TerminalOptions{}, HandlerFuncs{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.ConnectChat("c1", ChatOptions{}, HandlerFuncs{}); err != nil {
		t.Fatal(err)
	}

	m.CloseAllSessions()

	if got := ft.countType(t, wire.ChannelTerminal, wire.TermClose); got != 2 {
		t.Errorf("terminal close frames = %d, want 2", got)
	}
	if got := ft.countType(t, wire.ChannelChat, wire.ChatClose); got != 1 {
		t.Errorf("chat close frames = %d, want 1", got)
	}
	if got := m.Stats().Sessions; got != 0 {
		t.Errorf("sessions after CloseAllSessions = %d, want 0", got)
	}
}

func TestDisconnect_TimerHygiene(t *testing.T) {
	m, ft := newTestMux(t, Config{HeartbeatInterval: 10 * time.Millisecond})
	authenticate(t, m, ft)

	m.Disconnect()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openTimer != nil {
		t.Error("open timer survived Disconnect")
	}
	if m.hbTicker != nil || m.hbDone != nil {
		t.Error("heartbeat survived Disconnect")
	}
	if m.authenticated {
		t.Error("authenticated flag survived Disconnect")
	}
}

func TestStateChangeCallbacks(t *testing.T) {
	var transitions []State
	var mu sync.Mutex
	cfg := Config{OnStateChange: func(_, next State) {
		mu.Lock()
		transitions = append(transitions, next)
		mu.Unlock()
	}}
	m, ft := newTestMux(t, cfg)

	authenticate(t, m, ft)
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateAuthenticating, StateConnected, StateDisconnected}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}
