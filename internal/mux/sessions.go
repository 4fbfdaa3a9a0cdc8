package mux

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/muxlink/muxlink/internal/wire"
)

// TerminalOptions is the connect payload for a terminal session.
type TerminalOptions struct {
	WorkingDir string `json:"working_dir,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

// ChatOptions is the connect payload for a chat session.
type ChatOptions struct {
	WorkingDir string `json:"working_dir,omitempty"`
	Model      string `json:"model,omitempty"`
}

// ConnectTerminal subscribes the handler and asks the server to open a
// terminal session. It is idempotent per session id.
func (m *Multiplexer) ConnectTerminal(sessionID string, opts TerminalOptions, h Handler) error {
	return m.connectSession(wire.ChannelTerminal, sessionID, opts, h)
}

// ConnectChat subscribes the handler and asks the server to open a chat
// session. It is idempotent per session id.
func (m *Multiplexer) ConnectChat(sessionID string, opts ChatOptions, h Handler) error {
	return m.connectSession(wire.ChannelChat, sessionID, opts, h)
}

func (m *Multiplexer) connectSession(ch wire.Channel, sessionID string, opts interface{}, h Handler) error {
	if sessionID == "" {
		return fmt.Errorf("connect %s: empty session id", ch)
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("connect %s: %w", ch, err)
	}
	if !m.Subscribe(ch, sessionID, data, h) {
		return nil
	}
	return m.Send(wire.Message{Channel: ch, SessionID: sessionID, Type: connectType(ch), Data: data})
}

// TerminalInput forwards keystrokes to a terminal session.
func (m *Multiplexer) TerminalInput(sessionID, input string) error {
	data, err := json.Marshal(map[string]string{"data": input})
	if err != nil {
		return err
	}
	return m.Send(wire.Message{Channel: wire.ChannelTerminal, SessionID: sessionID, Type: wire.TermInput, Data: data})
}

// TerminalResize reports new terminal dimensions.
func (m *Multiplexer) TerminalResize(sessionID string, cols, rows int) error {
	data, err := json.Marshal(map[string]int{"cols": cols, "rows": rows})
	if err != nil {
		return err
	}
	return m.Send(wire.Message{Channel: wire.ChannelTerminal, SessionID: sessionID, Type: wire.TermResize, Data: data})
}

// ChatMessage sends a user message into a chat session.
func (m *Multiplexer) ChatMessage(sessionID, content string) error {
	data, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	return m.Send(wire.Message{Channel: wire.ChannelChat, SessionID: sessionID, Type: wire.ChatMessage, Data: data})
}

// CloseTerminal ends a terminal session on the server and unsubscribes it.
func (m *Multiplexer) CloseTerminal(sessionID string) error {
	return m.closeSession(wire.ChannelTerminal, sessionID)
}

// CloseChat ends a chat session on the server and unsubscribes it.
func (m *Multiplexer) CloseChat(sessionID string) error {
	return m.closeSession(wire.ChannelChat, sessionID)
}

func (m *Multiplexer) closeSession(ch wire.Channel, sessionID string) error {
	err := m.Send(wire.Message{Channel: ch, SessionID: sessionID, Type: closeType(ch)})
	m.Unsubscribe(ch, sessionID)
	return err
}

// DisconnectTerminal detaches from a terminal session without ending it.
// The session keeps running server-side and can be reattached later.
func (m *Multiplexer) DisconnectTerminal(sessionID string) error {
	return m.detachSession(wire.ChannelTerminal, sessionID)
}

// DisconnectChat detaches from a chat session without ending it.
func (m *Multiplexer) DisconnectChat(sessionID string) error {
	return m.detachSession(wire.ChannelChat, sessionID)
}

func (m *Multiplexer) detachSession(ch wire.Channel, sessionID string) error {
	err := m.Send(wire.Message{Channel: ch, SessionID: sessionID, Type: disconnectType(ch)})
	m.Unsubscribe(ch, sessionID)
	return err
}

// CloseAllSessions closes every subscribed session. The subscription set is
// snapshotted first so closes that mutate it cannot skip entries.
func (m *Multiplexer) CloseAllSessions() {
	m.mu.Lock()
	snapshot := make([]*subscription, 0, len(m.subOrder))
	for _, k := range m.subOrder {
		snapshot = append(snapshot, m.subs[k])
	}
	m.mu.Unlock()

	for _, sub := range snapshot {
		if err := m.closeSession(sub.channel, sub.sessionID); err != nil {
			log.Printf("mux: close %s:%s: %v", sub.channel, sub.sessionID, err)
		}
	}
}
