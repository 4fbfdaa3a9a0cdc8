package server

import (
	"encoding/json"
	"fmt"

	"github.com/muxlink/muxlink/internal/wire"
)

// Backend implements the business side of sessions. The connection layer
// owns attachment, promotion, and persistence; the backend only sees opened
// sessions and their traffic.
type Backend interface {
	SessionOpened(s *Session)
	HandleMessage(s *Session, typ string, data json.RawMessage)
	SessionClosed(s *Session)
}

// EchoBackend is the development backend: terminal input comes back as
// output, and chat messages get a canned streamed reply. It exercises every
// wire type without any real terminal or model behind it.
type EchoBackend struct{}

func NewEchoBackend() *EchoBackend {
	return &EchoBackend{}
}

func (b *EchoBackend) SessionOpened(s *Session) {
	if s.Channel == wire.ChannelTerminal {
		s.Send(wire.TermOutput, map[string]string{"data": fmt.Sprintf("connected to %s\r\n", s.WorkingDir)})
	}
}

func (b *EchoBackend) HandleMessage(s *Session, typ string, data json.RawMessage) {
	switch s.Channel {
	case wire.ChannelTerminal:
		b.handleTerminal(s, typ, data)
	case wire.ChannelChat:
		b.handleChat(s, typ, data)
	}
}

func (b *EchoBackend) SessionClosed(s *Session) {}

func (b *EchoBackend) handleTerminal(s *Session, typ string, data json.RawMessage) {
	switch typ {
	case wire.TermInput:
		var body struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			s.Send(wire.TermError, map[string]string{"error": "bad input payload"})
			return
		}
		s.Send(wire.TermOutput, map[string]string{"data": body.Data})
	case wire.TermResize:
		// Nothing is rendering; accepted and ignored.
	default:
		s.Send(wire.TermError, map[string]string{"error": "unsupported message type " + typ})
	}
}

func (b *EchoBackend) handleChat(s *Session, typ string, data json.RawMessage) {
	if typ != wire.ChatMessage {
		s.Send(wire.ChatError, map[string]string{"error": "unsupported message type " + typ})
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		s.Send(wire.ChatError, map[string]string{"error": "bad message payload"})
		return
	}

	s.Send(wire.ChatThinkingStart, nil)
	reply := "echo: " + body.Content
	for _, chunk := range splitChunks(reply, 8) {
		s.Send(wire.ChatStream, map[string]string{"delta": chunk})
	}
	s.Send(wire.ChatThinkingEnd, nil)
	s.Send(wire.ChatAssistant, map[string]string{"content": reply})
}

func splitChunks(s string, size int) []string {
	var chunks []string
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	return append(chunks, s)
}
