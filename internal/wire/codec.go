// Package wire implements the compact message codec shared by both ends of
// the muxlink protocol.
//
// A logical message {channel, sessionId, type, data} travels as the compact
// form {c, s, t, d}: the channel becomes a small integer, the message type
// becomes a small integer when it appears in the channel's type table, and
// the session id is omitted entirely on the system channel. Types outside
// the tables pass through as strings in both directions, so new message
// types can be introduced on either end without a lockstep upgrade.
//
// The integer assignments are a contract between client and server and must
// only change on both ends together.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Channel identifies one of the three logical streams sharing a connection.
type Channel int

const (
	ChannelTerminal Channel = 0
	ChannelChat     Channel = 1
	ChannelSystem   Channel = 2
)

// String returns the channel's wire name.
func (c Channel) String() string {
	switch c {
	case ChannelTerminal:
		return "terminal"
	case ChannelChat:
		return "chat"
	case ChannelSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Valid reports whether c is one of the defined channels.
func (c Channel) Valid() bool {
	return c == ChannelTerminal || c == ChannelChat || c == ChannelSystem
}

// ParseChannel resolves a channel wire name back to its Channel value.
func ParseChannel(name string) (Channel, bool) {
	switch name {
	case "terminal":
		return ChannelTerminal, true
	case "chat":
		return ChannelChat, true
	case "system":
		return ChannelSystem, true
	default:
		return 0, false
	}
}

// Terminal channel message types.
const (
	TermConnected  = "connected"
	TermOutput     = "output"
	TermError      = "error"
	TermClose      = "close"
	TermConnect    = "connect"
	TermInput      = "input"
	TermResize     = "resize"
	TermDisconnect = "disconnect"
)

// Chat channel message types.
const (
	ChatReady         = "ready"
	ChatStream        = "stream"
	ChatAssistant     = "assistant"
	ChatUser          = "user"
	ChatToolCall      = "tool_call"
	ChatToolResult    = "tool_result"
	ChatThinkingStart = "thinking_start"
	ChatThinkingEnd   = "thinking_end"
	ChatError         = "error"
	ChatClose         = "close"
	ChatConnect       = "connect"
	ChatMessage       = "message"
	ChatDisconnect    = "disconnect"
)

// System channel message types.
const (
	SysAuth        = "auth"
	SysAuthSuccess = "auth_success"
	SysAuthFailed  = "auth_failed"
	SysPing        = "ping"
	SysPong        = "pong"
)

// typeCodes maps each channel's known message types to their integer codes.
var typeCodes = map[Channel]map[string]int{
	ChannelTerminal: {
		TermConnected:  0,
		TermOutput:     1,
		TermError:      2,
		TermClose:      3,
		TermConnect:    4,
		TermInput:      5,
		TermResize:     6,
		TermDisconnect: 7,
	},
	ChannelChat: {
		ChatReady:         0,
		ChatStream:        1,
		ChatAssistant:     2,
		ChatUser:          3,
		ChatToolCall:      4,
		ChatToolResult:    5,
		ChatThinkingStart: 6,
		ChatThinkingEnd:   7,
		ChatError:         8,
		ChatClose:         9,
		ChatConnect:       10,
		ChatMessage:       11,
		ChatDisconnect:    12,
	},
	ChannelSystem: {
		SysAuth:        0,
		SysAuthSuccess: 1,
		SysAuthFailed:  2,
		SysPing:        3,
		SysPong:        4,
	},
}

// typeNames is the inverse of typeCodes, built at init.
var typeNames = map[Channel]map[int]string{}

func init() {
	for ch, codes := range typeCodes {
		names := make(map[int]string, len(codes))
		for name, code := range codes {
			names[code] = name
		}
		typeNames[ch] = names
	}
}

// Message is the logical form routed between sessions and the multiplexer.
// Data is carried opaquely; the core never interprets session payloads.
type Message struct {
	Channel   Channel
	SessionID string
	Type      string
	Data      json.RawMessage
}

// compactFrame is the wire representation produced by Pack.
type compactFrame struct {
	C int             `json:"c"`
	S string          `json:"s,omitempty"`
	T interface{}     `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// Pack encodes a logical message into its compact wire form. The session id
// is omitted for the system channel; message types outside the channel's
// table are kept as strings.
func Pack(m Message) ([]byte, error) {
	if !m.Channel.Valid() {
		return nil, fmt.Errorf("pack: invalid channel %d", m.Channel)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("pack: empty message type")
	}

	f := compactFrame{C: int(m.Channel), D: m.Data}
	if m.Channel != ChannelSystem {
		f.S = m.SessionID
	}
	if code, ok := typeCodes[m.Channel][m.Type]; ok {
		f.T = code
	} else {
		f.T = m.Type
	}
	return json.Marshal(f)
}

// Unpack decodes a wire frame into its logical form. Both the compact form
// {c,s,t,d} and the legacy verbose form {channel,session_id,type,data} are
// accepted. Unknown integer type codes are passed through as their decimal
// string rather than rejected, so a newer peer does not break an older one.
func Unpack(raw []byte) (Message, error) {
	var probe struct {
		C *int            `json:"c"`
		S string          `json:"s"`
		T interface{}     `json:"t"`
		D json.RawMessage `json:"d"`

		Channel   *string         `json:"channel"`
		SessionID string          `json:"session_id"`
		Type      *string         `json:"type"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Message{}, fmt.Errorf("unpack: decode frame: %w", err)
	}

	switch {
	case probe.C != nil:
		ch := Channel(*probe.C)
		if !ch.Valid() {
			return Message{}, fmt.Errorf("unpack: unknown channel code %d", *probe.C)
		}
		typ, err := resolveType(ch, probe.T)
		if err != nil {
			return Message{}, err
		}
		return Message{Channel: ch, SessionID: probe.S, Type: typ, Data: probe.D}, nil

	case probe.Channel != nil:
		ch, ok := ParseChannel(*probe.Channel)
		if !ok {
			return Message{}, fmt.Errorf("unpack: unknown channel %q", *probe.Channel)
		}
		if probe.Type == nil || *probe.Type == "" {
			return Message{}, fmt.Errorf("unpack: missing message type")
		}
		return Message{Channel: ch, SessionID: probe.SessionID, Type: *probe.Type, Data: probe.Data}, nil

	default:
		return Message{}, fmt.Errorf("unpack: frame has neither compact nor verbose form")
	}
}

func resolveType(ch Channel, t interface{}) (string, error) {
	switch v := t.(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("unpack: empty message type")
		}
		return v, nil
	case float64:
		code := int(v)
		if name, ok := typeNames[ch][code]; ok {
			return name, nil
		}
		// Tolerate codes from a newer table revision.
		return strconv.Itoa(code), nil
	case nil:
		return "", fmt.Errorf("unpack: missing message type")
	default:
		return "", fmt.Errorf("unpack: message type has invalid kind %T", t)
	}
}

// TypeCode returns the integer code for a (channel, type) pair, if one is
// defined. Exposed for observability and tests.
func TypeCode(ch Channel, typ string) (int, bool) {
	code, ok := typeCodes[ch][typ]
	return code, ok
}

// KnownTypes returns the message type names defined for a channel.
func KnownTypes(ch Channel) []string {
	names := make([]string, 0, len(typeCodes[ch]))
	for name := range typeCodes[ch] {
		names = append(names, name)
	}
	return names
}
