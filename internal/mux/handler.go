package mux

import "encoding/json"

// Handler receives events for one (channel, session) pair. Implementations
// are invoked from the multiplexer's receive path and must not block.
type Handler interface {
	// OnConnect fires when the server acknowledges the session. Data is the
	// acknowledgement payload, including any promoted session id details.
	OnConnect(data json.RawMessage)

	// OnMessage fires for every routed data message.
	OnMessage(typ string, data json.RawMessage)

	// OnDisconnect fires when the server closes the session.
	OnDisconnect()
}

// HandlerFuncs adapts plain functions into a Handler. Nil fields are no-ops,
// so callers implement only the events they care about.
type HandlerFuncs struct {
	Connect    func(data json.RawMessage)
	Message    func(typ string, data json.RawMessage)
	Disconnect func()
}

func (h HandlerFuncs) OnConnect(data json.RawMessage) {
	if h.Connect != nil {
		h.Connect(data)
	}
}

func (h HandlerFuncs) OnMessage(typ string, data json.RawMessage) {
	if h.Message != nil {
		h.Message(typ, data)
	}
}

func (h HandlerFuncs) OnDisconnect() {
	if h.Disconnect != nil {
		h.Disconnect()
	}
}
