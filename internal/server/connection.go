package server

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/muxlink/muxlink/internal/auth"
	"github.com/muxlink/muxlink/internal/database"
	"github.com/muxlink/muxlink/internal/logutil"
	"github.com/muxlink/muxlink/internal/wire"
)

const writeTimeout = 10 * time.Second

// tempIDPrefix marks client-minted session ids that must be promoted to a
// server-issued permanent id.
const tempIDPrefix = "new-"

// connection is one client WebSocket and the sessions attached to it.
type connection struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	client     string
	authed     bool
	promotions map[string]string   // temporary id -> permanent id, shared across channels
	sessions   map[string]*Session // "{channel}:{permanent id}"
}

// Session is one attached terminal or chat session. Backends hold it to
// emit messages back to the client.
type Session struct {
	ID         string
	OriginalID string
	Channel    wire.Channel
	WorkingDir string

	conn *connection
}

// Send emits a message to the client on this session's channel. A nil
// payload sends an empty data field.
func (s *Session) Send(typ string, payload interface{}) error {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data = raw
	}
	return s.conn.send(wire.Message{Channel: s.Channel, SessionID: s.ID, Type: typ, Data: data})
}

func newConnection(srv *Server, conn *websocket.Conn) *connection {
	return &connection{
		srv:        srv,
		conn:       conn,
		promotions: make(map[string]string),
		sessions:   make(map[string]*Session),
	}
}

func (c *connection) run(ctx context.Context) {
	c.srv.metrics.ClientConnected()
	defer c.srv.metrics.ClientDisconnected()
	defer c.conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			client := c.client
			c.mu.Unlock()
			log.Printf("ws read (%s): %v", logutil.ID(client), err)
			return
		}

		msg, err := wire.Unpack(raw)
		if err != nil {
			log.Printf("ws: drop undecodable frame: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *connection) send(msg wire.Message) error {
	frame, err := wire.Pack(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

func (c *connection) sendSystem(typ string, payload interface{}) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		data = raw
	}
	if err := c.send(wire.Message{Channel: wire.ChannelSystem, Type: typ, Data: data}); err != nil {
		log.Printf("ws send %s: %v", typ, err)
	}
}

func (c *connection) dispatch(msg wire.Message) {
	if msg.Channel == wire.ChannelSystem {
		c.dispatchSystem(msg)
		return
	}

	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()
	if !authed {
		log.Printf("ws: drop %s/%s before auth", msg.Channel, logutil.ID(msg.Type))
		return
	}

	switch msg.Type {
	case wire.TermConnect:
		c.handleConnect(msg)
	case wire.TermClose:
		c.handleClose(msg)
	case wire.TermDisconnect:
		c.handleDetach(msg)
	default:
		c.handleSessionMessage(msg)
	}
}

func (c *connection) dispatchSystem(msg wire.Message) {
	switch msg.Type {
	case wire.SysAuth:
		c.handleAuth(msg)
	case wire.SysPing:
		c.sendSystem(wire.SysPong, nil)
	case wire.SysPong:
		// Client answered a ping; nothing to do.
	default:
		log.Printf("ws: unexpected system message %s", logutil.ID(msg.Type))
	}
}

func (c *connection) handleAuth(msg wire.Message) {
	var body struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(msg.Data, &body)

	client, err := auth.VerifyToken(body.Token, c.srv.tokenTTL)
	if err != nil {
		log.Printf("ws auth failed (token %s): %v", auth.Mask(body.Token), err)
		c.sendSystem(wire.SysAuthFailed, map[string]string{"reason": "invalid token"})
		c.conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	c.mu.Lock()
	c.client = client
	c.authed = true
	c.mu.Unlock()

	log.Printf("ws: client %s authenticated", logutil.ID(client))
	c.sendSystem(wire.SysAuthSuccess, map[string]string{"client": client})
}

// handleConnect attaches a session, promoting a temporary id to a permanent
// one. The same temporary id maps to the same permanent id across channels,
// so a terminal and a chat opened under one temporary id end up on one
// logical session.
func (c *connection) handleConnect(msg wire.Message) {
	var opts struct {
		WorkingDir string `json:"working_dir"`
	}
	_ = json.Unmarshal(msg.Data, &opts)

	c.mu.Lock()
	permID := msg.SessionID
	originalID := ""
	if msg.SessionID == "" || strings.HasPrefix(msg.SessionID, tempIDPrefix) {
		originalID = msg.SessionID
		if mapped, ok := c.promotions[msg.SessionID]; ok && msg.SessionID != "" {
			permID = mapped
		} else {
			permID = uuid.NewString()
			if msg.SessionID != "" {
				c.promotions[msg.SessionID] = permID
			}
		}
	}

	k := sessionKey(msg.Channel, permID)
	sess, existed := c.sessions[k]
	if !existed {
		sess = &Session{
			ID:         permID,
			OriginalID: originalID,
			Channel:    msg.Channel,
			WorkingDir: opts.WorkingDir,
			conn:       c,
		}
		c.sessions[k] = sess
	}
	client := c.client
	c.mu.Unlock()

	if !existed {
		rec := &database.Session{
			ID:         permID,
			OriginalID: originalID,
			Channel:    msg.Channel.String(),
			ClientName: client,
			WorkingDir: opts.WorkingDir,
			Status:     database.SessionActive,
		}
		if err := database.CreateSession(rec); err != nil {
			// Likely a reattach to a persisted session; keep it active.
			if err := database.SetSessionStatus(permID, msg.Channel.String(), database.SessionActive); err != nil {
				log.Printf("ws: persist session %s: %v", logutil.ID(permID), err)
			}
		}
	}

	// Ack before any backend output so the client learns the promoted id
	// first and can route what follows.
	ack := map[string]string{"session_id": permID}
	if originalID != "" && originalID != permID {
		ack["original_session_id"] = originalID
	}
	if err := sess.Send(ackType(msg.Channel), ack); err != nil {
		log.Printf("ws: ack session %s: %v", logutil.ID(permID), err)
	}

	if !existed {
		c.srv.backend.SessionOpened(sess)
	}
}

func (c *connection) handleClose(msg wire.Message) {
	sess := c.detach(msg)
	if sess == nil {
		return
	}
	c.srv.backend.SessionClosed(sess)
	if err := database.SetSessionStatus(sess.ID, sess.Channel.String(), database.SessionClosed); err != nil {
		log.Printf("ws: close session %s: %v", logutil.ID(sess.ID), err)
	}
}

// handleDetach drops the attachment but leaves the session active so the
// client can reattach later.
func (c *connection) handleDetach(msg wire.Message) {
	c.detach(msg)
}

func (c *connection) detach(msg wire.Message) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := sessionKey(msg.Channel, c.resolveLocked(msg.SessionID))
	sess, ok := c.sessions[k]
	if !ok {
		return nil
	}
	delete(c.sessions, k)
	return sess
}

func (c *connection) handleSessionMessage(msg wire.Message) {
	c.mu.Lock()
	k := sessionKey(msg.Channel, c.resolveLocked(msg.SessionID))
	sess, ok := c.sessions[k]
	c.mu.Unlock()

	if !ok {
		log.Printf("ws: drop %s for unknown session %s", logutil.ID(msg.Type), logutil.ID(msg.SessionID))
		return
	}

	if err := database.TouchSession(sess.ID, sess.Channel.String()); err != nil {
		log.Printf("ws: touch session %s: %v", logutil.ID(sess.ID), err)
	}
	c.srv.backend.HandleMessage(sess, msg.Type, msg.Data)
}

// resolveLocked maps a possibly-temporary session id to its permanent id.
// Messages sent by the client before it learned about a promotion still
// land on the right session.
func (c *connection) resolveLocked(id string) string {
	if perm, ok := c.promotions[id]; ok {
		return perm
	}
	return id
}

func sessionKey(ch wire.Channel, id string) string {
	return ch.String() + ":" + id
}

func ackType(ch wire.Channel) string {
	if ch == wire.ChannelChat {
		return wire.ChatReady
	}
	return wire.TermConnected
}
