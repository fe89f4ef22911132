// Package phxtest runs an in-process Phoenix channel server for tests.
//
// The server speaks the v1 JSON serializer over a WebSocket mounted at
// /socket/websocket. It answers heartbeats itself and hands every other
// message to a Handler, whose Reply decides what goes back.
package phxtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marcus-qen/gqlsocket/internal/protocol"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Reply is the server's answer to a message. An empty Status sends nothing,
// which lets tests exercise push timeouts.
type Reply struct {
	Status   string
	Response any
}

// OK is a successful reply carrying response.
func OK(response any) Reply {
	return Reply{Status: protocol.StatusOK, Response: response}
}

// Error is an error reply carrying {"reason": reason}.
func Error(reason string) Reply {
	return Reply{Status: protocol.StatusError, Response: protocol.ErrorResponse{Reason: reason}}
}

// NoReply leaves the message unanswered.
var NoReply = Reply{}

// Handler answers one client message. It runs on the connection's read
// goroutine.
type Handler func(msg protocol.Message) Reply

// Authenticator decides whether a connection attempt may upgrade. Returning a
// non-zero status rejects the handshake with it.
type Authenticator func(r *http.Request) int

type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *clientConn) write(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is a Phoenix socket endpoint backed by httptest.
type Server struct {
	logger *zap.Logger
	ts     *httptest.Server

	mu       sync.Mutex
	handler  Handler
	auth     Authenticator
	conns    map[*clientConn]struct{}
	received []protocol.Message
	attempts int
}

// New starts a server. A nil handler replies ok with an empty response to
// every message.
func New(logger *zap.Logger, handler Handler) *Server {
	s := &Server{
		logger:  logger,
		handler: handler,
		conns:   make(map[*clientConn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/socket/websocket", s.handleWS)
	s.ts = httptest.NewServer(mux)
	return s
}

// URL returns the socket endpoint, e.g. http://127.0.0.1:1234/socket.
func (s *Server) URL() string {
	return s.ts.URL + "/socket"
}

// SetHandler replaces the message handler.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// SetAuthenticator installs a handshake check.
func (s *Server) SetAuthenticator(a Authenticator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = a
}

// Connected returns the number of open client connections.
func (s *Server) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Attempts returns how many handshakes were attempted, accepted or not.
func (s *Server) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Received returns the messages received with event, in arrival order.
func (s *Server) Received(event protocol.Event) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Message
	for _, m := range s.received {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// Broadcast pushes a server-initiated message to every connection.
func (s *Server) Broadcast(topic string, event protocol.Event, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := protocol.Message{Topic: topic, Event: event, Payload: body}

	for _, c := range s.snapshot() {
		if err := c.write(msg); err != nil {
			s.logger.Warn("broadcast failed", zap.Error(err))
		}
	}
	return nil
}

// DropConnections closes every client connection. Clients see an abnormal
// close and may reconnect.
func (s *Server) DropConnections() {
	for _, c := range s.snapshot() {
		_ = c.conn.Close()
	}
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	s.DropConnections()
	s.ts.Close()
}

func (s *Server) snapshot() []*clientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.attempts++
	auth := s.auth
	s.mu.Unlock()

	if auth != nil {
		if status := auth(r); status != 0 {
			http.Error(w, `{"error":"rejected"}`, status)
			return
		}
	}

	if r.URL.Query().Get("vsn") != protocol.Vsn {
		http.Error(w, "unsupported serializer version", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	c := &clientConn{conn: conn}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("invalid client message", zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		handler := s.handler
		s.mu.Unlock()

		reply := OK(map[string]any{})
		if msg.Event != protocol.EventHeartbeat && handler != nil {
			reply = handler(msg)
		}
		if reply.Status == "" || msg.Ref == "" {
			continue
		}

		payload, err := json.Marshal(replyPayload{Status: reply.Status, Response: reply.Response})
		if err != nil {
			s.logger.Warn("encode reply", zap.Error(err))
			continue
		}
		out := protocol.Message{
			Topic:   msg.Topic,
			Event:   protocol.EventReply,
			Payload: payload,
			Ref:     msg.Ref,
			JoinRef: msg.JoinRef,
		}
		if err := c.write(out); err != nil {
			return
		}
	}
}

type replyPayload struct {
	Status   string `json:"status"`
	Response any    `json:"response"`
}
