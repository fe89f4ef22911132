// Package transport implements a Phoenix channel client over a WebSocket
// connection that reconnects on its own.
//
// The socket reconnects but never rejoins channels; that is left to the
// owner of the channel, which learns about connection changes through
// EventOpen and EventClose. Every callback (lifecycle events, push replies,
// push timeouts) runs on a single dispatcher goroutine per socket, in the
// order the socket observed them.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/marcus-qen/gqlsocket/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultPushTimeout       = 10 * time.Second
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	authReconnectDelay       = 30 * time.Second
	writeTimeout             = 10 * time.Second
	handshakeBodyMaxLength   = 256
)

var errNotConnected = errors.New("not connected")

// Options tune a Socket. Zero values select the defaults.
type Options struct {
	// Params are sent as query parameters when connecting.
	Params            map[string]string
	HeartbeatInterval time.Duration
	PushTimeout       time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Dialer            *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.PushTimeout <= 0 {
		o.PushTimeout = defaultPushTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.MaxReconnectDelay < o.ReconnectDelay {
		o.MaxReconnectDelay = defaultMaxReconnectDelay
		if o.MaxReconnectDelay < o.ReconnectDelay {
			o.MaxReconnectDelay = o.ReconnectDelay
		}
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

type pendingReply struct {
	topic   string
	event   protocol.Event
	onReply func(Reply)
	timer   *time.Timer
}

// Socket is a Phoenix socket client.
type Socket struct {
	endpoint string
	opts     Options
	logger   *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc // set while the connect loop runs
	handlers  []func(Event)
	pending   map[string]*pendingReply

	writeMu sync.Mutex

	queue        *dispatchQueue
	stopDispatch context.CancelFunc
}

type handshakeError struct {
	StatusCode int
	Body       string
}

func (e *handshakeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server rejected socket connection (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("server rejected socket connection (status=%d): %s", e.StatusCode, e.Body)
}

// NewSocket creates a socket for a Phoenix endpoint such as
// "wss://api.example.com/socket". It does not connect.
func NewSocket(endpoint string, opts Options, logger *zap.Logger) *Socket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		endpoint:     endpoint,
		opts:         opts.withDefaults(),
		logger:       logger,
		pending:      make(map[string]*pendingReply),
		queue:        newDispatchQueue(),
		stopDispatch: cancel,
	}
	go s.queue.run(ctx)
	return s
}

// Endpoint returns the endpoint the socket was created for.
func (s *Socket) Endpoint() string {
	return s.endpoint
}

// IsConnected returns true while a WebSocket connection is established.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// OnEvent registers a lifecycle handler. Handlers run on the dispatcher
// goroutine in registration order.
func (s *Socket) OnEvent(handler func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Connect starts the background connect loop. It returns immediately and is
// a no-op while the loop is already running.
func (s *Socket) Connect() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
}

// Disconnect stops reconnecting and closes the current connection. An
// EventClose is still delivered for the dropped connection.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Close disconnects and stops the dispatcher. No callbacks run afterwards.
func (s *Socket) Close() {
	s.Disconnect()
	s.stopDispatch()
}

// run connects and maintains the connection until ctx is cancelled.
// Reconnects with exponential backoff.
func (s *Socket) run(ctx context.Context) {
	delay := s.opts.ReconnectDelay

	for {
		if ctx.Err() != nil {
			return
		}

		wasConnected, err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if wasConnected {
			delay = s.opts.ReconnectDelay
		}

		var hsErr *handshakeError
		if errors.As(err, &hsErr) && (hsErr.StatusCode == http.StatusUnauthorized || hsErr.StatusCode == http.StatusForbidden) {
			if delay < authReconnectDelay {
				delay = authReconnectDelay
			}
			s.logger.Warn("server rejected socket credentials; retrying with extended backoff",
				zap.Int("status_code", hsErr.StatusCode),
				zap.Duration("backoff", delay),
			)
		} else {
			s.logger.Warn("connection lost, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", delay),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(delay)):
		}

		delay = delay * 2
		if delay > s.opts.MaxReconnectDelay {
			delay = s.opts.MaxReconnectDelay
		}
	}
}

// jitter adds 0-50% random jitter to a duration to prevent thundering herd.
func jitter(d time.Duration) time.Duration {
	max := int64(d / 2)
	if max <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

// socketURL turns the endpoint into the websocket transport URL.
func (s *Socket) socketURL() (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}

	q := u.Query()
	for k, v := range s.opts.Params {
		q.Set(k, v)
	}
	q.Set("vsn", protocol.Vsn)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (s *Socket) connectAndServe(ctx context.Context) (connected bool, err error) {
	wsURL, err := s.socketURL()
	if err != nil {
		return false, err
	}

	conn, resp, err := s.opts.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, handshakeBodyMaxLength))
			return false, &handshakeError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return false, fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	defer func() {
		_ = conn.Close()
		var dropped map[string]*pendingReply
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
			s.connected = false
			dropped = s.pending
			s.pending = make(map[string]*pendingReply)
		}
		s.mu.Unlock()

		for _, p := range dropped {
			p.timer.Stop()
		}
		if len(dropped) > 0 {
			s.logger.Debug("dropped pending replies", zap.Int("count", len(dropped)))
		}
		s.emit(Event{Kind: EventClose, Err: err})
	}()

	s.logger.Info("connected", zap.String("endpoint", s.endpoint))
	s.emit(Event{Kind: EventOpen})

	heartbeatCtx, heartbeatCancel := context.WithCancel(ctx)
	defer heartbeatCancel()
	go s.heartbeatLoop(heartbeatCtx)

	readWait := 2*s.opts.HeartbeatInterval + writeTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("invalid message", zap.Error(err))
			continue
		}

		s.queue.push(func() { s.handleMessage(msg) })
	}
}

func (s *Socket) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sendHeartbeat(); err != nil {
				s.logger.Warn("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Socket) sendHeartbeat() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		s.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("ping: %w", err)
		}
	}

	return s.write(protocol.Message{
		Topic:   protocol.PhoenixTopic,
		Event:   protocol.EventHeartbeat,
		Payload: json.RawMessage(`{}`),
		Ref:     newRef(),
	})
}

// emit queues a lifecycle event for every handler.
func (s *Socket) emit(ev Event) {
	s.queue.push(func() { s.dispatch(ev) })
}

func (s *Socket) dispatch(ev Event) {
	s.mu.Lock()
	handlers := s.handlers
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// handleMessage runs on the dispatcher goroutine.
func (s *Socket) handleMessage(msg protocol.Message) {
	if msg.Event == protocol.EventReply && msg.Ref != "" {
		s.mu.Lock()
		p, ok := s.pending[msg.Ref]
		if ok {
			delete(s.pending, msg.Ref)
		}
		s.mu.Unlock()

		if ok {
			p.timer.Stop()
			p.onReply(decodeReply(msg.Payload))
		}
	}

	s.dispatch(Event{Kind: EventMessage, Message: msg})
}

func decodeReply(payload json.RawMessage) Reply {
	var rp protocol.ReplyPayload
	if err := json.Unmarshal(payload, &rp); err != nil {
		return Reply{Status: ReplyError, Response: reasonResponse("invalid reply: " + err.Error())}
	}
	if rp.Status == protocol.StatusOK {
		return Reply{Status: ReplyOK, Response: rp.Response}
	}
	return Reply{Status: ReplyError, Response: rp.Response}
}

func reasonResponse(reason string) json.RawMessage {
	data, _ := json.Marshal(protocol.ErrorResponse{Reason: reason})
	return data
}

// expire delivers a timeout for ref if no reply arrived first.
func (s *Socket) expire(ref string) {
	s.mu.Lock()
	p, ok := s.pending[ref]
	if ok {
		delete(s.pending, ref)
	}
	s.mu.Unlock()

	if ok {
		s.logger.Debug("push timed out",
			zap.String("topic", p.topic),
			zap.String("event", string(p.event)),
			zap.String("ref", ref),
		)
		p.onReply(Reply{Status: ReplyTimeout})
	}
}

// send writes one message. When onReply is set, exactly one of ok, error or
// timeout is delivered to it, unless the connection closes first.
func (s *Socket) send(topic string, event protocol.Event, payload any, ref, joinRef string, onReply func(Reply)) {
	body, err := json.Marshal(payload)
	if err != nil {
		if onReply != nil {
			s.queue.push(func() {
				onReply(Reply{Status: ReplyError, Response: reasonResponse("encode payload: " + err.Error())})
			})
		}
		return
	}

	if onReply != nil {
		p := &pendingReply{topic: topic, event: event, onReply: onReply}
		s.mu.Lock()
		p.timer = time.AfterFunc(s.opts.PushTimeout, func() {
			s.queue.push(func() { s.expire(ref) })
		})
		s.pending[ref] = p
		s.mu.Unlock()
	}

	msg := protocol.Message{Topic: topic, Event: event, Payload: body, Ref: ref, JoinRef: joinRef}
	if err := s.write(msg); err != nil {
		// the pending reply, if any, resolves through its timeout
		s.logger.Debug("push not written",
			zap.String("topic", topic),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}

func (s *Socket) write(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func newRef() string {
	return uuid.New().String()
}
