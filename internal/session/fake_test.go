package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/marcus-qen/gqlsocket/internal/notifier"
	"github.com/marcus-qen/gqlsocket/internal/protocol"
	"github.com/marcus-qen/gqlsocket/internal/subscription"
	"github.com/marcus-qen/gqlsocket/internal/transport"
	"go.uber.org/zap"
)

// fakeSocket delivers events synchronously on the test goroutine.
type fakeSocket struct {
	connected bool
	connects  int
	handlers  []func(transport.Event)
}

func (f *fakeSocket) IsConnected() bool { return f.connected }
func (f *fakeSocket) Connect()          { f.connects++ }

func (f *fakeSocket) OnEvent(h func(transport.Event)) {
	f.handlers = append(f.handlers, h)
}

func (f *fakeSocket) emit(ev transport.Event) {
	for _, h := range f.handlers {
		h(ev)
	}
}

func (f *fakeSocket) open() {
	f.connected = true
	f.emit(transport.Event{Kind: transport.EventOpen})
}

// connectQuietly marks the socket connected before its open event is
// dispatched, as the real transport does.
func (f *fakeSocket) connectQuietly() {
	f.connected = true
}

// channelEvent delivers a server message on the session's own topic.
func (f *fakeSocket) channelEvent(event protocol.Event, topic string) {
	f.emit(transport.Event{
		Kind:    transport.EventMessage,
		Message: protocol.Message{Topic: topic, Event: event, Payload: json.RawMessage(`{}`)},
	})
}

func (f *fakeSocket) close() {
	f.connected = false
	f.emit(transport.Event{Kind: transport.EventClose, Err: errors.New("read: EOF")})
}

func (f *fakeSocket) message(t *testing.T, event protocol.Event, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f.emit(transport.Event{
		Kind:    transport.EventMessage,
		Message: protocol.Message{Topic: "s", Event: event, Payload: body},
	})
}

type pushRecord struct {
	event   protocol.Event
	payload json.RawMessage
	onReply func(transport.Reply)
	replied bool
}

// fakeChannel records joins and pushes; tests answer them explicitly.
type fakeChannel struct {
	t      *testing.T
	joins  []func(transport.Reply)
	pushes []*pushRecord
}

func (c *fakeChannel) Join(onReply func(transport.Reply)) {
	c.joins = append(c.joins, onReply)
}

func (c *fakeChannel) Push(event protocol.Event, payload any, onReply func(transport.Reply)) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("marshal push payload: %v", err)
	}
	c.pushes = append(c.pushes, &pushRecord{event: event, payload: body, onReply: onReply})
}

func (c *fakeChannel) pushesOf(event protocol.Event) []*pushRecord {
	var out []*pushRecord
	for _, p := range c.pushes {
		if p.event == event {
			out = append(out, p)
		}
	}
	return out
}

func (c *fakeChannel) lastJoin(t *testing.T) func(transport.Reply) {
	t.Helper()
	if len(c.joins) == 0 {
		t.Fatal("expected a channel join")
	}
	return c.joins[len(c.joins)-1]
}

func reply(t *testing.T, p *pushRecord, status transport.ReplyStatus, response any) {
	t.Helper()
	if p.replied {
		t.Fatalf("push %s already replied", p.event)
	}
	p.replied = true

	var raw json.RawMessage
	if response != nil {
		body, err := json.Marshal(response)
		if err != nil {
			t.Fatalf("marshal response: %v", err)
		}
		raw = body
	}
	p.onReply(transport.Reply{Status: status, Response: raw})
}

func joinOK() transport.Reply {
	return transport.Reply{Status: transport.ReplyOK, Response: json.RawMessage(`{}`)}
}

func newTestSession(t *testing.T) (*Session, *fakeSocket, *fakeChannel) {
	t.Helper()
	sock := &fakeSocket{}
	ch := &fakeChannel{t: t}
	return New(context.Background(), sock, ch, protocol.ControlTopic, zap.NewNop()), sock, ch
}

// joinedSession returns a session whose channel is already joined.
func joinedSession(t *testing.T) (*Session, *fakeSocket, *fakeChannel) {
	t.Helper()
	s, sock, ch := newTestSession(t)
	sock.open()

	s.mu.Lock()
	var fx effects
	s.submit(&fx, func(uint64) {})
	s.mu.Unlock()
	fx.run()

	ch.lastJoin(t)(joinOK())
	if st := s.Stats(); !st.Joined || st.Joining {
		t.Fatalf("expected joined session, got %+v", st)
	}
	return s, sock, ch
}

// recorder captures notifier or subscription observer callbacks in order.
type recorder struct {
	events []string
	errs   []error
	values []string
	ids    []string
}

func (r *recorder) record(event string) {
	r.events = append(r.events, event)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) notifierObserver() *notifier.Observer {
	return &notifier.Observer{
		OnStart: func(n notifier.Notifier) {
			r.record("start")
			r.ids = append(r.ids, n.SubscriptionID)
		},
		OnAbort: func(err error) {
			r.record("abort")
			r.errs = append(r.errs, err)
		},
		OnError: func(err error) {
			r.record("error")
			r.errs = append(r.errs, err)
		},
		OnValue: func(v json.RawMessage) {
			r.record("value")
			r.values = append(r.values, string(v))
		},
	}
}

func (r *recorder) subscriptionObserver() *subscription.Observer {
	return &subscription.Observer{
		OnOpen: func(s subscription.Subscription) {
			r.record("open")
			r.ids = append(r.ids, s.ID)
		},
		OnAbort: func(err error) {
			r.record("abort")
			r.errs = append(r.errs, err)
		},
		OnError: func(err error) {
			r.record("error")
			r.errs = append(r.errs, err)
		},
		OnValue: func(v json.RawMessage) {
			r.record("value")
			r.values = append(r.values, string(v))
		},
	}
}

func decodeRequest(t *testing.T, p *pushRecord) protocol.Request {
	t.Helper()
	var req protocol.Request
	if err := json.Unmarshal(p.payload, &req); err != nil {
		t.Fatalf("decode doc payload %s: %v", p.payload, err)
	}
	return req
}

func decodeUnsubscribe(t *testing.T, p *pushRecord) string {
	t.Helper()
	var u protocol.UnsubscribePayload
	if err := json.Unmarshal(p.payload, &u); err != nil {
		t.Fatalf("decode unsubscribe payload %s: %v", p.payload, err)
	}
	return u.SubscriptionID
}
