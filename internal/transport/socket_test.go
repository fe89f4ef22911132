package transport

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/gqlsocket/internal/phxtest"
	"github.com/marcus-qen/gqlsocket/internal/protocol"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, timeout time.Duration, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition after %s", timeout)
}

// eventLog records socket events in delivery order.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) messages(event protocol.Event) []protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []protocol.Message
	for _, ev := range l.events {
		if ev.Kind == EventMessage && ev.Message.Event == event {
			out = append(out, ev.Message)
		}
	}
	return out
}

type replyBox struct {
	mu      sync.Mutex
	replies []Reply
}

func (b *replyBox) add(r Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies = append(b.replies, r)
}

func (b *replyBox) get() []Reply {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Reply(nil), b.replies...)
}

func testOptions() Options {
	return Options{
		HeartbeatInterval: time.Hour,
		PushTimeout:       200 * time.Millisecond,
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
	}
}

func connectedSocket(t *testing.T, srv *phxtest.Server, opts Options) (*Socket, *eventLog) {
	t.Helper()
	sock := NewSocket(srv.URL(), opts, zap.NewNop())
	t.Cleanup(sock.Close)

	log := &eventLog{}
	sock.OnEvent(log.add)
	sock.Connect()

	waitFor(t, 2*time.Second, func() bool { return log.count(EventOpen) == 1 && srv.Connected() == 1 })
	if !sock.IsConnected() {
		t.Fatal("expected socket to report connected after open")
	}
	return sock, log
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		endpoint string
		params   map[string]string
		want     string
	}{
		{endpoint: "http://localhost:4000/socket", want: "ws://localhost:4000/socket/websocket?vsn=1.0.0"},
		{endpoint: "https://api.example.com/socket/", want: "wss://api.example.com/socket/websocket?vsn=1.0.0"},
		{endpoint: "ws://h/socket/websocket", want: "ws://h/socket/websocket?vsn=1.0.0"},
		{endpoint: "wss://h/socket", params: map[string]string{"token": "abc"}, want: "wss://h/socket/websocket?token=abc&vsn=1.0.0"},
	}
	for _, tt := range tests {
		s := &Socket{endpoint: tt.endpoint, opts: Options{Params: tt.params}.withDefaults()}
		got, err := s.socketURL()
		if err != nil {
			t.Fatalf("socketURL(%q): %v", tt.endpoint, err)
		}
		if got != tt.want {
			t.Errorf("socketURL(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}

	s := &Socket{endpoint: "ftp://h/socket"}
	if _, err := s.socketURL(); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.HeartbeatInterval != defaultHeartbeatInterval || o.PushTimeout != defaultPushTimeout {
		t.Fatalf("unexpected defaults %+v", o)
	}
	if o.MaxReconnectDelay < o.ReconnectDelay {
		t.Fatalf("max delay %s below base delay %s", o.MaxReconnectDelay, o.ReconnectDelay)
	}

	o = Options{ReconnectDelay: time.Minute}.withDefaults()
	if o.MaxReconnectDelay != time.Minute {
		t.Fatalf("expected max delay raised to base delay, got %s", o.MaxReconnectDelay)
	}
}

func TestJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := jitter(base)
		if d < base || d >= base+base/2 {
			t.Fatalf("jitter(%s) = %s out of range", base, d)
		}
	}
	if jitter(0) != 0 {
		t.Fatal("jitter of zero must be zero")
	}
}

func TestJoinAndPushReplies(t *testing.T) {
	srv := phxtest.New(zap.NewNop(), func(msg protocol.Message) phxtest.Reply {
		switch msg.Event {
		case protocol.EventJoin:
			return phxtest.OK(map[string]any{})
		case protocol.EventDoc:
			return phxtest.OK(map[string]any{"subscriptionId": "sub-1"})
		default:
			return phxtest.Error("unmatched topic")
		}
	})
	defer srv.Close()

	sock, _ := connectedSocket(t, srv, testOptions())
	ch := sock.Channel(protocol.ControlTopic, nil)
	if ch.Topic() != protocol.ControlTopic {
		t.Fatalf("unexpected topic %q", ch.Topic())
	}
	if sock.Endpoint() != srv.URL() {
		t.Fatalf("unexpected endpoint %q", sock.Endpoint())
	}

	joins := &replyBox{}
	ch.Join(joins.add)
	waitFor(t, 2*time.Second, func() bool { return len(joins.get()) == 1 })
	if got := joins.get()[0]; got.Status != ReplyOK {
		t.Fatalf("expected join ok, got %+v", got)
	}

	pushes := &replyBox{}
	ch.Push(protocol.EventDoc, protocol.Request{Operation: "subscription{tick}"}, pushes.add)
	ch.Push(protocol.EventUnsubscribe, protocol.UnsubscribePayload{SubscriptionID: "x"}, pushes.add)
	waitFor(t, 2*time.Second, func() bool { return len(pushes.get()) == 2 })

	got := pushes.get()
	if got[0].Status != ReplyOK {
		t.Fatalf("expected doc ok, got %+v", got[0])
	}
	var doc protocol.DocResponse
	if err := json.Unmarshal(got[0].Response, &doc); err != nil || doc.SubscriptionID != "sub-1" {
		t.Fatalf("unexpected doc response %s (%v)", got[0].Response, err)
	}
	if got[1].Status != ReplyError || got[1].Reason() != "unmatched topic" {
		t.Fatalf("expected error reply with reason, got %+v (%s)", got[1], got[1].Reason())
	}

	joinMsgs := srv.Received(protocol.EventJoin)
	docMsgs := srv.Received(protocol.EventDoc)
	if len(joinMsgs) != 1 || len(docMsgs) != 1 {
		t.Fatalf("unexpected server view joins=%d docs=%d", len(joinMsgs), len(docMsgs))
	}
	if docMsgs[0].JoinRef != joinMsgs[0].Ref {
		t.Fatalf("push join_ref %q should match join ref %q", docMsgs[0].JoinRef, joinMsgs[0].Ref)
	}
	var req protocol.Request
	if err := json.Unmarshal(docMsgs[0].Payload, &req); err != nil || req.Operation != "subscription{tick}" {
		t.Fatalf("unexpected doc payload %s", docMsgs[0].Payload)
	}
}

func TestPushTimeout(t *testing.T) {
	srv := phxtest.New(zap.NewNop(), func(msg protocol.Message) phxtest.Reply {
		return phxtest.NoReply
	})
	defer srv.Close()

	sock, _ := connectedSocket(t, srv, testOptions())
	ch := sock.Channel(protocol.ControlTopic, nil)

	box := &replyBox{}
	ch.Push(protocol.EventDoc, protocol.Request{Operation: "{a}"}, box.add)
	waitFor(t, 2*time.Second, func() bool { return len(box.get()) == 1 })

	if got := box.get()[0]; got.Status != ReplyTimeout || got.Reason() != "timeout" {
		t.Fatalf("expected timeout, got %+v", got)
	}

	// nothing else arrives for the same push
	time.Sleep(50 * time.Millisecond)
	if n := len(box.get()); n != 1 {
		t.Fatalf("expected exactly one reply, got %d", n)
	}
}

func TestUnencodablePayloadRepliesError(t *testing.T) {
	srv := phxtest.New(zap.NewNop(), nil)
	defer srv.Close()

	sock, _ := connectedSocket(t, srv, testOptions())
	ch := sock.Channel(protocol.ControlTopic, nil)

	box := &replyBox{}
	ch.Push(protocol.EventDoc, map[string]any{"bad": make(chan int)}, box.add)
	waitFor(t, time.Second, func() bool { return len(box.get()) == 1 })

	got := box.get()[0]
	if got.Status != ReplyError || !strings.Contains(got.Reason(), "encode payload") {
		t.Fatalf("expected encode error, got %+v", got)
	}
}

func TestServerMessagesAreDispatched(t *testing.T) {
	srv := phxtest.New(zap.NewNop(), nil)
	defer srv.Close()

	_, log := connectedSocket(t, srv, testOptions())

	payload := protocol.SubscriptionData{SubscriptionID: "s1", Result: json.RawMessage(`{"data":1}`)}
	if err := srv.Broadcast("s1", protocol.EventSubscriptionData, payload); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(log.messages(protocol.EventSubscriptionData)) == 1 })

	msg := log.messages(protocol.EventSubscriptionData)[0]
	var data protocol.SubscriptionData
	if err := json.Unmarshal(msg.Payload, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.SubscriptionID != "s1" || string(data.Result) != `{"data":1}` {
		t.Fatalf("unexpected data %+v", data)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := phxtest.New(zap.NewNop(), func(msg protocol.Message) phxtest.Reply {
		return phxtest.NoReply
	})
	defer srv.Close()

	opts := testOptions()
	opts.PushTimeout = time.Hour
	sock, log := connectedSocket(t, srv, opts)

	box := &replyBox{}
	sock.Channel(protocol.ControlTopic, nil).Push(protocol.EventDoc, protocol.Request{Operation: "{a}"}, box.add)
	waitFor(t, 2*time.Second, func() bool { return len(srv.Received(protocol.EventDoc)) == 1 })

	srv.DropConnections()

	waitFor(t, 2*time.Second, func() bool { return log.count(EventClose) == 1 })
	waitFor(t, 2*time.Second, func() bool { return log.count(EventOpen) == 2 })

	log.mu.Lock()
	closeErr := log.events[1].Err
	order := []EventKind{log.events[0].Kind, log.events[1].Kind, log.events[2].Kind}
	log.mu.Unlock()
	if order[0] != EventOpen || order[1] != EventClose || order[2] != EventOpen {
		t.Fatalf("unexpected event order %v", order)
	}
	if closeErr == nil {
		t.Fatal("expected close event to carry the read error")
	}

	// pending replies are dropped with the connection
	if n := len(box.get()); n != 0 {
		t.Fatalf("expected no reply for dropped push, got %d", n)
	}
	sock.mu.Lock()
	pending := len(sock.pending)
	sock.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected pending replies cleared, got %d", pending)
	}
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	srv := phxtest.New(zap.NewNop(), nil)
	defer srv.Close()

	sock, log := connectedSocket(t, srv, testOptions())
	sock.Disconnect()

	waitFor(t, 2*time.Second, func() bool { return log.count(EventClose) == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := log.count(EventOpen); n != 1 {
		t.Fatalf("expected no reconnect after Disconnect, got %d opens", n)
	}
	if sock.IsConnected() {
		t.Fatal("expected disconnected")
	}

	// Connect may be called again afterwards
	sock.Connect()
	waitFor(t, 2*time.Second, func() bool { return log.count(EventOpen) == 2 })
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := phxtest.New(zap.NewNop(), nil)
	defer srv.Close()

	sock, _ := connectedSocket(t, srv, testOptions())
	sock.Connect()
	sock.Connect()

	time.Sleep(50 * time.Millisecond)
	if n := srv.Connected(); n != 1 {
		t.Fatalf("expected one server connection, got %d", n)
	}
	if n := srv.Attempts(); n != 1 {
		t.Fatalf("expected one handshake, got %d", n)
	}
}

func TestHandshakeRejectionKeepsRetrying(t *testing.T) {
	srv := phxtest.New(zap.NewNop(), nil)
	defer srv.Close()
	srv.SetAuthenticator(func(r *http.Request) int { return http.StatusBadGateway })

	sock := NewSocket(srv.URL(), testOptions(), zap.NewNop())
	defer sock.Close()
	log := &eventLog{}
	sock.OnEvent(log.add)
	sock.Connect()

	waitFor(t, 2*time.Second, func() bool { return srv.Attempts() >= 2 })
	if log.count(EventOpen) != 0 || log.count(EventClose) != 0 {
		t.Fatal("failed handshakes must not emit lifecycle events")
	}

	srv.SetAuthenticator(nil)
	waitFor(t, 2*time.Second, func() bool { return log.count(EventOpen) == 1 })
}

func TestHeartbeatIsSent(t *testing.T) {
	srv := phxtest.New(zap.NewNop(), nil)
	defer srv.Close()

	opts := testOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	connectedSocket(t, srv, opts)

	waitFor(t, 2*time.Second, func() bool { return len(srv.Received(protocol.EventHeartbeat)) >= 2 })
	hb := srv.Received(protocol.EventHeartbeat)[0]
	if hb.Topic != protocol.PhoenixTopic || hb.Ref == "" {
		t.Fatalf("unexpected heartbeat %+v", hb)
	}
}

func TestHandshakeErrorMessage(t *testing.T) {
	err := &handshakeError{StatusCode: 403, Body: "nope"}
	if !strings.Contains(err.Error(), "status=403") || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("unexpected error text %q", err.Error())
	}
	err = &handshakeError{StatusCode: 500}
	if got := err.Error(); got != "server rejected socket connection (status=500)" {
		t.Fatalf("unexpected error text %q", got)
	}
}
