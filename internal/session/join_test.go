package session

import (
	"context"
	"errors"
	"testing"

	"github.com/marcus-qen/gqlsocket/internal/notifier"
	"github.com/marcus-qen/gqlsocket/internal/protocol"
	"github.com/marcus-qen/gqlsocket/internal/transport"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestSendBeforeOpenEventJoinsOnce(t *testing.T) {
	s, sock, ch := newTestSession(t)
	rec := &recorder{}

	// the transport reports connected before the open event is dispatched
	sock.connectQuietly()
	s.Send(query("mutation { charge }"), rec.notifierObserver())
	sock.emit(transport.Event{Kind: transport.EventOpen})

	if len(ch.joins) != 1 {
		t.Fatalf("expected a single join, got %d", len(ch.joins))
	}
	for _, join := range ch.joins {
		join(joinOK())
	}

	if n := len(ch.pushesOf(protocol.EventDoc)); n != 1 {
		t.Fatalf("mutation pushed %d times, want 1", n)
	}
	if rec.count("start") != 1 {
		t.Fatalf("expected one start, got %v", rec.events)
	}
}

func TestOpenWhileJoinInFlightDoesNotJoinAgain(t *testing.T) {
	s, sock, ch := newTestSession(t)

	s.Send(query("{a}"))
	sock.open()
	sock.emit(transport.Event{Kind: transport.EventOpen})

	if len(ch.joins) != 1 {
		t.Fatalf("expected a single join, got %d", len(ch.joins))
	}
	ch.joins[0](joinOK())
	if n := len(ch.pushesOf(protocol.EventDoc)); n != 1 {
		t.Fatalf("expected one push, got %d", n)
	}
}

func TestPushQueuedBeforeRejoinIsDropped(t *testing.T) {
	s, sock, ch := joinedSession(t)
	rec := &recorder{}

	// a send that queued its push under the old join, run only after a
	// close and a fresh join already replayed it
	req := query("{a}")
	n := notifier.Create(&req).Observe(rec.notifierObserver())
	var fx effects
	s.mu.Lock()
	s.notifiers = notifier.Insert(s.notifiers, n)
	s.submit(&fx, func(generation uint64) { s.pushRequest(n.Request, generation) })
	s.mu.Unlock()

	sock.close()
	sock.open()
	ch.lastJoin(t)(joinOK())
	fx.run()

	if n := len(ch.pushesOf(protocol.EventDoc)); n != 1 {
		t.Fatalf("request pushed %d times, want 1", n)
	}
	if rec.count("start") != 1 {
		t.Fatalf("expected one start, got %v", rec.events)
	}
}

func TestPushQueuedBeforeCloseWaitsForReplay(t *testing.T) {
	s, sock, ch := joinedSession(t)

	req := query("{a}")
	n := notifier.Create(&req)
	var fx effects
	s.mu.Lock()
	s.notifiers = notifier.Insert(s.notifiers, n)
	s.submit(&fx, func(generation uint64) { s.pushRequest(n.Request, generation) })
	s.mu.Unlock()

	sock.close()
	fx.run()
	if len(ch.pushes) != 0 {
		t.Fatal("nothing may be pushed on a closed channel")
	}

	sock.open()
	ch.lastJoin(t)(joinOK())
	if n := len(ch.pushesOf(protocol.EventDoc)); n != 1 {
		t.Fatalf("expected the request replayed once, got %d", n)
	}
}

func TestChannelErrorRejoins(t *testing.T) {
	s, sock, ch := joinedSession(t)
	q := &recorder{}
	m := &recorder{}

	s.Send(query("{q}"), q.notifierObserver())
	s.Send(query("mutation{m}"), m.notifierObserver())
	joins := len(ch.joins)

	// other topics are not ours
	sock.channelEvent(protocol.EventError, "room:lobby")
	if st := s.Stats(); !st.Joined || len(ch.joins) != joins {
		t.Fatalf("foreign topic must be ignored, got %+v", st)
	}

	sock.channelEvent(protocol.EventError, protocol.ControlTopic)

	if m.count("abort") != 1 || !errors.Is(m.errs[0], ErrChannelClosed) {
		t.Fatalf("mutation: expected abort with channel closed, got %v %v", m.events, m.errs)
	}
	if q.count("error") != 1 || !errors.Is(q.errs[0], ErrChannelClosed) {
		t.Fatalf("query: expected OnError channel closed, got %v %v", q.events, q.errs)
	}
	st := s.Stats()
	if st.Joined || !st.Joining || st.Notifiers != 1 {
		t.Fatalf("expected rejoining with the query pending, got %+v", st)
	}
	if len(ch.joins) != joins+1 {
		t.Fatalf("expected a rejoin, got %d joins", len(ch.joins)-joins)
	}

	ch.lastJoin(t)(joinOK())
	docs := ch.pushesOf(protocol.EventDoc)
	if len(docs) != 3 || decodeRequest(t, docs[2]).Operation != "{q}" {
		t.Fatalf("expected the query replayed after rejoin, got %d pushes", len(docs))
	}
}

func TestChannelCloseWithNothingPendingGoesIdle(t *testing.T) {
	s, sock, ch := joinedSession(t)
	joins := len(ch.joins)

	sock.channelEvent(protocol.EventClose, protocol.ControlTopic)

	if st := s.Stats(); st.Joined || st.Joining {
		t.Fatalf("expected idle session, got %+v", st)
	}
	if len(ch.joins) != joins {
		t.Fatal("nothing pending, no rejoin expected")
	}

	// the next submission joins again instead of pushing blind
	s.Send(query("{a}"))
	if len(ch.joins) != joins+1 || len(ch.pushes) != 0 {
		t.Fatalf("expected a join before any push, joins=%d pushes=%d", len(ch.joins)-joins, len(ch.pushes))
	}
}

func TestSpansNestUnderSessionContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	ctx, parent := tp.Tracer("test").Start(context.Background(), "command")
	sock := &fakeSocket{}
	ch := &fakeChannel{t: t}
	s := New(ctx, sock, ch, protocol.ControlTopic, zap.NewNop())

	sock.open()
	s.Send(query("{a}"))
	ch.lastJoin(t)(joinOK())
	reply(t, ch.pushesOf(protocol.EventDoc)[0], transport.ReplyOK, map[string]any{"payload": map[string]any{"result": 1}})
	parent.End()

	seen := map[string]bool{}
	for _, span := range exporter.GetSpans() {
		if span.Name == "command" {
			continue
		}
		seen[span.Name] = true
		if span.Parent.SpanID() != parent.SpanContext().SpanID() {
			t.Errorf("%s: expected parent %s, got %s", span.Name, parent.SpanContext().SpanID(), span.Parent.SpanID())
		}
	}
	if !seen["channel.join"] || !seen["channel.push"] {
		t.Fatalf("expected join and push spans, got %v", seen)
	}
}
