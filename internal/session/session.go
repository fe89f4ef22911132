// Package session runs GraphQL operations over a Phoenix channel whose socket
// may drop and reconnect at any time.
//
// A Session owns two stores: notifiers (one per Send) and subscriptions
// (one per distinct subscription message, shared by all its observers). It
// joins the channel on demand, replays pending work after every rejoin and
// fans reply events out to observers.
//
// Stores are replaced wholesale under a mutex. Observers and the transport
// are always called with the mutex released, so observer callbacks may call
// back into the session.
package session

import (
	"context"
	"sync"

	"github.com/marcus-qen/gqlsocket/internal/metrics"
	"github.com/marcus-qen/gqlsocket/internal/notifier"
	"github.com/marcus-qen/gqlsocket/internal/protocol"
	"github.com/marcus-qen/gqlsocket/internal/subscription"
	"github.com/marcus-qen/gqlsocket/internal/transport"
	"go.uber.org/zap"
)

// Socket is the part of the transport socket a session drives.
type Socket interface {
	IsConnected() bool
	Connect()
	OnEvent(handler func(transport.Event))
}

// Channel is the logical channel operations are pushed on. Every call
// delivers exactly one reply (ok, error or timeout) to onReply, unless the
// connection closes first.
type Channel interface {
	Join(onReply func(transport.Reply))
	Push(event protocol.Event, payload any, onReply func(transport.Reply))
}

// Session tracks the operations of one socket.
type Session struct {
	ctx     context.Context
	socket  Socket
	channel Channel
	topic   string
	logger  *zap.Logger

	mu            sync.Mutex
	notifiers     []notifier.Notifier
	subscriptions []subscription.Subscription
	isJoining     bool
	joinInFlight  bool
	joined        bool
	generation    uint64
}

// Stats is a snapshot of session state.
type Stats struct {
	Notifiers     int  `json:"pending_notifiers"`
	Subscriptions int  `json:"pending_subscriptions"`
	Joining       bool `json:"joining"`
	Joined        bool `json:"joined"`
}

// New creates a session and registers it for socket events. Join and push
// spans are started from ctx. topic must be the channel's topic; server
// phx_error and phx_close messages on it trigger a rejoin.
func New(ctx context.Context, socket Socket, channel Channel, topic string, logger *zap.Logger) *Session {
	s := &Session{
		ctx:     ctx,
		socket:  socket,
		channel: channel,
		topic:   topic,
		logger:  logger.Named("session"),
	}
	socket.OnEvent(s.handleEvent)
	return s
}

// effects are transport calls and observer notifications collected under the
// lock and run after it is released.
type effects []func()

func (fx *effects) add(f func()) {
	*fx = append(*fx, f)
}

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// Send submits request and returns its notifier. Observers passed here are
// attached before the request is pushed, so they see every event.
func (s *Session) Send(request protocol.Request, observers ...*notifier.Observer) notifier.Notifier {
	req := request
	n := notifier.Create(&req)
	for _, o := range observers {
		n = n.Observe(o)
	}

	var fx effects
	s.mu.Lock()
	s.notifiers = notifier.Insert(s.notifiers, n)
	s.recordPending()
	s.submit(&fx, func(generation uint64) { s.pushRequest(n.Request, generation) })
	s.mu.Unlock()

	s.logger.Debug("operation submitted", zap.String("operation_type", string(n.OperationType)))
	fx.run()
	return n
}

// Observe attaches o to a pending notifier.
func (s *Session) Observe(n notifier.Notifier, o *notifier.Observer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := notifier.FindByRequest(s.notifiers, n.Request)
	if !ok {
		return ErrOperationEnded
	}
	s.notifiers = notifier.Refresh(s.notifiers, cur.Observe(o))
	return nil
}

// Unobserve detaches o from n. A notifier left without observers is
// dropped, and an opened subscription behind it is unsubscribed.
func (s *Session) Unobserve(n notifier.Notifier, o *notifier.Observer) error {
	var fx effects
	s.mu.Lock()
	cur, ok := notifier.FindByRequest(s.notifiers, n.Request)
	if !ok || !cur.HasObserver(o) {
		s.mu.Unlock()
		return ErrAlreadyUnobserved
	}

	cur = cur.Unobserve(o)
	if len(cur.Observers) > 0 {
		s.notifiers = notifier.Refresh(s.notifiers, cur)
	} else {
		s.dropNotifier(&fx, cur, o.OnError)
	}
	s.mu.Unlock()

	fx.run()
	return nil
}

// Discard drops n whatever its observers. An opened subscription behind it
// is unsubscribed. No observer is notified.
func (s *Session) Discard(n notifier.Notifier) {
	var fx effects
	s.mu.Lock()
	if cur, ok := notifier.FindByRequest(s.notifiers, n.Request); ok {
		s.dropNotifier(&fx, cur, nil)
	}
	s.mu.Unlock()

	fx.run()
}

// dropNotifier must be called with s.mu held.
func (s *Session) dropNotifier(fx *effects, n notifier.Notifier, onTimeout func(error)) {
	s.notifiers = notifier.Remove(s.notifiers, n)
	s.recordPending()
	if n.IsSubscription() && n.SubscriptionID != "" {
		id := n.SubscriptionID
		fx.add(func() { s.pushUnsubscribe(id, onTimeout) })
	}
}

// Subscribe returns the shared subscription for message, submitting it if it
// is not tracked yet.
func (s *Session) Subscribe(message protocol.Request) subscription.Subscription {
	var fx effects
	s.mu.Lock()
	sub := s.subscribe(&fx, message)
	s.mu.Unlock()

	fx.run()
	return sub
}

// subscribe must be called with s.mu held.
func (s *Session) subscribe(fx *effects, message protocol.Request) subscription.Subscription {
	sub := subscription.Create(message)
	if existing, ok := subscription.Find(s.subscriptions, sub); ok {
		return existing
	}

	s.subscriptions = subscription.Insert(s.subscriptions, sub)
	s.recordPending()
	s.submit(fx, func(generation uint64) { s.pushSubscribe(message, generation) })
	return sub
}

// ObservationLink ties one observer to a shared subscription.
type ObservationLink struct {
	session  *Session
	message  protocol.Request
	observer *subscription.Observer
}

// ObserveSubscription attaches o to the subscription for message,
// subscribing first when needed.
func (s *Session) ObserveSubscription(message protocol.Request, o *subscription.Observer) *ObservationLink {
	var fx effects
	s.mu.Lock()
	sub := s.subscribe(&fx, message)
	if cur, ok := subscription.Find(s.subscriptions, sub); ok {
		s.subscriptions = subscription.Update(s.subscriptions, cur.AppendObserver(o))
	}
	s.mu.Unlock()

	fx.run()
	return &ObservationLink{session: s, message: message, observer: o}
}

// IsObserving reports whether the observer is still attached.
func (l *ObservationLink) IsObserving() bool {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()

	sub, ok := subscription.Find(l.session.subscriptions, subscription.Create(l.message))
	return ok && sub.HasObserver(l.observer)
}

// Unobserve detaches the observer. When it was the last one the subscription
// is dropped and, if the server opened it, unsubscribed.
func (l *ObservationLink) Unobserve() error {
	return l.session.unobserveSubscription(l.message, l.observer)
}

func (s *Session) unobserveSubscription(message protocol.Request, o *subscription.Observer) error {
	var fx effects
	s.mu.Lock()
	sub, ok := subscription.Find(s.subscriptions, subscription.Create(message))
	if !ok || !sub.HasObserver(o) {
		s.mu.Unlock()
		return ErrAlreadyUnobserved
	}

	sub = sub.RemoveObserver(o)
	if len(sub.Observers) > 0 {
		s.subscriptions = subscription.Update(s.subscriptions, sub)
	} else {
		s.subscriptions = subscription.Remove(s.subscriptions, sub)
		s.recordPending()
		if sub.IsOpen() {
			id := sub.ID
			fx.add(func() { s.pushUnsubscribe(id, o.OnError) })
		}
	}
	s.mu.Unlock()

	fx.run()
	return nil
}

// Stats returns a snapshot of the session state.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Notifiers:     len(s.notifiers),
		Subscriptions: len(s.subscriptions),
		Joining:       s.isJoining,
		Joined:        s.joined,
	}
}

// recordPending must be called with s.mu held.
func (s *Session) recordPending() {
	metrics.SetPending(len(s.notifiers), len(s.subscriptions))
}
