package session

import (
	"github.com/marcus-qen/gqlsocket/internal/metrics"
	"github.com/marcus-qen/gqlsocket/internal/notifier"
	"github.com/marcus-qen/gqlsocket/internal/protocol"
	"github.com/marcus-qen/gqlsocket/internal/subscription"
	"github.com/marcus-qen/gqlsocket/internal/telemetry"
	"github.com/marcus-qen/gqlsocket/internal/transport"
	"go.uber.org/zap"
)

// The channel is in one of three states:
//
//	Idle     !isJoining && !joined
//	Joining  isJoining
//	Joined   joined && !isJoining
//
// joined is only set by a join ok on the current connection and cleared on
// close, so pushes never go out on a channel the server has not joined.
// At most one join is in flight (joinInFlight). Every join ok starts a new
// generation; a push queued under an older generation is dropped because
// the replay of the newer join already covers it.

// submit queues push when the channel is joined, or starts joining.
// Work submitted while a join is in flight is pushed by the join ok replay.
// Must be called with s.mu held.
func (s *Session) submit(fx *effects, push func(generation uint64)) {
	switch {
	case s.joined && !s.isJoining:
		generation := s.generation
		fx.add(func() { push(generation) })
	case s.isJoining:
	default:
		s.isJoining = true
		if s.socket.IsConnected() {
			s.startJoin(fx)
		} else {
			fx.add(s.socket.Connect)
		}
	}
}

// startJoin queues a join unless one is already in flight.
// Must be called with s.mu held.
func (s *Session) startJoin(fx *effects) {
	if s.joinInFlight {
		return
	}
	s.joinInFlight = true
	fx.add(s.joinChannel)
}

// current reports whether a push queued under generation may still go out.
// Must be called with s.mu held.
func (s *Session) current(generation uint64) bool {
	return s.joined && s.generation == generation
}

func (s *Session) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventOpen:
		metrics.RecordConnectionEvent(ev.Kind.String())
		s.onOpen()
	case transport.EventClose:
		metrics.RecordConnectionEvent(ev.Kind.String())
		s.onClose(ev.Err)
	case transport.EventMessage:
		switch ev.Message.Event {
		case protocol.EventSubscriptionData:
			s.onSubscriptionData(ev.Message.Payload)
		case protocol.EventError, protocol.EventClose:
			if ev.Message.Topic == s.topic {
				metrics.RecordConnectionEvent(string(ev.Message.Event))
				s.onChannelClose(ev.Message.Event)
			}
		}
	}
}

func (s *Session) onOpen() {
	var fx effects
	s.mu.Lock()
	pending := len(s.notifiers) + len(s.subscriptions)
	rejoin := s.isJoining && pending > 0
	if pending == 0 {
		s.isJoining = false
	}
	if rejoin {
		s.startJoin(&fx)
	}
	s.mu.Unlock()

	if len(fx) > 0 {
		s.logger.Info("socket opened, joining channel", zap.Int("pending", pending))
	}
	fx.run()
}

func (s *Session) onClose(cause error) {
	s.mu.Lock()
	// replies pending on the old connection are dropped, the join's too
	s.joinInFlight = false
	s.mu.Unlock()

	aborted, errored, subs := s.teardown(ErrConnectionClosed)
	s.logger.Info("socket closed",
		zap.Int("aborted", aborted),
		zap.Int("pending", errored+subs),
		zap.Error(cause),
	)
}

// onChannelClose handles the server closing or crashing the channel while
// the socket stays up. Pending work is torn down as on a socket close and
// the channel is joined again.
func (s *Session) onChannelClose(event protocol.Event) {
	aborted, errored, subs := s.teardown(ErrChannelClosed)
	s.logger.Warn("channel closed by server",
		zap.String("topic", s.topic),
		zap.String("event", string(event)),
		zap.Int("aborted", aborted),
		zap.Int("pending", errored+subs),
	)

	var fx effects
	s.mu.Lock()
	if s.isJoining && s.socket.IsConnected() {
		s.startJoin(&fx)
	}
	s.mu.Unlock()
	fx.run()
}

// teardown leaves the joined state: mutations abort and are removed, the
// rest errors with cause and stays for replay. Subscription ids are cleared
// since the server forgets them with the channel.
func (s *Session) teardown(cause error) (aborted, errored, subs int) {
	var abortedN, erroredN []notifier.Notifier

	s.mu.Lock()
	s.joined = false
	kept := make([]notifier.Notifier, 0, len(s.notifiers))
	for _, n := range s.notifiers {
		if n.IsMutation() {
			abortedN = append(abortedN, n)
			continue
		}
		n = n.WithSubscriptionID("")
		kept = append(kept, n)
		erroredN = append(erroredN, n)
	}
	s.notifiers = kept

	cleared := make([]subscription.Subscription, len(s.subscriptions))
	for i, sub := range s.subscriptions {
		cleared[i] = sub.WithID("")
	}
	s.subscriptions = cleared

	s.isJoining = len(s.notifiers)+len(s.subscriptions) > 0
	s.recordPending()
	s.mu.Unlock()

	metrics.RecordObserverEvents("abort", notifier.NotifyAllAbort(abortedN, cause))
	metrics.RecordObserverEvents("error", notifier.NotifyAllError(erroredN, cause))
	metrics.RecordObserverEvents("error", subscription.NotifyManyError(cleared, cause))
	return len(abortedN), len(erroredN), len(cleared)
}

func (s *Session) joinChannel() {
	_, span := telemetry.StartJoinSpan(s.ctx, s.topic)
	s.channel.Join(func(r transport.Reply) {
		telemetry.EndReplySpan(span, string(r.Status), r.Reason())
		metrics.RecordJoin(string(r.Status))
		s.onJoinReply(r)
	})
}

func (s *Session) onJoinReply(r transport.Reply) {
	s.mu.Lock()
	s.joinInFlight = false
	s.isJoining = false
	s.joined = r.Status == transport.ReplyOK
	if s.joined {
		s.generation++
	}
	generation := s.generation
	notifiers := s.notifiers
	subs := s.subscriptions
	s.mu.Unlock()

	if r.Status != transport.ReplyOK {
		err := &JoinError{Reason: r.Reason()}
		s.logger.Warn("channel join failed", zap.String("topic", s.topic), zap.Error(err))
		metrics.RecordObserverEvents("error", notifier.NotifyAllError(notifiers, err))
		metrics.RecordObserverEvents("error", subscription.NotifyManyError(subs, err))
		return
	}

	s.logger.Info("channel joined",
		zap.String("topic", s.topic),
		zap.Int("notifiers", len(notifiers)),
		zap.Int("subscriptions", len(subs)),
	)
	for _, n := range notifiers {
		s.pushRequest(n.Request, generation)
	}
	for _, sub := range subs {
		s.pushSubscribe(sub.Message, generation)
	}
}
