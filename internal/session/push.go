package session

import (
	"encoding/json"
	"time"

	"github.com/marcus-qen/gqlsocket/internal/metrics"
	"github.com/marcus-qen/gqlsocket/internal/notifier"
	"github.com/marcus-qen/gqlsocket/internal/protocol"
	"github.com/marcus-qen/gqlsocket/internal/subscription"
	"github.com/marcus-qen/gqlsocket/internal/telemetry"
	"github.com/marcus-qen/gqlsocket/internal/transport"
	"go.uber.org/zap"
)

// maxUnsubscribeAttempts bounds the resubmission of rejected unsubscribes.
const maxUnsubscribeAttempts = 3

// push sends one message and routes its single reply to handle.
func (s *Session) push(event protocol.Event, operationType protocol.OperationType, payload any, handle func(transport.Reply)) {
	_, span := telemetry.StartPushSpan(s.ctx, string(event), string(operationType))
	metrics.RecordPush(string(event))
	sent := time.Now()

	s.channel.Push(event, payload, func(r transport.Reply) {
		telemetry.EndReplySpan(span, string(r.Status), r.Reason())
		metrics.RecordPushReply(string(event), string(r.Status), time.Since(sent))
		handle(r)
	})
}

// pushRequest pushes the stored notifier for req, if it is still stored and
// generation is the current join. Queries and mutations get OnStart before
// their first push.
func (s *Session) pushRequest(req *protocol.Request, generation uint64) {
	s.mu.Lock()
	if !s.current(generation) {
		s.mu.Unlock()
		return
	}
	n, ok := notifier.FindByRequest(s.notifiers, req)
	start := ok && !n.IsSubscription() && !n.Started
	if start {
		n.Started = true
		s.notifiers = notifier.Refresh(s.notifiers, n)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if start {
		metrics.RecordObserverEvents("start", n.NotifyStart())
	}

	s.push(protocol.EventDoc, n.OperationType, req, func(r transport.Reply) {
		s.onDocReply(req, r)
	})
}

func decodeDocResponse(r transport.Reply) (protocol.DocResponse, error) {
	var resp protocol.DocResponse
	if len(r.Response) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(r.Response, &resp); err != nil {
		return resp, &PushRejectedError{Reason: "invalid response: " + err.Error()}
	}
	return resp, nil
}

func (s *Session) onDocReply(req *protocol.Request, r transport.Reply) {
	s.mu.Lock()
	n, ok := notifier.FindByRequest(s.notifiers, req)
	if !ok {
		s.mu.Unlock()
		s.onOrphanReply(r)
		return
	}

	switch r.Status {
	case transport.ReplyOK:
		resp, err := decodeDocResponse(r)
		switch {
		case err != nil:
			s.removeNotifier(n)
			s.mu.Unlock()
			s.failNotifier(n, err)
		case len(resp.Errors) > 0:
			s.removeNotifier(n)
			s.mu.Unlock()
			metrics.RecordObserverEvents("abort", n.NotifyAbort(&GraphQLError{Errors: resp.Errors}))
		case n.IsSubscription():
			n = n.WithSubscriptionID(resp.SubscriptionID)
			s.notifiers = notifier.Refresh(s.notifiers, n)
			s.mu.Unlock()
			metrics.RecordObserverEvents("start", n.NotifyStart())
		case len(resp.ResultValue()) == 0:
			s.removeNotifier(n)
			s.mu.Unlock()
			s.failNotifier(n, &PushRejectedError{Reason: "reply carried no result"})
		default:
			s.removeNotifier(n)
			s.mu.Unlock()
			metrics.RecordObserverEvents("value", n.NotifyValue(resp.ResultValue()))
		}

	case transport.ReplyError:
		s.removeNotifier(n)
		s.mu.Unlock()
		s.failNotifier(n, &PushRejectedError{Reason: r.Reason()})

	case transport.ReplyTimeout:
		s.mu.Unlock()
		metrics.RecordObserverEvents("error", n.NotifyError(ErrRequestTimeout))

	default:
		s.mu.Unlock()
	}
}

// removeNotifier must be called with s.mu held.
func (s *Session) removeNotifier(n notifier.Notifier) {
	s.notifiers = notifier.Remove(s.notifiers, n)
	s.recordPending()
}

// failNotifier delivers a terminal failure: mutations abort, the rest error.
func (s *Session) failNotifier(n notifier.Notifier, err error) {
	if n.IsMutation() {
		metrics.RecordObserverEvents("abort", n.NotifyAbort(err))
		return
	}
	metrics.RecordObserverEvents("error", n.NotifyError(err))
}

// onOrphanReply handles a doc reply whose notifier or subscription is gone.
// A subscription the server opened for nobody is closed again.
func (s *Session) onOrphanReply(r transport.Reply) {
	if r.Status != transport.ReplyOK {
		return
	}
	resp, err := decodeDocResponse(r)
	if err != nil || resp.SubscriptionID == "" {
		return
	}
	s.logger.Debug("subscription opened after last observer left",
		zap.String("subscription_id", resp.SubscriptionID),
	)
	s.pushUnsubscribe(resp.SubscriptionID, nil)
}

// pushSubscribe pushes the subscribe document for message, if the
// subscription is still stored and generation is the current join.
func (s *Session) pushSubscribe(message protocol.Request, generation uint64) {
	s.mu.Lock()
	_, ok := subscription.Find(s.subscriptions, subscription.Create(message))
	ok = ok && s.current(generation)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.push(protocol.EventDoc, protocol.Subscription, message, func(r transport.Reply) {
		s.onSubscribeReply(message, r)
	})
}

func (s *Session) onSubscribeReply(message protocol.Request, r transport.Reply) {
	s.mu.Lock()
	sub, ok := subscription.Find(s.subscriptions, subscription.Create(message))
	if !ok {
		s.mu.Unlock()
		s.onOrphanReply(r)
		return
	}

	switch r.Status {
	case transport.ReplyOK:
		resp, err := decodeDocResponse(r)
		switch {
		case err != nil:
			s.removeSubscription(sub)
			s.mu.Unlock()
			metrics.RecordObserverEvents("error", sub.NotifyError(err))
		case len(resp.Errors) > 0:
			s.removeSubscription(sub)
			s.mu.Unlock()
			metrics.RecordObserverEvents("abort", sub.NotifyAbort(&GraphQLError{Errors: resp.Errors}))
		default:
			sub = sub.WithID(resp.SubscriptionID)
			s.subscriptions = subscription.Update(s.subscriptions, sub)
			s.mu.Unlock()
			s.logger.Debug("subscription opened", zap.String("subscription_id", sub.ID))
			metrics.RecordObserverEvents("open", sub.NotifyOpen())
		}

	case transport.ReplyError:
		s.removeSubscription(sub)
		s.mu.Unlock()
		metrics.RecordObserverEvents("error", sub.NotifyError(&PushRejectedError{Reason: r.Reason()}))

	case transport.ReplyTimeout:
		s.mu.Unlock()
		metrics.RecordObserverEvents("error", sub.NotifyError(ErrRequestTimeout))

	default:
		s.mu.Unlock()
	}
}

// removeSubscription must be called with s.mu held.
func (s *Session) removeSubscription(sub subscription.Subscription) {
	s.subscriptions = subscription.Remove(s.subscriptions, sub)
	s.recordPending()
}

// pushUnsubscribe drops a server subscription. Rejections are resubmitted;
// a timeout is only reported to onTimeout, which may be nil.
func (s *Session) pushUnsubscribe(id string, onTimeout func(error)) {
	s.unsubscribeAttempt(id, onTimeout, 1)
}

func (s *Session) unsubscribeAttempt(id string, onTimeout func(error), attempt int) {
	payload := protocol.UnsubscribePayload{SubscriptionID: id}
	s.push(protocol.EventUnsubscribe, "", payload, func(r transport.Reply) {
		switch r.Status {
		case transport.ReplyOK:
			s.logger.Debug("unsubscribed", zap.String("subscription_id", id))
		case transport.ReplyError:
			if attempt >= maxUnsubscribeAttempts {
				s.logger.Warn("unsubscribe rejected, giving up",
					zap.String("subscription_id", id),
					zap.String("reason", r.Reason()),
					zap.Int("attempts", attempt),
				)
				return
			}
			s.logger.Warn("unsubscribe rejected, retrying",
				zap.String("subscription_id", id),
				zap.String("reason", r.Reason()),
			)
			s.unsubscribeAttempt(id, onTimeout, attempt+1)
		case transport.ReplyTimeout:
			s.logger.Warn("unsubscribe timed out", zap.String("subscription_id", id))
			if onTimeout != nil {
				onTimeout(ErrRequestTimeout)
				metrics.RecordObserverEvents("error", 1)
			}
		}
	})
}

// onSubscriptionData routes a server pushed value to the notifier and the
// subscription opened with its id.
func (s *Session) onSubscriptionData(payload json.RawMessage) {
	var data protocol.SubscriptionData
	if err := json.Unmarshal(payload, &data); err != nil {
		s.logger.Warn("invalid subscription data", zap.Error(err))
		return
	}

	s.mu.Lock()
	n, nok := notifier.FindBySubscriptionID(s.notifiers, data.SubscriptionID)
	sub, sok := subscription.FindByID(s.subscriptions, data.SubscriptionID)
	s.mu.Unlock()

	if !nok && !sok {
		s.logger.Debug("data for unknown subscription", zap.String("subscription_id", data.SubscriptionID))
		return
	}
	if nok {
		metrics.RecordObserverEvents("value", n.NotifyValue(data.Result))
	}
	if sok {
		metrics.RecordObserverEvents("value", sub.NotifyValue(data.Result))
	}
}
