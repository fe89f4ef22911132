// Package notifier tracks outstanding GraphQL requests and the observers
// waiting on them.
//
// A Notifier is a value. Changes produce a new value which the owner writes
// back into its store with Refresh, so the store is always the authoritative
// copy and a value handed to an observer never changes underneath it.
package notifier

import (
	"encoding/json"

	"github.com/marcus-qen/gqlsocket/internal/fanout"
	"github.com/marcus-qen/gqlsocket/internal/protocol"
)

// Observer receives the events of one notifier. Every callback is optional.
type Observer struct {
	// OnStart fires when a query or mutation is pushed, or when the server
	// acknowledges a subscription.
	OnStart func(Notifier)
	// OnAbort fires when the request is terminated and will not be retried.
	OnAbort func(error)
	// OnError reports a failure; the request may still be retried.
	OnError func(error)
	// OnValue delivers a result: once for queries and mutations, once per
	// event for subscriptions.
	OnValue func(json.RawMessage)
}

// Notifier is one outstanding query, mutation or subscription.
type Notifier struct {
	// Request identifies the notifier: two sends of equal documents are two
	// notifiers.
	Request        *protocol.Request
	OperationType  protocol.OperationType
	Observers      []*Observer
	SubscriptionID string
	// Started is set once OnStart has been delivered for a query or mutation.
	Started bool
}

// Create returns a notifier for request with no observers.
func Create(request *protocol.Request) Notifier {
	return Notifier{
		Request:       request,
		OperationType: protocol.OperationTypeOf(request.Operation),
	}
}

// Observe returns a copy of n with o appended to its observers.
func (n Notifier) Observe(o *Observer) Notifier {
	n.Observers = fanout.Append(n.Observers, o)
	return n
}

// Unobserve returns a copy of n without o.
func (n Notifier) Unobserve(o *Observer) Notifier {
	n.Observers = fanout.Remove(n.Observers, o)
	return n
}

// HasObserver reports whether o is attached to n.
func (n Notifier) HasObserver(o *Observer) bool {
	return fanout.Contains(n.Observers, o)
}

// WithSubscriptionID returns a copy of n bound to a server subscription id.
func (n Notifier) WithSubscriptionID(id string) Notifier {
	n.SubscriptionID = id
	return n
}

// IsMutation reports whether n carries a mutation.
func (n Notifier) IsMutation() bool {
	return n.OperationType == protocol.Mutation
}

// IsSubscription reports whether n carries a subscription.
func (n Notifier) IsSubscription() bool {
	return n.OperationType == protocol.Subscription
}

func startSlot(o *Observer) func(Notifier)        { return o.OnStart }
func abortSlot(o *Observer) func(error)           { return o.OnAbort }
func errorSlot(o *Observer) func(error)           { return o.OnError }
func valueSlot(o *Observer) func(json.RawMessage) { return o.OnValue }

func observersOf(n Notifier) []*Observer { return n.Observers }

// NotifyStart delivers OnStart with n itself.
func (n Notifier) NotifyStart() int { return fanout.Notify(n.Observers, startSlot, n) }

// NotifyAbort delivers OnAbort.
func (n Notifier) NotifyAbort(err error) int { return fanout.Notify(n.Observers, abortSlot, err) }

// NotifyError delivers OnError.
func (n Notifier) NotifyError(err error) int { return fanout.Notify(n.Observers, errorSlot, err) }

// NotifyValue delivers OnValue.
func (n Notifier) NotifyValue(v json.RawMessage) int { return fanout.Notify(n.Observers, valueSlot, v) }

// NotifyAllAbort delivers OnAbort to every notifier in store.
func NotifyAllAbort(store []Notifier, err error) int {
	return fanout.NotifyMany(store, observersOf, abortSlot, err)
}

// NotifyAllError delivers OnError to every notifier in store.
func NotifyAllError(store []Notifier, err error) int {
	return fanout.NotifyMany(store, observersOf, errorSlot, err)
}
