// Package subscription tracks server-side GraphQL subscriptions shared by
// several observers. A subscription is identified by its message (document
// plus variables) and, once the server acknowledged it, by the id the server
// assigned.
package subscription

import (
	"encoding/json"

	"github.com/marcus-qen/gqlsocket/internal/fanout"
	"github.com/marcus-qen/gqlsocket/internal/protocol"
)

// Observer receives the events of one subscription. Every callback is optional.
type Observer struct {
	OnOpen  func(Subscription)
	OnAbort func(error)
	OnError func(error)
	OnValue func(json.RawMessage)
}

// Subscription is a live server subscription and its observers.
type Subscription struct {
	Message   protocol.Request
	ID        string
	Observers []*Observer
}

// Create returns an unopened subscription for message.
func Create(message protocol.Request) Subscription {
	return Subscription{Message: message}
}

// Key is the identity of the subscription in a store.
func (s Subscription) Key() string {
	return s.Message.Key()
}

// IsOpen reports whether the server acknowledged the subscription.
func (s Subscription) IsOpen() bool {
	return s.ID != ""
}

// AppendObserver returns a copy of s with o attached.
func (s Subscription) AppendObserver(o *Observer) Subscription {
	s.Observers = fanout.Append(s.Observers, o)
	return s
}

// RemoveObserver returns a copy of s without o.
func (s Subscription) RemoveObserver(o *Observer) Subscription {
	s.Observers = fanout.Remove(s.Observers, o)
	return s
}

// HasObserver reports whether o is attached to s.
func (s Subscription) HasObserver(o *Observer) bool {
	return fanout.Contains(s.Observers, o)
}

// WithID returns a copy of s carrying id.
func (s Subscription) WithID(id string) Subscription {
	s.ID = id
	return s
}

func openSlot(o *Observer) func(Subscription)     { return o.OnOpen }
func abortSlot(o *Observer) func(error)           { return o.OnAbort }
func errorSlot(o *Observer) func(error)           { return o.OnError }
func valueSlot(o *Observer) func(json.RawMessage) { return o.OnValue }
func observersOf(s Subscription) []*Observer      { return s.Observers }

// NotifyOpen delivers OnOpen with s itself.
func (s Subscription) NotifyOpen() int { return fanout.Notify(s.Observers, openSlot, s) }

// NotifyAbort delivers OnAbort.
func (s Subscription) NotifyAbort(err error) int { return fanout.Notify(s.Observers, abortSlot, err) }

// NotifyError delivers OnError.
func (s Subscription) NotifyError(err error) int { return fanout.Notify(s.Observers, errorSlot, err) }

// NotifyValue delivers OnValue.
func (s Subscription) NotifyValue(v json.RawMessage) int {
	return fanout.Notify(s.Observers, valueSlot, v)
}

// NotifyManyError delivers OnError to every subscription in store.
func NotifyManyError(store []Subscription, err error) int {
	return fanout.NotifyMany(store, observersOf, errorSlot, err)
}
