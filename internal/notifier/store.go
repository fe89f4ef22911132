package notifier

import "github.com/marcus-qen/gqlsocket/internal/protocol"

// Store operations. None of them modify the slice they are given.

// Insert appends n. Duplicate requests are not checked.
func Insert(store []Notifier, n Notifier) []Notifier {
	next := make([]Notifier, 0, len(store)+1)
	next = append(next, store...)
	return append(next, n)
}

func indexOf(store []Notifier, request *protocol.Request) int {
	for i, n := range store {
		if n.Request == request {
			return i
		}
	}
	return -1
}

// FindByRequest returns the stored notifier for request.
func FindByRequest(store []Notifier, request *protocol.Request) (Notifier, bool) {
	if i := indexOf(store, request); i >= 0 {
		return store[i], true
	}
	return Notifier{}, false
}

// FindBySubscriptionID returns the stored notifier bound to a server
// subscription id.
func FindBySubscriptionID(store []Notifier, id string) (Notifier, bool) {
	if id == "" {
		return Notifier{}, false
	}
	for _, n := range store {
		if n.SubscriptionID == id {
			return n, true
		}
	}
	return Notifier{}, false
}

// Refresh replaces the stored entry with the same request by n.
// A notifier that is no longer stored is not re-added.
func Refresh(store []Notifier, n Notifier) []Notifier {
	i := indexOf(store, n.Request)
	if i < 0 {
		return store
	}
	next := make([]Notifier, len(store))
	copy(next, store)
	next[i] = n
	return next
}

// Remove deletes the stored entry with the same request as n.
func Remove(store []Notifier, n Notifier) []Notifier {
	i := indexOf(store, n.Request)
	if i < 0 {
		return store
	}
	next := make([]Notifier, 0, len(store)-1)
	next = append(next, store[:i]...)
	return append(next, store[i+1:]...)
}
