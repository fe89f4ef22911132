// Package fanout keeps ordered lists of observer records and delivers events
// to them. Lists are never modified in place: every change returns a new
// slice, so a list captured before a notification stays stable while
// observers run.
package fanout

// Append returns a new list with o at the end. Insertion order is
// notification order.
func Append[O any](observers []*O, o *O) []*O {
	next := make([]*O, 0, len(observers)+1)
	next = append(next, observers...)
	return append(next, o)
}

// Remove returns a new list without the first entry that is o.
// Removing an absent observer returns an equal copy.
func Remove[O any](observers []*O, o *O) []*O {
	next := make([]*O, 0, len(observers))
	removed := false
	for _, existing := range observers {
		if !removed && existing == o {
			removed = true
			continue
		}
		next = append(next, existing)
	}
	return next
}

// Contains reports whether o is in the list.
func Contains[O any](observers []*O, o *O) bool {
	for _, existing := range observers {
		if existing == o {
			return true
		}
	}
	return false
}

// Notify calls the callback picked by slot on every observer that defines
// it, in insertion order. Panics raised by callbacks are not recovered.
func Notify[O, P any](observers []*O, slot func(*O) func(P), payload P) int {
	called := 0
	for _, o := range observers {
		if cb := slot(o); cb != nil {
			cb(payload)
			called++
		}
	}
	return called
}

// NotifyMany applies Notify to the observers of every entity.
func NotifyMany[E, O, P any](entities []E, observersOf func(E) []*O, slot func(*O) func(P), payload P) int {
	called := 0
	for _, e := range entities {
		called += Notify(observersOf(e), slot, payload)
	}
	return called
}
