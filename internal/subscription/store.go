package subscription

// Store operations. None of them modify the slice they are given.

// Insert appends s.
func Insert(store []Subscription, s Subscription) []Subscription {
	next := make([]Subscription, 0, len(store)+1)
	next = append(next, store...)
	return append(next, s)
}

func indexOf(store []Subscription, key string) int {
	for i, s := range store {
		if s.Key() == key {
			return i
		}
	}
	return -1
}

// Find returns the stored subscription with the same message as s.
func Find(store []Subscription, s Subscription) (Subscription, bool) {
	if i := indexOf(store, s.Key()); i >= 0 {
		return store[i], true
	}
	return Subscription{}, false
}

// FindByID returns the stored subscription the server opened with id.
func FindByID(store []Subscription, id string) (Subscription, bool) {
	if id == "" {
		return Subscription{}, false
	}
	for _, s := range store {
		if s.ID == id {
			return s, true
		}
	}
	return Subscription{}, false
}

// Update replaces the stored entry with the same message by s.
func Update(store []Subscription, s Subscription) []Subscription {
	i := indexOf(store, s.Key())
	if i < 0 {
		return store
	}
	next := make([]Subscription, len(store))
	copy(next, store)
	next[i] = s
	return next
}

// Remove deletes the stored entry with the same message as s.
func Remove(store []Subscription, s Subscription) []Subscription {
	i := indexOf(store, s.Key())
	if i < 0 {
		return store
	}
	next := make([]Subscription, 0, len(store)-1)
	next = append(next, store[:i]...)
	return append(next, store[i+1:]...)
}
