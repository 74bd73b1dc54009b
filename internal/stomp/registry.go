package stomp

import (
	"sync"

	"github.com/google/uuid"
)

// Entry is one active subscription held by the registry.
type Entry struct {
	Destination    string
	SubscriptionID string
}

// Registry tracks active subscriptions for one connection. It is pure
// bookkeeping; the ConnectionManager is responsible for sending the
// matching SUBSCRIBE/UNSUBSCRIBE frames.
//
// Subscription ids are unique for the lifetime of one socket connection.
// After a reconnect the manager clears and re-subscribes every destination,
// so an id is never reused across connections.
type Registry struct {
	mu      sync.Mutex
	entries map[string]string // destination -> subscription id
	order   []string          // destinations in subscription order
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]string)}
}

// Subscribe records interest in a destination and returns its subscription
// id. Subscribing to an already-held quote chat destination is a no-op that
// returns the existing id; any other destination gets a fresh id.
func (r *Registry) Subscribe(destination string) (id string, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[destination]; ok && IsQuoteChatDest(destination) {
		return existing, false
	}

	id = "sub-" + uuid.New().String()
	if _, ok := r.entries[destination]; !ok {
		r.order = append(r.order, destination)
	}
	r.entries[destination] = id
	return id, true
}

// Unsubscribe removes a destination and returns the id it held.
func (r *Registry) Unsubscribe(destination string) (id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok = r.entries[destination]
	if !ok {
		return "", false
	}
	delete(r.entries, destination)
	for i, d := range r.order {
		if d == destination {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return id, true
}

// Lookup returns the subscription id held for a destination.
func (r *Registry) Lookup(destination string) (id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok = r.entries[destination]
	return id, ok
}

// AllActive returns every subscription in the order it was first created.
func (r *Registry) AllActive() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.order))
	for _, d := range r.order {
		out = append(out, Entry{Destination: d, SubscriptionID: r.entries[d]})
	}
	return out
}

// ChatDestinations returns the quote chat destinations currently held, in
// subscription order. Used for the delayed resubscription pass after a
// reconnect.
func (r *Registry) ChatDestinations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, d := range r.order {
		if IsQuoteChatDest(d) {
			out = append(out, d)
		}
	}
	return out
}

// Renew assigns a fresh subscription id to a destination already in the
// registry, preserving its position. Used when replaying subscriptions on a
// new connection.
func (r *Registry) Renew(destination string) (id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok = r.entries[destination]; !ok {
		return "", false
	}
	id = "sub-" + uuid.New().String()
	r.entries[destination] = id
	return id, true
}

// Clear removes every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]string)
	r.order = nil
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
