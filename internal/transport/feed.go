package transport

import (
	"sync"
	"time"

	"quotewire/internal/chat"
	"quotewire/internal/classify"
)

// historyCap bounds the recent-message history; the oldest entries are
// dropped on overflow.
const historyCap = 100

// subscriberBuffer is the channel depth for each feed subscriber. Events
// for a full subscriber are dropped rather than blocking the transport.
const subscriberBuffer = 64

// Event is one typed occurrence delivered to feed subscribers.
type Event struct {
	Kind      classify.Kind `json:"kind"`
	QuoteID   int64         `json:"quoteId,omitempty"`
	RequestID int64         `json:"requestId,omitempty"`
	// Message is set for chat-message events.
	Message *chat.Message `json:"message,omitempty"`
	// Body is the raw frame body for non-chat events.
	Body string    `json:"body,omitempty"`
	At   time.Time `json:"at"`
}

// Feed is the read model the transport publishes into: a capped
// recent-message history, a per-quote latest-message map, a connection
// state stream and a typed event stream. Single writer (the transport run
// loop), multiple readers.
type Feed struct {
	mu        sync.RWMutex
	history   []chat.Message
	latest    map[int64]chat.Message
	stateSubs map[int]chan State
	eventSubs map[int]chan Event
	nextSub   int
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{
		latest:    make(map[int64]chat.Message),
		stateSubs: make(map[int]chan State),
		eventSubs: make(map[int]chan Event),
	}
}

// AppendMessage records a chat message in the history and as the latest
// message for its quote, then fans it out as a chat event.
func (f *Feed) AppendMessage(m chat.Message) {
	f.mu.Lock()
	f.history = append(f.history, m)
	if overflow := len(f.history) - historyCap; overflow > 0 {
		f.history = append(f.history[:0:0], f.history[overflow:]...)
	}
	f.latest[m.QuoteID] = m
	f.mu.Unlock()

	f.PublishEvent(Event{
		Kind:    classify.KindChatMessage,
		QuoteID: m.QuoteID,
		Message: &m,
		At:      time.Now(),
	})
}

// History returns a copy of the recent messages, oldest first.
func (f *Feed) History() []chat.Message {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]chat.Message, len(f.history))
	copy(out, f.history)
	return out
}

// Latest returns the most recent chat message seen for a quote.
func (f *Feed) Latest(quoteID int64) (chat.Message, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.latest[quoteID]
	return m, ok
}

// LatestAll returns a copy of the per-quote latest-message map.
func (f *Feed) LatestAll() map[int64]chat.Message {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[int64]chat.Message, len(f.latest))
	for k, v := range f.latest {
		out[k] = v
	}
	return out
}

// PublishState fans a connection state snapshot out to state subscribers.
func (f *Feed) PublishState(s State) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.stateSubs {
		select {
		case ch <- s:
		default:
			// Subscriber is not keeping up; drop.
		}
	}
}

// PublishEvent fans a typed event out to event subscribers.
func (f *Feed) PublishEvent(e Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.eventSubs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscribeStates registers a connection-state subscriber. The returned
// cancel function removes the subscription and closes the channel.
func (f *Feed) SubscribeStates() (<-chan State, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan State, subscriberBuffer)
	f.stateSubs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.stateSubs[id]; ok {
			delete(f.stateSubs, id)
			close(ch)
		}
	}
}

// SubscribeEvents registers a typed-event subscriber. The returned cancel
// function removes the subscription and closes the channel.
func (f *Feed) SubscribeEvents() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan Event, subscriberBuffer)
	f.eventSubs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.eventSubs[id]; ok {
			delete(f.eventSubs, id)
			close(ch)
		}
	}
}
