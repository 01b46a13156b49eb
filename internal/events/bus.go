// Package events carries the channel-updated signal from the sync
// engine to whatever presentation layer listens. In-process fan-out;
// the API exposes it over SSE.
package events

import (
	"log"
	"sync"
)

// ChannelUpdate is emitted after each successful reconciliation batch.
type ChannelUpdate struct {
	ConversationID string `json:"conversationId"`
	ContactID      string `json:"contactId"`
	NewUnreadCount int    `json:"newUnreadCount"`
}

const subscriberBuffer = 16

// Bus fans ChannelUpdates out to subscribers. Publishing never blocks:
// a subscriber that falls behind loses events, not the engine.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan ChannelUpdate
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan ChannelUpdate)}
}

// Subscribe registers a listener. The returned cancel func must be
// called to release the subscription.
func (b *Bus) Subscribe() (<-chan ChannelUpdate, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan ChannelUpdate, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers u to every subscriber with room in its buffer.
func (b *Bus) Publish(u ChannelUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- u:
		default:
			log.Printf("⚠️ events: subscriber %d lagging, dropping update for conversation %s", id, u.ConversationID)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
