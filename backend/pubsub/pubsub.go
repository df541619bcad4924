// Package pubsub defines the cross-process broadcast channel used to fan
// out committed ops and presence updates between agents.
package pubsub

import "sync"

// Subscription is a handle to one channel subscription.
type Subscription interface {
	Unsubscribe()
}

// PubSub is an at-least-once broadcast channel. No ordering is guaranteed
// across channels; clients recover using version-gap detection, not
// broadcast ordering.
type PubSub interface {
	Subscribe(channel string, callback func(data any)) Subscription
	Publish(channel string, data any)
}

// MemoryPubSub is the in-process PubSub used by tests and single-node
// deployments. Callbacks run synchronously on the publisher's goroutine and
// must not block.
//
// - implements pubsub.PubSub
type MemoryPubSub struct {
	mu       sync.Mutex
	nextID   int
	channels map[string]map[int]func(data any)
}

// NewMemoryPubSub returns an empty in-process broadcast channel.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{channels: make(map[string]map[int]func(data any))}
}

// Subscribe implements pubsub.PubSub.
func (p *MemoryPubSub) Subscribe(channel string, callback func(data any)) Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := p.channels[channel]
	if subs == nil {
		subs = make(map[int]func(data any))
		p.channels[channel] = subs
	}
	p.nextID++
	id := p.nextID
	subs[id] = callback
	return &memorySubscription{p: p, channel: channel, id: id}
}

// Publish implements pubsub.PubSub.
func (p *MemoryPubSub) Publish(channel string, data any) {
	p.mu.Lock()
	callbacks := make([]func(data any), 0, len(p.channels[channel]))
	for _, cb := range p.channels[channel] {
		callbacks = append(callbacks, cb)
	}
	p.mu.Unlock()
	for _, cb := range callbacks {
		cb(data)
	}
}

type memorySubscription struct {
	p       *MemoryPubSub
	channel string
	id      int
	once    sync.Once
}

// Unsubscribe implements pubsub.Subscription.
func (s *memorySubscription) Unsubscribe() {
	s.once.Do(func() {
		s.p.mu.Lock()
		defer s.p.mu.Unlock()
		subs := s.p.channels[s.channel]
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.p.channels, s.channel)
		}
	})
}
