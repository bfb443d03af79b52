// Package events fans out store change notifications and admin stream
// payloads to per-topic subscribers.
package events

import "sync"

// Hub delivers values to subscribers of a topic. Slow subscribers miss
// values instead of blocking the publisher.
type Hub[T any] struct {
	mu   sync.RWMutex
	subs map[string]map[chan T]struct{}
	size int
}

// NewHub returns a hub whose subscriber channels buffer size values.
func NewHub[T any](size int) *Hub[T] {
	if size <= 0 {
		size = 8
	}
	return &Hub[T]{subs: make(map[string]map[chan T]struct{}), size: size}
}

// Subscribe registers a channel for topic. The returned func unsubscribes
// and closes the channel.
func (h *Hub[T]) Subscribe(topic string) (<-chan T, func()) {
	ch := make(chan T, h.size)
	h.mu.Lock()
	if _, ok := h.subs[topic]; !ok {
		h.subs[topic] = make(map[chan T]struct{})
	}
	h.subs[topic][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[topic]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, topic)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers v to every subscriber of topic.
func (h *Hub[T]) Publish(topic string, v T) {
	h.Broadcast([]string{topic}, v)
}

// Broadcast delivers v once to the subscribers of every distinct topic.
func (h *Hub[T]) Broadcast(topics []string, v T) {
	if len(topics) == 0 {
		return
	}
	unique := map[string]struct{}{}
	for _, topic := range topics {
		unique[topic] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for topic := range unique {
		for ch := range h.subs[topic] {
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Subscribers reports how many channels listen on topic.
func (h *Hub[T]) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
