// Package server exposes the verifier over HTTP.
//
// Information Hiding:
// - Subscriber bookkeeping for committed-record streams
// - Slow subscribers drop messages instead of blocking commits

package server

import (
	"sync"

	"github.com/richinex/urlverify/verifier"
)

// subscriberBuffer is the number of commits queued per subscriber.
const subscriberBuffer = 64

// Hub fans committed records out to stream subscribers.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan verifier.Commit]struct{}
	closed      bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan verifier.Commit]struct{})}
}

// Publish sends c to every subscriber without blocking. Suitable as a
// verifier commit hook.
func (h *Hub) Publish(c verifier.Commit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- c:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The channel is closed by
// Unsubscribe or Close. ok is false after Close.
func (h *Hub) Subscribe() (ch chan verifier.Commit, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch = make(chan verifier.Commit, subscriberBuffer)
	h.subscribers[ch] = struct{}{}
	return ch, true
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (h *Hub) Unsubscribe(ch chan verifier.Commit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close closes every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
}
