// Package changefeed carries medication change notifications from the store
// to subscribers of a patient scope.
package changefeed

import (
	"context"
	"sync"
	"time"
)

// Operation kinds
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Event announces that a scope's medication collection changed
type Event struct {
	Scope        string    `json:"scope"`
	MedicationID string    `json:"medication_id,omitempty"`
	Op           string    `json:"op"`
	At           time.Time `json:"at"`
}

// Feed publishes and fans out change events per scope
type Feed interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a channel that receives events for scope until ctx
	// is done, at which point the channel is closed.
	Subscribe(ctx context.Context, scope string) (<-chan Event, error)
	Close() error
}

// subscriberBuffer bounds each subscriber queue. A full queue already holds
// a pending notification, so dropping further events loses nothing: the
// consumer re-reads the whole collection anyway.
const subscriberBuffer = 16

// Hub is an in-process Feed
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	closed      bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
	}
}

// Publish delivers event to every subscriber of event.Scope without blocking
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	h.deliver(event)
	return nil
}

func (h *Hub) deliver(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[event.Scope] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a subscriber for scope
func (h *Hub) Subscribe(ctx context.Context, scope string) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, nil
	}
	if h.subscribers[scope] == nil {
		h.subscribers[scope] = make(map[chan Event]struct{})
	}
	h.subscribers[scope][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(scope, ch)
	}()

	return ch, nil
}

// Subscribers returns the number of live subscribers for scope
func (h *Hub) Subscribers(scope string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[scope])
}

func (h *Hub) remove(scope string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[scope]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, scope)
	}
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	for scope, subs := range h.subscribers {
		for ch := range subs {
			close(ch)
		}
		delete(h.subscribers, scope)
	}
	return nil
}
