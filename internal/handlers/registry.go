// Package handlers maps webhook events onto idempotent mirror upserts.
//
// Handlers classify their failures with the retry package: undecodable
// payloads and unknown actions are permanent, store failures are transient.
// They never touch queue state.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// ErrNotHandled means no handler is registered for the event. The delivery
// is acknowledged and counted as processed.
var ErrNotHandled = errors.New("handlers: event not handled")

// Event is one webhook delivery as seen by a handler.
type Event struct {
	DeliveryID string
	Name       string
	Action     string
	UserID     string
	Payload    json.RawMessage
}

type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Registry routes events by "event:action" first, then by "event".
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler to an event name or an "event:action" key.
func (r *Registry) Register(key string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

func (r *Registry) lookup(ev Event) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ev.Action != "" {
		if h, ok := r.handlers[ev.Name+":"+ev.Action]; ok {
			return h, true
		}
	}
	h, ok := r.handlers[ev.Name]
	return h, ok
}

// Dispatch runs the matching handler or returns ErrNotHandled.
func (r *Registry) Dispatch(ctx context.Context, ev Event) error {
	h, ok := r.lookup(ev)
	if !ok {
		return ErrNotHandled
	}
	return h.Handle(ctx, ev)
}

// Keys lists registered routing keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
