// Package event provides the two dispatch shapes the service layer is built
// from: Notifier, a fan-out to every subscribed observer (association
// lifecycle, storage progress), and Intervention, exactly one registered
// handler that decides a response (Verification, Storage, the N-services).
// One generic primitive serves both DIMSE dispatch and non-DIMSE hooks.
package event

import (
	"context"
	"sync"

	"github.com/dimsenet/dimsenet/dcmerr"
)

// Notifier fans a value out to every subscribed observer, synchronously and
// in subscription order, matching the single-reactor-goroutine dispatch
// model the association's Run loop uses elsewhere in this module.
type Notifier[T any] struct {
	mu       sync.Mutex
	handlers map[int]func(T)
	nextID   int
}

// NewNotifier returns an empty Notifier.
func NewNotifier[T any]() *Notifier[T] {
	return &Notifier[T]{handlers: make(map[int]func(T))}
}

// Subscribe registers h and returns a function that removes it.
func (n *Notifier[T]) Subscribe(h func(T)) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.handlers[id] = h
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.handlers, id)
	}
}

// Publish calls every subscribed handler with v. Handlers run on the
// caller's goroutine; a slow or blocking handler delays every other
// subscriber and the caller, by design — this is not a worker pool.
func (n *Notifier[T]) Publish(v T) {
	n.mu.Lock()
	handlers := make([]func(T), 0, len(n.handlers))
	for _, h := range n.handlers {
		handlers = append(handlers, h)
	}
	n.mu.Unlock()
	for _, h := range handlers {
		h(v)
	}
}

// Intervention holds exactly one handler per key and invokes it
// synchronously, returning its result. Registering a second handler for
// the same key replaces the first.
type Intervention[K comparable, Req, Resp any] struct {
	mu       sync.RWMutex
	handlers map[K]func(context.Context, Req) (Resp, error)
}

// NewIntervention returns an empty Intervention.
func NewIntervention[K comparable, Req, Resp any]() *Intervention[K, Req, Resp] {
	return &Intervention[K, Req, Resp]{handlers: make(map[K]func(context.Context, Req) (Resp, error))}
}

// Register installs h for key, replacing any previous handler.
func (iv *Intervention[K, Req, Resp]) Register(key K, h func(context.Context, Req) (Resp, error)) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	iv.handlers[key] = h
}

// Unregister removes the handler for key, if any.
func (iv *Intervention[K, Req, Resp]) Unregister(key K) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	delete(iv.handlers, key)
}

// Has reports whether a handler is registered for key.
func (iv *Intervention[K, Req, Resp]) Has(key K) bool {
	iv.mu.RLock()
	defer iv.mu.RUnlock()
	_, ok := iv.handlers[key]
	return ok
}

// Invoke calls the handler registered for key. A missing handler is
// dcmerr.ErrNoSuchService: an unregistered SOP class is a dispatch
// failure, not a panic.
func (iv *Intervention[K, Req, Resp]) Invoke(ctx context.Context, key K, req Req) (Resp, error) {
	iv.mu.RLock()
	h, ok := iv.handlers[key]
	iv.mu.RUnlock()
	var zero Resp
	if !ok {
		return zero, dcmerr.ErrNoSuchService
	}
	return h(ctx, req)
}
