// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the opaque-handle listener registry called
// for in spec.md sec 9's design note: rather than passing a raw callback
// pointer across an inproc control message, the Node Facade allocates an
// integer handle here and hands managers the handle. Managers hold handles,
// not references; the Node Facade owns the registry.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/xmidt-org/eventor"
)

// Handle is an opaque reference to a registered callback.
type Handle uint64

// Registry[T] maps Handles to callbacks of type T and dispatches by handle.
// It is safe for concurrent use.
type Registry[T any] struct {
	next  atomic.Uint64
	lock  sync.RWMutex
	byID  map[Handle]T
	ev    eventor.Eventor[T]
	byEvt map[Handle]func()
}

// New creates an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{
		byID:  make(map[Handle]T),
		byEvt: make(map[Handle]func()),
	}
}

// Register allocates a new Handle for callback and returns it. The
// callback is also added to the underlying eventor so Broadcast can reach
// every registered callback without resolving each handle individually.
func (r *Registry[T]) Register(callback T) Handle {
	h := Handle(r.next.Add(1))

	cancel := r.ev.Add(callback)

	r.lock.Lock()
	r.byID[h] = callback
	r.byEvt[h] = cancel
	r.lock.Unlock()

	return h
}

// Resolve returns the callback for h, and whether it was found.
func (r *Registry[T]) Resolve(h Handle) (T, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	v, ok := r.byID[h]
	return v, ok
}

// Unregister removes h from the registry. It is a no-op if h is unknown.
func (r *Registry[T]) Unregister(h Handle) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if cancel, ok := r.byEvt[h]; ok {
		cancel()
		delete(r.byEvt, h)
	}
	delete(r.byID, h)
}

// Broadcast visits every registered callback in unspecified order.
func (r *Registry[T]) Broadcast(visit func(T)) {
	r.ev.Visit(visit)
}

// Len reports the number of registered handles.
func (r *Registry[T]) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.byID)
}
