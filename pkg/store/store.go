/*
SPDX-License-Identifier: Apache-2.0
*/

// Package store provides the concurrent ObjectRef -> Object cache kept in
// sync by a Reflector (see package reflector).
package store

import (
	"context"
	"sync"

	"k8s.io/apimachinery/pkg/runtime"

	"github.com/sap/controller-runtime-core/internal/metrics"
	"github.com/sap/controller-runtime-core/pkg/objref"
)

// Object is the opaque record kept in the Store. The runtime core only looks
// at metadata (via the accessors in pkg/objref and pkg/controller); the
// payload is never interpreted.
type Object = runtime.Object

// Store is a concurrent mapping from ObjectRef to the latest known Object.
// It is safe for any number of concurrent readers and exactly one writer
// (the owning Reflector). Readers never observe a write in progress: every
// mutation below holds the lock only for the duration of a single map
// operation.
type Store struct {
	name string

	mu      sync.RWMutex
	objects map[objref.ObjectRef]Object

	waitMu sync.Mutex
	waiter map[objref.ObjectRef][]chan struct{}
}

// New creates an empty Store. name is used only for metrics labelling.
func New(name string) *Store {
	return &Store{
		name:    name,
		objects: make(map[objref.ObjectRef]Object),
		waiter:  make(map[objref.ObjectRef][]chan struct{}),
	}
}

// Get returns a snapshot of the object for ref, if present.
func (s *Store) Get(ref objref.ObjectRef) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[ref]
	return obj, ok
}

// List returns a snapshot of all objects currently in the Store.
func (s *Store) List() []Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Object, 0, len(s.objects))
	for _, obj := range s.objects {
		result = append(result, obj)
	}
	return result
}

// Len returns the number of objects currently in the Store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Apply inserts or replaces the entry for ref. Called by the owning
// Reflector only; not meant for general callers.
func (s *Store) Apply(ref objref.ObjectRef, obj Object) {
	s.mu.Lock()
	s.objects[ref] = obj
	n := len(s.objects)
	s.mu.Unlock()
	metrics.StoreSize.WithLabelValues(s.name).Set(float64(n))
	s.notify(ref)
}

// Delete removes the entry for ref, if any. Called by the owning Reflector
// only; not meant for general callers.
func (s *Store) Delete(ref objref.ObjectRef) {
	s.mu.Lock()
	delete(s.objects, ref)
	n := len(s.objects)
	s.mu.Unlock()
	metrics.StoreSize.WithLabelValues(s.name).Set(float64(n))
}

// Replace atomically swaps the entire contents of the Store with objects,
// keyed by ref. This is the only place where deletion-by-absence is
// resolved, used by the Reflector on every Init...InitDone cycle.
func (s *Store) Replace(objects map[objref.ObjectRef]Object) {
	s.mu.Lock()
	s.objects = objects
	n := len(s.objects)
	s.mu.Unlock()
	metrics.StoreSize.WithLabelValues(s.name).Set(float64(n))
	s.notifyAll()
}

// WaitFor blocks until an entry for ref exists and satisfies predicate, the
// context is cancelled, or ctx expires. It returns the matching object, or
// an error if the wait did not complete.
func (s *Store) WaitFor(ctx context.Context, ref objref.ObjectRef, predicate func(Object) bool) (Object, error) {
	for {
		// subscribe before reading, so an Apply landing between the read and
		// the wait still wakes this loop.
		ch := s.subscribe(ref)
		if obj, ok := s.Get(ref); ok && predicate(obj) {
			return obj, nil
		}
		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Store) subscribe(ref objref.ObjectRef) chan struct{} {
	ch := make(chan struct{}, 1)
	s.waitMu.Lock()
	s.waiter[ref] = append(s.waiter[ref], ch)
	s.waitMu.Unlock()
	return ch
}

func (s *Store) notify(ref objref.ObjectRef) {
	s.waitMu.Lock()
	chans := s.waiter[ref]
	delete(s.waiter, ref)
	s.waitMu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

func (s *Store) notifyAll() {
	s.waitMu.Lock()
	all := s.waiter
	s.waiter = make(map[objref.ObjectRef][]chan struct{})
	s.waitMu.Unlock()
	for _, chans := range all {
		for _, ch := range chans {
			close(ch)
		}
	}
}
