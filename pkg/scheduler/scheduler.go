/*
SPDX-License-Identifier: Apache-2.0
*/

// Package scheduler holds pending ScheduledRequests keyed by ObjectRef,
// releasing them when due and coalescing duplicates (spec.md §4.3).
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/sap/go-generics/sets"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/sap/controller-runtime-core/internal/metrics"
	"github.com/sap/controller-runtime-core/pkg/objref"
)

// Request is a ScheduledRequest (spec.md §3): a reconcile due for ref at due,
// with the accumulated set of reasons that triggered it.
type Request struct {
	Ref     objref.ObjectRef
	Due     time.Time
	Reasons sets.Set[string]
}

func newRequest(ref objref.ObjectRef, due time.Time, reason string) *Request {
	reasons := sets.New[string]()
	sets.Add(reasons, reason)
	return &Request{Ref: ref, Due: due, Reasons: reasons}
}

// entry is one heap slot. Coalescing to an earlier due moves the ref's
// existing slot in place (fixHeapDue). A slot may still be stale: Cancel
// removes the pending map entry without removing its heap slot, so pop
// validates against the map and discards slots whose ref is no longer
// pending. seq is the insertion order, used to break ties
// between equal due times (spec.md §4.3, "Ties broken by insertion order").
type entry struct {
	ref   objref.ObjectRef
	due   time.Time
	seq   uint64
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is safe for concurrent use: one goroutine typically drains it via
// PollDue or Wait while many goroutines call Schedule concurrently (spec.md
// §8, "The Scheduler queue is shared").
type Scheduler struct {
	name string

	mu      sync.Mutex
	heap    entryHeap
	pending map[objref.ObjectRef]*Request
	seq     uint64
	closed  bool

	wake chan struct{}
}

// New creates an empty Scheduler.
func New(name string) *Scheduler {
	s := &Scheduler{
		name:    name,
		pending: make(map[objref.ObjectRef]*Request),
		wake:    make(chan struct{}, 1),
	}
	heap.Init(&s.heap)
	return s
}

// Schedule inserts a request, or coalesces it into an existing pending
// request for the same ref: the earlier due wins and reasons union (spec.md
// §4.3, "schedule(req)"). A no-op after Shutdown.
func (s *Scheduler) Schedule(ref objref.ObjectRef, due time.Time, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if existing, ok := s.pending[ref]; ok {
		if due.Before(existing.Due) {
			existing.Due = due
			s.fixHeapDue(ref, due)
		}
		sets.Add(existing.Reasons, reason)
	} else {
		s.pending[ref] = newRequest(ref, due, reason)
		s.seq++
		heap.Push(&s.heap, &entry{ref: ref, due: due, seq: s.seq})
	}
	n := len(s.pending)
	s.mu.Unlock()

	metrics.SchedulerQueueDepth.WithLabelValues(s.name).Set(float64(n))
	s.notify()
}

// Cancel removes ref's pending request, if any (spec.md §4.3, "cancel(ref)").
// The heap slot, if one exists, is left in place and discarded the next time
// PollDue or NextDue reaches it.
func (s *Scheduler) Cancel(ref objref.ObjectRef) {
	s.mu.Lock()
	delete(s.pending, ref)
	n := len(s.pending)
	s.mu.Unlock()

	metrics.SchedulerQueueDepth.WithLabelValues(s.name).Set(float64(n))
}

// Shutdown stops the Scheduler from accepting new requests (spec.md §4.3,
// "shutdown(graceful)"). If graceful, requests already pending are left in
// place so a final PollDue/Wait can still drain whatever is currently due;
// otherwise every pending request is dropped immediately.
func (s *Scheduler) Shutdown(graceful bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if !graceful {
		s.heap = nil
		s.pending = make(map[objref.ObjectRef]*Request)
	}
}

func (s *Scheduler) fixHeapDue(ref objref.ObjectRef, due time.Time) {
	for _, e := range s.heap {
		if e.ref == ref {
			e.due = due
			heap.Fix(&s.heap, e.index)
			return
		}
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// PollDue removes and returns every pending request whose due time is at or
// before now (spec.md §4.3, "poll_due").
func (s *Scheduler) PollDue(now time.Time) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Request
	for s.heap.Len() > 0 {
		top := s.heap[0]
		req, ok := s.pending[top.ref]
		if !ok || req.Due.After(top.due) {
			// stale slot: its ref was cancelled or already delivered, or
			// another slot for the same ref carries the pending request.
			heap.Pop(&s.heap)
			continue
		}
		if top.due.After(now) {
			break
		}
		heap.Pop(&s.heap)
		delete(s.pending, top.ref)
		due = append(due, *req)
	}
	metrics.SchedulerQueueDepth.WithLabelValues(s.name).Set(float64(len(s.pending)))
	return due
}

// NextDue returns the earliest pending due time, if any.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.heap.Len() > 0 {
		top := s.heap[0]
		if req, ok := s.pending[top.ref]; ok && !req.Due.After(top.due) {
			return top.due, true
		}
		// stale slot, discarded the same way PollDue discards it.
		heap.Pop(&s.heap)
	}
	return time.Time{}, false
}

// Len reports the number of distinct pending refs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Wait blocks until at least one request is due or ctx is cancelled; a
// Schedule call while waiting makes it re-examine the next deadline. It
// is a convenience wrapper around NextDue/PollDue for callers (the Runner)
// driving a simple "sleep until due" loop.
func (s *Scheduler) Wait(ctx context.Context) ([]Request, error) {
	log := ctrllog.FromContext(ctx).WithName("scheduler").WithValues("scheduler", s.name)

	for {
		now := time.Now()
		if due := s.PollDue(now); len(due) > 0 {
			return due, nil
		}

		var timer *time.Timer
		if next, ok := s.NextDue(); ok {
			d := next.Sub(now)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
		} else {
			timer = time.NewTimer(time.Hour)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
			log.V(2).Info("woken by schedule")
		}
	}
}
