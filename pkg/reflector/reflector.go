/*
SPDX-License-Identifier: Apache-2.0
*/

// Package reflector drives a Watcher's event stream into a Store, performing
// the atomic Init...InitDone accumulate-then-swap that gives Store's "deletion
// by absence" invariant its meaning (spec.md §4.2).
package reflector

import (
	"context"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/meta"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/sap/controller-runtime-core/pkg/objref"
	"github.com/sap/controller-runtime-core/pkg/store"
	"github.com/sap/controller-runtime-core/pkg/watcher"
)

// Source is the subset of *watcher.Watcher the Reflector depends on.
type Source interface {
	Run(ctx context.Context) <-chan watcher.Event
	Done() <-chan struct{}
	Err() error
}

// Reflector applies one Watcher's Events onto a Store. Group and Kind give
// the ObjectRef identity under which objects are stored, matching the
// Watcher's own fixed identity (spec.md §4.1, "never trust TypeMeta").
type Reflector struct {
	name  string
	group string
	kind  string
	src   Source
	store *store.Store

	onApply  func(objref.ObjectRef, store.Object)
	onDelete func(objref.ObjectRef, store.Object)
}

// New creates a Reflector that applies src's events onto dst.
func New(name, group, kind string, src Source, dst *store.Store) *Reflector {
	return &Reflector{name: name, group: group, kind: kind, src: src, store: dst}
}

// OnApply registers a callback invoked after every Apply (including each
// object of a relist), in addition to updating the Store. Used by Controller
// to enqueue reconcile requests.
func (r *Reflector) OnApply(fn func(objref.ObjectRef, store.Object)) {
	r.onApply = fn
}

// OnDelete registers a callback invoked for every observed deletion,
// including objects implicitly deleted by relist-swap absence.
func (r *Reflector) OnDelete(fn func(objref.ObjectRef, store.Object)) {
	r.onDelete = fn
}

// Run consumes src's event stream until it closes or ctx is cancelled.
func (r *Reflector) Run(ctx context.Context) error {
	log := ctrllog.FromContext(ctx).WithName("reflector").WithValues("reflector", r.name)

	ch := r.src.Run(ctx)

	var pending map[objref.ObjectRef]store.Object

	for {
		select {
		case <-ctx.Done():
			<-r.src.Done()
			return r.src.Err()
		case ev, ok := <-ch:
			if !ok {
				return r.src.Err()
			}
			r.handle(log, ev, &pending)
		}
	}
}

func (r *Reflector) handle(log logr.Logger, ev watcher.Event, pending *map[objref.ObjectRef]store.Object) {
	switch ev.Kind {
	case watcher.Init:
		*pending = make(map[objref.ObjectRef]store.Object)
	case watcher.InitApply:
		ref, err := r.refFor(ev.Object)
		if err != nil {
			log.V(1).Info("skipping malformed object during relist", "error", err.Error())
			return
		}
		(*pending)[ref] = ev.Object
	case watcher.InitDone:
		snapshot := *pending
		*pending = nil
		old := r.store.List()
		r.store.Replace(snapshot)
		r.diffRelist(old, snapshot)
	case watcher.Apply:
		ref, err := r.refFor(ev.Object)
		if err != nil {
			log.V(1).Info("skipping malformed object", "error", err.Error())
			return
		}
		r.store.Apply(ref, ev.Object)
		if r.onApply != nil {
			r.onApply(ref, ev.Object)
		}
	case watcher.Delete:
		ref, err := r.refFor(ev.Object)
		if err != nil {
			log.V(1).Info("skipping malformed delete", "error", err.Error())
			return
		}
		r.store.Delete(ref)
		if r.onDelete != nil {
			r.onDelete(ref, ev.Object)
		}
	}
}

// diffRelist fires onApply for every object present in the new snapshot and
// onDelete for every ref that was present before but is absent now -- the
// "deletion by absence" invariant made observable to callers.
func (r *Reflector) diffRelist(old []store.Object, snapshot map[objref.ObjectRef]store.Object) {
	if r.onApply != nil {
		for ref, obj := range snapshot {
			r.onApply(ref, obj)
		}
	}
	if r.onDelete == nil {
		return
	}
	seen := make(map[objref.ObjectRef]struct{}, len(snapshot))
	for ref := range snapshot {
		seen[ref] = struct{}{}
	}
	for _, obj := range old {
		ref, err := r.refFor(obj)
		if err != nil {
			continue
		}
		if _, ok := seen[ref]; !ok {
			r.onDelete(ref, obj)
		}
	}
}

func (r *Reflector) refFor(obj store.Object) (objref.ObjectRef, error) {
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return objref.ObjectRef{}, err
	}
	return objref.ObjectRef{Group: r.group, Kind: r.kind, Namespace: accessor.GetNamespace(), Name: accessor.GetName()}, nil
}
