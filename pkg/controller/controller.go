/*
SPDX-License-Identifier: Apache-2.0
*/

// Package controller composes a primary Watcher with zero or more related
// Watchers into a single stream of reconcile results, driving the Scheduler
// and Runner underneath (spec.md §4.5).
package controller

import (
	"context"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/tools/record"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/sap/go-generics/sets"

	"github.com/sap/controller-runtime-core/internal/events"
	"github.com/sap/controller-runtime-core/pkg/objref"
	"github.com/sap/controller-runtime-core/pkg/reflector"
	"github.com/sap/controller-runtime-core/pkg/runner"
	"github.com/sap/controller-runtime-core/pkg/scheduler"
	"github.com/sap/controller-runtime-core/pkg/store"
	"github.com/sap/controller-runtime-core/pkg/watcher"
)

// MapFunc maps a related object to the primary ObjectRefs it should trigger
// a reconcile for (spec.md §4.5, "Watches mapping (custom)").
type MapFunc func(obj store.Object) []objref.ObjectRef

// ReconcileFunc is the user's reconcile callback. The returned Action is
// honored only on success (err == nil); RequeueAfter is how the caller asks
// for a periodic or deferred follow-up reconcile of the same ref (spec.md
// §3, "Returned by user code"; §4.4 step 4). On error, the Action returned
// here is discarded in favor of whatever errorPolicy produces.
type ReconcileFunc func(ctx context.Context, ref objref.ObjectRef) (Action, error)

// ErrorPolicyFunc maps a ReconcileError to a ReconcilerAction (spec.md §7,
// kind 5: "Handled by the user-supplied error_policy").
type ErrorPolicyFunc func(ref objref.ObjectRef, err error) Action

// Action mirrors runner.Action; re-exported so callers need not import
// pkg/runner directly.
type Action = runner.Action

// Result is one completed reconcile attempt, successful or failed (spec.md
// §6, "async stream<Result<ObjectRef, Error>>").
type Result struct {
	Ref objref.ObjectRef
	Err error
}

type relatedSource struct {
	name    string
	group   string
	kind    string
	lw      watcher.ListWatcher
	params  watcher.Params
	mapFunc MapFunc
}

// Controller composes one primary Watcher with related Watchers (Owns or
// Watches mappings) into a Scheduler-fed Runner.
type Controller struct {
	name string

	primaryGroup string
	primaryKind  string
	primaryLW    watcher.ListWatcher
	primaryParam watcher.Params

	related []relatedSource

	reconcileAllTriggers []<-chan time.Time

	scheduler *scheduler.Scheduler
	runner    *runner.Runner

	primaryStore *store.Store
	recorder     *events.DeduplicatingRecorder

	results     chan Result
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// WithEventRecorder attaches a Kubernetes event recorder: every completed
// reconcile emits a Normal or Warning event on the reconciled object, if it
// is still present in the primary Store and implements client.Object.
// Repeated identical events within a short window are deduplicated, using
// the same technique the teacher applies to its own reconcile-result events.
func (c *Controller) WithEventRecorder(recorder record.EventRecorder) *Controller {
	c.recorder = events.NewDeduplicatingRecorder(recorder)
	return c
}

// New creates a Controller for the primary resource kind. The fluent
// Owns/Watches/ReconcileAllOn calls mirror the published builder API
// (spec.md §6): `Controller::new(primary).owns(...).watches(...).run(...)`.
func New(name, primaryGroup, primaryKind string, primaryLW watcher.ListWatcher, params watcher.Params) *Controller {
	return &Controller{
		name:         name,
		primaryGroup: primaryGroup,
		primaryKind:  primaryKind,
		primaryLW:    primaryLW,
		primaryParam: params,
		scheduler:    scheduler.New(name),
		primaryStore: store.New(name + "-primary"),
	}
}

// Owns adds a related watcher whose events are mapped to the primary via
// ownerReferences traversal (spec.md §4.5, "Owns mapping"). Missing owner
// references for the expected primary kind skip the event.
func (c *Controller) Owns(group, kind string, lw watcher.ListWatcher, params watcher.Params) *Controller {
	c.related = append(c.related, relatedSource{
		name: c.name + "-owns-" + kind, group: group, kind: kind, lw: lw, params: params,
		mapFunc: ownerMapper(c.primaryGroup, c.primaryKind),
	})
	return c
}

// Watches adds a related watcher with a user-supplied mapping function
// (spec.md §4.5, "Watches mapping (custom)").
func (c *Controller) Watches(group, kind string, lw watcher.ListWatcher, params watcher.Params, mapper MapFunc) *Controller {
	c.related = append(c.related, relatedSource{
		name: c.name + "-watches-" + kind, group: group, kind: kind, lw: lw, params: params, mapFunc: mapper,
	})
	return c
}

// ReconcileAllOn registers an administrative trigger: on each tick, every
// object currently in the primary Store is scheduled (spec.md §4.5,
// "Reconcile-all").
func (c *Controller) ReconcileAllOn(trigger <-chan time.Time) *Controller {
	c.reconcileAllTriggers = append(c.reconcileAllTriggers, trigger)
	return c
}

// Store exposes the primary Store for read access (spec.md §6, "Published to
// the user": Store with get/list/wait_for).
func (c *Controller) Store() *store.Store {
	return c.primaryStore
}

// RunOptions bounds Runner concurrency.
type RunOptions struct {
	MaxWorkers int
	DeferDelay time.Duration
}

// Run starts the primary and related watchers, the mapping layer, and the
// Scheduler-fed Runner, and returns the stream of reconcile results. The
// stream closes once ctx is cancelled and every reconcile already running
// has returned; Shutdown by itself does not close it. Calling Run a second
// time on the same Controller panics.
func (c *Controller) Run(ctx context.Context, reconcile ReconcileFunc, errorPolicy ErrorPolicyFunc, opts RunOptions) <-chan Result {
	if c.runner != nil {
		panic("controller " + c.name + ": Run called more than once")
	}
	log := ctrllog.FromContext(ctx).WithName("controller").WithValues("controller", c.name)

	watchCtx, watchCancel := context.WithCancel(ctx)

	c.runner = runner.New(c.name, c.scheduler, func(rctx context.Context, ref objref.ObjectRef, _ sets.Set[string]) runner.Action {
		action, err := reconcile(rctx, ref)
		return c.finish(rctx, ref, action, err, errorPolicy)
	}, runner.Params{MaxWorkers: opts.MaxWorkers, DeferDelay: opts.DeferDelay})

	c.results = make(chan Result)

	primaryWatcher := watcher.New(c.name+"-primary", c.primaryGroup, c.primaryKind, c.primaryLW, c.primaryParam)
	primaryRefl := reflector.New(c.name+"-primary", c.primaryGroup, c.primaryKind, primaryWatcher, c.primaryStore)
	primaryRefl.OnApply(func(ref objref.ObjectRef, _ store.Object) {
		c.scheduler.Schedule(ref, time.Now(), "self")
	})
	primaryRefl.OnDelete(func(ref objref.ObjectRef, _ store.Object) {
		c.scheduler.Schedule(ref, time.Now(), "self-deleted")
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); _ = primaryRefl.Run(watchCtx) }()

	for _, rel := range c.related {
		rel := rel
		relStore := store.New(rel.name)
		w := watcher.New(rel.name, rel.group, rel.kind, rel.lw, rel.params)
		refl := reflector.New(rel.name, rel.group, rel.kind, w, relStore)
		mapAndSchedule := func(_ objref.ObjectRef, obj store.Object) {
			for _, target := range rel.mapFunc(obj) {
				c.scheduler.Schedule(target, time.Now(), "related:"+rel.kind)
			}
		}
		refl.OnApply(mapAndSchedule)
		refl.OnDelete(mapAndSchedule)
		wg.Add(1)
		go func() { defer wg.Done(); _ = refl.Run(watchCtx) }()
	}

	for _, trigger := range c.reconcileAllTriggers {
		trigger := trigger
		wg.Add(1)
		go func() { defer wg.Done(); c.runReconcileAll(watchCtx, trigger) }()
	}

	runnerDone := make(chan struct{})
	go func() {
		c.runner.Run(ctx)
		close(runnerDone)
	}()

	c.watchCancel = watchCancel
	c.watchDone = make(chan struct{})
	go func() {
		wg.Wait()
		close(c.watchDone)
	}()

	go func() {
		<-runnerDone
		log.V(1).Info("runner stopped, closing result stream")
		close(c.results)
	}()

	return c.results
}

func (c *Controller) runReconcileAll(ctx context.Context, trigger <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-trigger:
			if !ok {
				return
			}
			for _, obj := range c.primaryStore.List() {
				accessor, err := meta.Accessor(obj)
				if err != nil {
					continue
				}
				ref := objref.ObjectRef{Group: c.primaryGroup, Kind: c.primaryKind, Namespace: accessor.GetNamespace(), Name: accessor.GetName()}
				c.scheduler.Schedule(ref, time.Now(), "reconcile-all")
			}
		}
	}
}

func (c *Controller) finish(ctx context.Context, ref objref.ObjectRef, action Action, err error, errorPolicy ErrorPolicyFunc) runner.Action {
	c.recordEvent(ref, err)

	select {
	case c.results <- Result{Ref: ref, Err: err}:
	case <-ctx.Done():
	}
	if err == nil {
		return action
	}
	if errorPolicy == nil {
		return runner.Action{Err: err}
	}
	policyAction := errorPolicy(ref, err)
	policyAction.Err = err
	return policyAction
}

func (c *Controller) recordEvent(ref objref.ObjectRef, err error) {
	if c.recorder == nil {
		return
	}
	obj, ok := c.primaryStore.Get(ref)
	if !ok {
		return
	}
	clientObj, ok := obj.(ctrlclient.Object)
	if !ok {
		return
	}
	if err != nil {
		c.recorder.Eventf(clientObj, corev1.EventTypeWarning, "ReconcileError", "%s", err.Error())
		return
	}
	c.recorder.Event(clientObj, corev1.EventTypeNormal, "Reconciled", "reconcile succeeded")
}

// Shutdown stops accepting new trigger events (watchers and mapping layer
// stop), then waits up to deadline for in-flight reconciles to complete
// before returning; any still-running reconciles are left to finish in the
// background rather than forcibly aborted (spec.md §4.5, "Graceful
// shutdown").
func (c *Controller) Shutdown(deadline time.Duration) {
	if c.watchCancel == nil {
		return
	}
	c.watchCancel()
	<-c.watchDone

	c.scheduler.Shutdown(true)

	waitCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	_ = c.runner.Wait(waitCtx)
}

func ownerMapper(primaryGroup, primaryKind string) MapFunc {
	return func(obj store.Object) []objref.ObjectRef {
		accessor, err := meta.Accessor(obj)
		if err != nil {
			return nil
		}
		var refs []objref.ObjectRef
		for _, owner := range accessor.GetOwnerReferences() {
			if owner.Kind != primaryKind {
				continue
			}
			gv, err := schema.ParseGroupVersion(owner.APIVersion)
			if err != nil || gv.Group != primaryGroup {
				continue
			}
			refs = append(refs, objref.ObjectRef{
				Group:     primaryGroup,
				Kind:      primaryKind,
				Namespace: accessor.GetNamespace(),
				Name:      owner.Name,
			})
		}
		return refs
	}
}
