/*
SPDX-License-Identifier: Apache-2.0
*/

// Package runner takes due requests from a Scheduler and invokes the user's
// reconcile function, enforcing at-most-one reconcile in flight per ObjectRef
// (spec.md §4.4).
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/sap/go-generics/sets"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/sap/controller-runtime-core/internal/metrics"
	"github.com/sap/controller-runtime-core/pkg/objref"
	"github.com/sap/controller-runtime-core/pkg/scheduler"
)

// Action is a ReconcilerAction (spec.md §3): what the Runner does after a
// reconcile returns.
type Action struct {
	// RequeueAfter, if non-zero, schedules another reconcile for the same
	// ref after this delay.
	RequeueAfter time.Duration
	// Err, if non-nil, is recorded via ReconcileErrors and logged; it does
	// not by itself cause a requeue (the reconcile function is responsible
	// for setting RequeueAfter on failure if it wants a retry).
	Err error
}

// ReconcileFunc is the user-supplied reconcile callback.
type ReconcileFunc func(ctx context.Context, ref objref.ObjectRef, reasons sets.Set[string]) Action

// Runner dispatches due ScheduledRequests to a ReconcileFunc, never running
// two reconciles for the same ObjectRef concurrently.
type Runner struct {
	name       string
	scheduler  *scheduler.Scheduler
	reconcile  ReconcileFunc
	maxWorkers int
	deferDelay time.Duration

	mu       sync.Mutex
	inFlight sets.Set[objref.ObjectRef]
	wg       sync.WaitGroup
}

// Params configures a Runner.
type Params struct {
	// MaxWorkers bounds concurrent reconciles across all refs. Zero means
	// unbounded (one goroutine per dispatched request).
	MaxWorkers int
	// DeferDelay is the small delay a request for an already in-flight ref
	// is rescheduled after (spec.md §4.4, "0-50ms"). Zero defaults to 20ms.
	DeferDelay time.Duration
}

// New creates a Runner drawing requests from sched and dispatching them to fn.
func New(name string, sched *scheduler.Scheduler, fn ReconcileFunc, params Params) *Runner {
	if params.DeferDelay == 0 {
		params.DeferDelay = 20 * time.Millisecond
	}
	return &Runner{
		name:       name,
		scheduler:  sched,
		reconcile:  fn,
		maxWorkers: params.MaxWorkers,
		deferDelay: params.DeferDelay,
		inFlight:   sets.New[objref.ObjectRef](),
	}
}

// Run drains due requests from the Scheduler until ctx is cancelled, then
// waits (unbounded) for in-flight reconciles to complete. A bounded wait is
// available through Wait with a deadline context, which is what
// Controller.Shutdown uses.
func (r *Runner) Run(ctx context.Context) {
	log := ctrllog.FromContext(ctx).WithName("runner").WithValues("runner", r.name)

	var sem chan struct{}
	if r.maxWorkers > 0 {
		sem = make(chan struct{}, r.maxWorkers)
	}

	for {
		due, err := r.scheduler.Wait(ctx)
		if err != nil {
			log.V(1).Info("stopping, waiting for in-flight reconciles", "error", err.Error())
			r.wg.Wait()
			return
		}

		for _, req := range due {
			req := req
			r.mu.Lock()
			if sets.Contains(r.inFlight, req.Ref) {
				r.mu.Unlock()
				log.V(2).Info("deferring request for in-flight ref", "ref", req.Ref.String())
				r.scheduler.Schedule(req.Ref, time.Now().Add(r.deferDelay), "deferred")
				continue
			}
			sets.Add(r.inFlight, req.Ref)
			r.mu.Unlock()

			metrics.RunnerInFlight.WithLabelValues(r.name).Set(float64(r.inFlightCount()))

			r.wg.Add(1)
			if sem != nil {
				sem <- struct{}{}
			}
			go func() {
				defer r.wg.Done()
				if sem != nil {
					defer func() { <-sem }()
				}
				r.dispatch(ctx, log, req)
			}()
		}
	}
}

func (r *Runner) inFlightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

func (r *Runner) dispatch(ctx context.Context, log logr.Logger, req scheduler.Request) {
	action := r.reconcile(ctx, req.Ref, req.Reasons)

	r.mu.Lock()
	sets.Delete(r.inFlight, req.Ref)
	r.mu.Unlock()
	metrics.RunnerInFlight.WithLabelValues(r.name).Set(float64(r.inFlightCount()))

	metrics.Reconciles.WithLabelValues(r.name).Inc()
	if action.Err != nil {
		metrics.ReconcileErrors.WithLabelValues(r.name).Inc()
		log.Error(action.Err, "reconcile failed", "ref", req.Ref.String())
	}
	if action.RequeueAfter > 0 {
		r.scheduler.Schedule(req.Ref, time.Now().Add(action.RequeueAfter), "requeue")
	}
}

// Wait blocks until every in-flight reconcile has completed, or ctx is
// cancelled first. Used for bounded graceful shutdown (spec.md §4.5).
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight reports the number of reconciles currently running.
func (r *Runner) InFlight() int {
	return r.inFlightCount()
}
