/*
SPDX-License-Identifier: Apache-2.0
*/

package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/watch"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	rtbackoff "github.com/sap/controller-runtime-core/internal/backoff"
	"github.com/sap/controller-runtime-core/internal/metrics"
	"github.com/sap/controller-runtime-core/pkg/objref"
	"github.com/sap/controller-runtime-core/pkg/rterrors"
)

// initialEventsEndAnnotation marks the bookmark that terminates a
// StreamingList bootstrap (mirrors the upstream watch-list feature's
// "k8s.io/initial-events-end" annotation).
const initialEventsEndAnnotation = "k8s.io/initial-events-end"

// Watcher drives one resource kind's list/watch protocol into a restartable
// Event stream (spec.md §4.1).
type Watcher struct {
	name   string
	group  string
	kind   string
	lw     ListWatcher
	params Params

	backoff *rtbackoff.Backoff
	fsm     *fsm

	mu       sync.Mutex
	finalErr error
	done     chan struct{}
}

// New creates a Watcher for the given group/kind, driven by lw.
func New(name, group, kind string, lw ListWatcher, params Params) *Watcher {
	params = params.withDefaults()
	return &Watcher{
		name:    name,
		group:   group,
		kind:    kind,
		lw:      lw,
		params:  params,
		backoff: rtbackoff.NewBackoff(params.InitialBackoff, params.MaxBackoff),
		fsm:     newFSM(),
		done:    make(chan struct{}),
	}
}

// Run starts the watcher and returns its event stream. The channel is
// closed when ctx is cancelled or a fatal error (spec.md §7) occurs; Err
// reports which, once Done is closed.
func (w *Watcher) Run(ctx context.Context) <-chan Event {
	ch := make(chan Event)
	go w.run(ctx, ch)
	return ch
}

// Done is closed once the watcher's run loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Err reports the fatal error that ended the run loop, if any. Valid only
// after Done is closed.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalErr
}

func (w *Watcher) setFinalErr(err error) {
	w.mu.Lock()
	w.finalErr = err
	w.mu.Unlock()
}

func (w *Watcher) run(ctx context.Context, ch chan Event) {
	defer close(ch)
	defer close(w.done)

	log := ctrllog.FromContext(ctx).WithName("watcher").WithValues("watcher", w.name)

	emit := func(e Event) bool {
		select {
		case ch <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for ctx.Err() == nil {
		var err error
		if w.params.InitialListStrategy == StreamingList {
			err = w.streamingList(ctx, emit)
		} else {
			err = w.listThenWatch(ctx, emit)
		}
		if err != nil {
			metrics.WatcherErrors.WithLabelValues(w.name, errorKind(err)).Inc()
			if rterrors.Fatal(err) {
				log.Error(err, "fatal error during bootstrap")
				w.setFinalErr(err)
				return
			}
			log.V(1).Info("bootstrap failed, retrying after backoff", "error", err.Error())
			if !w.sleep(ctx, w.backoff.Next("bootstrap", errorKind(err))) {
				return
			}
			continue
		}
		w.backoff.Forget("bootstrap")
		metrics.WatcherRelists.WithLabelValues(w.name).Inc()

		// live watch loop: repeats until desync (-> relist) or fatal
		// (-> return) or context cancellation.
	watching:
		for {
			err = w.watchOnce(ctx, emit)
			switch {
			case err == nil:
				if ctx.Err() != nil {
					return
				}
				// idle timeout: re-watch at the same resourceVersion,
				// no relist required.
				continue watching
			case rterrors.Fatal(err):
				log.Error(err, "fatal error during watch")
				w.setFinalErr(err)
				return
			default:
				if _, isDesync := err.(rterrors.DesyncError); isDesync {
					log.V(1).Info("desync, relisting", "error", err.Error())
					w.fsm.desync()
					break watching
				}
				metrics.WatcherErrors.WithLabelValues(w.name, errorKind(err)).Inc()
				log.V(1).Info("transient watch error, retrying after backoff", "error", err.Error())
				if !w.sleep(ctx, w.backoff.Next("watch", errorKind(err))) {
					return
				}
			}
		}
	}
}

func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// listThenWatch bootstraps via InitListed: a plain paginated List.
func (w *Watcher) listThenWatch(ctx context.Context, emit func(Event) bool) error {
	w.fsm.beginInit(false)
	if !emit(Event{Kind: Init}) {
		return nil
	}

	opts := ListOptions{
		LabelSelector: w.params.LabelSelector,
		FieldSelector: w.params.FieldSelector,
		Limit:         w.params.PageSize,
	}
	for {
		page, err := w.lw.List(ctx, opts)
		if err != nil {
			return classifyError(err)
		}
		for _, item := range page.Items {
			ref, err := w.refFor(item)
			if err != nil {
				// malformed item: skip it, but list pagination metadata
				// itself is intact, so this is not fatal to the bootstrap.
				continue
			}
			w.fsm.accumulate(ref, item)
			if !emit(Event{Kind: InitApply, Object: item}) {
				return nil
			}
		}
		if page.Continue == "" {
			w.fsm.finishInit(page.ResourceVersion)
			break
		}
		w.fsm.advancePage(page.Continue, page.ResourceVersion)
		opts.Continue = page.Continue
	}
	if !emit(Event{Kind: InitDone}) {
		return nil
	}
	return nil
}

// streamingList bootstraps via InitPage: the incremental watch-based list
// protocol, terminated by a bookmark carrying initialEventsEndAnnotation.
func (w *Watcher) streamingList(ctx context.Context, emit func(Event) bool) error {
	w.fsm.beginInit(true)
	if !emit(Event{Kind: Init}) {
		return nil
	}

	sendInitialEvents := true
	opts := ListOptions{
		LabelSelector:       w.params.LabelSelector,
		FieldSelector:       w.params.FieldSelector,
		ResourceVersion:     "",
		AllowWatchBookmarks: true,
		SendInitialEvents:   &sendInitialEvents,
	}
	wi, err := w.lw.Watch(ctx, opts)
	if err != nil {
		return classifyError(err)
	}
	defer wi.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-wi.ResultChan():
			if !ok {
				return rterrors.NewTransportError(fmt.Errorf("streaming list watch closed before initial-events-end bookmark"))
			}
			switch ev.Type {
			case watch.Added:
				ref, err := w.refFor(ev.Object)
				if err != nil {
					continue
				}
				w.fsm.accumulate(ref, ev.Object)
				if !emit(Event{Kind: InitApply, Object: ev.Object}) {
					return nil
				}
			case watch.Bookmark:
				rv := resourceVersionOf(ev.Object)
				if isInitialEventsEnd(ev.Object) {
					w.fsm.finishInit(rv)
					emit(Event{Kind: InitDone})
					return nil
				}
				w.fsm.observe(rv)
			case watch.Error:
				return classifyWatchError(ev.Object)
			default:
				// unknown event kind: logged and skipped.
				ctrllog.FromContext(ctx).V(1).Info("skipping unknown watch event type", "watcher", w.name, "type", string(ev.Type))
			}
		}
	}
}

// watchOnce runs one Watch call to completion: it returns nil if the watch
// closed idly (caller should re-watch at the same resourceVersion), or a
// classified error otherwise.
func (w *Watcher) watchOnce(ctx context.Context, emit func(Event) bool) error {
	watchCtx, cancel := context.WithTimeout(ctx, w.params.Timeout)
	defer cancel()

	timeoutSeconds := int64(w.params.Timeout.Seconds())
	opts := ListOptions{
		LabelSelector:       w.params.LabelSelector,
		FieldSelector:       w.params.FieldSelector,
		ResourceVersion:     w.fsm.resourceVersion(),
		AllowWatchBookmarks: w.params.AllowBookmarks,
		TimeoutSeconds:      &timeoutSeconds,
	}
	wi, err := w.lw.Watch(watchCtx, opts)
	if err != nil {
		return classifyError(err)
	}
	defer wi.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-watchCtx.Done():
			return nil
		case ev, ok := <-wi.ResultChan():
			if !ok {
				return nil
			}
			switch ev.Type {
			case watch.Added, watch.Modified:
				w.fsm.observe(resourceVersionOf(ev.Object))
				if !emit(Event{Kind: Apply, Object: ev.Object}) {
					return nil
				}
			case watch.Deleted:
				w.fsm.observe(resourceVersionOf(ev.Object))
				if !emit(Event{Kind: Delete, Object: ev.Object}) {
					return nil
				}
			case watch.Bookmark:
				w.fsm.observe(resourceVersionOf(ev.Object))
			case watch.Error:
				return classifyWatchError(ev.Object)
			default:
				// unknown kind: never panic, just ignore.
			}
		}
	}
}

func (w *Watcher) refFor(obj Object) (objref.ObjectRef, error) {
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return objref.ObjectRef{}, errors.Wrap(err, "unable to get accessor for watch object")
	}
	return objref.ObjectRef{Group: w.group, Kind: w.kind, Namespace: accessor.GetNamespace(), Name: accessor.GetName()}, nil
}

func resourceVersionOf(obj Object) string {
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return ""
	}
	return accessor.GetResourceVersion()
}

func isInitialEventsEnd(obj Object) bool {
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return false
	}
	return accessor.GetAnnotations()[initialEventsEndAnnotation] == "true"
}

func classifyWatchError(obj Object) error {
	err := apierrors.FromObject(obj)
	return classifyError(err)
}

func classifyError(err error) error {
	switch {
	case apierrors.IsGone(err), apierrors.IsResourceExpired(err):
		return rterrors.NewDesyncError(err)
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return rterrors.NewAuthError(err)
	case apierrors.IsBadRequest(err), apierrors.IsInvalid(err):
		return rterrors.NewAuthError(err)
	default:
		return rterrors.NewTransportError(err)
	}
}

func errorKind(err error) string {
	switch err.(type) {
	case rterrors.DesyncError:
		return "desync"
	case rterrors.AuthError:
		return "auth"
	case rterrors.DecodeError:
		return "decode"
	case rterrors.QueueError:
		return "queue"
	default:
		return "transport"
	}
}
