/*
SPDX-License-Identifier: Apache-2.0
*/

// Package faketransport is an in-memory, scriptable ListWatcher used by the
// watcher, reflector and controller test suites. It stands in for a real API
// collaborator without depending on a live apiserver or client-go fakes.
package faketransport

import (
	"context"
	"sync"

	"k8s.io/apimachinery/pkg/watch"

	"github.com/sap/controller-runtime-core/pkg/watcher"
)

// ListFunc answers one List call.
type ListFunc func(ctx context.Context, opts watcher.ListOptions) (*watcher.Page, error)

// Transport is a scriptable watcher.ListWatcher. Each Watch call gets a fresh
// watch.FakeWatcher that the test drives directly via the returned handle, or
// Watch is replaced entirely by the function installed with SetWatchFunc, if
// any.
type Transport struct {
	mu       sync.Mutex
	listFunc ListFunc
	watchFn  func(ctx context.Context, opts watcher.ListOptions) (watch.Interface, error)

	watches []*watch.FakeWatcher
}

// New creates an empty Transport; configure it with SetList/SetWatchFunc, or
// drive the watches it hands out via NextWatch.
func New() *Transport {
	return &Transport{}
}

// SetList installs the List behavior.
func (t *Transport) SetList(fn ListFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listFunc = fn
}

// SetWatchFunc overrides Watch's behavior entirely (e.g. to return an error).
func (t *Transport) SetWatchFunc(fn func(ctx context.Context, opts watcher.ListOptions) (watch.Interface, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watchFn = fn
}

func (t *Transport) List(ctx context.Context, opts watcher.ListOptions) (*watcher.Page, error) {
	t.mu.Lock()
	fn := t.listFunc
	t.mu.Unlock()
	if fn == nil {
		return &watcher.Page{}, nil
	}
	return fn(ctx, opts)
}

func (t *Transport) Watch(ctx context.Context, opts watcher.ListOptions) (watch.Interface, error) {
	t.mu.Lock()
	fn := t.watchFn
	t.mu.Unlock()
	if fn != nil {
		return fn(ctx, opts)
	}

	fw := watch.NewFake()
	t.mu.Lock()
	t.watches = append(t.watches, fw)
	t.mu.Unlock()
	return fw, nil
}

// NextWatch blocks-free-returns the most recently handed-out FakeWatcher, or
// nil if none has been created yet. Tests poll this (with Eventually) right
// after triggering a Run call, then drive events onto it directly.
func (t *Transport) NextWatch() *watch.FakeWatcher {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.watches) == 0 {
		return nil
	}
	return t.watches[len(t.watches)-1]
}

// WatchCount reports how many Watch calls have been made so far.
func (t *Transport) WatchCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.watches)
}
