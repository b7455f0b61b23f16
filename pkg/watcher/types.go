/*
SPDX-License-Identifier: Apache-2.0
*/

// Package watcher turns the Kubernetes list/watch HTTP surface into a
// lazily restarting, infinite sequence of WatcherEvents for a given
// selector and resource kind (spec.md §4.1).
package watcher

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
)

// Object is the opaque record the watcher hands upward; only metadata is
// ever inspected by this package (via k8s.io/apimachinery/pkg/api/meta).
type Object = runtime.Object

// ListOptions mirrors the subset of metav1.ListOptions the runtime core
// consumes from the API collaborator.
type ListOptions struct {
	LabelSelector        string
	FieldSelector        string
	Limit                int64
	Continue             string
	ResourceVersion      string
	ResourceVersionMatch string
	TimeoutSeconds       *int64
	AllowWatchBookmarks  bool
	// SendInitialEvents requests the incremental streaming-list bootstrap
	// protocol (InitPage in spec.md §3) instead of a plain paginated List.
	SendInitialEvents *bool
}

// Page is one page of a List response.
type Page struct {
	Items           []Object
	Continue        string
	ResourceVersion string
}

// ListWatcher is the external interface required from the API collaborator
// (spec.md §4.1, "External interface (consumed)"): list and watch for one
// resource kind, scoped by the selector embedded in ListOptions.
type ListWatcher interface {
	List(ctx context.Context, opts ListOptions) (*Page, error)
	Watch(ctx context.Context, opts ListOptions) (watch.Interface, error)
}

// InitialListStrategy chooses the bootstrap protocol used to populate the
// first snapshot (spec.md §3: InitListed vs InitPage).
type InitialListStrategy int

const (
	// ListThenWatch paginates with plain List calls (InitListed).
	ListThenWatch InitialListStrategy = iota
	// StreamingList uses the incremental list-via-watch protocol
	// (InitPage), consuming Added events until the server signals
	// completion via a bookmark carrying the initial-events-end marker.
	StreamingList
)

// Params are the tunables for one Watcher (spec.md §4.1, "Parameters").
type Params struct {
	LabelSelector string
	FieldSelector string

	// Timeout bounds each individual watch call; it defaults to 290s,
	// below the typical server-side 300s idle limit, so a silently
	// stalled watch is detected instead of hanging forever.
	Timeout time.Duration

	// AllowBookmarks requests periodic Bookmark events from the server so
	// resourceVersion can advance without a data event. When a watch call
	// reaches Timeout, the Watcher re-watches from the last resourceVersion
	// it observed; it does not relist, whether or not bookmarks arrive.
	AllowBookmarks bool

	// PageSize bounds the chunk size of List calls during bootstrap. Zero
	// means the collaborator's own default.
	PageSize int64

	// InitialListStrategy selects between ListThenWatch (default) and
	// StreamingList.
	InitialListStrategy InitialListStrategy

	// InitialBackoff and MaxBackoff bound the exponential reconnect
	// backoff applied after a transient failure (spec.md §4.1,
	// "Failure semantics"). Zero values default to 800ms / 30s, matching
	// the parameters the wait.BackoffManager examples in the pack use.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p Params) withDefaults() Params {
	if p.Timeout == 0 {
		p.Timeout = 290 * time.Second
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = 800 * time.Millisecond
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 30 * time.Second
	}
	return p
}

// EventKind is the discriminator of an Event (spec.md §3, "WatcherEvent").
type EventKind int

const (
	// Init signals "relist beginning, discard prior view".
	Init EventKind = iota
	// InitApply reports an object present at the initial snapshot.
	InitApply
	// InitDone signals "initial snapshot complete".
	InitDone
	// Apply reports an object added or modified.
	Apply
	// Delete reports an object deleted; Object carries the final observed
	// state.
	Delete
)

func (k EventKind) String() string {
	switch k {
	case Init:
		return "Init"
	case InitApply:
		return "InitApply"
	case InitDone:
		return "InitDone"
	case Apply:
		return "Apply"
	case Delete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Event is the externally observed unit of the Watcher's output stream.
// Object is nil for Init and InitDone.
type Event struct {
	Kind   EventKind
	Object Object
}
