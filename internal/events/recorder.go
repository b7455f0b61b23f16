/*
SPDX-License-Identifier: Apache-2.0
*/

// Package events wraps a client-go EventRecorder so a reconcile loop that
// runs every few seconds does not flood an object's event history with
// near-identical entries.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// dedupWindow is how long an identical event on the same object is
// suppressed before it is allowed through again.
const dedupWindow = 5 * time.Minute

// DeduplicatingRecorder drops an Event/Eventf/AnnotatedEventf call if the
// most recent event recorded for the same object (by UID) within dedupWindow
// had the same type, reason, message and annotations. Only that most recent
// event is remembered per object, so an event that alternates with a
// different one is not dropped. Reconcile loops that re-emit the same
// outcome on every pass would otherwise bury the object's event history.
type DeduplicatingRecorder struct {
	recorder record.EventRecorder

	mutex sync.Mutex
	last  map[string]recordedEvent
}

type recordedEvent struct {
	digest string
	at     time.Time
}

// NewDeduplicatingRecorder wraps recorder.
func NewDeduplicatingRecorder(recorder record.EventRecorder) *DeduplicatingRecorder {
	return &DeduplicatingRecorder{
		recorder: recorder,
		last:     make(map[string]recordedEvent),
	}
}

func (r *DeduplicatingRecorder) Event(object client.Object, eventType, reason, message string) {
	if r.seen(object, nil, eventType, reason, message) {
		return
	}
	r.recorder.Event(object, eventType, reason, message)
}

func (r *DeduplicatingRecorder) Eventf(object client.Object, eventType, reason, messageFmt string, args ...any) {
	message := fmt.Sprintf(messageFmt, args...)
	if r.seen(object, nil, eventType, reason, message) {
		return
	}
	r.recorder.Eventf(object, eventType, reason, messageFmt, args...)
}

func (r *DeduplicatingRecorder) AnnotatedEventf(object client.Object, annotations map[string]string, eventType, reason, messageFmt string, args ...any) {
	message := fmt.Sprintf(messageFmt, args...)
	if r.seen(object, annotations, eventType, reason, message) {
		return
	}
	r.recorder.AnnotatedEventf(object, annotations, eventType, reason, messageFmt, args...)
}

// seen reports whether an identical event for object's UID is still within
// dedupWindow, and records it if not. Expired entries are swept on every
// call rather than on a timer, since the map only ever holds as many keys as
// there are distinct objects with recent events.
func (r *DeduplicatingRecorder) seen(object client.Object, annotations map[string]string, eventType, reason, message string) bool {
	uid := string(object.GetUID())
	digest := digestOf(annotations, eventType, reason, message)
	now := time.Now()
	cutoff := now.Add(-dedupWindow)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for key, ev := range r.last {
		if ev.at.Before(cutoff) {
			delete(r.last, key)
		}
	}

	if r.last[uid].digest == digest {
		return true
	}
	r.last[uid] = recordedEvent{digest: digest, at: now}
	return false
}

func digestOf(values ...any) string {
	data, err := json.Marshal(values)
	if err != nil {
		// values are always JSON-marshalable (strings and a string map); a
		// failure here means a caller passed something it shouldn't have.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
