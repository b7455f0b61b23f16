/*
SPDX-License-Identifier: Apache-2.0
*/

package watcher

import "github.com/sap/controller-runtime-core/pkg/objref"

// phase is the WatcherState discriminator from spec.md §3.
type phase int

const (
	phaseEmpty phase = iota
	phaseInitListed
	phaseInitPage
	phaseWatching
)

// fsm holds the Watcher's internal bootstrap/live state. It is deliberately
// free of I/O; Run drives it and performs list/watch calls around it. Kept
// as an explicit state machine (rather than inline in the run loop) because
// relist atomicity and bookmark handling are easiest to state, and test,
// in that form (spec.md §9).
type fsm struct {
	phase            phase
	continueToken    string
	lastRV           string
	accumulated      map[objref.ObjectRef]Object
	bookmarkExpected bool
}

func newFSM() *fsm {
	return &fsm{phase: phaseEmpty}
}

// beginInit transitions Empty -> InitListed or Empty -> InitPage, starting a
// fresh accumulation buffer.
func (f *fsm) beginInit(streaming bool) {
	if streaming {
		f.phase = phaseInitPage
	} else {
		f.phase = phaseInitListed
	}
	f.continueToken = ""
	f.accumulated = make(map[objref.ObjectRef]Object)
}

// accumulate records one object seen during bootstrap.
func (f *fsm) accumulate(ref objref.ObjectRef, obj Object) {
	f.accumulated[ref] = obj
}

// advancePage records a continuation token and resource version for the
// current page (InitListed -> InitListed).
func (f *fsm) advancePage(continueToken, rv string) {
	f.continueToken = continueToken
	f.lastRV = rv
}

// finishInit transitions InitListed|InitPage -> Watching once the last page
// has been drained.
func (f *fsm) finishInit(rv string) {
	f.phase = phaseWatching
	f.lastRV = rv
	f.continueToken = ""
	f.accumulated = nil
}

// observe updates the resource version while Watching; phase is unchanged.
func (f *fsm) observe(rv string) {
	if rv != "" {
		f.lastRV = rv
	}
}

// desync transitions Watching -> Empty: the caller emits nothing further for
// this cycle and the next bootstrap will emit Init.
func (f *fsm) desync() {
	f.phase = phaseEmpty
	f.lastRV = ""
	f.continueToken = ""
	f.accumulated = nil
}

func (f *fsm) resourceVersion() string {
	return f.lastRV
}
