/*
SPDX-License-Identifier: Apache-2.0
*/

// Package finalizer wraps a user reconcile function to participate in the
// deletion handshake (spec.md §4.6).
package finalizer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/sap/controller-runtime-core/pkg/objref"
)

// Patcher is the external collaborator used to apply finalizer list changes
// (spec.md §6, "patch(ref, jsonPatch) -> Object"). Implementations must
// perform a JSON test-and-set against the current finalizers list and
// surface a conflict as a retryable error.
type Patcher interface {
	Patch(ctx context.Context, ref objref.ObjectRef, patch []byte, patchType types.PatchType) error
}

// Object is the minimal view Finalizer needs of the reconciled object.
type Object interface {
	GetFinalizers() []string
	GetDeletionTimestamp() *metav1.Time
}

// Getter fetches the current state of ref, as seen by the caller (typically
// the owning Controller's primary Store).
type Getter func(ref objref.ObjectRef) (Object, bool)

// ApplyFunc runs while the object is alive and the finalizer is present.
type ApplyFunc func(ctx context.Context, ref objref.ObjectRef, obj Object) error

// CleanupFunc runs once deletion has been requested and the finalizer is
// still present; on success the finalizer is removed.
type CleanupFunc func(ctx context.Context, ref objref.ObjectRef, obj Object) error

// Finalizer wraps Apply/Cleanup with the finalizer state machine.
type Finalizer struct {
	name    string
	get     Getter
	patcher Patcher
	apply   ApplyFunc
	cleanup CleanupFunc
}

// New creates a Finalizer named name (the value stored in metadata.finalizers),
// wrapping apply and cleanup.
func New(name string, get Getter, patcher Patcher, apply ApplyFunc, cleanup CleanupFunc) *Finalizer {
	return &Finalizer{name: name, get: get, patcher: patcher, apply: apply, cleanup: cleanup}
}

// Reconcile implements the state machine of spec.md §4.6's table. The
// returned bool reports whether the caller should requeue the ref
// immediately, which spec.md §4.6 mandates for the add-finalizer case: the
// object must be re-observed with the finalizer present before Apply can
// run, and waiting for the patch's own watch event to arrive would leave
// that requeue implicit rather than guaranteed.
func (f *Finalizer) Reconcile(ctx context.Context, ref objref.ObjectRef) (bool, error) {
	obj, ok := f.get(ref)
	if !ok {
		// object already gone from the Store: nothing left to finalize.
		return false, nil
	}

	deleting := obj.GetDeletionTimestamp() != nil
	has := hasFinalizer(obj.GetFinalizers(), f.name)

	switch {
	case !deleting && !has:
		if err := f.patch(ctx, ref, obj.GetFinalizers(), append(obj.GetFinalizers(), f.name)); err != nil {
			return false, errors.Wrapf(err, "error adding finalizer %s to %s", f.name, ref)
		}
		return true, nil
	case !deleting && has:
		if f.apply == nil {
			return false, nil
		}
		return false, f.apply(ctx, ref, obj)
	case deleting && has:
		if f.cleanup != nil {
			if err := f.cleanup(ctx, ref, obj); err != nil {
				return false, errors.Wrapf(err, "error cleaning up %s", ref)
			}
		}
		remaining := removeFinalizer(obj.GetFinalizers(), f.name)
		if err := f.patch(ctx, ref, obj.GetFinalizers(), remaining); err != nil {
			return false, errors.Wrapf(err, "error removing finalizer %s from %s", f.name, ref)
		}
		return false, nil
	default:
		// deleting && !has: no-op, already finalized.
		return false, nil
	}
}

// patch emits a JSON test-and-set against the finalizers list: the test
// clause pins the observed value so a concurrent modification is rejected by
// the collaborator rather than silently overwritten (spec.md §4.6,
// "tolerate concurrent modification... on conflict, surface a retryable
// error").
func (f *Finalizer) patch(ctx context.Context, ref objref.ObjectRef, observed, desired []string) error {
	patch := []jsonPatchOp{
		{Op: "test", Path: "/metadata/finalizers", Value: observed},
		{Op: "replace", Path: "/metadata/finalizers", Value: desired},
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("error encoding finalizer patch: %w", err)
	}
	return f.patcher.Patch(ctx, ref, body, types.JSONPatchType)
}

type jsonPatchOp struct {
	Op    string   `json:"op"`
	Path  string   `json:"path"`
	Value []string `json:"value"`
}

func hasFinalizer(finalizers []string, name string) bool {
	for _, f := range finalizers {
		if f == name {
			return true
		}
	}
	return false
}

func removeFinalizer(finalizers []string, name string) []string {
	out := make([]string, 0, len(finalizers))
	for _, f := range finalizers {
		if f != name {
			out = append(out, f)
		}
	}
	return out
}
