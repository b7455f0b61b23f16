/*
SPDX-License-Identifier: Apache-2.0
*/

// Package objref defines ObjectRef, the cluster-unique identity used as a
// map key throughout the runtime core.
package objref

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ObjectRef is a cluster-unique identity. Two refs are equal iff they denote
// the same logical resource; version is deliberately not part of equality.
// DynamicType distinguishes otherwise-identical refs coming from a dynamic
// (unstructured) client against more than one registered type, and is empty
// for typed clients.
type ObjectRef struct {
	Group       string
	Kind        string
	Namespace   string
	Name        string
	DynamicType string
}

// String renders a human-readable representation, group/kind namespace/name.
func (r ObjectRef) String() string {
	gk := r.Kind
	if r.Group != "" {
		gk = r.Group + "/" + r.Kind
	}
	if r.Namespace == "" {
		return fmt.Sprintf("%s %s", gk, r.Name)
	}
	return fmt.Sprintf("%s %s/%s", gk, r.Namespace, r.Name)
}

// ForObject derives the ObjectRef of a runtime.Object from the given
// group/version/kind and the namespace and name read via its accessor. The
// object's own TypeMeta is not consulted, and the version is dropped.
func ForObject(gvk schema.GroupVersionKind, obj runtime.Object) (ObjectRef, error) {
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("unable to get accessor for object: %w", err)
	}
	return ObjectRef{
		Group:     gvk.Group,
		Kind:      gvk.Kind,
		Namespace: accessor.GetNamespace(),
		Name:      accessor.GetName(),
	}, nil
}

// WithDynamicType returns a copy of r tagged with the given dynamic type
// discriminator (used when a single collaborator serves more than one
// unstructured GVK under the same Kind string).
func (r ObjectRef) WithDynamicType(dynamicType string) ObjectRef {
	r.DynamicType = dynamicType
	return r
}
