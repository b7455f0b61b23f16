/*
SPDX-License-Identifier: Apache-2.0
*/

package controller_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sap/controller-runtime-core/internal/faketransport"
	"github.com/sap/controller-runtime-core/pkg/controller"
	"github.com/sap/controller-runtime-core/pkg/objref"
	"github.com/sap/controller-runtime-core/pkg/store"
	"github.com/sap/controller-runtime-core/pkg/watcher"
)

func TestController(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Controller Suite")
}

func foo(name string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetAPIVersion("example.com/v1")
	u.SetKind("Foo")
	u.SetName(name)
	u.SetNamespace("default")
	u.SetResourceVersion("1")
	return u
}

func configMap(name, ownerName, rv string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name: name, Namespace: "default", ResourceVersion: rv,
			OwnerReferences: []metav1.OwnerReference{
				{APIVersion: "example.com/v1", Kind: "Foo", Name: ownerName},
			},
		},
	}
}

var _ = Describe("Controller", func() {
	var ctx context.Context
	var cancel context.CancelFunc
	var primaryTr, childTr *faketransport.Transport

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		primaryTr = faketransport.New()
		primaryTr.SetList(func(context.Context, watcher.ListOptions) (*watcher.Page, error) {
			return &watcher.Page{ResourceVersion: "1"}, nil
		})
		childTr = faketransport.New()
		childTr.SetList(func(context.Context, watcher.ListOptions) (*watcher.Page, error) {
			return &watcher.Page{ResourceVersion: "1"}, nil
		})
	})

	AfterEach(func() {
		cancel()
	})

	It("reconciles the primary object once on initial list (Self mapping)", func() {
		primaryTr.SetList(func(context.Context, watcher.ListOptions) (*watcher.Page, error) {
			return &watcher.Page{Items: []watcher.Object{foo("foo-1")}, ResourceVersion: "1"}, nil
		})

		c := controller.New("foos", "example.com", "Foo", primaryTr, watcher.Params{})

		results := c.Run(ctx, func(_ context.Context, ref objref.ObjectRef) (controller.Action, error) {
			return controller.Action{}, nil
		}, nil, controller.RunOptions{})

		var got controller.Result
		Eventually(results, "1s").Should(Receive(&got))
		Expect(got.Ref.Name).To(Equal("foo-1"))
		Expect(got.Err).NotTo(HaveOccurred())
	})

	It("maps a child event to its owner via ownerReferences (scenario D)", func() {
		c := controller.New("foos", "example.com", "Foo", primaryTr, watcher.Params{}).
			Owns("", "ConfigMap", childTr, watcher.Params{})

		reconciled := make(chan objref.ObjectRef, 10)
		results := c.Run(ctx, func(_ context.Context, ref objref.ObjectRef) (controller.Action, error) {
			reconciled <- ref
			return controller.Action{}, nil
		}, nil, controller.RunOptions{})
		go func() {
			for range results {
			}
		}()

		Eventually(childTr.WatchCount, "1s").Should(BeNumerically(">=", 1))
		fw := childTr.NextWatch()
		fw.Add(configMap("cm-1", "foo-1", "2"))

		Eventually(reconciled, "1s").Should(Receive(Equal(objref.ObjectRef{Group: "example.com", Kind: "Foo", Namespace: "default", Name: "foo-1"})))
	})

	It("skips a child event whose owner reference does not match the primary kind", func() {
		c := controller.New("foos", "example.com", "Foo", primaryTr, watcher.Params{}).
			Owns("", "ConfigMap", childTr, watcher.Params{})

		reconciled := make(chan objref.ObjectRef, 10)
		results := c.Run(ctx, func(_ context.Context, ref objref.ObjectRef) (controller.Action, error) {
			reconciled <- ref
			return controller.Action{}, nil
		}, nil, controller.RunOptions{})
		go func() {
			for range results {
			}
		}()

		Eventually(childTr.WatchCount, "1s").Should(BeNumerically(">=", 1))
		fw := childTr.NextWatch()
		orphan := configMap("cm-2", "foo-2", "2")
		orphan.OwnerReferences[0].Kind = "Bar"
		fw.Add(orphan)

		Consistently(reconciled, "200ms").ShouldNot(Receive())
	})

	It("applies a custom Watches mapper", func() {
		mapper := func(obj store.Object) []objref.ObjectRef {
			accessor, err := meta.Accessor(obj)
			if err != nil {
				return nil
			}
			return []objref.ObjectRef{{Group: "example.com", Kind: "Foo", Namespace: accessor.GetNamespace(), Name: "foo-mapped"}}
		}

		c := controller.New("foos", "example.com", "Foo", primaryTr, watcher.Params{}).
			Watches("", "ConfigMap", childTr, watcher.Params{}, mapper)

		reconciled := make(chan objref.ObjectRef, 10)
		results := c.Run(ctx, func(_ context.Context, ref objref.ObjectRef) (controller.Action, error) {
			reconciled <- ref
			return controller.Action{}, nil
		}, nil, controller.RunOptions{})
		go func() {
			for range results {
			}
		}()

		Eventually(childTr.WatchCount, "1s").Should(BeNumerically(">=", 1))
		fw := childTr.NextWatch()
		fw.Add(configMap("cm-3", "irrelevant", "2"))

		Eventually(reconciled, "1s").Should(Receive(Equal(objref.ObjectRef{Group: "example.com", Kind: "Foo", Namespace: "default", Name: "foo-mapped"})))
	})

	It("applies the error policy and reports the error on the result stream", func() {
		primaryTr.SetList(func(context.Context, watcher.ListOptions) (*watcher.Page, error) {
			return &watcher.Page{Items: []watcher.Object{foo("foo-1")}, ResourceVersion: "1"}, nil
		})

		c := controller.New("foos", "example.com", "Foo", primaryTr, watcher.Params{})

		boom := errBoom{}
		results := c.Run(ctx, func(_ context.Context, ref objref.ObjectRef) (controller.Action, error) {
			return controller.Action{}, boom
		}, func(ref objref.ObjectRef, err error) controller.Action {
			return controller.Action{}
		}, controller.RunOptions{})

		var got controller.Result
		Eventually(results, "1s").Should(Receive(&got))
		Expect(got.Err).To(Equal(boom))
	})

	It("requeues after the delay returned by a successful reconcile", func() {
		primaryTr.SetList(func(context.Context, watcher.ListOptions) (*watcher.Page, error) {
			return &watcher.Page{Items: []watcher.Object{foo("foo-1")}, ResourceVersion: "1"}, nil
		})

		c := controller.New("foos", "example.com", "Foo", primaryTr, watcher.Params{})

		var calls int32
		reconciled := make(chan struct{}, 10)
		results := c.Run(ctx, func(_ context.Context, ref objref.ObjectRef) (controller.Action, error) {
			atomic.AddInt32(&calls, 1)
			reconciled <- struct{}{}
			return controller.Action{RequeueAfter: 10 * time.Millisecond}, nil
		}, nil, controller.RunOptions{})
		go func() {
			for range results {
			}
		}()

		Eventually(reconciled, "1s").Should(Receive())
		Eventually(reconciled, "1s").Should(Receive())
		Expect(atomic.LoadInt32(&calls)).To(BeNumerically(">=", 2))
	})
})

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
