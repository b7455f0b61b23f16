/*
SPDX-License-Identifier: Apache-2.0
*/

package watcher_test

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sap/controller-runtime-core/internal/faketransport"
	"github.com/sap/controller-runtime-core/pkg/watcher"
)

func TestWatcher(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Watcher Suite")
}

func pod(name, rv string) *corev1.Pod {
	return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: name, ResourceVersion: rv}}
}

func collect(ctx context.Context, ch <-chan watcher.Event, n int, timeout time.Duration) []watcher.Event {
	events := make([]watcher.Event, 0, n)
	deadline := time.After(timeout)
	for len(events) < n {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		case <-deadline:
			return events
		case <-ctx.Done():
			return events
		}
	}
	return events
}

var _ = Describe("Watcher", func() {
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	It("bootstraps an empty list and transitions straight to watching (scenario A)", func() {
		tr := faketransport.New()
		tr.SetList(func(context.Context, watcher.ListOptions) (*watcher.Page, error) {
			return &watcher.Page{ResourceVersion: "100"}, nil
		})

		w := watcher.New("pods", "", "Pod", tr, watcher.Params{})
		ch := w.Run(ctx)

		events := collect(ctx, ch, 2, time.Second)
		Expect(events).To(HaveLen(2))
		Expect(events[0].Kind).To(Equal(watcher.Init))
		Expect(events[1].Kind).To(Equal(watcher.InitDone))

		Eventually(tr.WatchCount, "1s").Should(BeNumerically(">=", 1))
	})

	It("emits InitApply for each listed object, then Apply/Delete from the live watch (scenario B)", func() {
		tr := faketransport.New()
		tr.SetList(func(context.Context, watcher.ListOptions) (*watcher.Page, error) {
			return &watcher.Page{Items: []watcher.Object{pod("a", "1")}, ResourceVersion: "1"}, nil
		})

		w := watcher.New("pods", "", "Pod", tr, watcher.Params{})
		ch := w.Run(ctx)

		events := collect(ctx, ch, 3, time.Second)
		Expect(events).To(HaveLen(3))
		Expect(events[0].Kind).To(Equal(watcher.Init))
		Expect(events[1].Kind).To(Equal(watcher.InitApply))
		Expect(events[2].Kind).To(Equal(watcher.InitDone))

		Eventually(tr.WatchCount, "1s").Should(BeNumerically(">=", 1))
		fw := tr.NextWatch()
		Expect(fw).NotTo(BeNil())

		fw.Modify(pod("a", "2"))
		modEvents := collect(ctx, ch, 1, time.Second)
		Expect(modEvents).To(HaveLen(1))
		Expect(modEvents[0].Kind).To(Equal(watcher.Apply))
		Expect(modEvents[0].Object.(*corev1.Pod).ResourceVersion).To(Equal("2"))

		fw.Delete(pod("a", "3"))
		delEvents := collect(ctx, ch, 1, time.Second)
		Expect(delEvents).To(HaveLen(1))
		Expect(delEvents[0].Kind).To(Equal(watcher.Delete))
	})

	It("relists after a 410 Gone desync error (scenario C)", func() {
		tr := faketransport.New()
		tr.SetList(func(context.Context, watcher.ListOptions) (*watcher.Page, error) {
			return &watcher.Page{ResourceVersion: "1"}, nil
		})

		w := watcher.New("pods", "", "Pod", tr, watcher.Params{InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond})
		ch := w.Run(ctx)

		events := collect(ctx, ch, 2, time.Second)
		Expect(events).To(HaveLen(2))
		Expect(events[1].Kind).To(Equal(watcher.InitDone))

		Eventually(tr.WatchCount, "1s").Should(BeNumerically(">=", 1))
		fw := tr.NextWatch()

		goneErr := apierrors.NewGone("resourceVersion too old")
		fw.Error(&metav1.Status{
			Status:  metav1.StatusFailure,
			Reason:  metav1.StatusReasonGone,
			Message: goneErr.Error(),
			Code:    410,
		})

		relistEvents := collect(ctx, ch, 2, time.Second)
		Expect(relistEvents).To(HaveLen(2))
		Expect(relistEvents[0].Kind).To(Equal(watcher.Init))
		Expect(relistEvents[1].Kind).To(Equal(watcher.InitDone))

		Eventually(tr.WatchCount, "2s").Should(BeNumerically(">=", 2))
	})

	It("terminates the stream on a fatal auth error", func() {
		tr := faketransport.New()
		tr.SetList(func(context.Context, watcher.ListOptions) (*watcher.Page, error) {
			return nil, apierrors.NewUnauthorized("token expired")
		})

		w := watcher.New("pods", "", "Pod", tr, watcher.Params{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
		ch := w.Run(ctx)

		// the bootstrap announces Init before its List call fails.
		first, open := <-ch
		Expect(open).To(BeTrue())
		Expect(first.Kind).To(Equal(watcher.Init))

		_, open = <-ch
		Expect(open).To(BeFalse())

		Eventually(w.Done(), "1s").Should(BeClosed())
		Expect(w.Err()).To(HaveOccurred())
	})

	It("stops cleanly when the context is cancelled mid-watch", func() {
		tr := faketransport.New()
		tr.SetList(func(context.Context, watcher.ListOptions) (*watcher.Page, error) {
			return &watcher.Page{ResourceVersion: "1"}, nil
		})

		w := watcher.New("pods", "", "Pod", tr, watcher.Params{})
		ch := w.Run(ctx)
		collect(ctx, ch, 2, time.Second)

		cancel()

		Eventually(w.Done(), "1s").Should(BeClosed())
		Expect(w.Err()).NotTo(HaveOccurred())
	})
})

var _ = Describe("StreamingList bootstrap", func() {
	It("consumes Added events until the initial-events-end bookmark", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		tr := faketransport.New()
		w := watcher.New("pods", "", "Pod", tr, watcher.Params{InitialListStrategy: watcher.StreamingList})
		ch := w.Run(ctx)

		// the event stream and the fake watch are both unbuffered, so events
		// are collected concurrently while the fake watch is driven.
		collected := make(chan []watcher.Event, 1)
		go func() { collected <- collect(ctx, ch, 4, time.Second) }()

		Eventually(tr.WatchCount, "1s").Should(BeNumerically(">=", 1))
		fw := tr.NextWatch()

		fw.Add(pod("a", "1"))
		fw.Add(pod("b", "2"))

		bookmark := &unstructured.Unstructured{}
		bookmark.SetGroupVersionKind(schema.GroupVersionKind{Version: "v1", Kind: "Pod"})
		bookmark.SetAnnotations(map[string]string{"k8s.io/initial-events-end": "true"})
		bookmark.SetResourceVersion("2")
		fw.Action(watch.Bookmark, bookmark)

		var events []watcher.Event
		Eventually(collected, "2s").Should(Receive(&events))
		Expect(events).To(HaveLen(4))
		Expect(events[0].Kind).To(Equal(watcher.Init))
		Expect(events[1].Kind).To(Equal(watcher.InitApply))
		Expect(events[2].Kind).To(Equal(watcher.InitApply))
		Expect(events[3].Kind).To(Equal(watcher.InitDone))
	})
})
