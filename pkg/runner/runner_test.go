/*
SPDX-License-Identifier: Apache-2.0
*/

package runner_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sap/go-generics/sets"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sap/controller-runtime-core/pkg/objref"
	"github.com/sap/controller-runtime-core/pkg/runner"
	"github.com/sap/controller-runtime-core/pkg/scheduler"
)

func TestRunner(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Runner Suite")
}

var _ = Describe("Runner", func() {
	var ctx context.Context
	var cancel context.CancelFunc
	var sched *scheduler.Scheduler
	var ref objref.ObjectRef

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		sched = scheduler.New("test")
		ref = objref.ObjectRef{Kind: "Pod", Namespace: "default", Name: "a"}
	})

	AfterEach(func() {
		cancel()
	})

	It("invokes reconcile for a due request", func() {
		calls := make(chan objref.ObjectRef, 10)
		r := runner.New("test", sched, func(_ context.Context, ref objref.ObjectRef, _ sets.Set[string]) runner.Action {
			calls <- ref
			return runner.Action{}
		}, runner.Params{})

		go r.Run(ctx)
		sched.Schedule(ref, time.Now(), "create")

		Eventually(calls, "1s").Should(Receive(Equal(ref)))
	})

	It("never runs two reconciles for the same ref concurrently (exclusivity property)", func() {
		var mu sync.Mutex
		concurrent := 0
		maxConcurrent := 0
		release := make(chan struct{})

		r := runner.New("test", sched, func(_ context.Context, _ objref.ObjectRef, _ sets.Set[string]) runner.Action {
			mu.Lock()
			concurrent++
			if concurrent > maxConcurrent {
				maxConcurrent = concurrent
			}
			mu.Unlock()

			<-release

			mu.Lock()
			concurrent--
			mu.Unlock()
			return runner.Action{}
		}, runner.Params{DeferDelay: time.Millisecond})

		go r.Run(ctx)

		sched.Schedule(ref, time.Now(), "a")
		time.Sleep(10 * time.Millisecond)
		// a second schedule for the same ref while the first is in flight
		// must be deferred, not dispatched concurrently.
		sched.Schedule(ref, time.Now(), "b")
		time.Sleep(30 * time.Millisecond)

		close(release)

		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return maxConcurrent
		}, "1s").Should(Equal(1))
	})

	It("requeues after the action's RequeueAfter", func() {
		var calls int
		done := make(chan struct{})
		r := runner.New("test", sched, func(_ context.Context, _ objref.ObjectRef, _ sets.Set[string]) runner.Action {
			calls++
			if calls >= 2 {
				close(done)
				return runner.Action{}
			}
			return runner.Action{RequeueAfter: 10 * time.Millisecond}
		}, runner.Params{})

		go r.Run(ctx)
		sched.Schedule(ref, time.Now(), "create")

		Eventually(done, "1s").Should(BeClosed())
		Expect(calls).To(BeNumerically(">=", 2))
	})

	It("waits for in-flight reconciles to finish on Wait", func() {
		started := make(chan struct{})
		release := make(chan struct{})
		r := runner.New("test", sched, func(_ context.Context, _ objref.ObjectRef, _ sets.Set[string]) runner.Action {
			close(started)
			<-release
			return runner.Action{}
		}, runner.Params{})

		go r.Run(ctx)
		sched.Schedule(ref, time.Now(), "create")

		<-started
		waitErr := make(chan error, 1)
		go func() { waitErr <- r.Wait(context.Background()) }()

		Consistently(waitErr, "50ms").ShouldNot(Receive())
		close(release)
		Eventually(waitErr, "1s").Should(Receive(BeNil()))
	})
})
