/*
SPDX-License-Identifier: Apache-2.0
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	prefix = "controller_runtime_core"
)

var (
	WatcherRelists = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_watcher_relists_total",
			Help: "Total number of relist (Init...InitDone) cycles per watcher",
		},
		[]string{"watcher"},
	)
	WatcherErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_watcher_errors_total",
			Help: "Total number of watcher errors per watcher and error kind",
		},
		[]string{"watcher", "kind"},
	)
	StoreSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_store_size",
			Help: "Number of objects currently held by a store",
		},
		[]string{"store"},
	)
	SchedulerQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_scheduler_queue_depth",
			Help: "Number of pending scheduled requests",
		},
		[]string{"scheduler"},
	)
	RunnerInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_runner_in_flight",
			Help: "Number of reconcile tasks currently in flight",
		},
		[]string{"controller"},
	)
	Reconciles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_reconcile_total",
			Help: "Total number of reconciliations per controller",
		},
		[]string{"controller"},
	)
	ReconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_reconcile_errors_total",
			Help: "Total number of reconciliation errors per controller",
		},
		[]string{"controller"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		WatcherRelists,
		WatcherErrors,
		StoreSize,
		SchedulerQueueDepth,
		RunnerInFlight,
		Reconciles,
		ReconcileErrors,
	)
}
