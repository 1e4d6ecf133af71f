/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics registers the prometheus collectors shared by the
// controllers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "rise"

	ControllerLabel = "controller"
	StatusLabel     = "status"
	ReasonLabel     = "reason"
)

var (
	ReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "controller",
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of a single controller reconcile pass.",
		Buckets:   DurationBuckets(),
	}, []string{ControllerLabel})

	ReconcileErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "controller",
		Name:      "reconcile_errors_total",
		Help:      "Number of reconcile passes that returned an error.",
	}, []string{ControllerLabel})

	DeploymentTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "deployments",
		Name:      "transitions_total",
		Help:      "Deployment status transitions performed by the engine.",
	}, []string{StatusLabel})

	DeploymentFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "deployments",
		Name:      "failures_total",
		Help:      "Deployments moved to a terminal state, by reason.",
	}, []string{ReasonLabel})
)

func init() {
	prometheus.MustRegister(ReconcileDuration, ReconcileErrors, DeploymentTransitions, DeploymentFailures)
}

// DurationBuckets returns the default threshold values for duration
// histograms. Each returned slice is new and may be modified without
// impacting other bucket definitions.
func DurationBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.25, 0.3, 0.35, 0.4, 0.45, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0,
		1.25, 1.5, 1.75, 2.0, 2.5, 3.0, 3.5, 4.0, 4.5, 5, 6, 7, 8, 9, 10, 15, 20, 25, 30, 40, 50, 60}
}
