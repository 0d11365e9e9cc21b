/*
Copyright 2024.

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

// Package observability holds the Prometheus self-monitoring metrics for
// the spawner.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for spawner self-monitoring. They
// live on a custom registry to keep the scrape surface deliberate.
type Metrics struct {
	Registry *prometheus.Registry

	// Lifecycle metrics
	StartsTotal   *prometheus.CounterVec
	StopsTotal    *prometheus.CounterVec
	StartDuration *prometheus.HistogramVec
	StartFailures *prometheus.CounterVec

	// Admission metrics
	AdmissionRejections *prometheus.CounterVec

	// Cluster metrics
	PodIPWaitDuration prometheus.Histogram
	JobPollDuration   prometheus.Histogram

	// State metrics
	ActiveWorkloads *prometheus.GaugeVec

	// Culling metrics
	CulledTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with everything registered on a
// fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		StartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spawner_workload_starts_total",
			Help: "Total number of workload start attempts.",
		}, []string{"kernel", "status"}),
		StopsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spawner_workload_stops_total",
			Help: "Total number of workload stops by reason.",
		}, []string{"reason"}),
		StartDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spawner_workload_start_duration_seconds",
			Help:    "Time from start request to running pod in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"kernel"}),
		StartFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spawner_workload_start_failures_total",
			Help: "Total number of start failures by stage.",
		}, []string{"stage"}),

		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spawner_admission_rejections_total",
			Help: "Total number of starts refused at admission.",
		}, []string{"cause"}),

		PodIPWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spawner_pod_ip_wait_duration_seconds",
			Help:    "Time spent waiting for a pod IP in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		JobPollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spawner_job_poll_duration_seconds",
			Help:    "Time spent polling scheduled runs to completion in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		ActiveWorkloads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spawner_active_workloads",
			Help: "Current number of non-terminal workloads.",
		}, []string{"state"}),

		CulledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spawner_culled_workloads_total",
			Help: "Total number of workloads stopped by the culler.",
		}, []string{"rule"}),
	}

	reg.MustRegister(
		m.StartsTotal,
		m.StopsTotal,
		m.StartDuration,
		m.StartFailures,
		m.AdmissionRejections,
		m.PodIPWaitDuration,
		m.JobPollDuration,
		m.ActiveWorkloads,
		m.CulledTotal,
	)

	return m
}
