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

package session

import (
	"context"
	"time"

	v1 "k8s.io/api/core/v1"

	"github.com/opendatalab/spawner/internal/workload"
)

// cpuIdleThresholdCores is the usage below which a session counts as idle.
const cpuIdleThresholdCores = 0.3

// CullLoop runs the reaper until the context ends.
func (o *Orchestrator) CullLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.CullOnce(ctx)
		}
	}
}

// CullOnce applies the culling rules to every non-terminal row. Each rule
// is disabled when its duration is zero. Rules are checked cheapest first;
// the first match stops the workload with the culled reason.
func (o *Orchestrator) CullOnce(ctx context.Context) {
	rows, err := o.store.ListNonTerminal()
	if err != nil {
		o.log.Error(err, "listing rows for culling")
		return
	}

	running, starting := 0, 0
	for i := range rows {
		row := &rows[i]
		switch row.State {
		case workload.Running:
			running++
		case workload.Starting:
			starting++
		}
		if rule := o.cullRule(ctx, row); rule != "" {
			o.log.Info("culling workload", "workload", row.ID, "rule", rule, "age", time.Since(row.StartDate).Round(time.Second))
			o.metrics.CulledTotal.WithLabelValues(rule).Inc()
			if err := o.Stop(ctx, row.ID, workload.StopCulled); err != nil {
				o.log.Error(err, "culling stop failed", "workload", row.ID)
			}
		}
	}
	o.metrics.ActiveWorkloads.WithLabelValues("running").Set(float64(running))
	o.metrics.ActiveWorkloads.WithLabelValues("starting").Set(float64(starting))
}

func (o *Orchestrator) cullRule(ctx context.Context, row *workload.Row) string {
	rules := o.cfg.Culling
	age := time.Since(row.StartDate)

	if rules.MaxAge > 0 && age > rules.MaxAge {
		return "max_age"
	}
	if row.State == workload.Starting {
		if rules.MaxStartingDuration > 0 && age > rules.MaxStartingDuration {
			return "max_starting"
		}
		return ""
	}

	pod, err := o.cluster.GetPod(ctx, row.PodName)
	if err != nil {
		o.log.Error(err, "fetching pod for culling", "workload", row.ID)
		return ""
	}
	if rules.MaxFailedDuration > 0 && age > rules.MaxFailedDuration {
		if pod == nil || pod.Status.Phase == v1.PodFailed {
			return "failed"
		}
	}

	if rules.MaxIdleDuration > 0 && age > rules.MaxIdleDuration && o.isIdle(ctx, row) {
		return "max_idle"
	}
	return ""
}

// isIdle checks the session container's CPU usage. Prometheus gives the
// average over the idle window when configured; otherwise the metrics API
// gives an instantaneous reading. Any lookup failure counts as busy so a
// monitoring outage never reaps sessions.
func (o *Orchestrator) isIdle(ctx context.Context, row *workload.Row) bool {
	if o.prom != nil {
		cores, err := o.prom.PodCPUUsage(ctx, row.PodName, o.cfg.Culling.MaxIdleDuration)
		if err != nil {
			o.log.Error(err, "prometheus idleness check failed", "workload", row.ID)
			return false
		}
		return cores < cpuIdleThresholdCores
	}
	millis, err := o.cluster.PodCPUUsage(ctx, row.PodName)
	if err != nil {
		o.log.Error(err, "metrics idleness check failed", "workload", row.ID)
		return false
	}
	return float64(millis)/1000 < cpuIdleThresholdCores
}
