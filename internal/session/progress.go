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

// ProgressEvent is one observation of a starting workload, streamed to the
// client as a server-sent event.
type ProgressEvent struct {
	WorkloadID string         `json:"workloadId"`
	State      workload.State `json:"state"`
	PodPhase   v1.PodPhase    `json:"podPhase,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Final      bool           `json:"final"`
}

// Progress emits an event per poll tick until the workload reaches a final
// state or the context ends. The channel closes after the final event.
func (o *Orchestrator) Progress(ctx context.Context, id string, interval time.Duration) <-chan ProgressEvent {
	ch := make(chan ProgressEvent)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			event, final := o.observe(ctx, id)
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
			if final {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}

// observe takes one snapshot of row and pod state. Running and Stopping are
// final; a Starting row keeps the stream open.
func (o *Orchestrator) observe(ctx context.Context, id string) (ProgressEvent, bool) {
	row, err := o.store.GetRow(id)
	if err != nil {
		return ProgressEvent{WorkloadID: id, Reason: "not found", Final: true}, true
	}
	event := ProgressEvent{WorkloadID: id, State: row.State}
	if row.State != workload.Starting {
		event.Final = true
		if row.StopReason != "" {
			event.Reason = string(row.StopReason)
		}
		return event, true
	}
	if phase, err := o.cluster.PodPhase(ctx, row.PodName); err == nil {
		event.PodPhase = phase
	}
	return event, false
}
