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

// Package quota is the admission gate run before any cluster call: the
// per-user container count, the per-project storage allocation and the
// metering subscriber check.
package quota

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/opendatalab/spawner/internal/metering"
	"github.com/opendatalab/spawner/internal/project"
	"github.com/opendatalab/spawner/internal/store"
	"github.com/opendatalab/spawner/internal/workload"
)

// Decision is the gate's verdict for an admitted workload.
type Decision struct {
	// ReadOnlyData is set when the project consumed its storage
	// allocation. Storage overage degrades data mounts to read-only
	// instead of refusing compute.
	ReadOnlyData bool
	// Subscriber is the metering identity the workload bills to.
	Subscriber *metering.Subscriber
	// ConsumedBytes/QuotaBytes are reported back to the caller.
	ConsumedBytes int64
	QuotaBytes    int64
}

type Gate struct {
	store    *store.Store
	projects *project.Client
	metering *metering.Client
	dataRoot string
	limit    int
	log      logr.Logger
}

func NewGate(st *store.Store, projects *project.Client, met *metering.Client, dataRoot string, containerLimit int, log logr.Logger) *Gate {
	return &Gate{
		store:    st,
		projects: projects,
		metering: met,
		dataRoot: dataRoot,
		limit:    containerLimit,
		log:      log.WithName("quota"),
	}
}

// Check runs all three admission checks for the request. The container
// count here is a fast-fail; the airtight version of the same predicate is
// re-checked inside the store's claim transaction.
func (g *Gate) Check(ctx context.Context, req *workload.Request) (*Decision, error) {
	count, err := g.store.CountNonTerminal(req.Identity.UserID, req.Identity.ProjectID)
	if err != nil {
		return nil, err
	}
	if count >= g.limit {
		return nil, fmt.Errorf("user %s has %d of %d workloads: %w",
			req.Identity.UserID, count, g.limit, store.ErrContainerLimit)
	}

	decision := &Decision{}

	consumed, quota, err := g.storageUsage(ctx, req.Identity.ProjectID)
	if err != nil {
		// Storage accounting failures must not block compute; log and
		// treat the project as within quota.
		g.log.Error(err, "storage usage check failed, assuming within quota",
			"project", req.Identity.ProjectID)
	} else {
		decision.ConsumedBytes = consumed
		decision.QuotaBytes = quota
		decision.ReadOnlyData = quota > 0 && consumed > quota
	}

	resourceKey := ResourceKey(req.Tier)
	sub, err := g.metering.CheckSubscriber(ctx, req.Identity.UserID, resourceKey)
	if err != nil {
		return nil, err
	}
	decision.Subscriber = sub
	return decision, nil
}

// storageUsage walks the project's data directory and compares against the
// allocation fetched from the project service.
func (g *Gate) storageUsage(ctx context.Context, projectID string) (consumed, quota int64, err error) {
	q, err := g.projects.Quota(ctx, projectID)
	if err != nil {
		return 0, 0, err
	}
	consumed, err = DirSize(filepath.Join(g.dataRoot, projectID))
	if err != nil {
		return 0, 0, err
	}
	return consumed, q.ResourceQuota, nil
}

// DirSize returns the total bytes under root via a recursive walk. A
// missing root counts as zero consumption.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("walking %s: %w", root, err)
	}
	return total, nil
}

// ResourceKey maps a tier to the metering resource key.
func ResourceKey(tier workload.ResourceTier) string {
	if tier.IsGPU() {
		return "gpu." + tier.CPU
	}
	return "cpu." + tier.CPU
}
