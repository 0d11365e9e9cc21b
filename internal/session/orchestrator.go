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

// Package session orchestrates workload lifecycles: admission, cluster
// object creation and rollback, stopping and culling.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/opendatalab/spawner/internal/cluster"
	"github.com/opendatalab/spawner/internal/config"
	"github.com/opendatalab/spawner/internal/manifest"
	"github.com/opendatalab/spawner/internal/metering"
	"github.com/opendatalab/spawner/internal/observability"
	"github.com/opendatalab/spawner/internal/project"
	"github.com/opendatalab/spawner/internal/prom"
	"github.com/opendatalab/spawner/internal/quota"
	"github.com/opendatalab/spawner/internal/store"
	"github.com/opendatalab/spawner/internal/workload"
)

type Orchestrator struct {
	cfg      config.Config
	store    *store.Store
	gate     *quota.Gate
	cluster  *cluster.Client
	builder  *manifest.Builder
	projects *project.Client
	metering *metering.Client
	prom     *prom.Client
	metrics  *observability.Metrics
	log      logr.Logger
}

func NewOrchestrator(
	cfg config.Config,
	st *store.Store,
	gate *quota.Gate,
	cl *cluster.Client,
	builder *manifest.Builder,
	projects *project.Client,
	met *metering.Client,
	promClient *prom.Client,
	metrics *observability.Metrics,
	log logr.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		gate:     gate,
		cluster:  cl,
		builder:  builder,
		projects: projects,
		metering: met,
		prom:     promClient,
		metrics:  metrics,
		log:      log.WithName("session"),
	}
}

// NewWorkloadID names the row and every cluster object of one workload.
// Kubernetes object names must be DNS-1123, hence the prefix and lowering.
// The HTTP layer assigns it up front for scheduled runs so the id can be
// returned before the background run finishes.
func NewWorkloadID() string {
	return "wl-" + strings.ToLower(uuid.NewString()[:13])
}

// Start runs the full start flow for a workload. The row is claimed before
// any cluster call; every failure after the claim rolls the row back to
// STOPPING and removes whatever was created, so a failed start leaves no
// residue.
func (o *Orchestrator) Start(ctx context.Context, req *workload.Request) (*workload.Row, error) {
	if req.ID == "" {
		req.ID = NewWorkloadID()
	}
	started := time.Now()
	log := o.log.WithValues("workload", req.ID, "user", req.Identity.UserID, "project", req.Identity.ProjectID)

	if err := o.resolveRepo(req); err != nil {
		o.metrics.AdmissionRejections.WithLabelValues("no_repo").Inc()
		return nil, wrapErr(KindPrecondition, "resolve_repo", err)
	}

	decision, err := o.gate.Check(ctx, req)
	if err != nil {
		kind := Classify(err)
		o.metrics.AdmissionRejections.WithLabelValues(string(kind)).Inc()
		return nil, wrapErr(kind, "quota_gate", err)
	}
	req.ReadOnlyData = decision.ReadOnlyData

	row := rowFromRequest(req)
	if err := o.store.ClaimStarting(row, o.cfg.Resources.ContainerLimit); err != nil {
		o.metrics.AdmissionRejections.WithLabelValues("claim").Inc()
		return nil, wrapErr(Classify(err), "claim", err)
	}
	log.Info("workload claimed", "kernel", req.Kernel)

	mctx, err := o.buildContext(ctx, req, decision)
	if err != nil {
		return nil, o.rollback(ctx, req, "build_context", err)
	}

	if req.Scheduled {
		return o.runScheduled(ctx, req, mctx, row)
	}

	pod, err := o.builder.BuildPod(req, mctx)
	if err != nil {
		return nil, o.rollback(ctx, req, "build_manifest", err)
	}
	if _, err := o.cluster.CreatePod(ctx, pod); err != nil {
		return nil, o.rollback(ctx, req, "create_pod", err)
	}

	ipWait := time.Now()
	podIP, err := o.cluster.WaitForPodIP(ctx, pod.Name)
	if err != nil {
		return nil, o.rollback(ctx, req, "wait_pod_ip", err)
	}
	o.metrics.PodIPWaitDuration.Observe(time.Since(ipWait).Seconds())

	network := cluster.NetworkObjects{
		Endpoints: o.builder.Endpoints(req, mctx, podIP),
		Service:   o.builder.Service(req, mctx),
		NodePort:  o.builder.NodePortService(req, mctx),
		Ingress:   o.builder.Ingress(req, mctx),
	}
	if err := o.cluster.CreateNetwork(ctx, network); err != nil {
		return nil, o.rollback(ctx, req, "create_network", err)
	}

	if err := o.store.MarkRunning(req.ID, pod.Name); err != nil {
		return nil, o.rollback(ctx, req, "mark_running", err)
	}

	o.metrics.StartsTotal.WithLabelValues(string(req.Kernel), "ok").Inc()
	o.metrics.StartDuration.WithLabelValues(string(req.Kernel)).Observe(time.Since(started).Seconds())
	log.Info("workload running", "podIP", podIP)

	return o.store.GetRow(req.ID)
}

// runScheduled wraps the pod in a Job and polls it to completion. Callers
// run this in the background for long batch executions; the row finishes in
// STOPPING with a finished or rollback reason.
func (o *Orchestrator) runScheduled(ctx context.Context, req *workload.Request, mctx manifest.Context, row *workload.Row) (*workload.Row, error) {
	job, err := o.builder.BuildJob(req, mctx)
	if err != nil {
		return nil, o.rollback(ctx, req, "build_manifest", err)
	}

	pollStart := time.Now()
	outcome, err := o.cluster.RunJob(ctx, job)
	o.metrics.JobPollDuration.Observe(time.Since(pollStart).Seconds())
	if err != nil {
		return nil, o.rollback(ctx, req, "run_job", err)
	}
	if outcome != cluster.JobSucceeded {
		return nil, o.rollback(ctx, req, "run_job", fmt.Errorf("scheduled run %s", outcome))
	}

	o.recordSnapshot(req)
	if err := o.store.MarkStopping(req.ID, workload.StopFinished); err != nil {
		return nil, wrapErr(KindInternal, "mark_finished", err)
	}
	o.metrics.StartsTotal.WithLabelValues(string(req.Kernel), "ok").Inc()
	o.log.Info("scheduled run finished", "workload", req.ID)
	return o.store.GetRow(req.ID)
}

// Stop transitions the row to STOPPING first, then removes cluster objects
// best effort. The state change is never reverted: a failed delete leaves
// orphans for the culler, not a lying database.
func (o *Orchestrator) Stop(ctx context.Context, id string, reason workload.StopReason) error {
	row, err := o.store.GetRow(id)
	if err != nil {
		return wrapErr(Classify(err), "lookup", err)
	}
	if !row.State.NonTerminal() {
		return nil
	}

	if err := o.store.MarkStopping(id, reason); err != nil {
		return wrapErr(KindInternal, "mark_stopping", err)
	}
	o.metrics.StopsTotal.WithLabelValues(string(reason)).Inc()

	if err := o.cluster.Teardown(ctx, id); err != nil {
		o.log.Error(err, "teardown left residue", "workload", id)
	}
	// The pod's preStop hook also closes usage, but only fires for a
	// gracefully terminating running container. This direct call covers pods
	// that never ran; the final update is idempotent, so overlap is harmless.
	if err := o.metering.CloseUsage(ctx, id); err != nil {
		o.log.Error(err, "closing metering usage", "workload", id)
	}

	if row.Output != "" && reason != workload.StopRollback {
		o.recordSnapshotRow(row)
	}
	return nil
}

// List returns rows, optionally restricted to non-terminal ones.
func (o *Orchestrator) List(userID, projectID string, activeOnly bool) ([]workload.Row, error) {
	return o.store.ListRows(func(r *workload.Row) bool {
		if userID != "" && r.CreatedBy != userID {
			return false
		}
		if projectID != "" && r.ProjectID != projectID {
			return false
		}
		if activeOnly && !r.State.NonTerminal() {
			return false
		}
		return true
	})
}

// Get returns one row.
func (o *Orchestrator) Get(id string) (*workload.Row, error) {
	row, err := o.store.GetRow(id)
	if err != nil {
		return nil, wrapErr(Classify(err), "lookup", err)
	}
	return row, nil
}

// TeardownNetwork removes only the networking objects of a workload. The
// pod's preStop hook calls this through the internal API so a terminating
// pod cleans its own ingress up.
func (o *Orchestrator) TeardownNetwork(ctx context.Context, id string) error {
	return o.cluster.TeardownNetwork(ctx, id)
}

// rollback reverts a claimed start: the row goes to STOPPING with the
// rollback reason and every cluster object created so far is removed.
func (o *Orchestrator) rollback(ctx context.Context, req *workload.Request, stage string, err error) error {
	o.log.Error(err, "start failed, rolling back", "workload", req.ID, "stage", stage)
	o.metrics.StartFailures.WithLabelValues(stage).Inc()
	o.metrics.StartsTotal.WithLabelValues(string(req.Kernel), "error").Inc()

	if markErr := o.store.MarkStopping(req.ID, workload.StopRollback); markErr != nil {
		o.log.Error(markErr, "marking rollback", "workload", req.ID)
	}
	if cleanErr := o.cluster.Teardown(ctx, req.ID); cleanErr != nil {
		o.log.Error(cleanErr, "rollback teardown left residue", "workload", req.ID)
	}
	kind := Classify(err)
	if kind == KindInternal {
		kind = KindCluster
	}
	return wrapErr(kind, stage, err)
}

// resolveRepo fills the request's repo reference from the registered repos
// when the caller did not pin one. The caller-supplied credentials survive.
func (o *Orchestrator) resolveRepo(req *workload.Request) error {
	if req.Repo.Remote != "" {
		return nil
	}
	repo, branch, err := o.store.ResolveRepo(req.Identity.ProjectID, req.Identity.UserID)
	if err != nil {
		return err
	}
	req.Repo.RepoID = repo.ID
	req.Repo.Name = repo.Name
	req.Repo.Remote = repo.Remote
	req.Repo.BaseFolder = repo.BaseFolder
	req.Repo.Branch = branch.Name
	return nil
}

// buildContext assembles everything the manifest builder needs that has to
// be looked up per start: resolved image attributes, GPU affinity, ingress
// order, the spark port pair and the metering identity.
func (o *Orchestrator) buildContext(ctx context.Context, req *workload.Request, decision *quota.Decision) (manifest.Context, error) {
	mctx := manifest.Context{
		Namespace:     o.cfg.Kubernetes.Namespace,
		SidecarsImage: o.cfg.SidecarsImage,
		ResourceKey:   quota.ResourceKey(req.Tier),
	}
	if decision.Subscriber != nil {
		mctx.SubscriberID = decision.Subscriber.ID
	}

	if !req.BYOC && req.Image.ID != "" {
		img, err := o.store.ResolveImage(req.Image.ID)
		if err != nil {
			return mctx, err
		}
		if req.Image.CPUURL == "" {
			req.Image.CPUURL = img.CPUURL
		}
		if req.Image.GPUURL == "" {
			req.Image.GPUURL = img.GPUURL
		}
		mctx.Port = img.Port
		mctx.Command = img.Command
		mctx.Args = img.Args
		mctx.BaseURLEnv = img.BaseURLEnv
		mctx.RunAsUser = img.RunAsUser
		mctx.RunAsGroup = img.RunAsGroup
	}
	if o.cfg.Impersonation.Enabled {
		if req.Identity.UID != 0 {
			mctx.RunAsUser = req.Identity.UID
		} else if mctx.RunAsUser == 0 {
			mctx.RunAsUser = o.cfg.Impersonation.UID
		}
		if req.Identity.GID != 0 {
			mctx.RunAsGroup = req.Identity.GID
		} else if mctx.RunAsGroup == 0 {
			mctx.RunAsGroup = o.cfg.Impersonation.GID
		}
	}

	if req.Tier.IsGPU() {
		groupenv := o.projects.GroupEnv(ctx, req.Identity.ProjectID)
		mctx.GPUAffinity = manifest.LoadGPUAffinity(o.cfg.Kubernetes.GPUAffinityFile, groupenv)
	}

	order, err := o.cluster.AllocateIngressOrder(ctx)
	if err != nil {
		return mctx, err
	}
	mctx.IngressOrder = order

	if req.Kernel == workload.SparkDistributed {
		driver, blockManager, err := o.cluster.AllocateNodePorts(ctx)
		if err != nil {
			return mctx, err
		}
		mctx.DriverPort = driver
		mctx.BlockManagerPort = blockManager
	}
	return mctx, nil
}

func (o *Orchestrator) recordSnapshot(req *workload.Request) {
	if req.Output == nil {
		return
	}
	snap := &store.Snapshot{
		ID:         uuid.NewString(),
		ProjectID:  req.Identity.ProjectID,
		WorkloadID: req.ID,
		Name:       req.Output.Name,
		Version:    req.Output.Version,
		Path:       req.Output.Path,
	}
	if err := o.store.PutSnapshot(snap); err != nil {
		o.log.Error(err, "recording output snapshot", "workload", req.ID)
	}
}

func (o *Orchestrator) recordSnapshotRow(row *workload.Row) {
	snap := &store.Snapshot{
		ID:         uuid.NewString(),
		ProjectID:  row.ProjectID,
		WorkloadID: row.ID,
		Path:       row.Output,
	}
	if err := o.store.PutSnapshot(snap); err != nil {
		o.log.Error(err, "recording output snapshot", "workload", row.ID)
	}
}

func rowFromRequest(req *workload.Request) *workload.Row {
	row := &workload.Row{
		ID:         req.ID,
		TemplateID: req.TemplateID,
		ProjectID:  req.Identity.ProjectID,
		CreatedBy:  req.Identity.UserID,
		Kernel:     req.Kernel,
		PodName:    req.ID,
		RepoID:     req.Repo.RepoID,
		RepoName:   req.Repo.Name,
		BranchName: req.Repo.Branch,
	}
	if req.Input != nil {
		row.Input = req.Input.Path
	}
	if req.Output != nil {
		row.Output = req.Output.Path
	}
	return row
}
