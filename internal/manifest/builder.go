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

// Package manifest composes the Kubernetes object graph for a workload. All
// builders are pure: given the same request and context they produce the
// same objects, so the whole package is unit testable without a cluster.
package manifest

import (
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/opendatalab/spawner/internal/command"
	"github.com/opendatalab/spawner/internal/config"
	"github.com/opendatalab/spawner/internal/workload"
)

// Context carries the per-request cluster facts the builder cannot compute
// itself: allocated ports, ingress ordering, the resolved GPU affinity and
// the metering identifiers burned into lifecycle hooks.
type Context struct {
	Namespace     string
	SidecarsImage string

	// Resolved base image attributes.
	Port       int32
	Command    []string
	Args       []string
	BaseURLEnv string
	RunAsUser  int64
	RunAsGroup int64

	// GPU node affinity resolved per project; nil means no affinity.
	GPUAffinity *NodeAffinityRule

	// IngressOrder is the random unique group order drawn for this ingress.
	IngressOrder int
	// DriverPort and BlockManagerPort are only set for spark_distributed.
	DriverPort       int32
	BlockManagerPort int32

	SubscriberID string
	ResourceKey  string
}

// NodeAffinityRule is the key/operator/values triple a required node
// affinity is built from.
type NodeAffinityRule struct {
	Key      string   `json:"key"`
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

// Builder composes workload manifests from the static configuration and the
// command composer.
type Builder struct {
	cfg      config.Config
	composer *command.Composer
}

func NewBuilder(cfg config.Config, composer *command.Composer) *Builder {
	return &Builder{cfg: cfg, composer: composer}
}

// Labels shared by every object belonging to one workload, used both for
// selection and for teardown discovery.
func Labels(req *workload.Request) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":       "notebook",
		"app.kubernetes.io/instance":   req.ID,
		"app.kubernetes.io/part-of":    "spawner",
		"spawner.opendatalab.io/user":  req.Identity.UserID,
		"spawner.opendatalab.io/proj":  req.Identity.ProjectID,
		"spawner.opendatalab.io/tmpl":  req.TemplateID,
		"spawner.opendatalab.io/owned": "true",
	}
}

// BuildPod builds the interactive session pod for the request. The pod has
// one or two init containers, the main container and the knights-watch
// sidecar, plus a log-tailing sidecar for SAS.
func (b *Builder) BuildPod(req *workload.Request, ctx Context) (*v1.Pod, error) {
	spec, err := b.podSpec(req, ctx)
	if err != nil {
		return nil, err
	}
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.ID,
			Namespace: ctx.Namespace,
			Labels:    Labels(req),
		},
		Spec: *spec,
	}, nil
}

// BuildJob wraps the same pod spec in a batch Job for scheduled template
// executions. The Job never restarts its pod: failure handling belongs to
// the orchestrator, not the Job controller.
func (b *Builder) BuildJob(req *workload.Request, ctx Context) (*batchv1.Job, error) {
	spec, err := b.podSpec(req, ctx)
	if err != nil {
		return nil, err
	}
	spec.RestartPolicy = v1.RestartPolicyNever
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.ID,
			Namespace: ctx.Namespace,
			Labels:    Labels(req),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To(int32(0)),
			Template: v1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: Labels(req)},
				Spec:       *spec,
			},
		},
	}, nil
}

func (b *Builder) podSpec(req *workload.Request, ctx Context) (*v1.PodSpec, error) {
	if _, err := workload.ParseKernelType(string(req.Kernel)); err != nil {
		return nil, err
	}

	initContainers, err := b.initContainers(req, ctx)
	if err != nil {
		return nil, err
	}
	main, err := b.mainContainer(req, ctx)
	if err != nil {
		return nil, err
	}
	containers := []v1.Container{*main}
	containers = append(containers, b.sidecars(req, ctx)...)

	spec := &v1.PodSpec{
		InitContainers: initContainers,
		Containers:     containers,
		Volumes:        b.volumes(req),
		RestartPolicy:  v1.RestartPolicyAlways,
	}

	if affinity := b.affinity(req, ctx); affinity != nil {
		spec.Affinity = affinity
	}
	spec.Tolerations = b.tolerations(req)

	if sc := b.podSecurityContext(req); sc != nil {
		spec.SecurityContext = sc
	}
	return spec, nil
}

// podSecurityContext applies the impersonation policy. SAS always runs as
// the image default, so it gets an empty security context.
func (b *Builder) podSecurityContext(req *workload.Request) *v1.PodSecurityContext {
	if req.Kernel == workload.SAS {
		return &v1.PodSecurityContext{}
	}
	if !b.cfg.Impersonation.Enabled {
		return nil
	}
	uid := req.Identity.UID
	gid := req.Identity.GID
	if uid == 0 {
		uid = b.cfg.Impersonation.UID
	}
	if gid == 0 {
		gid = b.cfg.Impersonation.GID
	}
	sc := &v1.PodSecurityContext{
		RunAsUser:  ptr.To(uid),
		RunAsGroup: ptr.To(gid),
		FSGroup:    ptr.To(gid),
	}
	if len(req.Identity.Groups) > 0 {
		sc.SupplementalGroups = req.Identity.Groups
	}
	return sc
}

// pvcName is the per-project persistent volume claim every workload of the
// project mounts.
func pvcName(projectID string) string {
	return fmt.Sprintf("nb-%s", projectID)
}
