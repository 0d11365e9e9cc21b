package manifest

import (
	"fmt"
	"strings"

	v1 "k8s.io/api/core/v1"

	"github.com/opendatalab/spawner/internal/workload"
)

// lifecycle wires the metering pair into the pod lifetime: postStart opens
// the usage record, preStop closes it with the final update and asks the
// spawner to remove the pod's own Service, Ingress and Endpoints. preStop
// fires on every termination, graceful or not, which is what guarantees the
// metering pairing on abnormal exit.
func (b *Builder) lifecycle(req *workload.Request, ctx Context) *v1.Lifecycle {
	post := []string{
		b.composer.MeteringCreate(ctx.SubscriberID, ctx.ResourceKey, req.Tier.CPU, req.ID),
	}
	if b.cfg.Impersonation.Enabled && req.Kernel != workload.SAS {
		post = append(post,
			fmt.Sprintf("mkdir -p $(dirname %s) && echo $NB_SESSION_TOKEN > %s", jwtTokenFile, jwtTokenFile),
			"umask 0002",
		)
	}

	pre := []string{
		b.composer.MeteringStop(req.ID),
		// Self cleanup of the workload's network objects from inside the
		// pod lifecycle; the spawner treats repeated deletes as success.
		fmt.Sprintf("curl -sf -X DELETE http://%s/internal/v1/workloads/%s/network || true",
			spawnerServiceHost, req.ID),
	}
	if req.Kernel == workload.SAS {
		pre = append(pre, fmt.Sprintf("rm -rf %s || true", sasWorkDir))
	}

	return &v1.Lifecycle{
		PostStart: &v1.LifecycleHandler{
			Exec: &v1.ExecAction{Command: []string{"/bin/bash", "-c", strings.Join(post, " && ")}},
		},
		PreStop: &v1.LifecycleHandler{
			Exec: &v1.ExecAction{Command: []string{"/bin/bash", "-c", strings.Join(pre, "; ")}},
		},
	}
}

// spawnerServiceHost is the in-cluster DNS name of the spawner API, used by
// the preStop self-cleanup hook.
const spawnerServiceHost = "spawner.spawner-system.svc.cluster.local"
