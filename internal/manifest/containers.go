package manifest

import (
	"fmt"
	"path"
	"sort"

	v1 "k8s.io/api/core/v1"
	"k8s.io/utils/ptr"

	"github.com/opendatalab/spawner/internal/command"
	"github.com/opendatalab/spawner/internal/workload"
)

const (
	mainContainerName  = "notebook"
	gitInitName        = "git-clone"
	scriptInitName     = "init-script"
	watchSidecarName   = "knights-watch"
	sasLogSidecarName  = "sas-log-tail"
	sasWorkDir         = "/sas/work"
	pipScratchDir      = "/tmp/pip_packages"
	jwtTokenFile       = "/tmp/.spawner/token"
	defaultSessionPort = int32(8888)
)

// MainContainerName is the session container; metrics and log lookups key
// on it.
const MainContainerName = mainContainerName

// initContainers builds the git clone init container and, when an inline
// init script was supplied, a second container that writes it out for the
// main container to source.
func (b *Builder) initContainers(req *workload.Request, ctx Context) ([]v1.Container, error) {
	script := b.composer.ComposeInitCommand(req)

	mounts := append(b.workMounts(), macroMounts(req.Macros)...)
	git := v1.Container{
		Name:         gitInitName,
		Image:        ctx.SidecarsImage,
		Command:      []string{"/bin/bash", "-c"},
		Args:         []string{script},
		VolumeMounts: mounts,
		WorkingDir:   b.cfg.Paths.CodeDir,
	}
	if b.cfg.Impersonation.Enabled && req.Kernel != workload.SAS {
		git.SecurityContext = &v1.SecurityContext{
			RunAsUser:  ptr.To(req.Identity.UID),
			RunAsGroup: ptr.To(req.Identity.GID),
		}
	}
	containers := []v1.Container{git}

	if req.InitScript != "" {
		// Written onto the shared tmp volume so the main container can run it.
		writer := v1.Container{
			Name:    scriptInitName,
			Image:   ctx.SidecarsImage,
			Command: []string{"/bin/bash", "-c"},
			Args: []string{fmt.Sprintf("mkdir -p %s && cat > %s <<'SPAWNER_EOF'\n%s\nSPAWNER_EOF",
				path.Dir(command.InitScriptPath), command.InitScriptPath, req.InitScript)},
			VolumeMounts: b.workMounts(),
		}
		containers = append(containers, writer)
	}
	return containers, nil
}

// mainContainer builds the workload's primary container with the kernel
// specific environment, the full mount set and the metering lifecycle
// hooks.
func (b *Builder) mainContainer(req *workload.Request, ctx Context) (*v1.Container, error) {
	entrypoint := entrypointFor(ctx)
	script, err := b.composer.ComposeMainCommand(req, entrypoint, b.rLibPath(req))
	if err != nil {
		return nil, err
	}

	port := ctx.Port
	if port == 0 {
		port = defaultSessionPort
	}

	c := &v1.Container{
		Name:            mainContainerName,
		Image:           req.Image.URL(req.Tier),
		ImagePullPolicy: v1.PullIfNotPresent,
		Command:         []string{"/bin/bash", "-c"},
		Args:            []string{script},
		Ports: []v1.ContainerPort{{
			Name:          "session-port",
			ContainerPort: port,
		}},
		Env:          b.env(req, ctx),
		Resources:    b.resources(req.Tier),
		VolumeMounts: append(b.workMounts(), b.dataMounts(req)...),
		WorkingDir:   b.cfg.Paths.NotebookDir,
		Lifecycle:    b.lifecycle(req, ctx),
	}
	if req.Kernel == workload.SAS {
		// SAS runs as the image default user.
		c.SecurityContext = &v1.SecurityContext{}
	}
	return c, nil
}

// entrypointFor renders the resolved base image command and args as the
// shell entrypoint the sentinel pipeline wraps.
func entrypointFor(ctx Context) string {
	cmd := ""
	for i, part := range ctx.Command {
		if i > 0 {
			cmd += " "
		}
		cmd += part
	}
	for _, arg := range ctx.Args {
		cmd += " " + arg
	}
	if cmd == "" {
		cmd = "start-notebook.sh"
	}
	return cmd
}

// env builds the kernel specific environment. The kernel switch is
// exhaustive so adding a kernel type forces a decision here.
func (b *Builder) env(req *workload.Request, ctx Context) []v1.EnvVar {
	env := []v1.EnvVar{
		{Name: "NB_WORKLOAD_ID", Value: req.ID},
		{Name: "NB_PROJECT_ID", Value: req.Identity.ProjectID},
		{Name: "NB_USER", Value: req.Identity.UserID},
	}
	if ctx.BaseURLEnv != "" {
		env = append(env, v1.EnvVar{Name: ctx.BaseURLEnv, Value: "/" + req.ID})
	}

	switch req.Kernel {
	case workload.Python, workload.VSCodePython:
		env = append(env, v1.EnvVar{Name: "PYTHONPATH", Value: b.pythonPath(req)})
	case workload.Spark:
		env = append(env, v1.EnvVar{Name: "PYTHONPATH", Value: b.pythonPath(req)})
	case workload.SparkDistributed:
		env = append(env,
			v1.EnvVar{Name: "PYTHONPATH", Value: b.pythonPath(req)},
			v1.EnvVar{Name: "SPARK_DRIVER_PORT", Value: fmt.Sprint(ctx.DriverPort)},
			v1.EnvVar{Name: "SPARK_BLOCKMANAGER_PORT", Value: fmt.Sprint(ctx.BlockManagerPort)},
		)
	case workload.R, workload.RStudio:
		env = append(env, v1.EnvVar{Name: "R_PACKAGE_DIR", Value: b.rLibPath(req)})
	case workload.SAS:
		env = append(env, v1.EnvVar{Name: "SAS_WORK_DIR", Value: sasWorkDir})
	case workload.JDK11:
		// Plain JVM kernel, no package path env.
	}

	for _, name := range sortedKeys(req.Env) {
		env = append(env, v1.EnvVar{Name: name, Value: req.Env[name]})
	}
	return env
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// pythonPath points the interpreter at the NAS-cached per (template, image)
// package directory plus the pod local scratch install dir.
func (b *Builder) pythonPath(req *workload.Request) string {
	return fmt.Sprintf("%s/%s/%s:%s", b.cfg.Paths.NASPackageRoot, req.TemplateID, req.Image.ID, pipScratchDir)
}

func (b *Builder) rLibPath(req *workload.Request) string {
	return fmt.Sprintf("%s/%s/%s/rlibs", b.cfg.Paths.NASPackageRoot, req.TemplateID, req.Image.ID)
}

// sidecars returns the knights-watch sidecar every workload carries and the
// extra log tailing sidecar for SAS.
func (b *Builder) sidecars(req *workload.Request, ctx Context) []v1.Container {
	watch := v1.Container{
		Name:  watchSidecarName,
		Image: ctx.SidecarsImage,
		Args: []string{
			"watch",
			"--workload", req.ID,
			"--repo-path", b.cfg.Paths.CodeDir + "/" + req.Repo.Name,
			"--branch", req.Repo.Branch,
		},
		Env: []v1.EnvVar{
			{Name: "NB_WORKLOAD_ID", Value: req.ID},
			{Name: "NB_PROJECT_ID", Value: req.Identity.ProjectID},
		},
		VolumeMounts: b.workMounts(),
	}
	out := []v1.Container{watch}

	if req.Kernel == workload.SAS {
		out = append(out, v1.Container{
			Name:    sasLogSidecarName,
			Image:   ctx.SidecarsImage,
			Command: []string{"/bin/bash", "-c"},
			Args: []string{fmt.Sprintf("touch %s/sas.log && tail -F %s/sas.log", sasWorkDir, sasWorkDir)},
			VolumeMounts: []v1.VolumeMount{
				{Name: tmpVolume, MountPath: sasWorkDir, SubPath: "saswork"},
			},
		})
	}
	return out
}
