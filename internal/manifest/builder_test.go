package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/opendatalab/spawner/internal/command"
	"github.com/opendatalab/spawner/internal/config"
	"github.com/opendatalab/spawner/internal/workload"
)

func testBuilder() *Builder {
	cfg := config.Config{SidecarsImage: "registry/sidecars:1.0.0"}
	cfg.Kubernetes = config.Kubernetes{
		Namespace:        "notebooks",
		IngressClassName: "nginx",
		IngressHost:      "notebooks.example.com",
	}
	cfg.Resources = config.Resources{
		CPURequestPercent:    50,
		CPULimitPercent:      100,
		MemoryRequestPercent: 50,
		MemoryLimitPercent:   100,
		ContainerLimit:       3,
	}
	cfg.Paths = config.Paths{
		CodeDir:        "/code",
		NotebookDir:    "/code/notebooks",
		DataRoot:       "/data",
		LogDir:         "/log",
		NASPackageRoot: "/nas/packages",
	}
	cfg.Impersonation = config.Impersonation{Enabled: true, UID: 1000, GID: 1000}
	composer := command.NewComposer(command.Config{
		CodeDir:        cfg.Paths.CodeDir,
		NotebookDir:    cfg.Paths.NotebookDir,
		NASPackageRoot: cfg.Paths.NASPackageRoot,
		MeteringURL:    "http://metering.internal",
		LogDir:         cfg.Paths.LogDir,
	})
	return NewBuilder(cfg, composer)
}

func testContext() Context {
	return Context{
		Namespace:     "notebooks",
		SidecarsImage: "registry/sidecars:1.0.0",
		Port:          8888,
		BaseURLEnv:    "NB_BASE_URL",
		SubscriberID:  "sub-1",
		ResourceKey:   "cpu.small",
		IngressOrder:  42,
	}
}

func pythonRequest() *workload.Request {
	return &workload.Request{
		ID:         "wl-1234",
		TemplateID: "tpl-1",
		Kernel:     workload.Python,
		Image:      workload.ImageRef{ID: "img-1", CPUURL: "registry/py:3.9"},
		Tier:       workload.ResourceTier{CPU: "2", Memory: "4Gi"},
		Identity:   workload.Identity{UserID: "alice", ProjectID: "proj-1", UID: 1200, GID: 1200},
		Repo: workload.GitRepoRef{
			RepoID: "repo-1", Name: "analysis",
			Remote: "https://git.internal/proj/analysis.git", Branch: "main",
		},
	}
}

func containerNames(cs []v1.Container) []string {
	names := make([]string, 0, len(cs))
	for _, c := range cs {
		names = append(names, c.Name)
	}
	return names
}

func TestBuildPodHappyPath(t *testing.T) {
	b := testBuilder()
	pod, err := b.BuildPod(pythonRequest(), testContext())
	require.NoError(t, err)

	// One init container, main container plus the knights-watch sidecar.
	assert.Equal(t, []string{gitInitName}, containerNames(pod.Spec.InitContainers))
	assert.Equal(t, []string{mainContainerName, watchSidecarName}, containerNames(pod.Spec.Containers))
	assert.Equal(t, "registry/py:3.9", pod.Spec.Containers[0].Image)
	assert.Equal(t, "wl-1234", pod.Name)
	assert.Equal(t, "notebooks", pod.Namespace)
}

func TestInitScriptWriterSharesTmpVolume(t *testing.T) {
	b := testBuilder()
	req := pythonRequest()
	req.InitScript = "pip install torch\necho done"

	pod, err := b.BuildPod(req, testContext())
	require.NoError(t, err)
	require.Equal(t, []string{gitInitName, scriptInitName}, containerNames(pod.Spec.InitContainers))

	writer := pod.Spec.InitContainers[1]
	require.Len(t, writer.Args, 1)
	assert.Contains(t, writer.Args[0], "cat > "+command.InitScriptPath)
	assert.Contains(t, writer.Args[0], "pip install torch\necho done")

	// The writer and the main container must both mount the tmp volume the
	// script lands on.
	var writerTmp, mainTmp bool
	for _, m := range writer.VolumeMounts {
		writerTmp = writerTmp || m.Name == tmpVolume
	}
	for _, m := range pod.Spec.Containers[0].VolumeMounts {
		mainTmp = mainTmp || m.Name == tmpVolume
	}
	assert.True(t, writerTmp)
	assert.True(t, mainTmp)
	assert.Contains(t, pod.Spec.Containers[0].Args[0], "bash "+command.InitScriptPath+" || true")
}

func TestBuildPodDeterministic(t *testing.T) {
	b := testBuilder()
	first, err := b.BuildPod(pythonRequest(), testContext())
	require.NoError(t, err)
	second, err := b.BuildPod(pythonRequest(), testContext())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResourcePercentScaling(t *testing.T) {
	b := testBuilder()
	res := b.resources(workload.ResourceTier{CPU: "2", Memory: "4Gi"})
	assert.Equal(t, "1", res.Requests.Cpu().String())
	assert.Equal(t, "2", res.Limits.Cpu().String())
	mem := resource.MustParse("4Gi")
	assert.Equal(t, mem.MilliValue()/2, res.Requests.Memory().MilliValue())
}

func TestGPUTierPassthrough(t *testing.T) {
	b := testBuilder()
	res := b.resources(workload.ResourceTier{CPU: "4", Memory: "16Gi", GPU: 2, GPUVendor: workload.Nvidia})
	gpuReq := res.Requests[v1.ResourceName("nvidia.com/gpu")]
	gpuLim := res.Limits[v1.ResourceName("nvidia.com/gpu")]
	assert.Equal(t, int64(2), gpuReq.Value())
	assert.Equal(t, int64(2), gpuLim.Value())
}

func TestKernelEnvBranches(t *testing.T) {
	b := testBuilder()
	ctx := testContext()

	find := func(env []v1.EnvVar, name string) string {
		for _, e := range env {
			if e.Name == name {
				return e.Value
			}
		}
		return ""
	}

	py := pythonRequest()
	assert.Equal(t, "/nas/packages/tpl-1/img-1:/tmp/pip_packages", find(b.env(py, ctx), "PYTHONPATH"))

	r := pythonRequest()
	r.Kernel = workload.RStudio
	assert.Equal(t, "/nas/packages/tpl-1/img-1/rlibs", find(b.env(r, ctx), "R_PACKAGE_DIR"))
	assert.Empty(t, find(b.env(r, ctx), "PYTHONPATH"))

	spark := pythonRequest()
	spark.Kernel = workload.SparkDistributed
	sctx := ctx
	sctx.DriverPort = 30100
	sctx.BlockManagerPort = 30101
	env := b.env(spark, sctx)
	assert.Equal(t, "30100", find(env, "SPARK_DRIVER_PORT"))
	assert.Equal(t, "30101", find(env, "SPARK_BLOCKMANAGER_PORT"))
}

func TestSASGetsEmptySecurityContextAndLogSidecar(t *testing.T) {
	b := testBuilder()
	req := pythonRequest()
	req.Kernel = workload.SAS
	pod, err := b.BuildPod(req, testContext())
	require.NoError(t, err)

	assert.Equal(t, &v1.PodSecurityContext{}, pod.Spec.SecurityContext)
	assert.Equal(t, []string{mainContainerName, watchSidecarName, sasLogSidecarName},
		containerNames(pod.Spec.Containers))
	assert.Equal(t, &v1.SecurityContext{}, pod.Spec.Containers[0].SecurityContext)
}

func TestImpersonationSecurityContext(t *testing.T) {
	b := testBuilder()
	pod, err := b.BuildPod(pythonRequest(), testContext())
	require.NoError(t, err)
	sc := pod.Spec.SecurityContext
	require.NotNil(t, sc)
	assert.Equal(t, int64(1200), *sc.RunAsUser)
	assert.Equal(t, int64(1200), *sc.RunAsGroup)
}

func TestReadOnlyDataMounts(t *testing.T) {
	b := testBuilder()
	req := pythonRequest()
	req.Output = &workload.SnapshotRef{Name: "out", Path: "out/v1"}
	req.Input = &workload.SnapshotRef{Name: "in", Path: "in/v3"}
	req.ReadOnlyData = true
	pod, err := b.BuildPod(req, testContext())
	require.NoError(t, err)

	byPath := map[string]v1.VolumeMount{}
	for _, m := range pod.Spec.Containers[0].VolumeMounts {
		byPath[m.MountPath] = m
	}
	assert.True(t, byPath["/data"].ReadOnly)
	assert.True(t, byPath["/output"].ReadOnly)
	assert.True(t, byPath["/input"].ReadOnly)
	assert.Equal(t, "snapshots/out/v1", byPath["/output"].SubPath)
	// Log mount stays writable so failure bookkeeping still lands.
	assert.False(t, byPath["/log/proj-1/wl-1234"].ReadOnly)
}

func TestMacroVolumesOnePerDistinctOutputDir(t *testing.T) {
	b := testBuilder()
	req := pythonRequest()
	req.Macros = []workload.GitMacro{
		{Name: "a", Remote: "r1", OutputDir: "/macros/a"},
		{Name: "b", Remote: "r2", OutputDir: "/macros/b"},
		{Name: "c", Remote: "r3", OutputDir: "/macros/a"}, // shared dir
	}
	vols := b.volumes(req)
	macroCount := 0
	for _, v := range vols {
		if v.Name == "macro-0" || v.Name == "macro-1" {
			macroCount++
		}
	}
	assert.Equal(t, 2, macroCount)
}

func TestLifecycleHooksPairMetering(t *testing.T) {
	b := testBuilder()
	pod, err := b.BuildPod(pythonRequest(), testContext())
	require.NoError(t, err)

	lc := pod.Spec.Containers[0].Lifecycle
	require.NotNil(t, lc)
	post := lc.PostStart.Exec.Command[2]
	pre := lc.PreStop.Exec.Command[2]
	assert.Contains(t, post, "/v1/subscriber/sub-1/request")
	assert.Contains(t, pre, "/v1/usage/wl-1234?is_last_update=True")
	assert.Contains(t, pre, "/internal/v1/workloads/wl-1234/network")
}

func TestGPUAffinityFileLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "affinity.json")
	rules := map[string]NodeAffinityRule{
		"ml-gpu": {Key: "gpu-pool", Operator: "In", Values: []string{"a100"}},
	}
	raw, err := json.Marshal(rules)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	rule := LoadGPUAffinity(path, "ml-gpu")
	require.NotNil(t, rule)
	assert.Equal(t, "gpu-pool", rule.Key)

	// Failure is non-fatal: unknown groupenv, bad path both mean no affinity.
	assert.Nil(t, LoadGPUAffinity(path, "unknown"))
	assert.Nil(t, LoadGPUAffinity(filepath.Join(dir, "missing.json"), "ml-gpu"))

	b := testBuilder()
	ctx := testContext()
	ctx.GPUAffinity = rule
	pod, err := b.BuildPod(pythonRequest(), ctx)
	require.NoError(t, err)
	terms := pod.Spec.Affinity.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution.NodeSelectorTerms
	require.Len(t, terms, 1)
	assert.Equal(t, "gpu-pool", terms[0].MatchExpressions[0].Key)
}

func TestNetworkManifests(t *testing.T) {
	b := testBuilder()
	req := pythonRequest()
	ctx := testContext()

	svc := b.Service(req, ctx)
	assert.Nil(t, svc.Spec.Selector, "service must be selector-less, endpoints are managed explicitly")
	assert.Equal(t, int32(80), svc.Spec.Ports[0].Port)

	eps := b.Endpoints(req, ctx, "10.1.2.3")
	assert.Equal(t, "10.1.2.3", eps.Subsets[0].Addresses[0].IP)
	assert.Equal(t, int32(8888), eps.Subsets[0].Ports[0].Port)

	ing := b.Ingress(req, ctx)
	assert.Equal(t, "42", ing.Annotations["spawner.opendatalab.io/group-order"])
	assert.Equal(t, "/wl-1234", ing.Spec.Rules[0].HTTP.Paths[0].Path)
	assert.Equal(t, "notebooks.example.com", ing.Spec.Rules[0].Host)

	assert.Nil(t, b.NodePortService(req, ctx), "only spark_distributed gets a node port service")
	req.Kernel = workload.SparkDistributed
	ctx.DriverPort = 30100
	ctx.BlockManagerPort = 30101
	np := b.NodePortService(req, ctx)
	require.NotNil(t, np)
	assert.Equal(t, v1.ServiceTypeNodePort, np.Spec.Type)
	assert.Len(t, np.Spec.Ports, 2)
}

func TestBuildJobWrapsPodSpec(t *testing.T) {
	b := testBuilder()
	req := pythonRequest()
	req.Scheduled = true
	job, err := b.BuildJob(req, testContext())
	require.NoError(t, err)
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)
	assert.Equal(t, v1.RestartPolicyNever, job.Spec.Template.Spec.RestartPolicy)
	assert.Equal(t, []string{mainContainerName, watchSidecarName},
		containerNames(job.Spec.Template.Spec.Containers))
}

func TestUnknownKernelRejected(t *testing.T) {
	b := testBuilder()
	req := pythonRequest()
	req.Kernel = workload.KernelType("fortran")
	_, err := b.BuildPod(req, testContext())
	assert.Error(t, err)
}
