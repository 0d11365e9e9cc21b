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

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/opendatalab/spawner/internal/cluster"
	"github.com/opendatalab/spawner/internal/command"
	"github.com/opendatalab/spawner/internal/config"
	"github.com/opendatalab/spawner/internal/manifest"
	"github.com/opendatalab/spawner/internal/metering"
	"github.com/opendatalab/spawner/internal/observability"
	"github.com/opendatalab/spawner/internal/project"
	"github.com/opendatalab/spawner/internal/quota"
	"github.com/opendatalab/spawner/internal/session"
	"github.com/opendatalab/spawner/internal/store"
	"github.com/opendatalab/spawner/internal/workload"
)

type apiFixture struct {
	server    *Server
	store     *store.Store
	clientset *fake.Clientset
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := config.Config{
		DBPath:        filepath.Join(t.TempDir(), "spawner.db"),
		SidecarsImage: "registry/sidecars:1.0.0",
	}
	cfg.Kubernetes = config.Kubernetes{
		Namespace:        "notebooks",
		IngressClassName: "nginx",
		IngressHost:      "notebooks.example.com",
		IngressOrderMin:  1,
		IngressOrderMax:  100,
		NodePortMin:      30000,
		NodePortMax:      30100,
		CreateRetries:    2,
		PollInterval:     5 * time.Millisecond,
		PollTimeout:      300 * time.Millisecond,
	}
	cfg.Resources = config.Resources{
		CPURequestPercent: 50, CPULimitPercent: 100,
		MemoryRequestPercent: 50, MemoryLimitPercent: 100,
		ContainerLimit: 3,
	}
	cfg.Paths = config.Paths{
		CodeDir: "/code", NotebookDir: "/code/notebooks",
		DataRoot: t.TempDir(), LogDir: "/log", NASPackageRoot: "/nas/packages",
	}

	st, err := store.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "subscriber") {
			_ = json.NewEncoder(w).Encode(metering.Subscriber{
				ID: "sub-1", Valid: true, ExpiresAt: time.Now().Add(time.Hour),
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"resourceQuota": 1 << 40})
	}))
	t.Cleanup(backend.Close)

	projects := project.NewClient(backend.URL, time.Second)
	met := metering.NewClient(backend.URL, time.Second)
	gate := quota.NewGate(st, projects, met, cfg.Paths.DataRoot, cfg.Resources.ContainerLimit, logr.Discard())

	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("get", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		get := action.(k8stesting.GetAction)
		obj, err := clientset.Tracker().Get(
			v1.SchemeGroupVersion.WithResource("pods"), get.GetNamespace(), get.GetName())
		if err != nil {
			return true, nil, err
		}
		pod := obj.(*v1.Pod).DeepCopy()
		pod.Status.PodIP = "10.0.0.5"
		pod.Status.Phase = v1.PodRunning
		return true, pod, nil
	})

	cl := cluster.New(clientset, nil, cfg.Kubernetes, logr.Discard())
	builder := manifest.NewBuilder(cfg, command.NewComposer(command.Config{
		CodeDir: cfg.Paths.CodeDir, NotebookDir: cfg.Paths.NotebookDir,
		NASPackageRoot: cfg.Paths.NASPackageRoot, LogDir: cfg.Paths.LogDir,
	}))
	metrics := observability.NewMetrics()
	orch := session.NewOrchestrator(cfg, st, gate, cl, builder, projects, met, nil, metrics, logr.Discard())

	return &apiFixture{server: New(orch, st, metrics, false), store: st, clientset: clientset}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

const startBody = `{
	"templateId": "tpl-1",
	"kernel": "python",
	"image": {"cpuUrl": "registry/py:3.9"},
	"tier": {"cpu": "2", "memory": "4Gi"},
	"identity": {"userId": "alice", "projectId": "proj-1"},
	"repo": {"repoId": "repo-1", "name": "analysis", "remote": "https://git.internal/a.git", "branch": "main"},
	"byoc": true
}`

func TestStartAndGetWorkload(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/workloads", startBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var row workload.Row
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Equal(t, workload.Running, row.State)

	rec = f.do(t, http.MethodGet, "/v1/workloads/"+row.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestScheduledStartReturns202AndFinishesInBackground(t *testing.T) {
	f := newAPIFixture(t)
	f.clientset.PrependReactor("get", "jobs", func(action k8stesting.Action) (bool, runtime.Object, error) {
		job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{
			Name: action.(k8stesting.GetAction).GetName(), Namespace: "notebooks",
		}}
		job.Status.Succeeded = 1
		return true, job, nil
	})

	body := strings.Replace(startBody, `"byoc": true`,
		`"byoc": true, "scheduled": true, "output": {"name": "model", "version": "1", "path": "models/run-1"}`, 1)
	rec := f.do(t, http.MethodPost, "/v1/workloads", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp["id"]
	require.NotEmpty(t, id)

	// Keep serving requests while the run completes; the handler's response
	// context is recycled under the background goroutine.
	require.Eventually(t, func() bool {
		f.do(t, http.MethodGet, "/health", "")
		row, err := f.store.GetRow(id)
		return err == nil && row.State == workload.Stopping && row.StopReason == workload.StopFinished
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDuplicateStartConflicts(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/workloads", startBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/workloads", startBody)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var apiErr apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "admission", apiErr.Code)
}

func TestStartRejectsUnknownKernel(t *testing.T) {
	f := newAPIFixture(t)
	body := strings.Replace(startBody, `"python"`, `"fortran"`, 1)
	rec := f.do(t, http.MethodPost, "/v1/workloads", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartWithoutRepoIsPreconditionFailed(t *testing.T) {
	f := newAPIFixture(t)
	body := strings.Replace(startBody,
		`"repo": {"repoId": "repo-1", "name": "analysis", "remote": "https://git.internal/a.git", "branch": "main"},`,
		"", 1)
	rec := f.do(t, http.MethodPost, "/v1/workloads", body)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestStopWorkload(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/workloads", startBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var row workload.Row
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))

	rec = f.do(t, http.MethodDelete, "/v1/workloads/"+row.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	stopped, err := f.store.GetRow(row.ID)
	require.NoError(t, err)
	assert.Equal(t, workload.Stopping, stopped.State)
	assert.Equal(t, workload.StopUser, stopped.StopReason)
}

func TestStopUnknownWorkloadIs404(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodDelete, "/v1/workloads/wl-nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListWorkloadsActiveFilter(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/workloads", startBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var row workload.Row
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/workloads/"+row.ID, "").Code)

	rec = f.do(t, http.MethodGet, "/v1/workloads?user=alice&active=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []workload.Row
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Empty(t, rows)

	rec = f.do(t, http.MethodGet, "/v1/workloads?user=alice", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 1)
}

func TestProgressStreamEmitsEvents(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/workloads", startBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var row workload.Row
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))

	rec = f.do(t, http.MethodGet, "/v1/workloads/"+row.ID+"/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echoContentType), "text/event-stream")
	assert.Contains(t, rec.Body.String(), `data: {`)
	assert.Contains(t, rec.Body.String(), `"final":true`)
}

func TestTeardownNetworkEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodDelete, "/internal/v1/workloads/wl-x/network", "")
	assert.Equal(t, http.StatusNoContent, rec.Code, "missing objects still tear down cleanly")
}

func TestRepoAndBranchEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/repos",
		`{"id": "repo-1", "projectId": "proj-1", "name": "main", "remote": "https://git.internal/m.git", "enabled": true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/repos/repo-1/branches",
		`{"id": "br-1", "name": "main", "defaultFlag": true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/v1/repos/repo-1/branches",
		`{"id": "br-2", "name": "develop"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/repos/repo-1/branches", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var branches []store.Branch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &branches))
	assert.Len(t, branches, 2)

	rec = f.do(t, http.MethodPut, "/v1/repos/repo-1/active-branch",
		`{"userId": "alice", "branchId": "br-2"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestImageEndpointsResolveBaseChain(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/images",
		`{"id": "base", "name": "base", "cpuUrl": "registry/base:1", "port": 8888, "baseUrlEnv": "NB_BASE_URL"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/v1/images",
		`{"id": "custom", "name": "custom", "cpuUrl": "registry/custom:1", "baseId": "base"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/images/custom", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var img store.Image
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &img))
	assert.Equal(t, int32(8888), img.Port, "port inherited from base")
	assert.Equal(t, "registry/custom:1", img.CPUURL)

	rec = f.do(t, http.MethodGet, "/v1/images/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSnapshotsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.PutSnapshot(&store.Snapshot{
		ID: "snap-1", ProjectID: "proj-1", WorkloadID: "wl-1", Path: "models/v1",
	}))

	rec := f.do(t, http.MethodGet, "/v1/projects/proj-1/snapshots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps []store.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "models/v1", snaps[0].Path)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
