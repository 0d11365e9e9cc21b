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

package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendatalab/spawner/internal/metering"
	"github.com/opendatalab/spawner/internal/project"
	"github.com/opendatalab/spawner/internal/store"
	"github.com/opendatalab/spawner/internal/workload"
)

type gateFixture struct {
	gate  *Gate
	store *store.Store
	root  string
}

// newGateFixture wires a gate against httptest backends: the project
// service returns quotaBytes for any project, the metering service returns
// sub for any subscriber lookup.
func newGateFixture(t *testing.T, quotaBytes int64, sub metering.Subscriber, limit int) *gateFixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "spawner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	projectSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(project.Quota{ResourceQuota: quotaBytes})
	}))
	t.Cleanup(projectSrv.Close)

	meteringSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sub)
	}))
	t.Cleanup(meteringSrv.Close)

	root := t.TempDir()
	gate := NewGate(st,
		project.NewClient(projectSrv.URL, time.Second),
		metering.NewClient(meteringSrv.URL, time.Second),
		root, limit, logr.Discard())
	return &gateFixture{gate: gate, store: st, root: root}
}

func validSub() metering.Subscriber {
	return metering.Subscriber{
		ID:        "sub-1",
		Valid:     true,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
}

func testRequest() *workload.Request {
	return &workload.Request{
		ID:         "w-1",
		TemplateID: "tpl-1",
		Kernel:     workload.Python,
		Tier:       workload.ResourceTier{CPU: "2", Memory: "4Gi"},
		Identity:   workload.Identity{UserID: "alice", ProjectID: "p-1"},
	}
}

func TestGateAdmitsWithinQuota(t *testing.T) {
	f := newGateFixture(t, 1<<30, validSub(), 3)

	dec, err := f.gate.Check(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, dec.ReadOnlyData)
	require.NotNil(t, dec.Subscriber)
	assert.Equal(t, "sub-1", dec.Subscriber.ID)
}

func TestGateDegradesToReadOnlyOnStorageOverage(t *testing.T) {
	f := newGateFixture(t, 10, validSub(), 3)

	dir := filepath.Join(f.root, "p-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 64), 0o644))

	dec, err := f.gate.Check(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, dec.ReadOnlyData, "overage must degrade, not reject")
	assert.Equal(t, int64(64), dec.ConsumedBytes)
	assert.Equal(t, int64(10), dec.QuotaBytes)
}

func TestGateRejectsAtContainerLimit(t *testing.T) {
	f := newGateFixture(t, 1<<30, validSub(), 2)

	for i := 0; i < 2; i++ {
		row := &workload.Row{
			ID:         fmt.Sprintf("w-prev-%d", i),
			TemplateID: fmt.Sprintf("tpl-prev-%d", i),
			ProjectID:  "p-1",
			CreatedBy:  "alice",
			Kernel:     workload.Python,
		}
		require.NoError(t, f.store.ClaimStarting(row, 10))
	}

	_, err := f.gate.Check(context.Background(), testRequest())
	assert.ErrorIs(t, err, store.ErrContainerLimit)
}

func TestGateRejectsExpiredSubscription(t *testing.T) {
	sub := validSub()
	sub.ExpiresAt = time.Now().Add(-time.Hour)
	f := newGateFixture(t, 1<<30, sub, 3)

	_, err := f.gate.Check(context.Background(), testRequest())
	assert.ErrorIs(t, err, metering.ErrSubscriptionExpired)
}

func TestGateRejectsExceededSubscription(t *testing.T) {
	sub := validSub()
	sub.Exceeded = true
	f := newGateFixture(t, 1<<30, sub, 3)

	_, err := f.gate.Check(context.Background(), testRequest())
	assert.ErrorIs(t, err, metering.ErrSubscriptionExceeded)
}

func TestGateSurvivesProjectServiceOutage(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "spawner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(down.Close)

	meteringSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(validSub())
	}))
	t.Cleanup(meteringSrv.Close)

	gate := NewGate(st,
		project.NewClient(down.URL, time.Second),
		metering.NewClient(meteringSrv.URL, time.Second),
		t.TempDir(), 3, logr.Discard())

	dec, err := gate.Check(context.Background(), testRequest())
	require.NoError(t, err, "storage accounting failure must not block compute")
	assert.False(t, dec.ReadOnlyData)
}

func TestDirSize(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), make([]byte, 5), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "nested", "b"), make([]byte, 7), 0o644))

	size, err := DirSize(root)
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)

	size, err = DirSize(filepath.Join(root, "absent"))
	require.NoError(t, err)
	assert.Zero(t, size, "missing project directory counts as empty")
}

func TestResourceKey(t *testing.T) {
	assert.Equal(t, "cpu.2", ResourceKey(workload.ResourceTier{CPU: "2"}))
	assert.Equal(t, "gpu.8", ResourceKey(workload.ResourceTier{CPU: "8", GPU: 1, GPUVendor: workload.Nvidia}))
}
