package project

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaIsCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/secured/api/project/v1/resource/proj-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"resourceQuota":1073741824}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	for i := 0; i < 3; i++ {
		q, err := c.Quota(context.Background(), "proj-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1073741824), q.ResourceQuota)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestGroupEnvDegradesToEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	assert.Equal(t, "", c.GroupEnv(context.Background(), "proj-1"))
}

func TestGroupEnvFromMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/secured/api/project/v1/proj-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"proj-1","name":"demo","groupenv":"ml-gpu"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	assert.Equal(t, "ml-gpu", c.GroupEnv(context.Background(), "proj-1"))
}
