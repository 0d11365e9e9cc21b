package prom

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryParsesInstantVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[{"value":[1719999999.5,"0.25"]}]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	s, err := c.Query(context.Background(), `up`)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.InDelta(t, 0.25, s.Value, 1e-9)
}

func TestQueryRangeParsesMatrix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query_range", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("start"))
		assert.NotEmpty(t, r.URL.Query().Get("step"))
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"matrix","result":[{"values":[[1,"1.0"],[2,"2.0"]]}]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	samples, err := c.QueryRange(context.Background(), `q`, time.Unix(0, 0), time.Unix(60, 0), 30*time.Second)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 2.0, samples[1].Value)
}

func TestPodCPUUsageEmptyResultIsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	usage, err := c.PodCPUUsage(context.Background(), "pod-1", 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, usage)
}

func TestQueryErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","data":{}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Query(context.Background(), `q`)
	assert.Error(t, err)
}
