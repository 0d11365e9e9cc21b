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

// Package server is the HTTP surface of the spawner: workload lifecycle,
// repo/branch/image bookkeeping, the snapshot ledger and the internal
// endpoint pods call from their preStop hook.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opendatalab/spawner/internal/observability"
	"github.com/opendatalab/spawner/internal/session"
	"github.com/opendatalab/spawner/internal/store"
)

type Server struct {
	echo  *echo.Echo
	orch  *session.Orchestrator
	store *store.Store
}

// New wires the echo instance, middleware and all routes.
func New(orch *session.Orchestrator, st *store.Store, metrics *observability.Metrics, verbose bool) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Logger.SetLevel(log.INFO)
	if verbose {
		e.Logger.SetLevel(log.DEBUG)
		e.Use(middleware.Logger())
	}

	s := &Server{echo: e, orch: orch, store: st}

	v1 := e.Group("/v1")
	v1.POST("/workloads", s.startWorkload)
	v1.GET("/workloads", s.listWorkloads)
	v1.GET("/workloads/:id", s.getWorkload)
	v1.DELETE("/workloads/:id", s.stopWorkload)
	v1.GET("/workloads/:id/progress", s.streamProgress)

	v1.POST("/repos", s.putRepo)
	v1.POST("/repos/:id/branches", s.putBranch)
	v1.GET("/repos/:id/branches", s.listBranches)
	v1.PUT("/repos/:id/active-branch", s.setActiveBranch)

	v1.POST("/images", s.putImage)
	v1.GET("/images/:id", s.getImage)

	v1.GET("/projects/:id/snapshots", s.listSnapshots)

	// called by the pod's own preStop hook; not exposed through the ingress
	internal := e.Group("/internal/v1")
	internal.DELETE("/workloads/:id/network", s.teardownNetwork)

	e.GET("/health", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	return s
}

// Start serves until the context ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// Handler exposes the echo instance for tests.
func (s *Server) Handler() http.Handler { return s.echo }
