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
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opendatalab/spawner/internal/cluster"
	"github.com/opendatalab/spawner/internal/command"
	"github.com/opendatalab/spawner/internal/config"
	"github.com/opendatalab/spawner/internal/manifest"
	"github.com/opendatalab/spawner/internal/metering"
	"github.com/opendatalab/spawner/internal/observability"
	"github.com/opendatalab/spawner/internal/project"
	"github.com/opendatalab/spawner/internal/prom"
	"github.com/opendatalab/spawner/internal/quota"
	"github.com/opendatalab/spawner/internal/server"
	"github.com/opendatalab/spawner/internal/session"
	"github.com/opendatalab/spawner/internal/store"
)

const cullInterval = time.Minute

func buildCommands() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "spawner",
		Short: "Notebook and compute workload spawner",
	}
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of the spawner executable",
		Run: func(cmd *cobra.Command, args []string) {
			version := "(devel)"
			info, ok := debug.ReadBuildInfo()
			if ok && len(info.Main.Version) > 0 {
				version = info.Main.Version
			}
			cmd.Println("spawner", version)
		},
	}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the spawner API and the session reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	serveCmd.Flags().StringVar(&configFile, "config", "", "path to the config file")

	cullCmd := &cobra.Command{
		Use:   "cull",
		Short: "Run a single reaper sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return cullOnce(cfg)
		},
	}
	cullCmd.Flags().StringVar(&configFile, "config", "", "path to the config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cullCmd)
	return rootCmd
}

type app struct {
	store   *store.Store
	orch    *session.Orchestrator
	metrics *observability.Metrics
	log     logr.Logger
}

func buildApp(cfg config.Config) (*app, error) {
	zapLog, err := buildZap(cfg.Verbose)
	if err != nil {
		return nil, err
	}
	log := zapr.NewLogger(zapLog)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	core, podMetrics, err := cluster.Authenticate(cfg.Kubernetes, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	cl := cluster.New(core, podMetrics, cfg.Kubernetes, log)

	projects := project.NewClient(cfg.Services.ProjectURL, cfg.Services.Timeout)
	met := metering.NewClient(cfg.Services.MeteringURL, cfg.Services.Timeout)
	var promClient *prom.Client
	if cfg.Services.PrometheusURL != "" {
		promClient = prom.NewClient(cfg.Services.PrometheusURL, cfg.Services.Timeout)
	}

	gate := quota.NewGate(st, projects, met, cfg.Paths.DataRoot, cfg.Resources.ContainerLimit, log)
	builder := manifest.NewBuilder(cfg, command.NewComposer(command.Config{
		CodeDir:        cfg.Paths.CodeDir,
		NotebookDir:    cfg.Paths.NotebookDir,
		NASPackageRoot: cfg.Paths.NASPackageRoot,
		MeteringURL:    cfg.Services.MeteringURL,
		LogDir:         cfg.Paths.LogDir,
	}))
	metrics := observability.NewMetrics()

	orch := session.NewOrchestrator(cfg, st, gate, cl, builder, projects, met, promClient, metrics, log)
	return &app{store: st, orch: orch, metrics: metrics, log: log}, nil
}

func serve(cfg config.Config) error {
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.orch.CullLoop(ctx, cullInterval)

	a.log.Info("spawner starting", "addr", cfg.ListenAddr, "namespace", cfg.Kubernetes.Namespace)
	return server.New(a.orch, a.store, a.metrics, cfg.Verbose).Start(ctx, cfg.ListenAddr)
}

func cullOnce(cfg config.Config) error {
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.orch.CullOnce(ctx)
	return nil
}

func buildZap(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	cmd := buildCommands()
	cobra.CheckErr(cmd.Execute())
}
