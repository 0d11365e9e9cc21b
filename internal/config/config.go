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

// Package config loads the spawner configuration. There is exactly one
// immutable Config value per process, built once at startup from a config
// file, environment variables and flags; components receive it (or the slice
// of it they need) through their constructors. No ambient globals.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Kubernetes is the cluster-facing configuration.
type Kubernetes struct {
	// Namespace all workload objects are created in, fixed per deployment.
	Namespace string `mapstructure:"namespace"`
	// KubeConfigPath is used when running out of cluster; in-cluster
	// credentials are used when it is empty.
	KubeConfigPath string `mapstructure:"kubeconfig"`
	// IngressClassName for workload ingresses.
	IngressClassName string `mapstructure:"ingressClassName"`
	// IngressHost is the shared host that workload ingresses attach paths to.
	IngressHost string `mapstructure:"ingressHost"`
	// IngressOrderMin/Max bound the random group order drawn per ingress.
	IngressOrderMin int `mapstructure:"ingressOrderMin"`
	IngressOrderMax int `mapstructure:"ingressOrderMax"`
	// NodePortMin/Max bound the driver/blockmanager port pair for
	// spark_distributed workloads.
	NodePortMin int32 `mapstructure:"nodePortMin"`
	NodePortMax int32 `mapstructure:"nodePortMax"`
	// CreateRetries bounds retried Job creation against the cluster API.
	CreateRetries int `mapstructure:"createRetries"`
	// PollInterval and PollTimeout bound the Job status poll loop.
	PollInterval time.Duration `mapstructure:"pollInterval"`
	PollTimeout  time.Duration `mapstructure:"pollTimeout"`
	// GPUAffinityFile maps groupenv labels to node affinity triples for GPU
	// tiers. Lookup failures are non-fatal and degrade to no affinity.
	GPUAffinityFile string `mapstructure:"gpuAffinityFile"`
}

// Resources is the request/limit policy.
type Resources struct {
	// Request and limit percentages applied to the nominal tier values.
	CPURequestPercent    int `mapstructure:"cpuRequestPercent"`
	CPULimitPercent      int `mapstructure:"cpuLimitPercent"`
	MemoryRequestPercent int `mapstructure:"memoryRequestPercent"`
	MemoryLimitPercent   int `mapstructure:"memoryLimitPercent"`
	// ContainerLimit is the per-user cap on non-terminal workloads.
	ContainerLimit int `mapstructure:"containerLimit"`
}

// Paths are the shared filesystem locations baked into manifests and
// generated scripts.
type Paths struct {
	CodeDir        string `mapstructure:"codeDir"`
	NotebookDir    string `mapstructure:"notebookDir"`
	DataRoot       string `mapstructure:"dataRoot"`
	LogDir         string `mapstructure:"logDir"`
	NASPackageRoot string `mapstructure:"nasPackageRoot"`
}

// Services are the external collaborators.
type Services struct {
	MeteringURL   string        `mapstructure:"meteringUrl"`
	ProjectURL    string        `mapstructure:"projectUrl"`
	PrometheusURL string        `mapstructure:"prometheusUrl"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Impersonation controls the pod security context.
type Impersonation struct {
	Enabled bool `mapstructure:"enabled"`
	// Fallback UID/GID when the identity carries none.
	UID int64 `mapstructure:"uid"`
	GID int64 `mapstructure:"gid"`
}

// Culling mirrors the session reaper thresholds. Zero disables a rule.
type Culling struct {
	MaxAge              time.Duration `mapstructure:"maxAge"`
	MaxIdleDuration     time.Duration `mapstructure:"maxIdleDuration"`
	MaxStartingDuration time.Duration `mapstructure:"maxStartingDuration"`
	MaxFailedDuration   time.Duration `mapstructure:"maxFailedDuration"`
}

// Config is the process configuration. Treat values as read-only after Load.
type Config struct {
	ListenAddr    string        `mapstructure:"listenAddr"`
	DBPath        string        `mapstructure:"dbPath"`
	SidecarsImage string        `mapstructure:"sidecarsImage"`
	Verbose       bool          `mapstructure:"verbose"`
	Kubernetes    Kubernetes    `mapstructure:"kubernetes"`
	Resources     Resources     `mapstructure:"resources"`
	Paths         Paths         `mapstructure:"paths"`
	Services      Services      `mapstructure:"services"`
	Impersonation Impersonation `mapstructure:"impersonation"`
	Culling       Culling       `mapstructure:"culling"`
}

const envPrefix = "SPAWNER"

func setDefaults(v *viper.Viper) {
	v.SetDefault("listenAddr", ":8000")
	v.SetDefault("dbPath", "spawner.db")
	v.SetDefault("kubernetes.namespace", "notebooks")
	v.SetDefault("kubernetes.ingressOrderMin", 1)
	v.SetDefault("kubernetes.ingressOrderMax", 1000)
	v.SetDefault("kubernetes.nodePortMin", 30000)
	v.SetDefault("kubernetes.nodePortMax", 32767)
	v.SetDefault("kubernetes.createRetries", 3)
	v.SetDefault("kubernetes.pollInterval", 5*time.Second)
	v.SetDefault("kubernetes.pollTimeout", 30*time.Minute)
	v.SetDefault("resources.cpuRequestPercent", 50)
	v.SetDefault("resources.cpuLimitPercent", 100)
	v.SetDefault("resources.memoryRequestPercent", 50)
	v.SetDefault("resources.memoryLimitPercent", 100)
	v.SetDefault("resources.containerLimit", 3)
	v.SetDefault("paths.codeDir", "/code")
	v.SetDefault("paths.notebookDir", "/code/notebooks")
	v.SetDefault("paths.dataRoot", "/data")
	v.SetDefault("paths.logDir", "/log")
	v.SetDefault("paths.nasPackageRoot", "/nas/packages")
	v.SetDefault("services.timeout", 10*time.Second)
	v.SetDefault("impersonation.uid", 1000)
	v.SetDefault("impersonation.gid", 1000)
}

// Load reads the optional config file and the SPAWNER_* environment and
// returns the validated configuration.
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SidecarsImage == "" {
		return fmt.Errorf("sidecarsImage must be set")
	}
	if c.Kubernetes.Namespace == "" {
		return fmt.Errorf("kubernetes.namespace must be set")
	}
	if c.Kubernetes.IngressOrderMin >= c.Kubernetes.IngressOrderMax {
		return fmt.Errorf("kubernetes ingress order range is empty")
	}
	if c.Kubernetes.NodePortMin >= c.Kubernetes.NodePortMax {
		return fmt.Errorf("kubernetes node port range is empty")
	}
	if c.Resources.ContainerLimit <= 0 {
		return fmt.Errorf("resources.containerLimit must be positive")
	}
	return nil
}
