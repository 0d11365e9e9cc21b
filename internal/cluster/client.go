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

// Package cluster owns every interaction with the Kubernetes API: creating
// and tearing down workload objects, waiting on pod and job state, and the
// port/order draws that have to consult existing cluster objects.
package cluster

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
	metricsv1beta1 "k8s.io/metrics/pkg/client/clientset/versioned/typed/metrics/v1beta1"

	"github.com/opendatalab/spawner/internal/config"
)

// Client wraps the typed clientsets with the namespace and poll policy
// every call shares.
type Client struct {
	core      kubernetes.Interface
	metrics   metricsv1beta1.PodMetricsesGetter
	namespace string
	cfg       config.Kubernetes
	log       logr.Logger
}

// New assembles a Client from already-authenticated clientsets. Tests pass
// the fake clientset here.
func New(core kubernetes.Interface, metrics metricsv1beta1.PodMetricsesGetter, cfg config.Kubernetes, log logr.Logger) *Client {
	return &Client{
		core:      core,
		metrics:   metrics,
		namespace: cfg.Namespace,
		cfg:       cfg,
		log:       log.WithName("cluster"),
	}
}

// Authenticate builds the REST config either from in-cluster credentials or
// from a kubeconfig file, then returns the typed clientsets.
func Authenticate(cfg config.Kubernetes, log logr.Logger) (kubernetes.Interface, metricsv1beta1.PodMetricsesGetter, error) {
	restConfig, err := restConfigFor(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	core, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("creating clientset: %w", err)
	}
	metrics, err := metricsv.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("creating metrics clientset: %w", err)
	}
	return core, metrics.MetricsV1beta1(), nil
}

func restConfigFor(cfg config.Kubernetes, log logr.Logger) (*rest.Config, error) {
	host, port := os.Getenv("KUBERNETES_SERVICE_HOST"), os.Getenv("KUBERNETES_SERVICE_PORT")
	if cfg.KubeConfigPath == "" && host != "" && port != "" {
		log.V(1).Info("authenticating with in-cluster credentials")
		restConfig, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster auth: %w", err)
		}
		return restConfig, nil
	}

	path := cfg.KubeConfigPath
	if path == "" {
		if kc := os.Getenv("KUBECONFIG"); kc != "" {
			path = kc
		} else if home := homedir.HomeDir(); home != "" {
			path = filepath.Join(home, ".kube", "config")
		}
	}
	log.V(1).Info("authenticating with kubeconfig", "path", path)
	restConfig, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("building config from %s: %w", path, err)
	}
	return restConfig, nil
}
