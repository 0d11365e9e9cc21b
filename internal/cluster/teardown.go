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

package cluster

import (
	"context"

	"github.com/hashicorp/go-multierror"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/opendatalab/spawner/internal/manifest"
)

// TeardownNetwork removes the networking objects for a workload in the
// reverse of creation order. Every step runs regardless of earlier
// failures; NotFound counts as done.
func (c *Client) TeardownNetwork(ctx context.Context, workloadID string) error {
	var result *multierror.Error

	if err := c.deleteEndpoints(ctx, workloadID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.deleteService(ctx, workloadID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.deleteService(ctx, manifest.NodePortServiceName(workloadID)); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.deleteIngress(ctx, workloadID); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Teardown removes everything a workload put on the cluster: networking
// first, then the pod and any scheduled-run job. Idempotent; safe to call
// on a workload that never finished starting.
func (c *Client) Teardown(ctx context.Context, workloadID string) error {
	var result *multierror.Error

	if err := c.TeardownNetwork(ctx, workloadID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.DeletePod(ctx, workloadID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.deleteJob(ctx, workloadID); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// DeletePod removes the workload pod, NotFound counting as success.
func (c *Client) DeletePod(ctx context.Context, name string) error {
	err := c.core.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
