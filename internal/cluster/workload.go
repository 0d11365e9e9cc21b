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
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	batchv1 "k8s.io/api/batch/v1"
	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/opendatalab/spawner/internal/manifest"
)

// JobOutcome is the terminal state of a scheduled run.
type JobOutcome string

const (
	JobSucceeded JobOutcome = "succeeded"
	JobFailed    JobOutcome = "failed"
	JobTimedOut  JobOutcome = "timed_out"
)

func newBackoff(min time.Duration) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    min,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}

// CreatePod submits the pod, retrying transient API failures up to the
// configured attempt count. An AlreadyExists answer is returned as-is so the
// caller can decide whether the object is a leftover.
func (c *Client) CreatePod(ctx context.Context, pod *v1.Pod) (*v1.Pod, error) {
	var created *v1.Pod
	err := c.withRetries(ctx, "pod "+pod.Name, func() error {
		var err error
		created, err = c.core.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
		return err
	})
	return created, err
}

// withRetries runs create with exponential backoff. AlreadyExists and
// context cancellation stop the retry loop immediately.
func (c *Client) withRetries(ctx context.Context, what string, create func() error) error {
	b := newBackoff(200 * time.Millisecond)
	attempts := c.cfg.CreateRetries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = create()
		if err == nil || apierrors.IsAlreadyExists(err) {
			return err
		}
		c.log.Error(err, "create failed", "object", what, "attempt", i+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return fmt.Errorf("creating %s after %d attempts: %w", what, attempts, err)
}

// WaitForPodIP polls the pod until the scheduler assigned it an IP, bounded
// by the configured poll timeout. Network objects cannot be created before
// this returns.
func (c *Client) WaitForPodIP(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	b := newBackoff(c.cfg.PollInterval)
	for {
		pod, err := c.core.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			if pod.Status.Phase == v1.PodFailed {
				return "", fmt.Errorf("pod %s failed before getting an IP: %s", name, pod.Status.Reason)
			}
			if pod.Status.PodIP != "" {
				return pod.Status.PodIP, nil
			}
		} else if !apierrors.IsNotFound(err) {
			c.log.Error(err, "polling pod for IP", "pod", name)
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for pod %s IP: %w", name, ctx.Err())
		case <-time.After(b.Duration()):
		}
	}
}

// GetPod fetches the live pod, nil when it is gone.
func (c *Client) GetPod(ctx context.Context, name string) (*v1.Pod, error) {
	pod, err := c.core.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	return pod, err
}

// PodPhase reports the live phase, or empty string when the pod is gone.
func (c *Client) PodPhase(ctx context.Context, name string) (v1.PodPhase, error) {
	pod, err := c.GetPod(ctx, name)
	if err != nil || pod == nil {
		return "", err
	}
	return pod.Status.Phase, nil
}

// RunJob submits the job and polls it to completion. Whatever the outcome,
// the job and its pods are removed before returning so scheduled runs never
// leak objects.
func (c *Client) RunJob(ctx context.Context, job *batchv1.Job) (JobOutcome, error) {
	_, err := c.core.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return JobFailed, fmt.Errorf("creating job %s: %w", job.Name, err)
	}
	outcome, pollErr := c.pollJob(ctx, job.Name)
	if cleanupErr := c.deleteJob(ctx, job.Name); cleanupErr != nil {
		c.log.Error(cleanupErr, "cleaning up finished job", "job", job.Name)
	}
	return outcome, pollErr
}

func (c *Client) pollJob(ctx context.Context, name string) (JobOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	b := newBackoff(c.cfg.PollInterval)
	for {
		job, err := c.core.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			switch {
			case job.Status.Succeeded > 0:
				return JobSucceeded, nil
			case job.Status.Failed > 0:
				return JobFailed, nil
			}
		} else {
			c.log.Error(err, "polling job", "job", name)
		}
		select {
		case <-ctx.Done():
			return JobTimedOut, fmt.Errorf("job %s did not finish within %s", name, c.cfg.PollTimeout)
		case <-time.After(b.Duration()):
		}
	}
}

func (c *Client) deleteJob(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationBackground
	err := c.core.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// PodCPUUsage returns the session container's CPU usage in millicores from
// the metrics API. Used by the culler's idleness check.
func (c *Client) PodCPUUsage(ctx context.Context, podName string) (int64, error) {
	if c.metrics == nil {
		return 0, fmt.Errorf("metrics client not configured")
	}
	podMetrics, err := c.metrics.PodMetricses(c.namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return 0, err
	}
	for _, container := range podMetrics.Containers {
		if container.Name == manifest.MainContainerName {
			return container.Usage.Cpu().MilliValue(), nil
		}
	}
	return 0, fmt.Errorf("no metrics for container %s in pod %s", manifest.MainContainerName, podName)
}
