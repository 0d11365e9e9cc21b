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

	v1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// NetworkObjects is the set of networking manifests exposing one workload.
// NodePort is nil except for distributed Spark.
type NetworkObjects struct {
	Endpoints *v1.Endpoints
	Service   *v1.Service
	NodePort  *v1.Service
	Ingress   *networkingv1.Ingress
}

// CreateNetwork creates the networking objects in dependency order:
// endpoints first so the selector-less service routes the moment it
// appears, the ingress last. AlreadyExists answers are treated as satisfied
// so a crashed start can be resumed. Any other failure rolls back the
// siblings created in this call before returning.
func (c *Client) CreateNetwork(ctx context.Context, objs NetworkObjects) error {
	var created []func(context.Context)

	rollback := func() {
		for i := len(created) - 1; i >= 0; i-- {
			created[i](ctx)
		}
	}

	if err := c.createEndpoints(ctx, objs.Endpoints); err != nil {
		return err
	}
	created = append(created, func(ctx context.Context) { c.deleteEndpoints(ctx, objs.Endpoints.Name) })

	if err := c.createService(ctx, objs.Service); err != nil {
		rollback()
		return err
	}
	created = append(created, func(ctx context.Context) { c.deleteService(ctx, objs.Service.Name) })

	if objs.NodePort != nil {
		if err := c.createService(ctx, objs.NodePort); err != nil {
			rollback()
			return err
		}
		created = append(created, func(ctx context.Context) { c.deleteService(ctx, objs.NodePort.Name) })
	}

	if err := c.createIngress(ctx, objs.Ingress); err != nil {
		rollback()
		return err
	}
	return nil
}

func (c *Client) createEndpoints(ctx context.Context, ep *v1.Endpoints) error {
	_, err := c.core.CoreV1().Endpoints(c.namespace).Create(ctx, ep, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating endpoints %s: %w", ep.Name, err)
	}
	return nil
}

func (c *Client) createService(ctx context.Context, svc *v1.Service) error {
	_, err := c.core.CoreV1().Services(c.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating service %s: %w", svc.Name, err)
	}
	return nil
}

func (c *Client) createIngress(ctx context.Context, ing *networkingv1.Ingress) error {
	_, err := c.core.NetworkingV1().Ingresses(c.namespace).Create(ctx, ing, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating ingress %s: %w", ing.Name, err)
	}
	return nil
}

func (c *Client) deleteEndpoints(ctx context.Context, name string) error {
	err := c.core.CoreV1().Endpoints(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) deleteService(ctx context.Context, name string) error {
	err := c.core.CoreV1().Services(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) deleteIngress(ctx context.Context, name string) error {
	err := c.core.NetworkingV1().Ingresses(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
