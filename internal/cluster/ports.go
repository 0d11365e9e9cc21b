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
	"math/rand"
	"strconv"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/opendatalab/spawner/internal/manifest"
)

const drawAttempts = 50

// AllocateNodePorts draws a driver/blockmanager port pair from the
// configured range, redrawing on collision with node ports already held by
// services in the namespace.
func (c *Client) AllocateNodePorts(ctx context.Context) (driver, blockManager int32, err error) {
	services, err := c.core.CoreV1().Services(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("listing services for port allocation: %w", err)
	}
	used := map[int32]bool{}
	for _, svc := range services.Items {
		for _, port := range svc.Spec.Ports {
			if port.NodePort != 0 {
				used[port.NodePort] = true
			}
		}
	}

	lo, hi := c.cfg.NodePortMin, c.cfg.NodePortMax
	if hi <= lo+1 {
		return 0, 0, fmt.Errorf("node port range [%d,%d] cannot hold a pair", lo, hi)
	}
	for i := 0; i < drawAttempts; i++ {
		a := lo + rand.Int31n(hi-lo+1)
		b := lo + rand.Int31n(hi-lo+1)
		if a != b && !used[a] && !used[b] {
			return a, b, nil
		}
	}
	return 0, 0, fmt.Errorf("no free node port pair in [%d,%d] after %d draws", lo, hi, drawAttempts)
}

// AllocateIngressOrder draws a load balancer group order, avoiding orders
// already annotated on ingresses in the namespace. Uniqueness is best
// effort: when the range is saturated the last draw is used anyway since a
// duplicated order only affects rule ordering.
func (c *Client) AllocateIngressOrder(ctx context.Context) (int, error) {
	ingresses, err := c.core.NetworkingV1().Ingresses(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("listing ingresses for order allocation: %w", err)
	}
	used := map[int]bool{}
	for _, ing := range ingresses.Items {
		if raw, ok := ing.Annotations[manifest.GroupOrderAnnotation]; ok {
			if order, err := strconv.Atoi(raw); err == nil {
				used[order] = true
			}
		}
	}

	lo, hi := c.cfg.IngressOrderMin, c.cfg.IngressOrderMax
	if hi < lo {
		return 0, fmt.Errorf("ingress order range [%d,%d] is empty", lo, hi)
	}
	order := lo
	for i := 0; i < drawAttempts; i++ {
		order = lo + rand.Intn(hi-lo+1)
		if !used[order] {
			break
		}
	}
	return order, nil
}
