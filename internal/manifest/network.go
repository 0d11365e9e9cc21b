package manifest

import (
	"fmt"

	v1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/opendatalab/spawner/internal/workload"
)

const sessionPortName = "session-port"

// GroupOrderAnnotation carries the load balancer rule order drawn for each
// workload ingress.
const GroupOrderAnnotation = "spawner.opendatalab.io/group-order"

// NodePortServiceName names the extra NodePort service spark_distributed
// workloads need for driver/blockmanager traffic.
func NodePortServiceName(id string) string { return id + "-np" }

// Service builds the ClusterIP service fronting the workload pod. The
// service has no selector: the orchestrator creates matching Endpoints once
// the pod has an IP, which is why the creation order is Endpoints, Service,
// Ingress.
func (b *Builder) Service(req *workload.Request, ctx Context) *v1.Service {
	port := ctx.Port
	if port == 0 {
		port = defaultSessionPort
	}
	return &v1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.ID,
			Namespace: ctx.Namespace,
			Labels:    Labels(req),
		},
		Spec: v1.ServiceSpec{
			Ports: []v1.ServicePort{{
				Name:       sessionPortName,
				Port:       80,
				TargetPort: intstr.FromInt32(port),
			}},
		},
	}
}

// Endpoints routes the selector-less service at the pod's internal IP.
func (b *Builder) Endpoints(req *workload.Request, ctx Context, podIP string) *v1.Endpoints {
	port := ctx.Port
	if port == 0 {
		port = defaultSessionPort
	}
	return &v1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.ID,
			Namespace: ctx.Namespace,
			Labels:    Labels(req),
		},
		Subsets: []v1.EndpointSubset{{
			Addresses: []v1.EndpointAddress{{IP: podIP}},
			Ports:     []v1.EndpointPort{{Name: sessionPortName, Port: port}},
		}},
	}
}

// Ingress exposes the workload under /<id> on the shared host. The group
// order annotation decides load balancer rule ordering; uniqueness is best
// effort and collisions only affect ordering, not correctness.
func (b *Builder) Ingress(req *workload.Request, ctx Context) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix
	className := b.cfg.Kubernetes.IngressClassName
	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.ID,
			Namespace: ctx.Namespace,
			Labels:    Labels(req),
			Annotations: map[string]string{
				GroupOrderAnnotation: fmt.Sprint(ctx.IngressOrder),
			},
		},
		Spec: networkingv1.IngressSpec{
			IngressClassName: &className,
			Rules: []networkingv1.IngressRule{{
				Host: b.cfg.Kubernetes.IngressHost,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     "/" + req.ID,
							PathType: &pathType,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: req.ID,
									Port: networkingv1.ServiceBackendPort{Name: sessionPortName},
								},
							},
						}},
					},
				},
			}},
		},
	}
}

// NodePortService provisions the driver/blockmanager port pair for
// spark_distributed workloads. Callers pass the two ports drawn from the
// configured range.
func (b *Builder) NodePortService(req *workload.Request, ctx Context) *v1.Service {
	if req.Kernel != workload.SparkDistributed {
		return nil
	}
	return &v1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      NodePortServiceName(req.ID),
			Namespace: ctx.Namespace,
			Labels:    Labels(req),
		},
		Spec: v1.ServiceSpec{
			Type:     v1.ServiceTypeNodePort,
			Selector: Labels(req),
			Ports: []v1.ServicePort{
				{
					Name:       "spark-driver",
					Port:       ctx.DriverPort,
					NodePort:   ctx.DriverPort,
					TargetPort: intstr.FromInt32(ctx.DriverPort),
				},
				{
					Name:       "spark-blockmanager",
					Port:       ctx.BlockManagerPort,
					NodePort:   ctx.BlockManagerPort,
					TargetPort: intstr.FromInt32(ctx.BlockManagerPort),
				},
			},
		},
	}
}
