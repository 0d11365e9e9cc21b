package manifest

import (
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/opendatalab/spawner/internal/workload"
)

// resources computes requests and limits from the nominal tier values and
// the configured percentages. GPU tiers pass the raw accelerator count
// through as both request and limit under the vendor resource key, since
// accelerators cannot be fractionally requested.
func (b *Builder) resources(tier workload.ResourceTier) v1.ResourceRequirements {
	req := v1.ResourceList{}
	lim := v1.ResourceList{}

	if cpu, err := resource.ParseQuantity(tier.CPU); err == nil {
		req[v1.ResourceCPU] = scaleQuantity(cpu, b.cfg.Resources.CPURequestPercent)
		lim[v1.ResourceCPU] = scaleQuantity(cpu, b.cfg.Resources.CPULimitPercent)
	}
	if mem, err := resource.ParseQuantity(tier.Memory); err == nil {
		req[v1.ResourceMemory] = scaleQuantity(mem, b.cfg.Resources.MemoryRequestPercent)
		lim[v1.ResourceMemory] = scaleQuantity(mem, b.cfg.Resources.MemoryLimitPercent)
	}
	if tier.IsGPU() {
		gpu := *resource.NewQuantity(tier.GPU, resource.DecimalSI)
		key := v1.ResourceName(tier.GPUVendor)
		req[key] = gpu
		lim[key] = gpu
	}
	return v1.ResourceRequirements{Requests: req, Limits: lim}
}

// scaleQuantity multiplies a quantity by percent/100 at milli precision.
func scaleQuantity(q resource.Quantity, percent int) resource.Quantity {
	if percent <= 0 || percent == 100 {
		return q
	}
	milli := q.MilliValue() * int64(percent) / 100
	return *resource.NewMilliQuantity(milli, q.Format)
}
