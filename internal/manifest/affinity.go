package manifest

import (
	"encoding/json"
	"os"

	v1 "k8s.io/api/core/v1"

	"github.com/opendatalab/spawner/internal/workload"
)

// affinity builds a required (not preferred) node affinity from the rule
// resolved for the request, when there is one. GPU tiers get their rule
// from the per-project groupenv lookup; a failed lookup already degraded to
// a nil rule upstream, which means no affinity here.
func (b *Builder) affinity(req *workload.Request, ctx Context) *v1.Affinity {
	rule := ctx.GPUAffinity
	if rule == nil || rule.Key == "" {
		return nil
	}
	return &v1.Affinity{
		NodeAffinity: &v1.NodeAffinity{
			RequiredDuringSchedulingIgnoredDuringExecution: &v1.NodeSelector{
				NodeSelectorTerms: []v1.NodeSelectorTerm{{
					MatchExpressions: []v1.NodeSelectorRequirement{{
						Key:      rule.Key,
						Operator: v1.NodeSelectorOperator(rule.Operator),
						Values:   rule.Values,
					}},
				}},
			},
		},
	}
}

// tolerations lets GPU workloads land on tainted accelerator nodes.
func (b *Builder) tolerations(req *workload.Request) []v1.Toleration {
	if !req.Tier.IsGPU() {
		return nil
	}
	return []v1.Toleration{{
		Key:      string(req.Tier.GPUVendor),
		Operator: v1.TolerationOpExists,
		Effect:   v1.TaintEffectNoSchedule,
	}}
}

// LoadGPUAffinity reads the affinity rule for a groupenv label from the
// configured affinity file. The file maps groupenv names to rules. Any
// failure (missing file, unknown groupenv, bad JSON) returns nil: affinity
// lookup failures are non-fatal and mean "no affinity".
func LoadGPUAffinity(path, groupenv string) *NodeAffinityRule {
	if path == "" || groupenv == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	rules := map[string]NodeAffinityRule{}
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil
	}
	rule, ok := rules[groupenv]
	if !ok {
		return nil
	}
	return &rule
}
