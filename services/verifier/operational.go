package verifier

import (
	"go.uber.org/zap"

	"github.com/upb/reward-governance/models"
)

// Operational components
const (
	ComponentResourceUtilization = "resource_utilization"
	ComponentWaitTimeReduction   = "wait_time_reduction"
	ComponentPathwayEfficiency   = "pathway_efficiency"
)

// DefaultOperationalConfig returns the reference operational configuration.
// Metadata utilization_field and wait_field are state indexes.
func DefaultOperationalConfig() *models.VerifierConfig {
	cfg := models.NewVerifierConfig(
		map[string]float64{
			ComponentResourceUtilization: 0.4,
			ComponentWaitTimeReduction:   0.3,
			ComponentPathwayEfficiency:   0.3,
		},
		map[string]float64{
			"target_utilization":     0.85,
			"wait_scale":             1.0,
			"expected_pathway_steps": 5,
		},
	)
	cfg.Metadata["utilization_field"] = 2
	cfg.Metadata["wait_field"] = 3
	return cfg
}

// OperationalVerifier rewards utilization near target, shrinking waits and
// short pathways.
//
//	resource_utilization = clamp(1 - |u - target_utilization| / target_utilization)
//	wait_time_reduction  = clamp(0.5 + 0.5*(wait - next_wait)/wait_scale)
//	pathway_efficiency   = 1 while step <= expected_pathway_steps, then expected/step
//
// Utilization comes from next_state[utilization_field] or the context extra
// "utilization". Any missing input scores 0.5.
type OperationalVerifier struct {
	*Base
}

// NewOperationalVerifier creates an operational verifier; cfg is merged over the defaults
func NewOperationalVerifier(cfg *models.VerifierConfig, logger *zap.Logger) *OperationalVerifier {
	return &OperationalVerifier{Base: NewBase("OperationalVerifier", cfg.WithDefaults(DefaultOperationalConfig()), logger)}
}

// Evaluate scores the transition
func (v *OperationalVerifier) Evaluate(state models.State, action models.Action, nextState models.State, sctx *models.StepContext) (*Result, error) {
	if !v.IsEnabled() {
		return disabledResult(), nil
	}
	cfg := v.config

	utilization := neutral
	target := cfg.Threshold("target_utilization", 0.85)
	if u, ok := nextState.At(cfg.MetadataInt("utilization_field", 2)); ok && target > 0 {
		utilization = clamp01(1 - abs(u-target)/target)
	} else if u := sctx.ExtraFloat("utilization", -1); u >= 0 && target > 0 {
		utilization = clamp01(1 - abs(u-target)/target)
	}

	waitReduction := neutral
	waitField := cfg.MetadataInt("wait_field", 3)
	before, okBefore := state.At(waitField)
	after, okAfter := nextState.At(waitField)
	if okBefore && okAfter {
		scale := cfg.Threshold("wait_scale", 1.0)
		if scale <= 0 {
			scale = 1.0
		}
		waitReduction = clamp01(0.5 + 0.5*(before-after)/scale)
	}

	pathway := neutral
	if sctx.HasPathwayStep() {
		expected := cfg.Threshold("expected_pathway_steps", 5)
		step := float64(sctx.PathwayStepOr(0))
		if step <= expected {
			pathway = 1
		} else {
			pathway = clamp01(expected / step)
		}
	}

	result := v.combine(map[string]float64{
		ComponentResourceUtilization: utilization,
		ComponentWaitTimeReduction:   waitReduction,
		ComponentPathwayEfficiency:   pathway,
	})
	v.Record(action, sctx, result)
	return result, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
