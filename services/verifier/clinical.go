package verifier

import (
	"go.uber.org/zap"

	"github.com/upb/reward-governance/models"
)

// Clinical components
const (
	ComponentRiskImprovement     = "risk_improvement"
	ComponentVitalStability      = "vital_stability"
	ComponentTreatmentEfficiency = "treatment_efficiency"
)

// DefaultClinicalConfig returns the reference clinical configuration.
//
// Metadata risk_field and vital_field are state indexes. Thresholds:
// improvement_scale is the risk delta mapped onto the full [0,1] range,
// vital_low/vital_high bound the safe range, vital_tolerance is the distance
// outside it at which stability reaches 0, and target_improvement is the
// risk reduction per treatment that scores 1.
func DefaultClinicalConfig() *models.VerifierConfig {
	cfg := models.NewVerifierConfig(
		map[string]float64{
			ComponentRiskImprovement:     0.5,
			ComponentVitalStability:      0.3,
			ComponentTreatmentEfficiency: 0.2,
		},
		map[string]float64{
			"improvement_scale":  1.0,
			"vital_low":          0.3,
			"vital_high":         0.7,
			"vital_tolerance":    0.3,
			"target_improvement": 0.05,
		},
	)
	cfg.Metadata["risk_field"] = 0
	cfg.Metadata["vital_field"] = 1
	return cfg
}

// ClinicalVerifier rewards risk reduction, vitals inside the safe range and
// treatments that pay off.
//
//	risk_improvement     = clamp(0.5 + 0.5*(risk - next_risk)/improvement_scale)
//	vital_stability      = 1 inside [vital_low, vital_high], else
//	                       clamp(1 - distance/vital_tolerance)
//	treatment_efficiency = clamp(max(0, risk - next_risk) / (treatments*target_improvement))
//
// Risk is read from state[risk_field], falling back to the context risk score
// and then to 0.5. A missing vital field or an empty treatment history scores 0.5.
type ClinicalVerifier struct {
	*Base
}

// NewClinicalVerifier creates a clinical verifier; cfg is merged over the defaults
func NewClinicalVerifier(cfg *models.VerifierConfig, logger *zap.Logger) *ClinicalVerifier {
	return &ClinicalVerifier{Base: NewBase("ClinicalVerifier", cfg.WithDefaults(DefaultClinicalConfig()), logger)}
}

// Evaluate scores the transition
func (v *ClinicalVerifier) Evaluate(state models.State, action models.Action, nextState models.State, sctx *models.StepContext) (*Result, error) {
	if !v.IsEnabled() {
		return disabledResult(), nil
	}
	cfg := v.config
	riskField := cfg.MetadataInt("risk_field", 0)

	before, _ := fieldOr(state, riskField, sctx.RiskOr(neutral))
	after, _ := fieldOr(nextState, riskField, before)
	delta := before - after

	scale := cfg.Threshold("improvement_scale", 1.0)
	if scale <= 0 {
		scale = 1.0
	}
	riskImprovement := clamp01(0.5 + 0.5*delta/scale)

	vitalStability := neutral
	if vital, ok := nextState.At(cfg.MetadataInt("vital_field", 1)); ok {
		vitalStability = rangeScore(vital,
			cfg.Threshold("vital_low", 0.3),
			cfg.Threshold("vital_high", 0.7),
			cfg.Threshold("vital_tolerance", 0.3))
	}

	treatmentEfficiency := neutral
	if n := sctx.TreatmentCount(); n > 0 {
		target := cfg.Threshold("target_improvement", 0.05)
		if target <= 0 {
			target = 0.05
		}
		improvement := delta
		if improvement < 0 {
			improvement = 0
		}
		treatmentEfficiency = clamp01(improvement / (float64(n) * target))
	}

	result := v.combine(map[string]float64{
		ComponentRiskImprovement:     riskImprovement,
		ComponentVitalStability:      vitalStability,
		ComponentTreatmentEfficiency: treatmentEfficiency,
	})
	v.Record(action, sctx, result)
	return result, nil
}

// rangeScore is 1 inside [low, high] and decays linearly to 0 at tolerance
// outside the range
func rangeScore(value, low, high, tolerance float64) float64 {
	if value >= low && value <= high {
		return 1
	}
	if tolerance <= 0 {
		return 0
	}
	distance := low - value
	if value > high {
		distance = value - high
	}
	return clamp01(1 - distance/tolerance)
}
