package verifier

import (
	"go.uber.org/zap"

	"github.com/upb/reward-governance/models"
)

// RuleChecker validates a realized transition against compliance rules
type RuleChecker interface {
	Validate(state models.State, action models.Action, sctx *models.StepContext) (bool, []models.ComplianceViolation)
}

// DefaultComplianceConfig returns the reference penalty per severity
func DefaultComplianceConfig() *models.VerifierConfig {
	return models.NewVerifierConfig(
		map[string]float64{
			string(models.SeverityWarning):  0.1,
			string(models.SeverityError):    0.5,
			string(models.SeverityCritical): 1.0,
		},
		nil,
	)
}

// ComplianceVerifier turns compliance violations into a penalty:
//
//	reward = -sum(weight[severity] * count[severity])
//
// The breakdown holds the violation count per severity. The rules run
// against next_state, the realized outcome of the action.
type ComplianceVerifier struct {
	*Base
	rules RuleChecker
}

// NewComplianceVerifier creates a compliance verifier. A nil rules checker
// yields zero penalty.
func NewComplianceVerifier(cfg *models.VerifierConfig, rules RuleChecker, logger *zap.Logger) *ComplianceVerifier {
	return &ComplianceVerifier{
		Base:  NewBase("ComplianceVerifier", cfg.WithDefaults(DefaultComplianceConfig()), logger),
		rules: rules,
	}
}

// Evaluate scores the transition
func (v *ComplianceVerifier) Evaluate(state models.State, action models.Action, nextState models.State, sctx *models.StepContext) (*Result, error) {
	if !v.IsEnabled() {
		return disabledResult(), nil
	}

	counts := make(map[string]float64, len(v.config.Weights))
	for name := range v.config.Weights {
		counts[name] = 0
	}
	if v.rules != nil {
		_, violations := v.rules.Validate(nextState, action, sctx)
		for _, violation := range violations {
			counts[string(violation.Severity)]++
		}
	}

	result := v.combine(counts)
	result.Reward = -result.Reward
	if result.Reward == 0 {
		result.Reward = 0 // no negative zero
	}
	v.Record(action, sctx, result)
	return result, nil
}
