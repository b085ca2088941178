package verifier

import (
	"go.uber.org/zap"

	"github.com/upb/reward-governance/models"
)

// Financial components
const (
	ComponentCostEfficiency  = "cost_efficiency"
	ComponentBudgetAdherence = "budget_adherence"
	ComponentValuePerCost    = "value_per_cost"
)

// DefaultFinancialConfig returns the reference financial configuration
func DefaultFinancialConfig() *models.VerifierConfig {
	cfg := models.NewVerifierConfig(
		map[string]float64{
			ComponentCostEfficiency:  0.4,
			ComponentBudgetAdherence: 0.3,
			ComponentValuePerCost:    0.3,
		},
		map[string]float64{
			"max_step_cost":        1000,
			"budget":               10000,
			"budget_warning_ratio": 0.8,
			"value_scale":          100,
		},
	)
	cfg.Metadata["risk_field"] = 0
	return cfg
}

// FinancialVerifier rewards cheap steps, staying within budget and risk
// reduction bought per unit of cost.
//
//	cost_efficiency  = clamp(1 - step_cost/max_step_cost)
//	budget_adherence = 1 up to budget_warning_ratio of the budget, then linear to 0 at the budget
//	value_per_cost   = clamp(0.5 + value_scale*(risk - next_risk)/step_cost)
//
// A missing step cost or cost to date scores 0.5, as does a zero step cost
// for value_per_cost.
type FinancialVerifier struct {
	*Base
}

// NewFinancialVerifier creates a financial verifier; cfg is merged over the defaults
func NewFinancialVerifier(cfg *models.VerifierConfig, logger *zap.Logger) *FinancialVerifier {
	return &FinancialVerifier{Base: NewBase("FinancialVerifier", cfg.WithDefaults(DefaultFinancialConfig()), logger)}
}

// Evaluate scores the transition
func (v *FinancialVerifier) Evaluate(state models.State, action models.Action, nextState models.State, sctx *models.StepContext) (*Result, error) {
	if !v.IsEnabled() {
		return disabledResult(), nil
	}
	cfg := v.config

	stepCost := sctx.StepCostOr(-1)
	costEfficiency := neutral
	if maxCost := cfg.Threshold("max_step_cost", 1000); stepCost >= 0 && maxCost > 0 {
		costEfficiency = clamp01(1 - stepCost/maxCost)
	}

	budgetAdherence := neutral
	if budget := cfg.Threshold("budget", 10000); sctx.CostToDateOr(-1) >= 0 && budget > 0 {
		ratio := sctx.CostToDateOr(0) / budget
		warning := cfg.Threshold("budget_warning_ratio", 0.8)
		switch {
		case ratio <= warning:
			budgetAdherence = 1
		case warning >= 1:
			budgetAdherence = 0
		default:
			budgetAdherence = clamp01((1 - ratio) / (1 - warning))
		}
	}

	valuePerCost := neutral
	if stepCost > 0 {
		riskField := cfg.MetadataInt("risk_field", 0)
		before, _ := fieldOr(state, riskField, sctx.RiskOr(neutral))
		after, _ := fieldOr(nextState, riskField, before)
		valuePerCost = clamp01(0.5 + cfg.Threshold("value_scale", 100)*(before-after)/stepCost)
	}

	result := v.combine(map[string]float64{
		ComponentCostEfficiency:  costEfficiency,
		ComponentBudgetAdherence: budgetAdherence,
		ComponentValuePerCost:    valuePerCost,
	})
	v.Record(action, sctx, result)
	return result, nil
}
