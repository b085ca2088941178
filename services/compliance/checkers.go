package compliance

import (
	"fmt"

	"github.com/upb/reward-governance/models"
)

// Checker evaluates one rule against a realized transition and returns a
// violation, or nil when the rule holds. Checkers must be pure.
type Checker func(rule models.ComplianceRule, state models.State, action models.Action, sctx *models.StepContext) *models.ComplianceViolation

// builtinCheckers returns the checkers for the rule types with a reference
// implementation. cost_ceiling and guideline are left to RegisterChecker.
func builtinCheckers() map[models.RuleType]Checker {
	return map[models.RuleType]Checker{
		models.RuleTypePathwayLength: checkPathwayLength,
		models.RuleTypeSequenceLimit: checkSequenceLimit,
		models.RuleTypeRiskCeiling:   checkRiskCeiling,
	}
}

// checkPathwayLength flags a terminating action taken before min_steps
// pathway steps. Parameters: min_steps (3), terminating_actions ([discharge]).
// Without a pathway step in the context the rule holds.
func checkPathwayLength(rule models.ComplianceRule, _ models.State, action models.Action, sctx *models.StepContext) *models.ComplianceViolation {
	terminating := rule.ParamActions("terminating_actions", []models.Action{"discharge"})
	if !models.ContainsAction(terminating, action) || !sctx.HasPathwayStep() {
		return nil
	}

	minSteps := rule.ParamInt("min_steps", 3)
	step := sctx.PathwayStepOr(0)
	if step >= minSteps {
		return nil
	}

	v := models.NewViolation(rule, fmt.Sprintf("%s at pathway step %d, minimum is %d", action, step, minSteps))
	v.Parameters["pathway_step"] = step
	return &v
}

// checkSequenceLimit flags an action repeated more than max_count times per
// episode. The action history holds earlier steps; the current action counts
// on top. Parameters: action (order_imaging), max_count (3).
func checkSequenceLimit(rule models.ComplianceRule, _ models.State, action models.Action, sctx *models.StepContext) *models.ComplianceViolation {
	limited := models.Action(rule.ParamString("action", "order_imaging"))
	maxCount := rule.ParamInt("max_count", 3)

	count := sctx.ActionCount(limited)
	if action == limited {
		count++
	}
	if count <= maxCount {
		return nil
	}

	v := models.NewViolation(rule, fmt.Sprintf("%s taken %d times, limit is %d", limited, count, maxCount))
	v.Parameters["count"] = count
	return &v
}

// checkRiskCeiling flags a risk above max_risk (0.95). Risk is read from
// state[risk_field] when that parameter is set and present, else from the
// context risk score; with neither the rule holds.
func checkRiskCeiling(rule models.ComplianceRule, state models.State, _ models.Action, sctx *models.StepContext) *models.ComplianceViolation {
	maxRisk := rule.ParamFloat("max_risk", 0.95)

	risk, ok := 0.0, false
	if field := rule.ParamInt("risk_field", -1); field >= 0 {
		risk, ok = state.At(field)
	}
	if !ok && sctx.HasRisk() {
		risk, ok = sctx.RiskOr(0), true
	}
	if !ok || risk <= maxRisk {
		return nil
	}

	v := models.NewViolation(rule, fmt.Sprintf("risk %.3f exceeds ceiling %.3f", risk, maxRisk))
	v.Parameters["risk"] = risk
	return &v
}
