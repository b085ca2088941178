package wardsim

import (
	"fmt"

	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/services/rollout"
)

// Policy names accepted by PolicyByName
const (
	PolicyGuideline = "guideline"
	PolicyReckless  = "reckless"
)

// GuidelinePolicy images once, treats until risk is low and discharges after
// the minimum pathway length
func GuidelinePolicy(state models.State, sctx *models.StepContext) models.Action {
	step := sctx.Step()
	risk, _ := state.At(FieldRisk)
	switch {
	case step == 0:
		return ActionOrderImaging
	case risk < 0.35 && step >= 3:
		return ActionDischarge
	default:
		return ActionTreat
	}
}

// RecklessPolicy discharges as early as possible and over-orders imaging.
// The guardrails are expected to override it.
func RecklessPolicy(state models.State, sctx *models.StepContext) models.Action {
	if sctx.Step() < 4 && sctx.Step()%2 == 0 {
		return ActionOrderImaging
	}
	if sctx.Step() < 6 {
		return ActionDischarge
	}
	return ActionOrderImaging
}

// PolicyByName returns a built-in policy
func PolicyByName(name string) (rollout.Policy, error) {
	switch name {
	case PolicyGuideline, "":
		return rollout.PolicyFunc(GuidelinePolicy), nil
	case PolicyReckless:
		return rollout.PolicyFunc(RecklessPolicy), nil
	default:
		return nil, fmt.Errorf("unknown policy %q", name)
	}
}
