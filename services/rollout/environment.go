package rollout

import (
	"context"

	"github.com/upb/reward-governance/models"
)

// StepResult is what an environment reports for one executed action
type StepResult struct {
	NextState models.State
	// Context carries the domain fields observed after the transition.
	// nil reuses the context of the previous step.
	Context *models.StepContext
	Done    bool
	Info    map[string]interface{}
}

// Environment is a simulated or replayed domain the runner drives
type Environment interface {
	Name() string
	Reset(ctx context.Context) (models.State, *models.StepContext, error)
	Step(ctx context.Context, action models.Action) (*StepResult, error)
}

// Policy proposes the next action
type Policy interface {
	Act(state models.State, sctx *models.StepContext) models.Action
}

// PolicyFunc adapts a function to Policy
type PolicyFunc func(state models.State, sctx *models.StepContext) models.Action

// Act calls f
func (f PolicyFunc) Act(state models.State, sctx *models.StepContext) models.Action {
	return f(state, sctx)
}

// Reviewer decides escalated actions. It returns the action to execute and
// the reviewer's identity.
type Reviewer interface {
	Review(ctx context.Context, escalation models.OverrideRecord) (models.Action, string, error)
}

// ReviewerFunc adapts a function to Reviewer
type ReviewerFunc func(ctx context.Context, escalation models.OverrideRecord) (models.Action, string, error)

// Review calls f
func (f ReviewerFunc) Review(ctx context.Context, escalation models.OverrideRecord) (models.Action, string, error) {
	return f(ctx, escalation)
}
