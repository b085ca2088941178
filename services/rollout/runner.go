// Package rollout drives episodes through the governance layer: every
// proposed action passes the guardrails before it executes, every realized
// transition is scored and checked for compliance, and the outcome is fanned
// out to the reward, trace, metrics and audit logs.
package rollout

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/internal/observability"
	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/services"
	"github.com/upb/reward-governance/services/verifier"
)

// ActionValidator gates proposed actions
type ActionValidator interface {
	ValidateAction(state models.State, action models.Action, sctx *models.StepContext) models.GuardrailDecision
}

// EscalationResolver is implemented by validators that keep an override
// history; the runner reports the action an escalation finally executed.
type EscalationResolver interface {
	ResolveEscalation(episodeID string, stepID int, final models.Action, reviewer string) bool
}

// ComplianceValidator checks realized transitions
type ComplianceValidator interface {
	Validate(state models.State, action models.Action, sctx *models.StepContext) (bool, []models.ComplianceViolation)
}

// RewardLogger receives one entry per step
type RewardLogger interface {
	LogReward(episodeID string, stepID int, state models.State, action models.Action, reward float64,
		breakdown map[string]float64, verifierName string, metadata map[string]interface{}) (*models.RewardLogEntry, error)
}

// TraceLogger receives one transition per step
type TraceLogger interface {
	LogAction(episodeID string, stepID int, before models.State, action models.Action, after models.State,
		transitionInfo, metadata map[string]interface{}) (*models.ActionTraceEntry, error)
}

// EpisodeRecorder receives one record per finished episode
type EpisodeRecorder interface {
	RecordEpisode(record models.EpisodeMetricsRecord) (*models.EpisodeMetricsRecord, error)
}

// Auditor receives the audit events of a rollout
type Auditor interface {
	LogVerifierEvaluation(episodeID, environmentName string, stepID int, verifierName string, reward float64, breakdown map[string]float64) error
	LogActionTaken(episodeID, environmentName string, stepID int, proposed models.Action, decision models.GuardrailDecision) error
	LogComplianceViolation(episodeID, environmentName string, stepID int, violation models.ComplianceViolation) error
	LogGovernanceOverride(episodeID, environmentName string, override models.OverrideRecord, reviewer string) error
	LogError(episodeID, environmentName string, stepID *int, cause error, details map[string]interface{}) error
}

// Deps are the components a runner drives. Verifier and Guardrail are
// required; a nil log is skipped.
type Deps struct {
	Verifier   verifier.Verifier
	Guardrail  ActionValidator
	Compliance ComplianceValidator
	Rewards    RewardLogger
	Traces     TraceLogger
	Episodes   EpisodeRecorder
	Audit      Auditor
	Reviewer   Reviewer
	Logger     *zap.Logger
}

// ScoreMembers names the ensemble members whose rewards become the
// clinical, efficiency and financial scores of an episode
type ScoreMembers struct {
	Clinical   string
	Efficiency string
	Financial  string
}

// Config holds configuration for the runner
type Config struct {
	MaxSteps           int           // Episode truncation length
	RiskField          int           // State index read for the final risk score
	EscalationFallback models.Action // Executed when the reviewer fails or returns no action
	AuditEvaluations   bool          // Audit every verifier evaluation
	Scores             ScoreMembers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	safety := models.DefaultSafetyConfig()
	return Config{
		MaxSteps:           50,
		RiskField:          safety.RiskField,
		EscalationFallback: safety.SafeFallbackAction,
		AuditEvaluations:   true,
		Scores: ScoreMembers{
			Clinical:   "ClinicalVerifier",
			Efficiency: "OperationalVerifier",
			Financial:  "FinancialVerifier",
		},
	}
}

// EpisodeResult summarizes one rollout
type EpisodeResult struct {
	EpisodeID         string                       `json:"episode_id"`
	Environment       string                       `json:"environment"`
	Steps             int                          `json:"steps"`
	CumulativeReward  float64                      `json:"cumulative_reward"`
	Overrides         int                          `json:"overrides"`
	Escalations       int                          `json:"escalations"`
	Violations        int                          `json:"violations"`
	PersistenceErrors int                          `json:"persistence_errors"`
	Truncated         bool                         `json:"truncated"`
	FinalState        models.State                 `json:"final_state"`
	Metrics           *models.EpisodeMetricsRecord `json:"metrics,omitempty"`
}

// Runner drives episodes. A runner holds no per-episode state and may run
// episodes concurrently when its components are safe for concurrent use.
type Runner struct {
	deps   Deps
	config Config
	logger *zap.Logger
}

// NewRunner creates a runner
func NewRunner(deps Deps, cfg Config) (*Runner, error) {
	if deps.Verifier == nil {
		return nil, services.ErrInvalidInput.WithDetail("missing", "verifier")
	}
	if deps.Guardrail == nil {
		return nil, services.ErrInvalidInput.WithDetail("missing", "guardrail")
	}
	if cfg.MaxSteps <= 0 {
		return nil, services.ErrInvalidInput.WithDetail("max_steps", cfg.MaxSteps)
	}
	if cfg.EscalationFallback == "" {
		cfg.EscalationFallback = models.DefaultSafetyConfig().SafeFallbackAction
	}
	return &Runner{deps: deps, config: cfg, logger: observability.OrNop(deps.Logger)}, nil
}

// episode is the running state of one rollout
type episode struct {
	result  *EpisodeResult
	history []models.Action
	scores  map[string]*scoreSum
	cost    float64
	last    *models.StepContext
}

type scoreSum struct {
	total float64
	n     int
}

func (s *scoreSum) mean() float64 {
	if s == nil || s.n == 0 {
		return 0
	}
	return s.total / float64(s.n)
}

// Run drives one episode until the environment reports done, MaxSteps is
// reached or ctx is cancelled. On error the partial result is returned.
func (r *Runner) Run(ctx context.Context, env Environment, policy Policy) (*EpisodeResult, error) {
	ep := &episode{
		result: &EpisodeResult{EpisodeID: models.NewEpisodeID(), Environment: env.Name()},
		scores: make(map[string]*scoreSum),
	}
	start := time.Now()

	state, sctx, err := env.Reset(ctx)
	if err != nil {
		r.auditError(ep, nil, err)
		return ep.result, services.WrapInternal("environment reset failed", err)
	}
	ep.last = sctx

	r.logger.Info("episode started",
		zap.String("episode_id", ep.result.EpisodeID),
		zap.String("environment", env.Name()))

	// the audit events of a step are held until the next step starts, so the
	// final step's events land after the episode metrics record
	var flushAudit func()
	done := false
	for step := 0; step < r.config.MaxSteps && !done; step++ {
		if flushAudit != nil {
			flushAudit()
			flushAudit = nil
		}
		if err := ctx.Err(); err != nil {
			ep.result.FinalState = state.Clone()
			return ep.result, err
		}

		next, stepDone, audit, err := r.step(ctx, env, policy, ep, step, state)
		if err != nil {
			ep.result.FinalState = state.Clone()
			return ep.result, err
		}
		state, done, flushAudit = next, stepDone, audit
	}

	ep.result.Truncated = !done
	ep.result.FinalState = state.Clone()
	r.finish(ep, state)
	if flushAudit != nil {
		flushAudit()
	}

	r.logger.Info("episode finished",
		zap.String("episode_id", ep.result.EpisodeID),
		zap.Int("steps", ep.result.Steps),
		zap.Float64("cumulative_reward", ep.result.CumulativeReward),
		zap.Int("overrides", ep.result.Overrides),
		zap.Int("violations", ep.result.Violations),
		zap.Bool("truncated", ep.result.Truncated),
		zap.Duration("duration", time.Since(start)))
	return ep.result, nil
}

// step executes one transition and writes its reward and trace entries. The
// returned func writes the step's audit events.
func (r *Runner) step(ctx context.Context, env Environment, policy Policy, ep *episode, step int, state models.State) (models.State, bool, func(), error) {
	episodeID, envName := ep.result.EpisodeID, ep.result.Environment

	// guardrail validation strictly precedes execution
	pre := r.stepContext(ep.last, ep, step)
	proposed := policy.Act(state, pre)
	decision := r.deps.Guardrail.ValidateAction(state, proposed, pre)

	action, reviewer := decision.FinalAction, ""
	if decision.Outcome == models.OutcomeEscalate {
		ep.result.Escalations++
		action, reviewer = r.review(ctx, ep, step, state, proposed, decision)
		if resolver, ok := r.deps.Guardrail.(EscalationResolver); ok {
			resolver.ResolveEscalation(episodeID, step, action, reviewer)
		}
	}

	res, err := env.Step(ctx, action)
	if err != nil {
		r.auditError(ep, models.Int(step), err)
		return nil, false, nil, services.NewDomainError(services.ErrorTypeInternal, "environment step failed", err).
			WithDetail("step_id", step)
	}
	if res.Context != nil {
		ep.last = res.Context
	}
	post := r.stepContext(ep.last, ep, step)

	reward, breakdown := r.evaluate(ep, step, state, action, res.NextState, post)

	// compliance validation strictly follows the realized transition
	var violations []models.ComplianceViolation
	if r.deps.Compliance != nil {
		_, violations = r.deps.Compliance.Validate(res.NextState, action, post)
	}

	ep.result.Steps++
	ep.result.CumulativeReward += reward
	ep.result.Violations += len(violations)
	ep.history = append(ep.history, action)
	if post.StepCost != nil {
		ep.cost += *post.StepCost
	}

	// reward, then trace; audit is written by the returned func
	if r.deps.Rewards != nil {
		_, err := r.deps.Rewards.LogReward(episodeID, step, state, action, reward, breakdown, r.deps.Verifier.Name(),
			map[string]interface{}{"guardrail_outcome": string(decision.Outcome)})
		r.notePersistence(ep, "reward", err)
	}
	if r.deps.Traces != nil {
		info := models.CloneAnyMap(res.Info)
		if info == nil {
			info = make(map[string]interface{})
		}
		info["proposed_action"] = string(proposed)
		info["guardrail_outcome"] = string(decision.Outcome)
		_, err := r.deps.Traces.LogAction(episodeID, step, state, action, res.NextState, info, nil)
		r.notePersistence(ep, "trace", err)
	}
	audit := func() {
		if r.deps.Audit == nil {
			return
		}
		if r.config.AuditEvaluations {
			r.notePersistence(ep, "audit", r.deps.Audit.LogVerifierEvaluation(episodeID, envName, step, r.deps.Verifier.Name(), reward, breakdown))
		}
		r.notePersistence(ep, "audit", r.deps.Audit.LogActionTaken(episodeID, envName, step, proposed, decision))
		if decision.Outcome != models.OutcomeAllow {
			override := models.OverrideRecord{
				EpisodeID:      episodeID,
				StepID:         step,
				OriginalAction: proposed,
				FinalAction:    action,
				Outcome:        decision.Outcome,
				Reason:         decision.Reason,
				ReviewedBy:     reviewer,
				State:          state.Clone(),
				Timestamp:      time.Now().UTC(),
			}
			r.notePersistence(ep, "audit", r.deps.Audit.LogGovernanceOverride(episodeID, envName, override, reviewer))
		}
		for _, v := range violations {
			r.notePersistence(ep, "audit", r.deps.Audit.LogComplianceViolation(episodeID, envName, step, v))
		}
	}
	if decision.Outcome != models.OutcomeAllow {
		ep.result.Overrides++
	}

	return res.NextState, res.Done, audit, nil
}

// stepContext stamps the runner's bookkeeping onto a copy of the environment
// context. ActionHistory holds the actions executed before this step.
func (r *Runner) stepContext(base *models.StepContext, ep *episode, step int) *models.StepContext {
	sctx := base.Clone()
	if sctx == nil {
		sctx = &models.StepContext{}
	}
	sctx.EpisodeID = ep.result.EpisodeID
	sctx.StepID = step
	sctx.EnvironmentName = ep.result.Environment
	sctx.ActionHistory = append([]models.Action(nil), ep.history...)
	if sctx.PathwayStep == nil {
		sctx.PathwayStep = models.Int(step + 1)
	}
	return sctx
}

func (r *Runner) evaluate(ep *episode, step int, state models.State, action models.Action, next models.State, sctx *models.StepContext) (float64, map[string]float64) {
	result, err := r.deps.Verifier.Evaluate(state, action, next, sctx)
	if err != nil || result == nil {
		r.logger.Error("verifier evaluation failed, step scored 0",
			zap.String("episode_id", ep.result.EpisodeID),
			zap.Int("step_id", step),
			zap.Error(err))
		if err == nil {
			err = services.ErrEvaluationFailed
		}
		r.auditError(ep, models.Int(step), err)
		return 0, map[string]float64{}
	}

	for _, name := range []string{r.config.Scores.Clinical, r.config.Scores.Efficiency, r.config.Scores.Financial} {
		if reward, ok := r.memberReward(name, result); ok {
			sum := ep.scores[name]
			if sum == nil {
				sum = &scoreSum{}
				ep.scores[name] = sum
			}
			sum.total += reward
			sum.n++
		}
	}
	return result.Reward, result.Breakdown
}

// memberReward reads the reward a named member produced for this step from
// the evaluation result itself. Member instances are shared between
// concurrent episodes, so their own last-result state is never consulted.
func (r *Runner) memberReward(name string, result *verifier.Result) (float64, bool) {
	if name == "" {
		return 0, false
	}
	if result.MemberRewards != nil {
		reward, ok := result.MemberRewards[name]
		return reward, ok
	}
	if r.deps.Verifier.Name() == name {
		return result.Reward, true
	}
	return 0, false
}

// review resolves an escalation. Without a reviewer the guardrail's
// pass-through action executes; when the reviewer fails the escalation
// fallback executes.
func (r *Runner) review(ctx context.Context, ep *episode, step int, state models.State, proposed models.Action, decision models.GuardrailDecision) (models.Action, string) {
	if r.deps.Reviewer == nil {
		r.logger.Info("escalation without reviewer, passing action through",
			zap.String("episode_id", ep.result.EpisodeID),
			zap.Int("step_id", step),
			zap.String("action", string(decision.FinalAction)))
		return decision.FinalAction, ""
	}

	action, reviewer, err := r.deps.Reviewer.Review(ctx, models.OverrideRecord{
		EpisodeID:      ep.result.EpisodeID,
		StepID:         step,
		OriginalAction: proposed,
		FinalAction:    decision.FinalAction,
		Outcome:        decision.Outcome,
		Reason:         decision.Reason,
		State:          state.Clone(),
		Timestamp:      time.Now().UTC(),
	})
	if err != nil || action == "" {
		r.logger.Warn("review failed, executing fallback",
			zap.String("episode_id", ep.result.EpisodeID),
			zap.Int("step_id", step),
			zap.Error(err))
		if err != nil {
			r.auditError(ep, models.Int(step), err)
		}
		return r.config.EscalationFallback, reviewer
	}
	return action, reviewer
}

// finish writes the episode metrics record
func (r *Runner) finish(ep *episode, final models.State) {
	last := ep.last
	risk, ok := final.At(r.config.RiskField)
	if last.HasRisk() {
		risk, ok = last.RiskOr(0), true
	}
	if !ok {
		risk = 0
	}

	cost := ep.cost
	if last != nil && last.CostToDate != nil {
		cost = *last.CostToDate
	}

	record := models.EpisodeMetricsRecord{
		EpisodeID:        ep.result.EpisodeID,
		EnvironmentName:  ep.result.Environment,
		CumulativeReward: ep.result.CumulativeReward,
		ClinicalScore:    ep.scores[r.config.Scores.Clinical].mean(),
		EfficiencyScore:  ep.scores[r.config.Scores.Efficiency].mean(),
		FinancialScore:   ep.scores[r.config.Scores.Financial].mean(),
		ViolationCount:   ep.result.Violations,
		EpisodeLength:    ep.result.Steps,
		FinalRiskScore:   risk,
		TotalCost:        cost,
		Metadata: map[string]interface{}{
			"overrides":   ep.result.Overrides,
			"escalations": ep.result.Escalations,
			"truncated":   ep.result.Truncated,
		},
		RecordedAt: time.Now().UTC(),
	}
	ep.result.Metrics = &record

	if r.deps.Episodes != nil {
		_, err := r.deps.Episodes.RecordEpisode(record)
		r.notePersistence(ep, "episode_metrics", err)
	}
}

func (r *Runner) notePersistence(ep *episode, store string, err error) {
	if err == nil {
		return
	}
	ep.result.PersistenceErrors++
	r.logger.Warn("log write failed",
		zap.String("episode_id", ep.result.EpisodeID),
		zap.String("log", store),
		zap.Error(err))
}

func (r *Runner) auditError(ep *episode, stepID *int, cause error) {
	if r.deps.Audit == nil {
		return
	}
	r.notePersistence(ep, "audit", r.deps.Audit.LogError(ep.result.EpisodeID, ep.result.Environment, stepID, cause, nil))
}
