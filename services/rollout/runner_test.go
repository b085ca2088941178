package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/services"
	"github.com/upb/reward-governance/services/actiontrace"
	"github.com/upb/reward-governance/services/audit"
	"github.com/upb/reward-governance/services/compliance"
	"github.com/upb/reward-governance/services/episodemetrics"
	"github.com/upb/reward-governance/services/guardrail"
	"github.com/upb/reward-governance/services/rewardlog"
	"github.com/upb/reward-governance/services/verifier"
)

// scriptedEnv lowers risk by 0.3 per treatment and ends on discharge.
// State layout: [risk, severity].
type scriptedEnv struct {
	state    models.State
	executed []models.Action
	failAt   int // step index that fails, -1 for none
	never    bool
}

func newScriptedEnv(risk float64) *scriptedEnv {
	return &scriptedEnv{state: models.State{risk, 0.5}, failAt: -1}
}

func (e *scriptedEnv) Name() string { return "scripted" }

func (e *scriptedEnv) Reset(ctx context.Context) (models.State, *models.StepContext, error) {
	return e.state.Clone(), &models.StepContext{RiskScore: models.Float(e.state[0])}, nil
}

func (e *scriptedEnv) Step(ctx context.Context, action models.Action) (*StepResult, error) {
	if len(e.executed) == e.failAt {
		return nil, errors.New("simulator crashed")
	}
	e.executed = append(e.executed, action)

	if action == "treat" {
		e.state[0] -= 0.3
	}
	return &StepResult{
		NextState: e.state.Clone(),
		Context:   &models.StepContext{RiskScore: models.Float(e.state[0]), StepCost: models.Float(100)},
		Done:      action == "discharge" && !e.never,
	}, nil
}

func script(actions ...models.Action) Policy {
	return PolicyFunc(func(state models.State, sctx *models.StepContext) models.Action {
		if sctx.Step() < len(actions) {
			return actions[sctx.Step()]
		}
		return actions[len(actions)-1]
	})
}

type stack struct {
	rules    *compliance.Service
	ensemble *verifier.Ensemble
	guard    *guardrail.Service
	rewards  *rewardlog.Service
	traces   *actiontrace.Service
	episodes *episodemetrics.Service
	audit    *audit.Service
}

func newStack(t *testing.T, safety func(*models.SafetyConfig)) *stack {
	t.Helper()
	logger := zap.NewNop()

	rules, err := compliance.NewService(nil, logger, nil)
	require.NoError(t, err)
	ensemble, err := verifier.NewRegistry(logger, nil, rules).CreateDefaultEnsemble(nil, nil)
	require.NoError(t, err)

	gcfg := guardrail.DefaultConfig()
	if safety != nil {
		safety(&gcfg.Safety)
	}
	guard, err := guardrail.NewService(gcfg, rules, logger, nil)
	require.NoError(t, err)

	s := &stack{rules: rules, ensemble: ensemble, guard: guard}
	s.rewards, err = rewardlog.NewService(rewardlog.Config{}, nil, nil, logger, nil)
	require.NoError(t, err)
	s.traces, err = actiontrace.NewService(actiontrace.Config{}, nil, nil, logger, nil)
	require.NoError(t, err)
	s.episodes, err = episodemetrics.NewService(episodemetrics.Config{}, nil, nil, logger, nil)
	require.NoError(t, err)
	s.audit, err = audit.NewService(audit.Config{}, nil, nil, logger, nil)
	require.NoError(t, err)
	return s
}

func (s *stack) deps() Deps {
	return Deps{
		Verifier:   s.ensemble,
		Guardrail:  s.guard,
		Compliance: s.rules,
		Rewards:    s.rewards,
		Traces:     s.traces,
		Episodes:   s.episodes,
		Audit:      s.audit,
		Logger:     zap.NewNop(),
	}
}

func newRunner(t *testing.T, deps Deps, mutate func(*Config)) *Runner {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRunner(deps, cfg)
	require.NoError(t, err)
	return r
}

func TestRun_GuardrailsPrecedeExecution(t *testing.T) {
	s := newStack(t, nil)
	env := newScriptedEnv(0.9)
	r := newRunner(t, s.deps(), nil)

	// risky discharge, early discharge, then a clean pathway
	result, err := r.Run(context.Background(), env, script("discharge", "treat", "treat", "discharge"))
	require.NoError(t, err)

	assert.Equal(t, []models.Action{"monitoring", "treat", "treat", "discharge"}, env.executed)
	assert.Equal(t, 4, result.Steps)
	assert.Equal(t, 1, result.Overrides)
	assert.False(t, result.Truncated)
	assert.Zero(t, result.PersistenceErrors)

	overrides := s.guard.GetEpisodeOverrides(result.EpisodeID)
	require.Len(t, overrides, 1)
	assert.Equal(t, models.OutcomeBlock, overrides[0].Outcome)
	assert.Contains(t, overrides[0].Reason, "exceeds threshold")
}

func TestRun_EarlyDischargeHardStop(t *testing.T) {
	s := newStack(t, nil)
	env := newScriptedEnv(0.5)
	r := newRunner(t, s.deps(), nil)

	// discharge at pathway step 2 breaks minimum_pathway_steps
	result, err := r.Run(context.Background(), env, script("treat", "discharge", "discharge"))
	require.NoError(t, err)

	assert.Equal(t, []models.Action{"treat", "monitoring", "discharge"}, env.executed)
	assert.Equal(t, 1, result.Overrides)
	overrides := s.guard.GetEpisodeOverrides(result.EpisodeID)
	require.Len(t, overrides, 1)
	assert.Contains(t, overrides[0].Reason, "compliance hard stop")
}

func TestRun_FansOutToLogs(t *testing.T) {
	s := newStack(t, nil)
	env := newScriptedEnv(0.9)
	r := newRunner(t, s.deps(), nil)

	result, err := r.Run(context.Background(), env, script("discharge", "treat", "treat", "discharge"))
	require.NoError(t, err)
	ep := result.EpisodeID

	rewards := s.rewards.GetEpisodeRewards(ep)
	require.Len(t, rewards, 4)
	summary, err := s.rewards.GetEpisodeSummary(ep)
	require.NoError(t, err)
	assert.InDelta(t, result.CumulativeReward, summary.TotalReward, 1e-9)
	assert.Equal(t, []string{verifier.EnsembleName}, summary.VerifierNames)

	transitions := s.traces.GetStateTransitions(ep)
	require.Len(t, transitions, 4)
	assert.Equal(t, models.Action("monitoring"), transitions[0].Action)
	assert.Equal(t, models.State{0.9, 0.5}, transitions[0].From)
	trace := s.traces.GetEpisodeTrace(ep)
	assert.Equal(t, "discharge", trace[0].TransitionInfo["proposed_action"])

	record, err := s.episodes.GetEpisodeMetrics(ep)
	require.NoError(t, err)
	assert.Equal(t, 4, record.EpisodeLength)
	assert.Equal(t, "scripted", record.EnvironmentName)
	assert.InDelta(t, result.CumulativeReward, record.CumulativeReward, 1e-9)
	assert.InDelta(t, 400.0, record.TotalCost, 1e-9)
	assert.InDelta(t, 0.3, record.FinalRiskScore, 1e-9)
	assert.Greater(t, record.ClinicalScore, 0.0)
	assert.Greater(t, record.EfficiencyScore, 0.0)
	assert.Greater(t, record.FinancialScore, 0.0)

	counts := make(map[models.AuditEventType]int)
	for _, e := range s.audit.GetEpisodeAuditLog(ep) {
		counts[e.EventType]++
	}
	assert.Equal(t, 4, counts[models.AuditEventVerifierEvaluation])
	assert.Equal(t, 4, counts[models.AuditEventActionTaken])
	assert.Equal(t, 1, counts[models.AuditEventGovernanceOverride])
}

type violatingRules struct{}

func (violatingRules) Validate(models.State, models.Action, *models.StepContext) (bool, []models.ComplianceViolation) {
	return false, []models.ComplianceViolation{{RuleName: "always", Severity: models.SeverityWarning, Message: "flagged"}}
}

func TestRun_ViolationsAreAudited(t *testing.T) {
	s := newStack(t, nil)
	deps := s.deps()
	deps.Compliance = violatingRules{}
	r := newRunner(t, deps, nil)

	result, err := r.Run(context.Background(), newScriptedEnv(0.2), script("treat", "treat", "treat", "discharge"))
	require.NoError(t, err)

	assert.Equal(t, 4, result.Violations)
	assert.Len(t, s.audit.GetComplianceViolations(result.EpisodeID), 4)
	record, err := s.episodes.GetEpisodeMetrics(result.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, 4, record.ViolationCount)
}

type escalatingGuard struct{}

func (escalatingGuard) ValidateAction(state models.State, action models.Action, sctx *models.StepContext) models.GuardrailDecision {
	if action == "discharge" {
		return models.Override(models.OutcomeEscalate, action, "escalated for human review: test")
	}
	return models.Allow(action)
}

func TestRun_Escalation(t *testing.T) {
	tests := []struct {
		name     string
		reviewer Reviewer
		executed models.Action
		userID   string
	}{
		{
			name: "reviewer decides",
			reviewer: ReviewerFunc(func(ctx context.Context, e models.OverrideRecord) (models.Action, string, error) {
				assert.Equal(t, models.Action("discharge"), e.OriginalAction)
				return "treat", "dr-a", nil
			}),
			executed: "treat",
			userID:   "dr-a",
		},
		{
			name:     "no reviewer passes the action through",
			executed: "discharge",
		},
		{
			name: "failing reviewer falls back",
			reviewer: ReviewerFunc(func(ctx context.Context, e models.OverrideRecord) (models.Action, string, error) {
				return "", "dr-b", errors.New("pager timeout")
			}),
			executed: "monitoring",
			userID:   "dr-b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStack(t, nil)
			deps := s.deps()
			deps.Guardrail = escalatingGuard{}
			deps.Reviewer = tt.reviewer
			r := newRunner(t, deps, func(c *Config) { c.MaxSteps = 1 })

			env := newScriptedEnv(0.5)
			result, err := r.Run(context.Background(), env, script("discharge"))
			require.NoError(t, err)

			assert.Equal(t, []models.Action{tt.executed}, env.executed)
			assert.Equal(t, 1, result.Escalations)

			var override *models.AuditLogEntry
			for _, e := range s.audit.GetEpisodeAuditLog(result.EpisodeID) {
				if e.EventType == models.AuditEventGovernanceOverride {
					e := e
					override = &e
				}
			}
			require.NotNil(t, override)
			assert.Equal(t, tt.userID, override.UserID)
			assert.Equal(t, string(tt.executed), override.Details["final_action"])
		})
	}
}

func TestRun_Truncation(t *testing.T) {
	s := newStack(t, nil)
	r := newRunner(t, s.deps(), func(c *Config) { c.MaxSteps = 2 })

	result, err := r.Run(context.Background(), newScriptedEnv(0.5), script("treat"))
	require.NoError(t, err)

	assert.Equal(t, 2, result.Steps)
	assert.True(t, result.Truncated)
	assert.Equal(t, true, result.Metrics.Metadata["truncated"])
}

func TestRun_EnvironmentFailure(t *testing.T) {
	s := newStack(t, nil)
	r := newRunner(t, s.deps(), nil)
	env := newScriptedEnv(0.5)
	env.failAt = 1

	result, err := r.Run(context.Background(), env, script("treat"))
	require.Error(t, err)
	assert.True(t, services.IsInternalError(err))
	assert.Equal(t, 1, result.Steps)

	errorsLogged := 0
	for _, e := range s.audit.GetEpisodeAuditLog(result.EpisodeID) {
		if e.EventType == models.AuditEventError {
			errorsLogged++
		}
	}
	assert.Equal(t, 1, errorsLogged)

	// no metrics record for an aborted episode
	_, err = s.episodes.GetEpisodeMetrics(result.EpisodeID)
	assert.ErrorIs(t, err, services.ErrEpisodeNotFound)
}

func TestRun_Cancelled(t *testing.T) {
	s := newStack(t, nil)
	r := newRunner(t, s.deps(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, newScriptedEnv(0.5), script("treat"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRunner_Validation(t *testing.T) {
	s := newStack(t, nil)

	_, err := NewRunner(Deps{Guardrail: s.guard}, DefaultConfig())
	assert.ErrorIs(t, err, services.ErrInvalidInput)

	_, err = NewRunner(Deps{Verifier: s.ensemble}, DefaultConfig())
	assert.ErrorIs(t, err, services.ErrInvalidInput)

	cfg := DefaultConfig()
	cfg.MaxSteps = 0
	_, err = NewRunner(s.deps(), cfg)
	assert.ErrorIs(t, err, services.ErrInvalidInput)
}

func TestRun_MinimalDeps(t *testing.T) {
	s := newStack(t, nil)
	r := newRunner(t, Deps{Verifier: s.ensemble, Guardrail: s.guard}, nil)

	result, err := r.Run(context.Background(), newScriptedEnv(0.5), script("treat", "treat", "treat", "discharge"))
	require.NoError(t, err)
	assert.Equal(t, 4, result.Steps)
	require.NotNil(t, result.Metrics)
}

func TestRun_EscalationHistoryMatchesExecutedAction(t *testing.T) {
	tests := []struct {
		name     string
		reviewer Reviewer
		executed []models.Action
		userID   string
	}{
		{
			name:     "no reviewer",
			executed: []models.Action{"treat", "discharge"},
		},
		{
			name: "reviewer overrides",
			reviewer: ReviewerFunc(func(ctx context.Context, e models.OverrideRecord) (models.Action, string, error) {
				return "treat", "dr-a", nil
			}),
			executed: []models.Action{"treat", "treat", "discharge"},
			userID:   "dr-a",
		},
		{
			name: "failing reviewer",
			reviewer: ReviewerFunc(func(ctx context.Context, e models.OverrideRecord) (models.Action, string, error) {
				return "", "dr-b", errors.New("pager timeout")
			}),
			executed: []models.Action{"treat", "monitoring", "discharge"},
			userID:   "dr-b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStack(t, func(safety *models.SafetyConfig) {
				safety.ComplianceHardStop = false
				safety.HumanInTheLoop = true
			})
			deps := s.deps()
			deps.Reviewer = tt.reviewer
			r := newRunner(t, deps, nil)

			// discharge at pathway step 2 escalates instead of blocking
			env := newScriptedEnv(0.5)
			result, err := r.Run(context.Background(), env, script("treat", "discharge", "discharge"))
			require.NoError(t, err)
			require.Equal(t, tt.executed, env.executed)
			assert.Equal(t, 1, result.Escalations)

			overrides := s.guard.GetEpisodeOverrides(result.EpisodeID)
			require.Len(t, overrides, 1)
			assert.Equal(t, models.OutcomeEscalate, overrides[0].Outcome)
			assert.Equal(t, models.Action("discharge"), overrides[0].OriginalAction)
			assert.Equal(t, env.executed[1], overrides[0].FinalAction)
			assert.Equal(t, tt.userID, overrides[0].ReviewedBy)

			trace := s.traces.GetEpisodeTrace(result.EpisodeID)
			require.Len(t, trace, len(tt.executed))
			assert.Equal(t, overrides[0].FinalAction, trace[1].Action)
		})
	}
}

type allowGuard struct{}

func (allowGuard) ValidateAction(state models.State, action models.Action, sctx *models.StepContext) models.GuardrailDecision {
	return models.Allow(action)
}

// eventLog records the order in which the runner writes to its logs
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) LogReward(episodeID string, stepID int, state models.State, action models.Action, reward float64,
	breakdown map[string]float64, verifierName string, metadata map[string]interface{}) (*models.RewardLogEntry, error) {
	l.add("reward/%d", stepID)
	return &models.RewardLogEntry{EpisodeID: episodeID, StepID: stepID}, nil
}

func (l *eventLog) LogAction(episodeID string, stepID int, before models.State, action models.Action, after models.State,
	transitionInfo, metadata map[string]interface{}) (*models.ActionTraceEntry, error) {
	l.add("trace/%d", stepID)
	return &models.ActionTraceEntry{EpisodeID: episodeID, StepID: stepID}, nil
}

func (l *eventLog) RecordEpisode(record models.EpisodeMetricsRecord) (*models.EpisodeMetricsRecord, error) {
	l.add("episode_metrics")
	return &record, nil
}

func (l *eventLog) LogVerifierEvaluation(episodeID, environmentName string, stepID int, verifierName string, reward float64, breakdown map[string]float64) error {
	l.add("audit/evaluation/%d", stepID)
	return nil
}

func (l *eventLog) LogActionTaken(episodeID, environmentName string, stepID int, proposed models.Action, decision models.GuardrailDecision) error {
	l.add("audit/action/%d", stepID)
	return nil
}

func (l *eventLog) LogComplianceViolation(episodeID, environmentName string, stepID int, violation models.ComplianceViolation) error {
	l.add("audit/violation/%d", stepID)
	return nil
}

func (l *eventLog) LogGovernanceOverride(episodeID, environmentName string, override models.OverrideRecord, reviewer string) error {
	l.add("audit/override/%d", override.StepID)
	return nil
}

func (l *eventLog) LogError(episodeID, environmentName string, stepID *int, cause error, details map[string]interface{}) error {
	l.add("audit/error")
	return nil
}

func TestRun_FinalStepAuditFollowsEpisodeMetrics(t *testing.T) {
	s := newStack(t, nil)
	log := &eventLog{}
	r := newRunner(t, Deps{
		Verifier:  s.ensemble,
		Guardrail: allowGuard{},
		Rewards:   log,
		Traces:    log,
		Episodes:  log,
		Audit:     log,
	}, func(c *Config) { c.MaxSteps = 2 })

	_, err := r.Run(context.Background(), newScriptedEnv(0.5), script("treat"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"reward/0", "trace/0", "audit/evaluation/0", "audit/action/0",
		"reward/1", "trace/1", "episode_metrics", "audit/evaluation/1", "audit/action/1",
	}, log.events)
}

// riskVerifier scores a transition by the risk it ends in
type riskVerifier struct {
	*verifier.Base
}

func (v *riskVerifier) Evaluate(state models.State, action models.Action, nextState models.State, sctx *models.StepContext) (*verifier.Result, error) {
	result := &verifier.Result{Reward: nextState[0], Breakdown: map[string]float64{"risk": nextState[0]}}
	v.Record(action, sctx, result)
	return result, nil
}

// gateVerifier holds its first caller until released
type gateVerifier struct {
	*verifier.Base
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (v *gateVerifier) Evaluate(state models.State, action models.Action, nextState models.State, sctx *models.StepContext) (*verifier.Result, error) {
	v.once.Do(func() {
		close(v.entered)
		<-v.release
	})
	result := &verifier.Result{Reward: 1, Breakdown: map[string]float64{"gate": 1}}
	v.Record(action, sctx, result)
	return result, nil
}

func TestRun_ConcurrentEpisodesKeepTheirOwnScores(t *testing.T) {
	clinical := &riskVerifier{Base: verifier.NewBase("Clin", nil, zap.NewNop())}
	gate := &gateVerifier{
		Base:    verifier.NewBase("Gate", nil, zap.NewNop()),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	ensemble, err := verifier.NewEnsemble([]verifier.Verifier{clinical, gate}, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	r := newRunner(t, Deps{Verifier: ensemble, Guardrail: allowGuard{}}, func(c *Config) {
		c.MaxSteps = 1
		c.Scores = ScoreMembers{Clinical: "Clin"}
	})

	type outcome struct {
		result *EpisodeResult
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		result, err := r.Run(context.Background(), newScriptedEnv(0.9), script("treat"))
		first <- outcome{result, err}
	}()

	// the first episode has been scored by Clin and is parked in Gate
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first episode never reached the gate")
	}

	second, err := r.Run(context.Background(), newScriptedEnv(0.5), script("treat"))
	require.NoError(t, err)
	close(gate.release)

	var got outcome
	select {
	case got = <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first episode did not finish")
	}
	require.NoError(t, got.err)

	require.NotNil(t, second.Metrics)
	require.NotNil(t, got.result.Metrics)
	assert.InDelta(t, 0.2, second.Metrics.ClinicalScore, 1e-9)
	assert.InDelta(t, 0.6, got.result.Metrics.ClinicalScore, 1e-9)
}
