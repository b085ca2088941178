// Package guardrail validates, and when needed overrides, an action before
// the environment executes it.
package guardrail

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/internal/episodestore"
	"github.com/upb/reward-governance/internal/observability"
	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/services"
	"github.com/upb/reward-governance/utils"
)

// OverrideStoreName identifies the override history in metrics and retention
const OverrideStoreName = "guardrail_overrides"

// HardStopChecker returns the compliance violations the guardrails enforce
// before execution
type HardStopChecker interface {
	HardStopViolations(state models.State, action models.Action, sctx *models.StepContext) []models.ComplianceViolation
}

// Config holds configuration for the guardrail service
type Config struct {
	Safety models.SafetyConfig

	// MaxEpisodes bounds the override history by episode (0 = unbounded)
	MaxEpisodes int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{Safety: models.DefaultSafetyConfig()}
}

// Service runs the guardrail checks in fixed priority order; the first
// check that fires decides the outcome:
//
//  1. risk threshold: risk above MaxRiskThreshold with a non-urgent action blocks
//     to SafeFallbackAction
//  2. compliance hard stop: a pathway-length or sequence-limit violation blocks,
//     or escalates when ComplianceHardStop is off
//  3. critical condition: severity above CriticalThreshold with a terminating
//     action is modified to SaferAction
type Service struct {
	config     models.SafetyConfig
	compliance HardStopChecker
	logger     *zap.Logger
	metrics    observability.Metrics
	overrides  *episodestore.Store[models.OverrideRecord]
}

// NewService creates a guardrail service. compliance may be nil, which
// disables the hard-stop check.
func NewService(cfg Config, compliance HardStopChecker, logger *zap.Logger, metrics observability.Metrics) (*Service, error) {
	if err := ValidateSafetyConfig(cfg.Safety); err != nil {
		return nil, err
	}
	s := &Service{
		config:     cfg.Safety,
		compliance: compliance,
		logger:     observability.OrNop(logger),
		metrics:    observability.MetricsOrNop(metrics),
		overrides:  episodestore.New[models.OverrideRecord](cfg.MaxEpisodes),
	}
	s.overrides.OnEvict(func(episodeID string) {
		s.metrics.RecordEviction(OverrideStoreName)
		s.logger.Debug("override history evicted", zap.String("episode_id", episodeID))
	})
	return s, nil
}

// ValidateSafetyConfig checks a safety configuration
func ValidateSafetyConfig(cfg models.SafetyConfig) error {
	if err := utils.ValidateStruct(cfg); err != nil {
		return services.ErrInvalidSafetyConfig.Wrap(err)
	}
	if err := utils.ValidateUnitInterval(cfg.MaxRiskThreshold, "max_risk_threshold"); err != nil {
		return services.ErrInvalidSafetyConfig.Wrap(err)
	}
	if err := utils.ValidateUnitInterval(cfg.CriticalThreshold, "critical_threshold"); err != nil {
		return services.ErrInvalidSafetyConfig.Wrap(err)
	}
	return nil
}

// Config returns the safety configuration
func (s *Service) Config() models.SafetyConfig {
	return s.config
}

// ValidateAction decides whether action may execute in state
func (s *Service) ValidateAction(state models.State, action models.Action, sctx *models.StepContext) models.GuardrailDecision {
	decision := s.decide(state, action, sctx)

	s.metrics.RecordGuardrailOutcome(string(decision.Outcome))
	if decision.Outcome != models.OutcomeAllow {
		s.recordOverride(state, action, sctx, decision)
	}
	return decision
}

func (s *Service) decide(state models.State, action models.Action, sctx *models.StepContext) models.GuardrailDecision {
	if d, fired := s.checkRisk(state, action, sctx); fired {
		return d
	}
	if d, fired := s.checkHardStop(state, action, sctx); fired {
		return d
	}
	if d, fired := s.checkCritical(state, action); fired {
		return d
	}
	return models.Allow(action)
}

func (s *Service) checkRisk(state models.State, action models.Action, sctx *models.StepContext) (models.GuardrailDecision, bool) {
	if !models.ContainsAction(s.config.NonUrgentActions, action) {
		return models.GuardrailDecision{}, false
	}

	risk, ok := state.At(s.config.RiskField)
	if !ok {
		if !sctx.HasRisk() {
			return models.GuardrailDecision{}, false
		}
		risk = sctx.RiskOr(0)
	}
	if risk <= s.config.MaxRiskThreshold {
		return models.GuardrailDecision{}, false
	}

	reason := fmt.Sprintf("risk %.3f exceeds threshold %.3f for non-urgent action %s",
		risk, s.config.MaxRiskThreshold, action)
	return models.Override(models.OutcomeBlock, s.config.SafeFallbackAction, reason), true
}

func (s *Service) checkHardStop(state models.State, action models.Action, sctx *models.StepContext) (models.GuardrailDecision, bool) {
	if s.compliance == nil {
		return models.GuardrailDecision{}, false
	}
	violations := s.compliance.HardStopViolations(state, action, sctx)
	if len(violations) == 0 {
		return models.GuardrailDecision{}, false
	}

	summary := summarize(violations)
	switch {
	case s.config.ComplianceHardStop:
		return models.Override(models.OutcomeBlock, s.config.SafeFallbackAction,
			"compliance hard stop: "+summary), true
	case s.config.HumanInTheLoop:
		return models.Override(models.OutcomeEscalate, action,
			"escalated for human review: "+summary), true
	default:
		return models.Override(models.OutcomeBlock, s.config.SafeFallbackAction,
			"escalation required but no human reviewer available, blocked: "+summary), true
	}
}

func (s *Service) checkCritical(state models.State, action models.Action) (models.GuardrailDecision, bool) {
	if !models.ContainsAction(s.config.TerminatingActions, action) {
		return models.GuardrailDecision{}, false
	}
	severity, ok := state.At(s.config.SeverityField)
	if !ok || severity <= s.config.CriticalThreshold {
		return models.GuardrailDecision{}, false
	}

	reason := fmt.Sprintf("critical severity %.3f exceeds %.3f, %s replaced by %s",
		severity, s.config.CriticalThreshold, action, s.config.SaferAction)
	return models.Override(models.OutcomeModify, s.config.SaferAction, reason), true
}

func summarize(violations []models.ComplianceViolation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, v.RuleName+": "+v.Message)
	}
	return strings.Join(parts, "; ")
}

func (s *Service) recordOverride(state models.State, action models.Action, sctx *models.StepContext, decision models.GuardrailDecision) {
	record := models.OverrideRecord{
		EpisodeID:      sctx.Episode(),
		StepID:         sctx.Step(),
		OriginalAction: action,
		FinalAction:    decision.FinalAction,
		Outcome:        decision.Outcome,
		Reason:         decision.Reason,
		State:          state.Clone(),
		Timestamp:      time.Now().UTC(),
	}
	s.overrides.Append(record.EpisodeID, record)

	s.logger.Info("guardrail override",
		zap.String("episode_id", record.EpisodeID),
		zap.Int("step_id", record.StepID),
		zap.String("outcome", string(decision.Outcome)),
		zap.String("original_action", string(action)),
		zap.String("final_action", string(decision.FinalAction)),
		zap.String("reason", decision.Reason))
}

// ResolveEscalation records how the escalation raised at (episodeID, stepID)
// was settled: final is the action executed and reviewer names who chose it
// (empty when no reviewer was involved). It reports whether a matching
// escalation record was found.
func (s *Service) ResolveEscalation(episodeID string, stepID int, final models.Action, reviewer string) bool {
	resolved := false
	s.overrides.Update(episodeID, func(records []models.OverrideRecord) {
		for i := len(records) - 1; i >= 0; i-- {
			if records[i].StepID == stepID && records[i].Outcome == models.OutcomeEscalate {
				records[i].FinalAction = final
				records[i].ReviewedBy = reviewer
				resolved = true
				return
			}
		}
	})
	if resolved {
		s.logger.Info("escalation resolved",
			zap.String("episode_id", episodeID),
			zap.Int("step_id", stepID),
			zap.String("final_action", string(final)),
			zap.String("reviewer", reviewer),
		)
	}
	return resolved
}

// GetOverrideHistory returns every retained override in time order
func (s *Service) GetOverrideHistory() []models.OverrideRecord {
	var out []models.OverrideRecord
	for _, ep := range s.overrides.Episodes() {
		records, _ := s.overrides.Get(ep)
		out = append(out, records...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	for i := range out {
		out[i].State = out[i].State.Clone()
	}
	return out
}

// GetEpisodeOverrides returns the overrides of one episode
func (s *Service) GetEpisodeOverrides(episodeID string) []models.OverrideRecord {
	records, _ := s.overrides.Get(episodeID)
	for i := range records {
		records[i].State = records[i].State.Clone()
	}
	return records
}

// ClearOverrideHistory drops every override record
func (s *Service) ClearOverrideHistory() {
	s.overrides.Clear()
}

// Name identifies the override history to the retention pruner
func (s *Service) Name() string {
	return OverrideStoreName
}

// PruneEpisodes keeps the overrides of the keep most recent episodes
func (s *Service) PruneEpisodes(keep int) int {
	return s.overrides.PruneEpisodes(keep)
}

// EpisodeCount returns the number of episodes with overrides
func (s *Service) EpisodeCount() int {
	return s.overrides.Len()
}
