// Package compliance evaluates realized transitions against declarative
// rules. Findings are returned as violation records, never as errors.
package compliance

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/internal/observability"
	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/services"
	"github.com/upb/reward-governance/utils"
)

// Names of the default rules
const (
	RuleMinimumPathwaySteps     = "minimum_pathway_steps"
	RuleMaximumActionRepetition = "maximum_action_repetition"
	RuleMaximumRiskLevel        = "maximum_risk_level"
)

// DefaultRules returns the reference rule set
func DefaultRules() []models.ComplianceRule {
	pathway := models.NewComplianceRule(models.RuleTypePathwayLength, RuleMinimumPathwaySteps, models.SeverityError,
		map[string]interface{}{"min_steps": 3, "terminating_actions": []string{"discharge"}})
	pathway.Description = "Patients must complete the minimum care pathway before discharge"

	repetition := models.NewComplianceRule(models.RuleTypeSequenceLimit, RuleMaximumActionRepetition, models.SeverityWarning,
		map[string]interface{}{"action": "order_imaging", "max_count": 3})
	repetition.Description = "High-cost imaging may be ordered at most three times per episode"

	risk := models.NewComplianceRule(models.RuleTypeRiskCeiling, RuleMaximumRiskLevel, models.SeverityCritical,
		map[string]interface{}{"max_risk": 0.95, "risk_field": 0})
	risk.Description = "Risk must stay at or below the acceptable ceiling"

	return []models.ComplianceRule{pathway, repetition, risk}
}

// hardStopTypes are the rule types re-run by the guardrails before execution
var hardStopTypes = map[models.RuleType]bool{
	models.RuleTypePathwayLength: true,
	models.RuleTypeSequenceLimit: true,
}

// Service holds the rule set and the checker registry
type Service struct {
	logger  *zap.Logger
	metrics observability.Metrics

	mu       sync.RWMutex
	rules    []models.ComplianceRule
	checkers map[models.RuleType]Checker
}

// NewService creates a compliance service. A nil rule slice installs
// DefaultRules; an empty non-nil slice installs no rules.
func NewService(rules []models.ComplianceRule, logger *zap.Logger, metrics observability.Metrics) (*Service, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	s := &Service{
		logger:   observability.OrNop(logger),
		metrics:  observability.MetricsOrNop(metrics),
		checkers: builtinCheckers(),
	}
	if err := s.ReplaceRules(rules); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate runs every enabled rule and reports whether the transition is
// compliant along with the violations found
func (s *Service) Validate(state models.State, action models.Action, sctx *models.StepContext) (bool, []models.ComplianceViolation) {
	violations := s.evaluate(state, action, sctx, nil)
	for _, v := range violations {
		s.metrics.RecordViolation(v.RuleName, string(v.Severity))
	}
	return len(violations) == 0, violations
}

// HardStopViolations runs only the pathway-length and sequence-limit rules,
// the subset the guardrails enforce before an action executes
func (s *Service) HardStopViolations(state models.State, action models.Action, sctx *models.StepContext) []models.ComplianceViolation {
	return s.evaluate(state, action, sctx, hardStopTypes)
}

func (s *Service) evaluate(state models.State, action models.Action, sctx *models.StepContext, only map[models.RuleType]bool) []models.ComplianceViolation {
	s.mu.RLock()
	rules := s.rules
	checkers := s.checkers
	s.mu.RUnlock()

	var violations []models.ComplianceViolation
	for _, rule := range rules {
		if !rule.IsEnabled() {
			continue
		}
		if only != nil && !only[rule.Type] {
			continue
		}
		checker, ok := checkers[rule.Type]
		if !ok {
			s.logger.Debug("no checker registered for rule type, skipping",
				zap.String("rule_name", rule.Name),
				zap.String("rule_type", string(rule.Type)))
			continue
		}
		if v := s.runChecker(checker, rule, state, action, sctx); v != nil {
			violations = append(violations, *v)
		}
	}
	return violations
}

// runChecker recovers from a panicking checker and treats it as compliant
func (s *Service) runChecker(checker Checker, rule models.ComplianceRule, state models.State, action models.Action, sctx *models.StepContext) (violation *models.ComplianceViolation) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("compliance checker panicked",
				zap.String("rule_name", rule.Name),
				zap.String("rule_type", string(rule.Type)),
				zap.String("panic", fmt.Sprint(r)))
			violation = nil
		}
	}()
	return checker(rule, state, action, sctx)
}

// RegisterChecker installs or replaces the checker for a rule type
func (s *Service) RegisterChecker(ruleType models.RuleType, checker Checker) error {
	if checker == nil {
		return services.ErrInvalidRule.WithDetail("reason", "nil checker")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	checkers := make(map[models.RuleType]Checker, len(s.checkers)+1)
	for k, v := range s.checkers {
		checkers[k] = v
	}
	checkers[ruleType] = checker
	s.checkers = checkers
	s.logger.Info("compliance checker registered", zap.String("rule_type", string(ruleType)))
	return nil
}

// Rules returns a copy of the rule set
func (s *Service) Rules() []models.ComplianceRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ComplianceRule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Clone()
	}
	return out
}

// ReplaceRules validates and installs a new rule set atomically
func (s *Service) ReplaceRules(rules []models.ComplianceRule) error {
	installed := make([]models.ComplianceRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if err := ValidateRule(rule); err != nil {
			return err
		}
		if seen[rule.Name] {
			return services.ErrInvalidRule.WithDetail("duplicate_rule", rule.Name)
		}
		seen[rule.Name] = true
		installed = append(installed, rule.Clone())
	}

	s.mu.Lock()
	s.rules = installed
	s.mu.Unlock()

	s.logger.Info("compliance rules installed", zap.Int("rule_count", len(installed)))
	return nil
}

// AddRule appends a rule; names must be unique
func (s *Service) AddRule(rule models.ComplianceRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rules {
		if r.Name == rule.Name {
			return services.ErrInvalidRule.WithDetail("duplicate_rule", rule.Name)
		}
	}
	rules := make([]models.ComplianceRule, len(s.rules), len(s.rules)+1)
	copy(rules, s.rules)
	s.rules = append(rules, rule.Clone())
	return nil
}

// SetRuleEnabled toggles a rule by name
func (s *Service) SetRuleEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.rules {
		if r.Name != name {
			continue
		}
		rules := make([]models.ComplianceRule, len(s.rules))
		copy(rules, s.rules)
		rules[i] = r.Clone()
		rules[i].Enabled = models.Bool(enabled)
		s.rules = rules
		s.logger.Info("compliance rule toggled",
			zap.String("rule_name", name),
			zap.Bool("enabled", enabled))
		return nil
	}
	return services.ErrInvalidRule.WithDetail("unknown_rule", name)
}

// ValidateRule checks the structural validity of a rule
func ValidateRule(rule models.ComplianceRule) error {
	if err := utils.ValidateStruct(rule); err != nil {
		return services.ErrInvalidRule.Wrap(err).WithDetail("rule_name", rule.Name)
	}
	return nil
}
