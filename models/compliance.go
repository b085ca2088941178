package models

import (
	"fmt"
)

// RuleType selects the checker used for a compliance rule
type RuleType string

const (
	RuleTypePathwayLength RuleType = "pathway_length"
	RuleTypeSequenceLimit RuleType = "sequence_limit"
	RuleTypeRiskCeiling   RuleType = "risk_ceiling"
	RuleTypeCostCeiling   RuleType = "cost_ceiling"
	RuleTypeGuideline     RuleType = "guideline"
)

// Severity ranks a compliance violation
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity, lowest first
var Severities = []Severity{SeverityWarning, SeverityError, SeverityCritical}

// ComplianceRule is a declarative rule evaluated against a realized transition
type ComplianceRule struct {
	Type        RuleType               `json:"rule_type" yaml:"type" validate:"required,oneof=pathway_length sequence_limit risk_ceiling cost_ceiling guideline"`
	Name        string                 `json:"rule_name" yaml:"name" validate:"required"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     *bool                  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Severity    Severity               `json:"severity" yaml:"severity" validate:"required,oneof=warning error critical"`
	Parameters  map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// NewComplianceRule creates an enabled rule
func NewComplianceRule(ruleType RuleType, name string, severity Severity, params map[string]interface{}) ComplianceRule {
	if params == nil {
		params = make(map[string]interface{})
	}
	return ComplianceRule{
		Type:       ruleType,
		Name:       name,
		Enabled:    Bool(true),
		Severity:   severity,
		Parameters: params,
	}
}

// IsEnabled returns the enabled flag; an unset flag means enabled
func (r ComplianceRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ParamFloat returns a numeric parameter or def
func (r ComplianceRule) ParamFloat(key string, def float64) float64 {
	if v, ok := toFloat(r.Parameters[key]); ok {
		return v
	}
	return def
}

// ParamInt returns an integer parameter or def
func (r ComplianceRule) ParamInt(key string, def int) int {
	if v, ok := toFloat(r.Parameters[key]); ok {
		return int(v)
	}
	return def
}

// ParamString returns a string parameter or def
func (r ComplianceRule) ParamString(key, def string) string {
	if v, ok := r.Parameters[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ParamActions returns an action list parameter. A single string is accepted
// as a one-element list; YAML decodes lists as []interface{}.
func (r ComplianceRule) ParamActions(key string, def []Action) []Action {
	switch v := r.Parameters[key].(type) {
	case []Action:
		return append([]Action(nil), v...)
	case []string:
		out := make([]Action, 0, len(v))
		for _, s := range v {
			out = append(out, Action(s))
		}
		return out
	case []interface{}:
		out := make([]Action, 0, len(v))
		for _, item := range v {
			out = append(out, Action(fmt.Sprint(item)))
		}
		return out
	case string:
		return []Action{Action(v)}
	case Action:
		return []Action{v}
	default:
		return def
	}
}

// Clone returns a copy of the rule with its own parameter map
func (r ComplianceRule) Clone() ComplianceRule {
	cp := r
	cp.Parameters = CloneAnyMap(r.Parameters)
	if r.Enabled != nil {
		cp.Enabled = Bool(*r.Enabled)
	}
	return cp
}

// ComplianceViolation is a structured record of a broken rule. Violations are
// findings, never errors.
type ComplianceViolation struct {
	RuleName   string                 `json:"rule_name"`
	RuleType   RuleType               `json:"rule_type"`
	Severity   Severity               `json:"severity"`
	Message    string                 `json:"message"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// NewViolation builds a violation for rule with the rule's parameters attached
func NewViolation(rule ComplianceRule, message string) ComplianceViolation {
	params := CloneAnyMap(rule.Parameters)
	if params == nil {
		params = make(map[string]interface{})
	}
	return ComplianceViolation{
		RuleName:   rule.Name,
		RuleType:   rule.Type,
		Severity:   rule.Severity,
		Message:    message,
		Parameters: params,
	}
}
