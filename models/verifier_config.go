package models

import (
	"sort"
)

// VerifierConfig configures a single verifier. Weights drive both the scalar
// reward and the set of component names a verifier reports.
type VerifierConfig struct {
	Weights    map[string]float64     `json:"weights" yaml:"weights" validate:"required,min=1,dive,keys,required,endkeys,gte=0"`
	Thresholds map[string]float64     `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	Enabled    *bool                  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NewVerifierConfig creates an enabled config with the given weights and thresholds
func NewVerifierConfig(weights, thresholds map[string]float64) *VerifierConfig {
	return &VerifierConfig{
		Weights:    CloneFloatMap(weights),
		Thresholds: CloneFloatMap(thresholds),
		Enabled:    Bool(true),
		Metadata:   make(map[string]interface{}),
	}
}

// IsEnabled returns the enabled flag; an unset flag means enabled
func (c *VerifierConfig) IsEnabled() bool {
	return c == nil || c.Enabled == nil || *c.Enabled
}

// Threshold returns a named threshold or def
func (c *VerifierConfig) Threshold(name string, def float64) float64 {
	if c == nil || c.Thresholds == nil {
		return def
	}
	if v, ok := c.Thresholds[name]; ok {
		return v
	}
	return def
}

// Weight returns a named weight, or 0 when the component is not configured
func (c *VerifierConfig) Weight(name string) float64 {
	if c == nil || c.Weights == nil {
		return 0
	}
	return c.Weights[name]
}

// MetadataString returns a string metadata value or def
func (c *VerifierConfig) MetadataString(key, def string) string {
	if c == nil || c.Metadata == nil {
		return def
	}
	if v, ok := c.Metadata[key].(string); ok && v != "" {
		return v
	}
	return def
}

// MetadataInt returns an integer metadata value (e.g. a state field index) or def
func (c *VerifierConfig) MetadataInt(key string, def int) int {
	if c == nil || c.Metadata == nil {
		return def
	}
	if v, ok := toFloat(c.Metadata[key]); ok {
		return int(v)
	}
	return def
}

// ComponentNames returns the sorted weight keys
func (c *VerifierConfig) ComponentNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Weights))
	for k := range c.Weights {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// WithDefaults returns a copy where missing weights, thresholds and metadata
// are filled in from def. Explicit values always win.
func (c *VerifierConfig) WithDefaults(def *VerifierConfig) *VerifierConfig {
	out := &VerifierConfig{
		Weights:    make(map[string]float64),
		Thresholds: make(map[string]float64),
		Metadata:   make(map[string]interface{}),
	}
	if def != nil {
		for k, v := range def.Weights {
			out.Weights[k] = v
		}
		for k, v := range def.Thresholds {
			out.Thresholds[k] = v
		}
		for k, v := range def.Metadata {
			out.Metadata[k] = v
		}
		out.Enabled = def.Enabled
	}
	if c != nil {
		if len(c.Weights) > 0 {
			// weights define the component set, so they replace rather than merge
			out.Weights = CloneFloatMap(c.Weights)
		}
		for k, v := range c.Thresholds {
			out.Thresholds[k] = v
		}
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
		if c.Enabled != nil {
			out.Enabled = Bool(*c.Enabled)
		}
	}
	return out
}

// Clone returns a deep copy of the config
func (c *VerifierConfig) Clone() *VerifierConfig {
	if c == nil {
		return nil
	}
	out := &VerifierConfig{
		Weights:    CloneFloatMap(c.Weights),
		Thresholds: CloneFloatMap(c.Thresholds),
		Metadata:   CloneAnyMap(c.Metadata),
	}
	if c.Enabled != nil {
		out.Enabled = Bool(*c.Enabled)
	}
	return out
}

// SafetyConfig configures the pre-execution guardrails
type SafetyConfig struct {
	MaxRiskThreshold   float64 `json:"max_risk_threshold" yaml:"max_risk_threshold" validate:"gte=0"`
	ComplianceHardStop bool    `json:"compliance_hard_stop" yaml:"compliance_hard_stop"`
	HumanInTheLoop     bool    `json:"human_in_the_loop" yaml:"human_in_the_loop"`

	// CriticalThreshold is compared against the severity field for terminating actions.
	CriticalThreshold float64 `json:"critical_threshold" yaml:"critical_threshold" validate:"gte=0"`

	// RiskField and SeverityField are indexes into the state vector.
	RiskField     int `json:"risk_field" yaml:"risk_field" validate:"gte=0"`
	SeverityField int `json:"severity_field" yaml:"severity_field" validate:"gte=0"`

	NonUrgentActions   []Action `json:"non_urgent_actions" yaml:"non_urgent_actions" validate:"dive,required"`
	TerminatingActions []Action `json:"terminating_actions" yaml:"terminating_actions" validate:"dive,required"`
	SafeFallbackAction Action   `json:"safe_fallback_action" yaml:"safe_fallback_action" validate:"required"`
	SaferAction        Action   `json:"safer_action" yaml:"safer_action" validate:"required"`
}

// DefaultSafetyConfig returns the reference guardrail configuration
func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		MaxRiskThreshold:   0.8,
		ComplianceHardStop: true,
		HumanInTheLoop:     false,
		CriticalThreshold:  0.9,
		RiskField:          0,
		SeverityField:      1,
		NonUrgentActions:   []Action{"discharge", "routine_followup", "elective_procedure"},
		TerminatingActions: []Action{"discharge", "terminate"},
		SafeFallbackAction: "monitoring",
		SaferAction:        "continue_treatment",
	}
}
