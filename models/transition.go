package models

import (
	"github.com/google/uuid"
)

// State is the fixed-length numeric observation handed over by an environment.
// Its layout is opaque to the control plane; components that read a specific
// field are configured with the field index.
type State []float64

// Clone returns an independent copy of the state
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	copy(out, s)
	return out
}

// At returns the value at index i and whether it exists
func (s State) At(i int) (float64, bool) {
	if i < 0 || i >= len(s) {
		return 0, false
	}
	return s[i], true
}

// Action is a categorical action identifier
type Action string

// String returns the action identifier
func (a Action) String() string {
	return string(a)
}

// ContainsAction reports whether action is part of set
func ContainsAction(set []Action, action Action) bool {
	for _, a := range set {
		if a == action {
			return true
		}
	}
	return false
}

// NewEpisodeID returns a fresh opaque episode identifier
func NewEpisodeID() string {
	return uuid.NewString()
}

// StepContext carries the domain fields the governance layer reads, plus a
// residual Extra map for everything else. A nil *StepContext is valid and
// behaves like an empty context.
type StepContext struct {
	EpisodeID       string `json:"episode_id,omitempty"`
	StepID          int    `json:"step_id"`
	EnvironmentName string `json:"environment_name,omitempty"`

	RiskScore        *float64 `json:"risk_score,omitempty"`
	PathwayStep      *int     `json:"pathway_step,omitempty"`
	TreatmentHistory []string `json:"treatment_history,omitempty"`
	ActionHistory    []Action `json:"action_history,omitempty"`
	CostToDate       *float64 `json:"cost_to_date,omitempty"`
	StepCost         *float64 `json:"step_cost,omitempty"`

	// DomainRef is an opaque reference to a domain object (patient, claim, ticket).
	DomainRef interface{} `json:"-"`

	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Float returns a pointer to v, for populating optional context fields
func Float(v float64) *float64 {
	return &v
}

// Int returns a pointer to v, for populating optional context fields
func Int(v int) *int {
	return &v
}

// Bool returns a pointer to v
func Bool(v bool) *bool {
	return &v
}

// RiskOr returns the risk score or def when absent
func (c *StepContext) RiskOr(def float64) float64 {
	if c == nil || c.RiskScore == nil {
		return def
	}
	return *c.RiskScore
}

// HasRisk reports whether a risk score is present
func (c *StepContext) HasRisk() bool {
	return c != nil && c.RiskScore != nil
}

// PathwayStepOr returns the pathway step or def when absent
func (c *StepContext) PathwayStepOr(def int) int {
	if c == nil || c.PathwayStep == nil {
		return def
	}
	return *c.PathwayStep
}

// HasPathwayStep reports whether a pathway step is present
func (c *StepContext) HasPathwayStep() bool {
	return c != nil && c.PathwayStep != nil
}

// CostToDateOr returns the accumulated cost or def when absent
func (c *StepContext) CostToDateOr(def float64) float64 {
	if c == nil || c.CostToDate == nil {
		return def
	}
	return *c.CostToDate
}

// StepCostOr returns the cost of the current step or def when absent
func (c *StepContext) StepCostOr(def float64) float64 {
	if c == nil || c.StepCost == nil {
		return def
	}
	return *c.StepCost
}

// TreatmentCount returns the number of treatments applied so far
func (c *StepContext) TreatmentCount() int {
	if c == nil {
		return 0
	}
	return len(c.TreatmentHistory)
}

// ActionCount returns how often action appears in the action history
func (c *StepContext) ActionCount(action Action) int {
	if c == nil {
		return 0
	}
	n := 0
	for _, a := range c.ActionHistory {
		if a == action {
			n++
		}
	}
	return n
}

// ExtraFloat returns a numeric Extra field or def
func (c *StepContext) ExtraFloat(key string, def float64) float64 {
	if c == nil || c.Extra == nil {
		return def
	}
	if v, ok := toFloat(c.Extra[key]); ok {
		return v
	}
	return def
}

// Episode returns the episode id, or "" for a nil context
func (c *StepContext) Episode() string {
	if c == nil {
		return ""
	}
	return c.EpisodeID
}

// Step returns the step id, or 0 for a nil context
func (c *StepContext) Step() int {
	if c == nil {
		return 0
	}
	return c.StepID
}

// Clone returns a copy that shares DomainRef but no slices or maps
func (c *StepContext) Clone() *StepContext {
	if c == nil {
		return nil
	}
	cp := *c
	if c.RiskScore != nil {
		cp.RiskScore = Float(*c.RiskScore)
	}
	if c.PathwayStep != nil {
		cp.PathwayStep = Int(*c.PathwayStep)
	}
	if c.CostToDate != nil {
		cp.CostToDate = Float(*c.CostToDate)
	}
	if c.StepCost != nil {
		cp.StepCost = Float(*c.StepCost)
	}
	cp.TreatmentHistory = append([]string(nil), c.TreatmentHistory...)
	cp.ActionHistory = append([]Action(nil), c.ActionHistory...)
	cp.Extra = CloneAnyMap(c.Extra)
	return &cp
}

// CloneFloatMap copies a breakdown-style map
func CloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CloneAnyMap copies a metadata-style map (values are copied shallowly)
func CloneAnyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
