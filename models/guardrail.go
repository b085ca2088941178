package models

import (
	"time"
)

// GuardrailOutcome is the result kind of a guardrail validation
type GuardrailOutcome string

const (
	OutcomeAllow    GuardrailOutcome = "ALLOW"
	OutcomeBlock    GuardrailOutcome = "BLOCK"
	OutcomeModify   GuardrailOutcome = "MODIFY"
	OutcomeEscalate GuardrailOutcome = "ESCALATE"
)

// GuardrailDecision is returned for every proposed action.
// Reason is non-empty if and only if IsValid is false.
type GuardrailDecision struct {
	IsValid     bool             `json:"is_valid"`
	FinalAction Action           `json:"final_action"`
	Reason      string           `json:"reason,omitempty"`
	Outcome     GuardrailOutcome `json:"outcome"`
}

// Allow builds an ALLOW decision for action
func Allow(action Action) GuardrailDecision {
	return GuardrailDecision{IsValid: true, FinalAction: action, Outcome: OutcomeAllow}
}

// Override builds a non-ALLOW decision
func Override(outcome GuardrailOutcome, final Action, reason string) GuardrailDecision {
	return GuardrailDecision{IsValid: false, FinalAction: final, Reason: reason, Outcome: outcome}
}

// HasReason reports whether the decision carries a reason
func (d GuardrailDecision) HasReason() bool {
	return d.Reason != ""
}

// OverrideRecord is kept for every non-ALLOW guardrail outcome. For an
// escalation, FinalAction is rewritten to the action actually executed once
// the escalation is resolved.
type OverrideRecord struct {
	EpisodeID      string           `json:"episode_id,omitempty"`
	StepID         int              `json:"step_id"`
	OriginalAction Action           `json:"original_action"`
	FinalAction    Action           `json:"final_action"`
	Outcome        GuardrailOutcome `json:"outcome"`
	Reason         string           `json:"reason"`
	ReviewedBy     string           `json:"reviewed_by,omitempty"`
	State          State            `json:"state"`
	Timestamp      time.Time        `json:"timestamp"`
}
