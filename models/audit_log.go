package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of event being audited
type AuditEventType string

const (
	AuditEventVerifierEvaluation  AuditEventType = "verifier_evaluation"
	AuditEventActionTaken         AuditEventType = "action_taken"
	AuditEventComplianceViolation AuditEventType = "compliance_violation"
	AuditEventGovernanceOverride  AuditEventType = "governance_override"
	AuditEventConfigChange        AuditEventType = "config_change"
	AuditEventError               AuditEventType = "error"
)

// IsValid reports whether the event type is one of the known types
func (t AuditEventType) IsValid() bool {
	switch t {
	case AuditEventVerifierEvaluation, AuditEventActionTaken, AuditEventComplianceViolation,
		AuditEventGovernanceOverride, AuditEventConfigChange, AuditEventError:
		return true
	}
	return false
}

// AuditLogEntry represents an audit trail entry
type AuditLogEntry struct {
	ID              uuid.UUID              `json:"id" db:"id"`
	EventType       AuditEventType         `json:"event_type" db:"event_type"`
	EpisodeID       string                 `json:"episode_id" db:"episode_id"`
	EnvironmentName string                 `json:"environment_name" db:"environment_name"`
	StepID          *int                   `json:"step_id,omitempty" db:"step_id"`
	UserID          string                 `json:"user_id,omitempty" db:"user_id"`
	Message         string                 `json:"message" db:"message"`
	Details         map[string]interface{} `json:"details" db:"details"` // JSON for flexible metadata
	Timestamp       time.Time              `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditLogEntry model
func (AuditLogEntry) TableName() string {
	return "audit_logs"
}

// NewAuditLogEntry creates a new AuditLogEntry instance
func NewAuditLogEntry(eventType AuditEventType, episodeID, environmentName, message string) *AuditLogEntry {
	return &AuditLogEntry{
		ID:              uuid.New(),
		EventType:       eventType,
		EpisodeID:       episodeID,
		EnvironmentName: environmentName,
		Message:         message,
		Details:         make(map[string]interface{}),
		Timestamp:       time.Now().UTC(),
	}
}

// WithStep sets the step ID
func (a *AuditLogEntry) WithStep(stepID int) *AuditLogEntry {
	a.StepID = &stepID
	return a
}

// WithUser sets the acting user or reviewer
func (a *AuditLogEntry) WithUser(userID string) *AuditLogEntry {
	a.UserID = userID
	return a
}

// WithDetails merges details into the entry
func (a *AuditLogEntry) WithDetails(details map[string]interface{}) *AuditLogEntry {
	if a.Details == nil {
		a.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		a.Details[k] = v
	}
	return a
}

// Clone returns a copy that does not share the step pointer or details map
func (a *AuditLogEntry) Clone() *AuditLogEntry {
	cp := *a
	if a.StepID != nil {
		cp.StepID = Int(*a.StepID)
	}
	cp.Details = CloneAnyMap(a.Details)
	return &cp
}
