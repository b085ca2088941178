package models

import (
	"time"

	"github.com/google/uuid"
)

// ActionTraceEntry records the state before and after one executed action
type ActionTraceEntry struct {
	ID             uuid.UUID              `json:"id" db:"id"`
	EpisodeID      string                 `json:"episode_id" db:"episode_id"`
	StepID         int                    `json:"step_id" db:"step_id"`
	BeforeState    State                  `json:"before_state" db:"before_state"`
	Action         Action                 `json:"action" db:"action"`
	AfterState     State                  `json:"after_state" db:"after_state"`
	TransitionInfo map[string]interface{} `json:"transition_info,omitempty" db:"transition_info"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	Timestamp      time.Time              `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the ActionTraceEntry model
func (ActionTraceEntry) TableName() string {
	return "action_traces"
}

// Clone returns a deep copy of states and maps
func (e ActionTraceEntry) Clone() ActionTraceEntry {
	e.BeforeState = e.BeforeState.Clone()
	e.AfterState = e.AfterState.Clone()
	e.TransitionInfo = CloneAnyMap(e.TransitionInfo)
	e.Metadata = CloneAnyMap(e.Metadata)
	return e
}

// StateTransition is the flattened view of an action trace entry
type StateTransition struct {
	StepID int    `json:"step_id"`
	From   State  `json:"from"`
	Action Action `json:"action"`
	To     State  `json:"to"`
}
