package models

import (
	"time"

	"github.com/google/uuid"
)

// RewardLogEntry is one logged reward for a single step
type RewardLogEntry struct {
	ID           uuid.UUID              `json:"id" db:"id"`
	EpisodeID    string                 `json:"episode_id" db:"episode_id"`
	StepID       int                    `json:"step_id" db:"step_id"`
	StateID      string                 `json:"state_id" db:"state_id"`
	Action       Action                 `json:"action" db:"action"`
	Reward       float64                `json:"reward" db:"reward"`
	Breakdown    map[string]float64     `json:"breakdown" db:"breakdown"`
	VerifierName string                 `json:"verifier_name" db:"verifier_name"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	Timestamp    time.Time              `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the RewardLogEntry model
func (RewardLogEntry) TableName() string {
	return "reward_logs"
}

// Clone returns a copy that shares no maps with the receiver
func (e RewardLogEntry) Clone() RewardLogEntry {
	e.Breakdown = CloneFloatMap(e.Breakdown)
	e.Metadata = CloneAnyMap(e.Metadata)
	return e
}

// ComponentStats summarizes one breakdown component across an episode
type ComponentStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// EpisodeRewardSummary aggregates the reward log of one episode
type EpisodeRewardSummary struct {
	EpisodeID     string                    `json:"episode_id"`
	StepCount     int                       `json:"step_count"`
	TotalReward   float64                   `json:"total_reward"`
	AverageReward float64                   `json:"average_reward"`
	MinReward     float64                   `json:"min_reward"`
	MaxReward     float64                   `json:"max_reward"`
	Components    map[string]ComponentStats `json:"components"`
	VerifierNames []string                  `json:"verifier_names"`
}
