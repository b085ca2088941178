package models

import (
	"time"
)

// EpisodeMetricsRecord is written once per episode at finalization
type EpisodeMetricsRecord struct {
	EpisodeID        string                 `json:"episode_id" db:"episode_id" validate:"required"`
	EnvironmentName  string                 `json:"environment_name" db:"environment_name"`
	CumulativeReward float64                `json:"cumulative_reward" db:"cumulative_reward"`
	ClinicalScore    float64                `json:"clinical_score" db:"clinical_score"`
	EfficiencyScore  float64                `json:"efficiency_score" db:"efficiency_score"`
	FinancialScore   float64                `json:"financial_score" db:"financial_score"`
	ViolationCount   int                    `json:"violation_count" db:"violation_count" validate:"gte=0"`
	EpisodeLength    int                    `json:"episode_length" db:"episode_length" validate:"gte=0"`
	FinalRiskScore   float64                `json:"final_risk_score" db:"final_risk_score"`
	TotalCost        float64                `json:"total_cost" db:"total_cost"`
	Metadata         map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	RecordedAt       time.Time              `json:"recorded_at" db:"recorded_at"`
}

// TableName returns the table name for the EpisodeMetricsRecord model
func (EpisodeMetricsRecord) TableName() string {
	return "episode_metrics"
}

// Clone returns a copy with its own metadata map
func (r EpisodeMetricsRecord) Clone() EpisodeMetricsRecord {
	r.Metadata = CloneAnyMap(r.Metadata)
	return r
}

// AggregateMetrics summarizes a window of episode records
type AggregateMetrics struct {
	EnvironmentName     string  `json:"environment_name,omitempty"`
	EpisodeCount        int     `json:"episode_count"`
	MeanReward          float64 `json:"mean_reward"`
	TotalReward         float64 `json:"total_reward"`
	MeanClinicalScore   float64 `json:"mean_clinical_score"`
	MeanEfficiencyScore float64 `json:"mean_efficiency_score"`
	MeanFinancialScore  float64 `json:"mean_financial_score"`
	TotalViolations     int     `json:"total_violations"`
	MeanViolations      float64 `json:"mean_violations"`
	MeanEpisodeLength   float64 `json:"mean_episode_length"`
	MeanFinalRiskScore  float64 `json:"mean_final_risk_score"`
	TotalCost           float64 `json:"total_cost"`
	MeanCost            float64 `json:"mean_cost"`
}
