package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/repositories"
)

const episodeMetricsColumns = `episode_id, environment_name, cumulative_reward, clinical_score,
		       efficiency_score, financial_score, violation_count, episode_length,
		       final_risk_score, total_cost, metadata, recorded_at`

// ErrEpisodeMetricsNotFound is returned when no record exists for an episode
var ErrEpisodeMetricsNotFound = errors.New("episode metrics not found")

// EpisodeMetricsRepository implements the repositories.EpisodeMetricsRepository interface
type EpisodeMetricsRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewEpisodeMetricsRepository creates a new episode metrics repository
func NewEpisodeMetricsRepository(db *DB, logger *zap.Logger) repositories.EpisodeMetricsRepository {
	return &EpisodeMetricsRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert writes the record, replacing any earlier record of the episode
func (r *EpisodeMetricsRepository) Upsert(ctx context.Context, record *models.EpisodeMetricsRecord) error {
	metadata, err := encodeJSON(record.Metadata)
	if err != nil {
		return err
	}

	// ON CONFLICT ... DO UPDATE is understood by both PostgreSQL and SQLite
	query := r.db.dialect.Rebind(`
		INSERT INTO episode_metrics (
			episode_id, environment_name, cumulative_reward, clinical_score,
			efficiency_score, financial_score, violation_count, episode_length,
			final_risk_score, total_cost, metadata, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (episode_id) DO UPDATE SET
			environment_name = excluded.environment_name,
			cumulative_reward = excluded.cumulative_reward,
			clinical_score = excluded.clinical_score,
			efficiency_score = excluded.efficiency_score,
			financial_score = excluded.financial_score,
			violation_count = excluded.violation_count,
			episode_length = excluded.episode_length,
			final_risk_score = excluded.final_risk_score,
			total_cost = excluded.total_cost,
			metadata = excluded.metadata,
			recorded_at = excluded.recorded_at
	`)

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		record.EpisodeID,
		record.EnvironmentName,
		record.CumulativeReward,
		record.ClinicalScore,
		record.EfficiencyScore,
		record.FinancialScore,
		record.ViolationCount,
		record.EpisodeLength,
		record.FinalRiskScore,
		record.TotalCost,
		metadata,
		record.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert episode metrics: %w", err)
	}

	r.logger.Debug("episode metrics upserted", zap.String("episode_id", record.EpisodeID))
	return nil
}

// GetByEpisode retrieves the record of an episode
func (r *EpisodeMetricsRepository) GetByEpisode(ctx context.Context, episodeID string) (*models.EpisodeMetricsRecord, error) {
	query := r.db.dialect.Rebind(`SELECT ` + episodeMetricsColumns + ` FROM episode_metrics WHERE episode_id = ?`)

	executor := GetExecutor(ctx, r.db)
	record, err := scanEpisodeMetrics(executor.QueryRowContext(ctx, query, episodeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrEpisodeMetricsNotFound, episodeID)
		}
		return nil, fmt.Errorf("failed to get episode metrics: %w", err)
	}
	return record, nil
}

// ListRecent returns up to limit records, most recent first
func (r *EpisodeMetricsRepository) ListRecent(ctx context.Context, environment string, limit int) ([]*models.EpisodeMetricsRecord, error) {
	var (
		b    strings.Builder
		args []interface{}
	)
	b.WriteString(`SELECT ` + episodeMetricsColumns + ` FROM episode_metrics`)
	if environment != "" {
		b.WriteString(` WHERE environment_name = ?`)
		args = append(args, environment)
	}
	b.WriteString(` ORDER BY recorded_at DESC`)
	if limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, r.db.dialect.Rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query episode metrics: %w", err)
	}
	defer rows.Close()

	var records []*models.EpisodeMetricsRecord
	for rows.Next() {
		record, err := scanEpisodeMetrics(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode metrics: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating episode metrics rows: %w", err)
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEpisodeMetrics(row rowScanner) (*models.EpisodeMetricsRecord, error) {
	var (
		record   models.EpisodeMetricsRecord
		metadata []byte
	)
	if err := row.Scan(
		&record.EpisodeID,
		&record.EnvironmentName,
		&record.CumulativeReward,
		&record.ClinicalScore,
		&record.EfficiencyScore,
		&record.FinancialScore,
		&record.ViolationCount,
		&record.EpisodeLength,
		&record.FinalRiskScore,
		&record.TotalCost,
		&metadata,
		&record.RecordedAt,
	); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &record.Metadata); err != nil {
		return nil, err
	}
	return &record, nil
}
