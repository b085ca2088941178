package sqlstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/repositories"
)

// RewardRepository implements the repositories.RewardRepository interface
type RewardRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRewardRepository creates a new reward repository
func NewRewardRepository(db *DB, logger *zap.Logger) repositories.RewardRepository {
	return &RewardRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new reward log entry
func (r *RewardRepository) Insert(ctx context.Context, entry *models.RewardLogEntry) error {
	breakdown, err := encodeJSON(entry.Breakdown)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(entry.Metadata)
	if err != nil {
		return err
	}

	query := r.db.dialect.Rebind(`
		INSERT INTO reward_logs (
			id, episode_id, step_id, state_id, action, reward,
			breakdown, verifier_name, metadata, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		entry.ID.String(),
		entry.EpisodeID,
		entry.StepID,
		entry.StateID,
		string(entry.Action),
		entry.Reward,
		breakdown,
		entry.VerifierName,
		metadata,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reward log: %w", err)
	}

	r.logger.Debug("reward log inserted",
		zap.String("episode_id", entry.EpisodeID),
		zap.Int("step_id", entry.StepID))
	return nil
}

// ListByEpisode retrieves the reward log of an episode in step order
func (r *RewardRepository) ListByEpisode(ctx context.Context, episodeID string) ([]*models.RewardLogEntry, error) {
	query := r.db.dialect.Rebind(`
		SELECT id, episode_id, step_id, state_id, action, reward,
		       breakdown, verifier_name, metadata, timestamp
		FROM reward_logs
		WHERE episode_id = ?
		ORDER BY step_id ASC, timestamp ASC
	`)

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, episodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.RewardLogEntry
	for rows.Next() {
		var (
			id, action          string
			breakdown, metadata []byte
			entry               models.RewardLogEntry
		)
		if err := rows.Scan(
			&id,
			&entry.EpisodeID,
			&entry.StepID,
			&entry.StateID,
			&action,
			&entry.Reward,
			&breakdown,
			&entry.VerifierName,
			&metadata,
			&entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reward log: %w", err)
		}
		if entry.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid reward log id %q: %w", id, err)
		}
		entry.Action = models.Action(action)
		if err := decodeJSON(breakdown, &entry.Breakdown); err != nil {
			return nil, err
		}
		if err := decodeJSON(metadata, &entry.Metadata); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reward log rows: %w", err)
	}

	return entries, nil
}
