package sqlstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/repositories"
)

// ActionTraceRepository implements the repositories.ActionTraceRepository interface
type ActionTraceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewActionTraceRepository creates a new action trace repository
func NewActionTraceRepository(db *DB, logger *zap.Logger) repositories.ActionTraceRepository {
	return &ActionTraceRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new action trace entry
func (r *ActionTraceRepository) Insert(ctx context.Context, entry *models.ActionTraceEntry) error {
	before, err := encodeJSON(entry.BeforeState)
	if err != nil {
		return err
	}
	after, err := encodeJSON(entry.AfterState)
	if err != nil {
		return err
	}
	info, err := encodeJSON(entry.TransitionInfo)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(entry.Metadata)
	if err != nil {
		return err
	}

	query := r.db.dialect.Rebind(`
		INSERT INTO action_traces (
			id, episode_id, step_id, before_state, action, after_state,
			transition_info, metadata, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		entry.ID.String(),
		entry.EpisodeID,
		entry.StepID,
		before,
		string(entry.Action),
		after,
		info,
		metadata,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert action trace: %w", err)
	}

	r.logger.Debug("action trace inserted",
		zap.String("episode_id", entry.EpisodeID),
		zap.Int("step_id", entry.StepID))
	return nil
}

// ListByEpisode retrieves the action trace of an episode in step order
func (r *ActionTraceRepository) ListByEpisode(ctx context.Context, episodeID string) ([]*models.ActionTraceEntry, error) {
	query := r.db.dialect.Rebind(`
		SELECT id, episode_id, step_id, before_state, action, after_state,
		       transition_info, metadata, timestamp
		FROM action_traces
		WHERE episode_id = ?
		ORDER BY step_id ASC, timestamp ASC
	`)

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, episodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query action traces: %w", err)
	}
	defer rows.Close()

	var entries []*models.ActionTraceEntry
	for rows.Next() {
		var (
			id, action                    string
			before, after, info, metadata []byte
			entry                         models.ActionTraceEntry
		)
		if err := rows.Scan(
			&id,
			&entry.EpisodeID,
			&entry.StepID,
			&before,
			&action,
			&after,
			&info,
			&metadata,
			&entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan action trace: %w", err)
		}
		if entry.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid action trace id %q: %w", id, err)
		}
		entry.Action = models.Action(action)
		for _, col := range []struct {
			raw []byte
			dst interface{}
		}{
			{before, &entry.BeforeState},
			{after, &entry.AfterState},
			{info, &entry.TransitionInfo},
			{metadata, &entry.Metadata},
		} {
			if err := decodeJSON(col.raw, col.dst); err != nil {
				return nil, err
			}
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating action trace rows: %w", err)
	}

	return entries, nil
}
