package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/repositories"
)

const auditColumns = `id, event_type, episode_id, environment_name, step_id,
		       user_id, message, details, timestamp`

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit log entry
func (r *AuditRepository) Insert(ctx context.Context, entry *models.AuditLogEntry) error {
	details, err := encodeJSON(entry.Details)
	if err != nil {
		return err
	}

	var stepID sql.NullInt64
	if entry.StepID != nil {
		stepID = sql.NullInt64{Int64: int64(*entry.StepID), Valid: true}
	}
	var userID sql.NullString
	if entry.UserID != "" {
		userID = sql.NullString{String: entry.UserID, Valid: true}
	}

	query := r.db.dialect.Rebind(`
		INSERT INTO audit_logs (
			id, event_type, episode_id, environment_name, step_id,
			user_id, message, details, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		entry.ID.String(),
		string(entry.EventType),
		entry.EpisodeID,
		entry.EnvironmentName,
		stepID,
		userID,
		entry.Message,
		details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	r.logger.Debug("audit log inserted",
		zap.String("id", entry.ID.String()),
		zap.String("event_type", string(entry.EventType)))
	return nil
}

// ListByEpisode retrieves the audit log of an episode in timestamp order
func (r *AuditRepository) ListByEpisode(ctx context.Context, episodeID string) ([]*models.AuditLogEntry, error) {
	query := r.db.dialect.Rebind(`
		SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE episode_id = ?
		ORDER BY timestamp ASC
	`)

	return r.queryAuditLogs(ctx, query, episodeID)
}

// ListByEventType retrieves the most recent audit logs of one event type
func (r *AuditRepository) ListByEventType(ctx context.Context, eventType models.AuditEventType, limit int) ([]*models.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := r.db.dialect.Rebind(`
		SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE event_type = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`)

	return r.queryAuditLogs(ctx, query, string(eventType), limit)
}

// queryAuditLogs is a helper method to query multiple audit logs
func (r *AuditRepository) queryAuditLogs(ctx context.Context, query string, args ...interface{}) ([]*models.AuditLogEntry, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditLogEntry
	for rows.Next() {
		var (
			id, eventType string
			stepID        sql.NullInt64
			userID        sql.NullString
			details       []byte
			entry         models.AuditLogEntry
		)
		if err := rows.Scan(
			&id,
			&eventType,
			&entry.EpisodeID,
			&entry.EnvironmentName,
			&stepID,
			&userID,
			&entry.Message,
			&details,
			&entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if entry.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid audit log id %q: %w", id, err)
		}
		entry.EventType = models.AuditEventType(eventType)
		if stepID.Valid {
			entry.StepID = models.Int(int(stepID.Int64))
		}
		entry.UserID = userID.String
		if err := decodeJSON(details, &entry.Details); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return entries, nil
}
