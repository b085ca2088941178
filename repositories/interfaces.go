package repositories

import (
	"context"

	"github.com/upb/reward-governance/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction.
	// Automatically commits if function succeeds, rolls back on error.
	// Repositories called with the ctx passed to fn join the transaction.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns a context carrying the transaction
	Context() context.Context
}

// RewardRepository persists reward log entries
type RewardRepository interface {
	// Insert appends a reward log entry
	Insert(ctx context.Context, entry *models.RewardLogEntry) error

	// ListByEpisode returns the entries of an episode in step order
	ListByEpisode(ctx context.Context, episodeID string) ([]*models.RewardLogEntry, error)
}

// ActionTraceRepository persists action trace entries
type ActionTraceRepository interface {
	// Insert appends an action trace entry
	Insert(ctx context.Context, entry *models.ActionTraceEntry) error

	// ListByEpisode returns the entries of an episode in step order
	ListByEpisode(ctx context.Context, episodeID string) ([]*models.ActionTraceEntry, error)
}

// EpisodeMetricsRepository persists one metrics record per episode
type EpisodeMetricsRepository interface {
	// Upsert writes the record, replacing any previous record for the episode
	Upsert(ctx context.Context, record *models.EpisodeMetricsRecord) error

	// GetByEpisode retrieves the record of an episode
	GetByEpisode(ctx context.Context, episodeID string) (*models.EpisodeMetricsRecord, error)

	// ListRecent returns up to limit records, most recent first.
	// An empty environment matches all; limit <= 0 means no limit.
	ListRecent(ctx context.Context, environment string, limit int) ([]*models.EpisodeMetricsRecord, error)
}

// AuditRepository persists audit log entries
type AuditRepository interface {
	// Insert appends an audit log entry
	Insert(ctx context.Context, entry *models.AuditLogEntry) error

	// ListByEpisode returns the entries of an episode in timestamp order
	ListByEpisode(ctx context.Context, episodeID string) ([]*models.AuditLogEntry, error)

	// ListByEventType returns the most recent entries of one event type
	ListByEventType(ctx context.Context, eventType models.AuditEventType, limit int) ([]*models.AuditLogEntry, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Rewards        RewardRepository
	ActionTraces   ActionTraceRepository
	EpisodeMetrics EpisodeMetricsRepository
	AuditLogs      AuditRepository
}
