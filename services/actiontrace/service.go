// Package actiontrace records the state before and after every executed
// action, for replay and debugging.
package actiontrace

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/reward-governance/internal/episodestore"
	"github.com/upb/reward-governance/internal/observability"
	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/repositories"
	"github.com/upb/reward-governance/services"
	"github.com/upb/reward-governance/services/persist"
)

// StoreName identifies the trace in metrics, retention and persistence
const StoreName = "action_traces"

// Config holds configuration for the trace logger
type Config struct {
	MaxEpisodes int
	PersistToDB bool
}

// Service is the action trace logger
type Service struct {
	store   *episodestore.Store[models.ActionTraceEntry]
	repo    repositories.ActionTraceRepository
	queue   persist.Queue
	persist bool
	logger  *zap.Logger
	metrics observability.Metrics
}

// NewService creates a trace logger
func NewService(cfg Config, repo repositories.ActionTraceRepository, queue persist.Queue, logger *zap.Logger, metrics observability.Metrics) (*Service, error) {
	if cfg.PersistToDB && (repo == nil || queue == nil) {
		return nil, services.ErrPersistenceUnavailable.WithDetail("store", StoreName)
	}
	s := &Service{
		store:   episodestore.New[models.ActionTraceEntry](cfg.MaxEpisodes),
		repo:    repo,
		queue:   queue,
		persist: cfg.PersistToDB,
		logger:  observability.OrNop(logger),
		metrics: observability.MetricsOrNop(metrics),
	}
	s.store.OnEvict(s.evicted)
	return s, nil
}

func (s *Service) evicted(episodeID string) {
	s.metrics.RecordEviction(StoreName)
	s.logger.Debug("episode evicted", zap.String("store", StoreName), zap.String("episode_id", episodeID))
}

// LogAction appends one transition. States and maps are copied, so later
// mutation by the caller does not change the trace.
func (s *Service) LogAction(episodeID string, stepID int, before models.State, action models.Action, after models.State,
	transitionInfo, metadata map[string]interface{}) (*models.ActionTraceEntry, error) {
	if episodeID == "" {
		return nil, services.ErrEmptyEpisodeID
	}

	entry := models.ActionTraceEntry{
		ID:             uuid.New(),
		EpisodeID:      episodeID,
		StepID:         stepID,
		BeforeState:    before.Clone(),
		Action:         action,
		AfterState:     after.Clone(),
		TransitionInfo: models.CloneAnyMap(transitionInfo),
		Metadata:       models.CloneAnyMap(metadata),
		Timestamp:      time.Now().UTC(),
	}
	s.store.Append(episodeID, entry)
	s.metrics.SetStoredEpisodes(StoreName, s.store.Len())

	s.logger.Debug("action traced",
		zap.String("episode_id", episodeID),
		zap.Int("step_id", stepID),
		zap.String("action", string(action)))

	out := entry.Clone()
	if !s.persist {
		return &out, nil
	}

	record := entry.Clone()
	err := s.queue.Enqueue(&persist.Job{
		Store:     StoreName,
		EpisodeID: episodeID,
		Write: func(ctx context.Context) error {
			return s.repo.Insert(ctx, &record)
		},
	})
	if err != nil {
		return &out, services.ErrPersistenceFailed.Wrap(err).WithDetail("store", StoreName)
	}
	return &out, nil
}

// GetEpisodeTrace returns the entries of an episode in logging order
func (s *Service) GetEpisodeTrace(episodeID string) []models.ActionTraceEntry {
	entries, _ := s.store.Get(episodeID)
	for i := range entries {
		entries[i] = entries[i].Clone()
	}
	return entries
}

// GetStateTransitions returns the (from, action, to) view of an episode
func (s *Service) GetStateTransitions(episodeID string) []models.StateTransition {
	entries, _ := s.store.Get(episodeID)
	transitions := make([]models.StateTransition, 0, len(entries))
	for _, e := range entries {
		transitions = append(transitions, models.StateTransition{
			StepID: e.StepID,
			From:   e.BeforeState.Clone(),
			Action: e.Action,
			To:     e.AfterState.Clone(),
		})
	}
	return transitions
}

// LoadEpisode reads an episode back from the repository
func (s *Service) LoadEpisode(ctx context.Context, episodeID string) ([]models.ActionTraceEntry, error) {
	if s.repo == nil {
		return nil, services.ErrPersistenceUnavailable.WithDetail("store", StoreName)
	}
	stored, err := s.repo.ListByEpisode(ctx, episodeID)
	if err != nil {
		return nil, services.WrapPersistence("failed to load action trace", err)
	}
	entries := make([]models.ActionTraceEntry, 0, len(stored))
	for _, e := range stored {
		entries = append(entries, *e)
	}
	return entries, nil
}

// Episodes returns the stored episode ids, least recently written first
func (s *Service) Episodes() []string { return s.store.Episodes() }

// ClearEpisode drops one episode from memory
func (s *Service) ClearEpisode(episodeID string) bool { return s.store.Remove(episodeID) }

// Clear drops every episode from memory
func (s *Service) Clear() { s.store.Clear() }

// Name identifies the trace to the retention pruner
func (s *Service) Name() string { return StoreName }

// PruneEpisodes keeps the keep most recently written episodes
func (s *Service) PruneEpisodes(keep int) int { return s.store.PruneEpisodes(keep) }

// EpisodeCount returns the number of episodes in memory
func (s *Service) EpisodeCount() int { return s.store.Len() }
