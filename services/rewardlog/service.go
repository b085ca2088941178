// Package rewardlog keeps the per-step reward log of every episode.
package rewardlog

import (
	"context"
	"math"
	"sort"
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

// StoreName identifies the reward log in metrics, retention and persistence
const StoreName = "reward_logs"

// Config holds configuration for the reward log
type Config struct {
	MaxEpisodes int  // Episodes kept in memory (0 = unbounded)
	PersistToDB bool // Write every entry through to the repository
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{}
}

// Service is the reward logger
type Service struct {
	store   *episodestore.Store[models.RewardLogEntry]
	repo    repositories.RewardRepository
	queue   persist.Queue
	persist bool
	logger  *zap.Logger
	metrics observability.Metrics
}

// NewService creates a reward logger. With PersistToDB off, repo and queue
// are ignored; with it on both are required.
func NewService(cfg Config, repo repositories.RewardRepository, queue persist.Queue, logger *zap.Logger, metrics observability.Metrics) (*Service, error) {
	if cfg.PersistToDB && (repo == nil || queue == nil) {
		return nil, services.ErrPersistenceUnavailable.WithDetail("store", StoreName)
	}
	s := &Service{
		store:   episodestore.New[models.RewardLogEntry](cfg.MaxEpisodes),
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

// LogReward appends a reward entry. The entry is always kept in memory; an
// error reports invalid input or a write-through that could not be queued.
func (s *Service) LogReward(episodeID string, stepID int, state models.State, action models.Action, reward float64,
	breakdown map[string]float64, verifierName string, metadata map[string]interface{}) (*models.RewardLogEntry, error) {
	if episodeID == "" {
		return nil, services.ErrEmptyEpisodeID
	}

	entry := models.RewardLogEntry{
		ID:           uuid.New(),
		EpisodeID:    episodeID,
		StepID:       stepID,
		StateID:      HashState(state),
		Action:       action,
		Reward:       reward,
		Breakdown:    models.CloneFloatMap(breakdown),
		VerifierName: verifierName,
		Metadata:     models.CloneAnyMap(metadata),
		Timestamp:    time.Now().UTC(),
	}
	s.store.Append(episodeID, entry)
	s.metrics.SetStoredEpisodes(StoreName, s.store.Len())

	s.logger.Debug("reward logged",
		zap.String("episode_id", episodeID),
		zap.Int("step_id", stepID),
		zap.Float64("reward", reward),
		zap.String("verifier", verifierName))

	out := entry.Clone()
	return &out, s.writeThrough(entry)
}

func (s *Service) writeThrough(entry models.RewardLogEntry) error {
	if !s.persist {
		return nil
	}
	record := entry.Clone()
	err := s.queue.Enqueue(&persist.Job{
		Store:     StoreName,
		EpisodeID: entry.EpisodeID,
		Write: func(ctx context.Context) error {
			return s.repo.Insert(ctx, &record)
		},
	})
	if err != nil {
		return services.ErrPersistenceFailed.Wrap(err).WithDetail("store", StoreName)
	}
	return nil
}

// GetEpisodeRewards returns the entries of an episode in logging order
func (s *Service) GetEpisodeRewards(episodeID string) []models.RewardLogEntry {
	entries, _ := s.store.Get(episodeID)
	for i := range entries {
		entries[i] = entries[i].Clone()
	}
	return entries
}

// GetRewardBreakdown returns the breakdown logged for a step. When a step was
// logged more than once the latest entry wins.
func (s *Service) GetRewardBreakdown(episodeID string, stepID int) (map[string]float64, error) {
	entries, ok := s.store.Get(episodeID)
	if !ok {
		return nil, services.ErrEpisodeNotFound.WithDetail("episode_id", episodeID)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].StepID == stepID {
			return models.CloneFloatMap(entries[i].Breakdown), nil
		}
	}
	return nil, services.ErrStepNotFound.WithDetail("episode_id", episodeID).WithDetail("step_id", stepID)
}

// GetEpisodeSummary aggregates the rewards of an episode
func (s *Service) GetEpisodeSummary(episodeID string) (*models.EpisodeRewardSummary, error) {
	entries, ok := s.store.Get(episodeID)
	if !ok || len(entries) == 0 {
		return nil, services.ErrEpisodeNotFound.WithDetail("episode_id", episodeID)
	}

	summary := &models.EpisodeRewardSummary{
		EpisodeID:  episodeID,
		StepCount:  len(entries),
		MinReward:  math.Inf(1),
		MaxReward:  math.Inf(-1),
		Components: make(map[string]models.ComponentStats),
	}

	sums := make(map[string]float64)
	verifiers := make(map[string]bool)
	for _, e := range entries {
		summary.TotalReward += e.Reward
		summary.MinReward = math.Min(summary.MinReward, e.Reward)
		summary.MaxReward = math.Max(summary.MaxReward, e.Reward)
		if e.VerifierName != "" {
			verifiers[e.VerifierName] = true
		}

		for name, value := range e.Breakdown {
			stats, seen := summary.Components[name]
			if !seen {
				stats = models.ComponentStats{Min: value, Max: value}
			}
			stats.Min = math.Min(stats.Min, value)
			stats.Max = math.Max(stats.Max, value)
			stats.Count++
			sums[name] += value
			summary.Components[name] = stats
		}
	}

	summary.AverageReward = summary.TotalReward / float64(summary.StepCount)
	for name, stats := range summary.Components {
		stats.Average = sums[name] / float64(stats.Count)
		summary.Components[name] = stats
	}

	summary.VerifierNames = make([]string, 0, len(verifiers))
	for name := range verifiers {
		summary.VerifierNames = append(summary.VerifierNames, name)
	}
	sort.Strings(summary.VerifierNames)

	return summary, nil
}

// LoadEpisode reads an episode back from the repository, for episodes that
// were evicted from memory. It does not repopulate the in-memory log.
func (s *Service) LoadEpisode(ctx context.Context, episodeID string) ([]models.RewardLogEntry, error) {
	if s.repo == nil {
		return nil, services.ErrPersistenceUnavailable.WithDetail("store", StoreName)
	}
	stored, err := s.repo.ListByEpisode(ctx, episodeID)
	if err != nil {
		return nil, services.WrapPersistence("failed to load reward log", err)
	}
	entries := make([]models.RewardLogEntry, 0, len(stored))
	for _, e := range stored {
		entries = append(entries, *e)
	}
	return entries, nil
}

// Episodes returns the stored episode ids, least recently written first
func (s *Service) Episodes() []string {
	return s.store.Episodes()
}

// ClearEpisode drops one episode from memory
func (s *Service) ClearEpisode(episodeID string) bool {
	return s.store.Remove(episodeID)
}

// Clear drops every episode from memory
func (s *Service) Clear() {
	s.store.Clear()
}

// Name identifies the log to the retention pruner
func (s *Service) Name() string {
	return StoreName
}

// PruneEpisodes keeps the keep most recently written episodes
func (s *Service) PruneEpisodes(keep int) int {
	return s.store.PruneEpisodes(keep)
}

// EpisodeCount returns the number of episodes in memory
func (s *Service) EpisodeCount() int {
	return s.store.Len()
}

// Stats returns the in-memory store statistics
func (s *Service) Stats() episodestore.Stats {
	return s.store.Stats()
}
