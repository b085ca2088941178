// Package episodemetrics keeps one summary record per finished episode and
// aggregates them across windows of episodes.
package episodemetrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/internal/episodestore"
	"github.com/upb/reward-governance/internal/observability"
	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/repositories"
	"github.com/upb/reward-governance/services"
	"github.com/upb/reward-governance/services/persist"
	"github.com/upb/reward-governance/utils"
)

// StoreName identifies the tracker in metrics, retention and persistence
const StoreName = "episode_metrics"

// Config holds configuration for the tracker
type Config struct {
	MaxEpisodes int
	PersistToDB bool
}

// Service is the episode metrics tracker
type Service struct {
	store   *episodestore.Store[models.EpisodeMetricsRecord]
	repo    repositories.EpisodeMetricsRepository
	queue   persist.Queue
	persist bool
	logger  *zap.Logger
	metrics observability.Metrics
}

// NewService creates a tracker
func NewService(cfg Config, repo repositories.EpisodeMetricsRepository, queue persist.Queue, logger *zap.Logger, metrics observability.Metrics) (*Service, error) {
	if cfg.PersistToDB && (repo == nil || queue == nil) {
		return nil, services.ErrPersistenceUnavailable.WithDetail("store", StoreName)
	}
	s := &Service{
		store:   episodestore.New[models.EpisodeMetricsRecord](cfg.MaxEpisodes),
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

// RecordEpisode stores the record of an episode. A second record for the
// same episode replaces the first.
func (s *Service) RecordEpisode(record models.EpisodeMetricsRecord) (*models.EpisodeMetricsRecord, error) {
	if record.EpisodeID == "" {
		return nil, services.ErrEmptyEpisodeID
	}
	if err := utils.ValidateStruct(record); err != nil {
		return nil, services.ErrInvalidInput.Wrap(err)
	}

	record = record.Clone()
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}

	if s.store.Has(record.EpisodeID) {
		s.logger.Debug("overwriting episode metrics", zap.String("episode_id", record.EpisodeID))
	}
	s.store.Put(record.EpisodeID, []models.EpisodeMetricsRecord{record})
	s.metrics.SetStoredEpisodes(StoreName, s.store.Len())
	s.metrics.RecordEpisode(record.EnvironmentName, record.EpisodeLength)

	s.logger.Info("episode recorded",
		zap.String("episode_id", record.EpisodeID),
		zap.String("environment", record.EnvironmentName),
		zap.Float64("cumulative_reward", record.CumulativeReward),
		zap.Int("episode_length", record.EpisodeLength),
		zap.Int("violations", record.ViolationCount))

	out := record.Clone()
	if !s.persist {
		return &out, nil
	}

	stored := record.Clone()
	err := s.queue.Enqueue(&persist.Job{
		Store:     StoreName,
		EpisodeID: record.EpisodeID,
		Write: func(ctx context.Context) error {
			return s.repo.Upsert(ctx, &stored)
		},
	})
	if err != nil {
		return &out, services.ErrPersistenceFailed.Wrap(err).WithDetail("store", StoreName)
	}
	return &out, nil
}

// GetEpisodeMetrics returns the record of an episode
func (s *Service) GetEpisodeMetrics(episodeID string) (*models.EpisodeMetricsRecord, error) {
	records, ok := s.store.Get(episodeID)
	if !ok || len(records) == 0 {
		return nil, services.ErrEpisodeNotFound.WithDetail("episode_id", episodeID)
	}
	record := records[len(records)-1].Clone()
	return &record, nil
}

// GetAggregateMetrics aggregates the in-memory records. An empty environment
// matches every episode; limit > 0 restricts the window to the limit most
// recently recorded matching episodes.
func (s *Service) GetAggregateMetrics(environmentName string, limit int) models.AggregateMetrics {
	var window []models.EpisodeMetricsRecord
	for _, ep := range s.store.Episodes() {
		records, ok := s.store.Get(ep)
		if !ok || len(records) == 0 {
			continue
		}
		record := records[len(records)-1]
		if environmentName != "" && record.EnvironmentName != environmentName {
			continue
		}
		window = append(window, record)
	}
	if limit > 0 && len(window) > limit {
		window = window[len(window)-limit:]
	}
	return Aggregate(environmentName, window)
}

// GetStoredAggregateMetrics aggregates records read from the repository,
// covering episodes already evicted from memory
func (s *Service) GetStoredAggregateMetrics(ctx context.Context, environmentName string, limit int) (models.AggregateMetrics, error) {
	if s.repo == nil {
		return models.AggregateMetrics{}, services.ErrPersistenceUnavailable.WithDetail("store", StoreName)
	}
	stored, err := s.repo.ListRecent(ctx, environmentName, limit)
	if err != nil {
		return models.AggregateMetrics{}, services.WrapPersistence("failed to list episode metrics", err)
	}
	records := make([]models.EpisodeMetricsRecord, 0, len(stored))
	for _, r := range stored {
		records = append(records, *r)
	}
	return Aggregate(environmentName, records), nil
}

// Aggregate computes sums and means over records. An empty window yields a
// zero value with EpisodeCount 0.
func Aggregate(environmentName string, records []models.EpisodeMetricsRecord) models.AggregateMetrics {
	agg := models.AggregateMetrics{EnvironmentName: environmentName, EpisodeCount: len(records)}
	if len(records) == 0 {
		return agg
	}

	var clinical, efficiency, financial, length, risk float64
	for _, r := range records {
		agg.TotalReward += r.CumulativeReward
		agg.TotalViolations += r.ViolationCount
		agg.TotalCost += r.TotalCost
		clinical += r.ClinicalScore
		efficiency += r.EfficiencyScore
		financial += r.FinancialScore
		length += float64(r.EpisodeLength)
		risk += r.FinalRiskScore
	}

	n := float64(len(records))
	agg.MeanReward = agg.TotalReward / n
	agg.MeanClinicalScore = clinical / n
	agg.MeanEfficiencyScore = efficiency / n
	agg.MeanFinancialScore = financial / n
	agg.MeanViolations = float64(agg.TotalViolations) / n
	agg.MeanEpisodeLength = length / n
	agg.MeanFinalRiskScore = risk / n
	agg.MeanCost = agg.TotalCost / n
	return agg
}

// Episodes returns the stored episode ids, least recently recorded first
func (s *Service) Episodes() []string { return s.store.Episodes() }

// ClearEpisode drops one episode from memory
func (s *Service) ClearEpisode(episodeID string) bool { return s.store.Remove(episodeID) }

// Clear drops every episode from memory
func (s *Service) Clear() { s.store.Clear() }

// Name identifies the tracker to the retention pruner
func (s *Service) Name() string { return StoreName }

// PruneEpisodes keeps the keep most recently recorded episodes
func (s *Service) PruneEpisodes(keep int) int { return s.store.PruneEpisodes(keep) }

// EpisodeCount returns the number of episodes in memory
func (s *Service) EpisodeCount() int { return s.store.Len() }
