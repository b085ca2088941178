package retention

import (
	"context"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/internal/observability"
)

// Prunable is an episode-keyed store that can drop its oldest episodes
type Prunable interface {
	Name() string
	PruneEpisodes(keep int) int
	EpisodeCount() int
}

// Config contains configuration for the retention pruner.
type Config struct {
	// MaxEpisodes is the number of most recent episodes each store keeps.
	// 0 means keep everything.
	MaxEpisodes int

	// Schedule is a cron expression for scheduled pruning.
	// Example: "*/10 * * * *" (every ten minutes)
	Schedule string
}

// Pruner enforces the episode bound on a set of stores.
type Pruner struct {
	stores  []Prunable
	config  *Config
	logger  *zap.Logger
	metrics observability.Metrics
}

// NewPruner creates a new retention pruner.
func NewPruner(config *Config, logger *zap.Logger, metrics observability.Metrics, stores ...Prunable) *Pruner {
	if config == nil {
		config = &Config{}
	}
	return &Pruner{
		stores:  stores,
		config:  config,
		logger:  observability.OrNop(logger).With(zap.String("component", "retention")),
		metrics: observability.MetricsOrNop(metrics),
	}
}

// Add registers another store
func (p *Pruner) Add(store Prunable) {
	p.stores = append(p.stores, store)
}

// Prune trims every store to MaxEpisodes and returns the total number of
// episodes removed. It stops early if ctx is cancelled.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	total := 0
	for _, store := range p.stores {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		removed := 0
		if p.config.MaxEpisodes > 0 {
			removed = store.PruneEpisodes(p.config.MaxEpisodes)
		}
		total += removed
		p.metrics.SetStoredEpisodes(store.Name(), store.EpisodeCount())

		if removed > 0 {
			p.logger.Info("pruned episodes",
				zap.String("store", store.Name()),
				zap.Int("removed", removed),
				zap.Int("max_episodes", p.config.MaxEpisodes),
			)
		}
	}

	if total == 0 {
		p.logger.Debug("no episodes pruned", zap.Int("max_episodes", p.config.MaxEpisodes))
	}
	return total, nil
}
