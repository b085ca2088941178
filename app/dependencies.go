package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/config"
	"github.com/upb/reward-governance/internal/observability"
	"github.com/upb/reward-governance/internal/retention"
	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/repositories"
	"github.com/upb/reward-governance/repositories/sqlstore"
	"github.com/upb/reward-governance/services"
	"github.com/upb/reward-governance/services/actiontrace"
	"github.com/upb/reward-governance/services/audit"
	"github.com/upb/reward-governance/services/compliance"
	"github.com/upb/reward-governance/services/episodemetrics"
	"github.com/upb/reward-governance/services/guardrail"
	"github.com/upb/reward-governance/services/persist"
	"github.com/upb/reward-governance/services/rewardlog"
	"github.com/upb/reward-governance/services/rollout"
	"github.com/upb/reward-governance/services/verifier"
)

const defaultShutdownTimeout = 10 * time.Second

// Dependencies holds all control plane dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   observability.Metrics
	Collector *observability.Collector // nil when metrics are disabled

	// Persistence (nil unless enabled)
	RepoFactory *sqlstore.RepositoryFactory
	Repos       *repositories.Repositories
	TxManager   repositories.TransactionManager
	Writer      *persist.Writer

	// Governance
	Compliance  *compliance.Service
	RuleWatcher *compliance.Watcher // nil unless rule watching is enabled
	Registry    *verifier.Registry
	Ensemble    *verifier.Ensemble
	Guardrail   *guardrail.Service

	// Observability bundle
	Rewards        *rewardlog.Service
	Traces         *actiontrace.Service
	EpisodeMetrics *episodemetrics.Service
	Audit          *audit.Service

	// Retention
	Pruner    *retention.Pruner
	Scheduler *retention.Scheduler
}

// NewDependencies creates and wires up all dependencies and starts the
// background workers. Close must be called to flush pending writes.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: observability.OrNop(logger),
	}

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"metrics", deps.initMetrics},
		{"persistence", deps.initPersistence},
		{"compliance rules", deps.initCompliance},
		{"verifiers", deps.initVerifiers},
		{"guardrails", deps.initGuardrail},
		{"loggers", deps.initLoggers},
		{"retention", deps.initRetention},
		{"background workers", deps.start},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = deps.Close(ctx)
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	deps.Logger.Info("all dependencies initialized successfully",
		zap.Bool("persistence", cfg.Persistence.Enabled),
		zap.Int("rules", len(deps.Compliance.Rules())),
		zap.Strings("verifiers", deps.Registry.ListInstances()))
	return deps, nil
}

func (d *Dependencies) initMetrics(context.Context) error {
	if !d.Config.Observability.MetricsEnabled {
		d.Metrics = observability.NopMetrics{}
		return nil
	}
	d.Collector = observability.NewCollector(d.Config.Observability.MetricsNamespace, nil)
	d.Metrics = d.Collector
	return nil
}

// initPersistence opens the database and creates the write-through writer
func (d *Dependencies) initPersistence(ctx context.Context) error {
	if !d.Config.Persistence.Enabled {
		d.Logger.Info("persistence disabled, logs are kept in memory only")
		return nil
	}

	factory, err := sqlstore.NewRepositoryFactory(ctx, d.Config.Persistence, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory
	d.Repos = factory.NewRepositories()
	d.TxManager = factory.GetTransactionManager()

	wcfg := persist.DefaultConfig()
	wcfg.BufferSize = d.Config.Persistence.BufferSize
	wcfg.WorkerCount = d.Config.Persistence.Workers
	d.Writer = persist.NewWriter(d.TxManager, d.Logger, d.Metrics, wcfg)
	return nil
}

func (d *Dependencies) initCompliance(context.Context) error {
	var rules []models.ComplianceRule
	if path := d.Config.Compliance.RulesFile; path != "" {
		loaded, err := compliance.LoadRulesFile(path)
		if err != nil {
			return err
		}
		rules = loaded
	}

	svc, err := compliance.NewService(rules, d.Logger, d.Metrics)
	if err != nil {
		return err
	}
	d.Compliance = svc

	if d.Config.Compliance.WatchRules && d.Config.Compliance.RulesFile != "" {
		watcher, err := compliance.NewWatcher(svc, compliance.WatcherConfig{
			Path:     d.Config.Compliance.RulesFile,
			Debounce: d.Config.Compliance.Debounce,
		}, d.Logger)
		if err != nil {
			return err
		}
		d.RuleWatcher = watcher
	}
	return nil
}

func (d *Dependencies) initVerifiers(context.Context) error {
	d.Registry = verifier.NewRegistry(d.Logger, d.Metrics, d.Compliance)

	var weights map[string]float64
	if len(d.Config.Ensemble.Weights) > 0 {
		weights = d.Config.Ensemble.Weights
	}
	ensemble, err := d.Registry.CreateDefaultEnsemble(nil, weights)
	if err != nil {
		return err
	}
	d.Ensemble = ensemble
	return nil
}

func (d *Dependencies) initGuardrail(context.Context) error {
	svc, err := guardrail.NewService(guardrail.Config{
		Safety:      d.Config.Safety,
		MaxEpisodes: d.Config.Retention.MaxEpisodes,
	}, d.Compliance, d.Logger, d.Metrics)
	if err != nil {
		return err
	}
	d.Guardrail = svc
	return nil
}

func (d *Dependencies) initLoggers(context.Context) error {
	maxEpisodes := d.Config.Retention.MaxEpisodes
	enabled := d.Config.Persistence.Enabled

	var (
		queue persist.Queue
		repos = &repositories.Repositories{}
		err   error
	)
	if enabled {
		queue = d.Writer
		repos = d.Repos
	}

	if d.Rewards, err = rewardlog.NewService(rewardlog.Config{MaxEpisodes: maxEpisodes, PersistToDB: enabled},
		repos.Rewards, queue, d.Logger, d.Metrics); err != nil {
		return err
	}
	if d.Traces, err = actiontrace.NewService(actiontrace.Config{MaxEpisodes: maxEpisodes, PersistToDB: enabled},
		repos.ActionTraces, queue, d.Logger, d.Metrics); err != nil {
		return err
	}
	if d.EpisodeMetrics, err = episodemetrics.NewService(episodemetrics.Config{MaxEpisodes: maxEpisodes, PersistToDB: enabled},
		repos.EpisodeMetrics, queue, d.Logger, d.Metrics); err != nil {
		return err
	}
	if d.Audit, err = audit.NewService(audit.Config{MaxEpisodes: maxEpisodes, PersistToDB: enabled},
		repos.AuditLogs, queue, d.Logger, d.Metrics); err != nil {
		return err
	}
	return nil
}

func (d *Dependencies) initRetention(context.Context) error {
	d.Pruner = retention.NewPruner(&retention.Config{
		MaxEpisodes: d.Config.Retention.MaxEpisodes,
		Schedule:    d.Config.Retention.Schedule,
	}, d.Logger, d.Metrics, d.Rewards, d.Traces, d.EpisodeMetrics, d.Audit, d.Guardrail)
	if d.Config.Retention.Schedule != "" {
		d.Scheduler = retention.NewScheduler(d.Pruner, d.Logger)
	}
	return nil
}

// start launches the writer, the rule watcher and the retention scheduler
func (d *Dependencies) start(ctx context.Context) error {
	if d.Writer != nil {
		if err := d.Writer.Start(); err != nil {
			return err
		}
	}
	if d.RuleWatcher != nil {
		d.RuleWatcher.OnReload(d.auditRuleReload)
		if err := d.RuleWatcher.Start(ctx); err != nil {
			return err
		}
	}
	if d.Scheduler != nil {
		if err := d.Scheduler.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// auditRuleReload files every rule reload attempt in the audit log
func (d *Dependencies) auditRuleReload(rules []models.ComplianceRule, err error) {
	if err != nil {
		_ = d.Audit.LogError(audit.SystemEpisode, "", nil, err, map[string]interface{}{
			"component":  "compliance_rules",
			"rules_file": d.Config.Compliance.RulesFile,
		})
		return
	}
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name)
	}
	_ = d.Audit.LogConfigChange("", "compliance_rules", map[string]interface{}{
		"rules_file": d.Config.Compliance.RulesFile,
		"rules":      names,
	}, "")
}

// NewRunner creates a rollout runner over the wired components
func (d *Dependencies) NewRunner(cfg rollout.Config, reviewer rollout.Reviewer) (*rollout.Runner, error) {
	return rollout.NewRunner(rollout.Deps{
		Verifier:   d.Ensemble,
		Guardrail:  d.Guardrail,
		Compliance: d.Compliance,
		Rewards:    d.Rewards,
		Traces:     d.Traces,
		Episodes:   d.EpisodeMetrics,
		Audit:      d.Audit,
		Reviewer:   reviewer,
		Logger:     d.Logger,
	}, cfg)
}

// Close gracefully shuts down all dependencies. Pending writes are flushed
// before the database is closed.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Scheduler != nil {
		d.Scheduler.Stop()
	}
	if d.RuleWatcher != nil {
		if err := d.RuleWatcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop rule watcher: %w", err))
		}
	}
	if d.Writer != nil {
		timeout := d.Config.Persistence.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		err := d.Writer.Stop(timeout)
		if err != nil && !errors.Is(err, services.ErrWriterNotStarted) {
			errs = append(errs, fmt.Errorf("failed to stop persistence writer: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	_ = d.Logger.Sync()

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}
