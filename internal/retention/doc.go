// Package retention bounds the in-memory observability logs.
//
// Each log keeps at most MaxEpisodes episodes on its own (LRU by episode).
// The Pruner applies the same bound across all registered stores on demand,
// and the Scheduler runs the Pruner on a cron schedule:
//
//	pruner := retention.NewPruner(&retention.Config{
//	    MaxEpisodes: 1000,
//	    Schedule:    "*/10 * * * *",
//	}, logger, metrics, rewardLogger, traceLogger, metricsTracker, auditLogger)
//
//	scheduler := retention.NewScheduler(pruner, logger)
//	if err := scheduler.Start(ctx); err != nil {
//	    return err
//	}
//	defer scheduler.Stop()
//
// If no schedule is configured the scheduler does nothing and Start returns
// immediately without error.
package retention
