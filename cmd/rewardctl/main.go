// Command rewardctl drives the reward governance control plane from the
// command line: it runs simulated ward episodes through the guardrails and
// verifiers, and inspects compliance rules, verifiers and stored metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/upb/reward-governance/app"
	"github.com/upb/reward-governance/config"
	"github.com/upb/reward-governance/internal/observability"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree around its own viper instance
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("REWARDCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "rewardctl",
		Short: "Reward governance control plane CLI",
		Long: `rewardctl runs episodes through the reward governance control plane.
Every proposed action passes the safety guardrails before it executes, every
transition is scored by the verifier ensemble and checked against the
compliance rules, and the results land in the reward, trace, metrics and audit logs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().String("log-level", "", "log level (overrides LOG_LEVEL)")
	root.PersistentFlags().String("rules-file", "", "YAML compliance rule file (overrides RULES_FILE)")
	root.PersistentFlags().String("db", "", "SQLite database path; enables write-through persistence")
	for _, name := range []string{"json", "log-level", "rules-file", "db"} {
		_ = v.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}

	root.AddCommand(simulateCmd(v))
	root.AddCommand(rulesCmd(v))
	root.AddCommand(verifiersCmd(v))
	root.AddCommand(metricsCmd(v))
	return root
}

// loadConfig reads the environment configuration and applies flag overrides
func loadConfig(ctx context.Context, v *viper.Viper) (*config.Config, error) {
	cfg, err := config.New(ctx)
	if err != nil {
		return nil, err
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Observability.LogLevel = level
	}
	if path := v.GetString("rules-file"); path != "" {
		cfg.Compliance.RulesFile = path
	}
	if path := v.GetString("db"); path != "" {
		cfg.Persistence.Enabled = true
		cfg.Persistence.Driver = config.DriverSQLite
		cfg.Persistence.SQLitePath = path
	}
	return cfg, nil
}

// withDependencies wires the control plane, runs fn and shuts it down
func withDependencies(ctx context.Context, v *viper.Viper, fn func(ctx context.Context, deps *app.Dependencies) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(ctx, v)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return err
	}

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(ctx, deps)
	if err := deps.Close(ctx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
