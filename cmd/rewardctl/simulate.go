package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/upb/reward-governance/app"
	"github.com/upb/reward-governance/internal/wardsim"
	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/services/rollout"
)

// simulationReport is the output of the simulate command
type simulationReport struct {
	Policy    string                   `json:"policy"`
	Episodes  []*rollout.EpisodeResult `json:"episodes"`
	Aggregate models.AggregateMetrics  `json:"aggregate"`
	Overrides int                      `json:"overrides"`
}

func simulateCmd(v *viper.Viper) *cobra.Command {
	var (
		episodes    int
		policyName  string
		seed        int64
		maxSteps    int
		autoApprove bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run ward episodes through the guardrails and verifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if episodes <= 0 {
				return fmt.Errorf("--episodes must be positive")
			}
			policy, err := wardsim.PolicyByName(policyName)
			if err != nil {
				return err
			}

			return withDependencies(cmd.Context(), v, func(ctx context.Context, deps *app.Dependencies) error {
				rcfg := rollout.DefaultConfig()
				rcfg.MaxSteps = maxSteps

				var reviewer rollout.Reviewer
				if autoApprove {
					reviewer = approveAll
				}
				runner, err := deps.NewRunner(rcfg, reviewer)
				if err != nil {
					return err
				}

				wcfg := wardsim.DefaultConfig()
				wcfg.Seed = seed
				ward := wardsim.New(wcfg)

				report := simulationReport{Policy: policyName}
				for i := 0; i < episodes; i++ {
					result, err := runner.Run(ctx, ward, policy)
					if err != nil {
						return fmt.Errorf("episode %d: %w", i+1, err)
					}
					report.Episodes = append(report.Episodes, result)
					report.Overrides += result.Overrides
				}
				report.Aggregate = deps.EpisodeMetrics.GetAggregateMetrics(ward.Name(), 0)

				if v.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), report)
				}
				renderSimulation(cmd, report)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&episodes, "episodes", "n", 5, "number of episodes")
	cmd.Flags().StringVar(&policyName, "policy", wardsim.PolicyGuideline, "policy (guideline, reckless)")
	cmd.Flags().Int64Var(&seed, "seed", 1, "ward random seed")
	cmd.Flags().IntVar(&maxSteps, "max-steps", rollout.DefaultConfig().MaxSteps, "episode truncation length")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "approve every escalated action as proposed, recording rewardctl as reviewer")
	return cmd
}

// approveAll is the reviewer used with --auto-approve
var approveAll = rollout.ReviewerFunc(func(_ context.Context, escalation models.OverrideRecord) (models.Action, string, error) {
	return escalation.OriginalAction, "rewardctl", nil
})

func renderSimulation(cmd *cobra.Command, report simulationReport) {
	out := cmd.OutOrStdout()

	tw := newTable(out, "Episodes ("+report.Policy+")")
	tw.AppendHeader(table.Row{"Episode", "Steps", "Reward", "Overrides", "Escalations", "Violations", "Final Risk", "Cost", "Truncated"})
	for _, r := range report.Episodes {
		var risk, cost float64
		if r.Metrics != nil {
			risk, cost = r.Metrics.FinalRiskScore, r.Metrics.TotalCost
		}
		tw.AppendRow(table.Row{
			r.EpisodeID, r.Steps, formatFloat(r.CumulativeReward), r.Overrides, r.Escalations,
			r.Violations, formatFloat(risk), formatFloat(cost), r.Truncated,
		})
	}
	tw.Render()

	agg := report.Aggregate
	at := newTable(out, "Aggregate")
	at.AppendHeader(table.Row{"Metric", "Value"})
	at.AppendRows([]table.Row{
		{"episodes", agg.EpisodeCount},
		{"mean reward", formatFloat(agg.MeanReward)},
		{"mean clinical score", formatFloat(agg.MeanClinicalScore)},
		{"mean efficiency score", formatFloat(agg.MeanEfficiencyScore)},
		{"mean financial score", formatFloat(agg.MeanFinancialScore)},
		{"total violations", agg.TotalViolations},
		{"mean episode length", formatFloat(agg.MeanEpisodeLength)},
		{"mean final risk", formatFloat(agg.MeanFinalRiskScore)},
		{"total cost", formatFloat(agg.TotalCost)},
		{"guardrail overrides", report.Overrides},
	})
	at.Render()
}
