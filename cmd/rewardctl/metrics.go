package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/upb/reward-governance/app"
)

func metricsCmd(v *viper.Viper) *cobra.Command {
	var (
		environment string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Aggregate the episode metrics stored in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if v.GetString("db") == "" {
				return fmt.Errorf("--db is required")
			}
			return withDependencies(cmd.Context(), v, func(ctx context.Context, deps *app.Dependencies) error {
				agg, err := deps.EpisodeMetrics.GetStoredAggregateMetrics(ctx, environment, limit)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), agg)
				}
				title := "Stored episodes"
				if environment != "" {
					title += " (" + environment + ")"
				}
				tw := newTable(cmd.OutOrStdout(), title)
				tw.AppendHeader(table.Row{"Metric", "Value"})
				tw.AppendRows([]table.Row{
					{"episodes", agg.EpisodeCount},
					{"mean reward", formatFloat(agg.MeanReward)},
					{"total violations", agg.TotalViolations},
					{"mean violations", formatFloat(agg.MeanViolations)},
					{"mean episode length", formatFloat(agg.MeanEpisodeLength)},
					{"mean final risk", formatFloat(agg.MeanFinalRiskScore)},
					{"mean cost", formatFloat(agg.MeanCost)},
				})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&environment, "environment", "", "environment name filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "most recent episodes to include (0 = all)")
	return cmd
}
