package main

import (
	"context"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/upb/reward-governance/app"
)

type verifierInfo struct {
	Name       string   `json:"name"`
	Enabled    bool     `json:"enabled"`
	Weight     float64  `json:"weight"`
	Components []string `json:"components"`
}

type verifierReport struct {
	Types     []string       `json:"types"`
	Instances []string       `json:"instances"`
	Ensemble  []verifierInfo `json:"ensemble"`
}

func verifiersCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "verifiers",
		Short: "List verifier types and the default ensemble",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDependencies(cmd.Context(), v, func(_ context.Context, deps *app.Dependencies) error {
				weights := deps.Ensemble.Weights()
				report := verifierReport{
					Types:     deps.Registry.ListVerifierTypes(),
					Instances: deps.Registry.ListInstances(),
				}
				for _, m := range deps.Ensemble.Members() {
					report.Ensemble = append(report.Ensemble, verifierInfo{
						Name:       m.Name(),
						Enabled:    m.IsEnabled(),
						Weight:     weights[m.Name()],
						Components: m.ComponentNames(),
					})
				}

				if v.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), report)
				}
				tw := newTable(cmd.OutOrStdout(), "Default ensemble")
				tw.AppendHeader(table.Row{"Verifier", "Enabled", "Weight", "Components"})
				for _, info := range report.Ensemble {
					tw.AppendRow(table.Row{info.Name, info.Enabled, formatFloat(info.Weight), strings.Join(info.Components, ", ")})
				}
				tw.AppendFooter(table.Row{"types", strings.Join(report.Types, ", "), "", ""})
				tw.Render()
				return nil
			})
		},
	}
}
