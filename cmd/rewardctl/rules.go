package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/services/compliance"
)

func rulesCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Inspect compliance rules"}
	cmd.AddCommand(rulesListCmd(v))
	cmd.AddCommand(rulesValidateCmd())
	cmd.AddCommand(rulesExportCmd())
	return cmd
}

// activeRules loads the configured rule file, or the built-in defaults
func activeRules(ctx context.Context, v *viper.Viper) ([]models.ComplianceRule, string, error) {
	cfg, err := loadConfig(ctx, v)
	if err != nil {
		return nil, "", err
	}
	if cfg.Compliance.RulesFile == "" {
		return compliance.DefaultRules(), "built-in", nil
	}
	rules, err := compliance.LoadRulesFile(cfg.Compliance.RulesFile)
	if err != nil {
		return nil, "", err
	}
	return rules, cfg.Compliance.RulesFile, nil
}

func rulesListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the active compliance rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, source, err := activeRules(cmd.Context(), v)
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), rules)
			}
			tw := newTable(cmd.OutOrStdout(), "Rules ("+source+")")
			tw.AppendHeader(table.Row{"Name", "Type", "Severity", "Enabled", "Parameters"})
			for _, r := range rules {
				tw.AppendRow(table.Row{r.Name, r.Type, r.Severity, r.IsEnabled(), formatParams(r.Parameters)})
			}
			tw.Render()
			return nil
		},
	}
}

func rulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a YAML rule file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := compliance.LoadRulesFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules ok\n", args[0], len(rules))
			return nil
		},
	}
}

func rulesExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print the built-in rules as a YAML rule file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := compliance.MarshalRules(compliance.DefaultRules())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
