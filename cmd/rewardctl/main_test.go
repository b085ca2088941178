package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/reward-governance/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRulesCommands(t *testing.T) {
	t.Run("export then validate", func(t *testing.T) {
		out, err := execute(t, "rules", "export")
		require.NoError(t, err)
		assert.Contains(t, out, "minimum_pathway_steps")

		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte(out), 0o644))

		out, err = execute(t, "rules", "validate", path)
		require.NoError(t, err)
		assert.Contains(t, out, "3 rules ok")
	})

	t.Run("list defaults as json", func(t *testing.T) {
		out, err := execute(t, "rules", "list", "--json")
		require.NoError(t, err)

		var rules []models.ComplianceRule
		require.NoError(t, json.Unmarshal([]byte(out), &rules))
		assert.Len(t, rules, 3)
	})

	t.Run("list table from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`rules:
  - type: risk_ceiling
    name: ward_risk_ceiling
    severity: warning
    parameters:
      max_risk: 0.9
`), 0o644))

		out, err := execute(t, "rules", "list", "--rules-file", path)
		require.NoError(t, err)
		assert.Contains(t, out, "ward_risk_ceiling")
		assert.Contains(t, out, "max_risk=0.9")
	})

	t.Run("invalid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: no_type\n"), 0o644))

		_, err := execute(t, "rules", "validate", path)
		assert.Error(t, err)
	})
}

func TestSimulateCommand(t *testing.T) {
	t.Run("json report", func(t *testing.T) {
		out, err := execute(t, "simulate", "--episodes", "2", "--policy", "reckless", "--json")
		require.NoError(t, err)

		var report simulationReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.Len(t, report.Episodes, 2)
		assert.Equal(t, 2, report.Aggregate.EpisodeCount)
		assert.Greater(t, report.Overrides, 0)
	})

	t.Run("table output", func(t *testing.T) {
		out, err := execute(t, "simulate", "-n", "1")
		require.NoError(t, err)
		assert.Contains(t, out, "Episodes (guideline)")
		assert.Contains(t, out, "guardrail overrides")
	})

	t.Run("unknown policy", func(t *testing.T) {
		_, err := execute(t, "simulate", "--policy", "random")
		assert.Error(t, err)
	})

	t.Run("non-positive episodes", func(t *testing.T) {
		_, err := execute(t, "simulate", "--episodes", "0")
		assert.Error(t, err)
	})
}

func TestMetricsCommand(t *testing.T) {
	t.Run("requires a database", func(t *testing.T) {
		_, err := execute(t, "metrics")
		assert.Error(t, err)
	})

	t.Run("aggregates stored episodes", func(t *testing.T) {
		db := filepath.Join(t.TempDir(), "governance.db")

		_, err := execute(t, "simulate", "--episodes", "3", "--db", db, "--json")
		require.NoError(t, err)

		out, err := execute(t, "metrics", "--db", db, "--environment", "ward", "--json")
		require.NoError(t, err)

		var agg models.AggregateMetrics
		require.NoError(t, json.Unmarshal([]byte(out), &agg))
		assert.Equal(t, 3, agg.EpisodeCount)
		assert.Equal(t, "ward", agg.EnvironmentName)
	})
}

func TestVerifiersCommand(t *testing.T) {
	out, err := execute(t, "verifiers", "--json")
	require.NoError(t, err)

	var report verifierReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, []string{"clinical", "compliance", "financial", "operational"}, report.Types)
	require.Len(t, report.Ensemble, 4)
	for _, info := range report.Ensemble {
		assert.True(t, info.Enabled)
		assert.InDelta(t, 0.25, info.Weight, 1e-9)
		assert.NotEmpty(t, info.Components)
	}
}
