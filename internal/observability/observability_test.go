package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/upb/reward-governance/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ObservabilityConfig
		level   zapcore.Level
		wantErr bool
	}{
		{"json info", config.ObservabilityConfig{LogLevel: "info", LogFormat: "json"}, zapcore.InfoLevel, false},
		{"console debug", config.ObservabilityConfig{LogLevel: "DEBUG", LogFormat: "console"}, zapcore.DebugLevel, false},
		{"default format", config.ObservabilityConfig{LogLevel: "warn"}, zapcore.WarnLevel, false},
		{"bad level", config.ObservabilityConfig{LogLevel: "loud", LogFormat: "json"}, 0, true},
		{"bad format", config.ObservabilityConfig{LogLevel: "info", LogFormat: "xml"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.level))
			if tt.level > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.level-1))
			}
		})
	}
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	assert.IsType(t, NopMetrics{}, MetricsOrNop(nil))

	c := NewCollector("test", nil)
	assert.Same(t, c, MetricsOrNop(c))
}

func TestCollector_Records(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := NewCollector("test", registry)
	assert.Same(t, registry, c.Registry())

	c.ObserveReward("ClinicalVerifier", 0.5)
	c.ObserveReward("ClinicalVerifier", 0.7)
	c.RecordMemberFailure("FinancialVerifier")
	c.RecordGuardrailOutcome("BLOCK")
	c.RecordGuardrailOutcome("BLOCK")
	c.RecordGuardrailOutcome("MODIFY")
	c.RecordViolation("minimum_pathway_steps", "error")
	c.RecordEpisode("ward", 12)
	c.RecordPersistenceFailure("audit")
	c.SetStoredEpisodes("rewards", 4)
	c.RecordEviction("rewards")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.memberFailures.WithLabelValues("FinancialVerifier")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.guardrailOutcomes.WithLabelValues("BLOCK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.guardrailOutcomes.WithLabelValues("MODIFY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.violations.WithLabelValues("minimum_pathway_steps", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.episodes.WithLabelValues("ward")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.persistenceFailures.WithLabelValues("audit")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.storedEpisodes.WithLabelValues("rewards")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.evictions.WithLabelValues("rewards")))

	assert.Equal(t, 1, testutil.CollectAndCount(c.rewards))
	assert.Equal(t, 1, testutil.CollectAndCount(c.episodeLength))
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// two collectors with the same namespace must not panic on registration
	assert.NotPanics(t, func() {
		NewCollector("dup", nil)
		NewCollector("dup", nil)
	})
}

func TestNopMetrics(t *testing.T) {
	var m Metrics = NopMetrics{}
	assert.NotPanics(t, func() {
		m.ObserveReward("v", 1)
		m.RecordMemberFailure("v")
		m.RecordGuardrailOutcome("ALLOW")
		m.RecordViolation("r", "warning")
		m.RecordEpisode("env", 1)
		m.RecordPersistenceFailure("s")
		m.SetStoredEpisodes("s", 1)
		m.RecordEviction("s")
	})
}
