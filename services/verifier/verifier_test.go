package verifier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/reward-governance/models"
)

// fixedVerifier returns a canned result, error or panic
type fixedVerifier struct {
	*Base
	reward    float64
	breakdown map[string]float64
	err       error
	panicMsg  string
}

func newFixed(name string, reward float64, breakdown map[string]float64) *fixedVerifier {
	weights := make(map[string]float64, len(breakdown))
	for k := range breakdown {
		weights[k] = 1
	}
	return &fixedVerifier{
		Base:      NewBase(name, models.NewVerifierConfig(weights, nil), zap.NewNop()),
		reward:    reward,
		breakdown: breakdown,
	}
}

func (f *fixedVerifier) Evaluate(state models.State, action models.Action, nextState models.State, sctx *models.StepContext) (*Result, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	result := &Result{Reward: f.reward, Breakdown: models.CloneFloatMap(f.breakdown)}
	f.Record(action, sctx, result)
	return result, nil
}

func TestBase_HistoryIsBounded(t *testing.T) {
	v := newFixed("Fixed", 1, map[string]float64{"x": 1})

	for i := 0; i < HistoryLimit+25; i++ {
		_, err := v.Evaluate(nil, "a", nil, &models.StepContext{StepID: i})
		require.NoError(t, err)
	}

	history := v.History()
	require.Len(t, history, HistoryLimit)
	assert.Equal(t, 25, history[0].StepID)
	assert.Equal(t, HistoryLimit+24, history[len(history)-1].StepID)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].StepID+1, history[i].StepID)
	}
}

func TestBase_BreakdownIsLastEvaluationCopy(t *testing.T) {
	v := newFixed("Fixed", 1, map[string]float64{"x": 0.4})
	assert.Empty(t, v.Breakdown())

	_, err := v.Evaluate(nil, "a", nil, nil)
	require.NoError(t, err)

	bd := v.Breakdown()
	assert.Equal(t, map[string]float64{"x": 0.4}, bd)
	bd["x"] = 99
	assert.Equal(t, 0.4, v.Breakdown()["x"])
}

func TestBase_EnableDisable(t *testing.T) {
	cfg := models.NewVerifierConfig(map[string]float64{"x": 1}, nil)
	cfg.Enabled = models.Bool(false)
	b := NewBase("Fixed", cfg, nil)
	assert.False(t, b.IsEnabled())

	b.Enable()
	assert.True(t, b.IsEnabled())
	assert.True(t, *b.Config().Enabled)

	b.Disable()
	assert.False(t, b.IsEnabled())
	assert.Equal(t, []string{"x"}, b.ComponentNames())
}

func TestBase_NameOverride(t *testing.T) {
	cfg := models.NewVerifierConfig(map[string]float64{"x": 1}, nil)
	cfg.Metadata["name"] = "ClinicalVerifierICU"
	assert.Equal(t, "ClinicalVerifierICU", NewBase("ClinicalVerifier", cfg, nil).Name())
}

func TestClinicalVerifier(t *testing.T) {
	tests := []struct {
		name      string
		state     models.State
		nextState models.State
		sctx      *models.StepContext
		want      map[string]float64
		reward    float64
	}{
		{
			name:      "improving patient with treatments",
			state:     models.State{0.6, 0.5},
			nextState: models.State{0.4, 0.5},
			sctx:      &models.StepContext{TreatmentHistory: []string{"antibiotics", "fluids"}},
			want: map[string]float64{
				ComponentRiskImprovement:     0.6,
				ComponentVitalStability:      1,
				ComponentTreatmentEfficiency: 1,
			},
			reward: 0.5*0.6 + 0.3 + 0.2,
		},
		{
			name:      "deteriorating vitals outside range",
			state:     models.State{0.4, 0.5},
			nextState: models.State{0.6, 0.85},
			sctx:      &models.StepContext{TreatmentHistory: []string{"fluids"}},
			want: map[string]float64{
				ComponentRiskImprovement:     0.4,
				ComponentVitalStability:      0.5,
				ComponentTreatmentEfficiency: 0,
			},
			reward: 0.5*0.4 + 0.3*0.5,
		},
		{
			name: "missing inputs degrade to neutral",
			sctx: nil,
			want: map[string]float64{
				ComponentRiskImprovement:     0.5,
				ComponentVitalStability:      0.5,
				ComponentTreatmentEfficiency: 0.5,
			},
			reward: 0.5,
		},
		{
			name:      "context risk used when state lacks the field",
			state:     models.State{},
			nextState: models.State{},
			sctx:      &models.StepContext{RiskScore: models.Float(0.9)},
			want: map[string]float64{
				ComponentRiskImprovement:     0.5,
				ComponentVitalStability:      0.5,
				ComponentTreatmentEfficiency: 0.5,
			},
			reward: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewClinicalVerifier(nil, zap.NewNop())
			result, err := v.Evaluate(tt.state, "treat", tt.nextState, tt.sctx)
			require.NoError(t, err)
			assert.InDelta(t, tt.reward, result.Reward, 1e-9)
			require.Len(t, result.Breakdown, len(tt.want))
			for k, want := range tt.want {
				assert.InDelta(t, want, result.Breakdown[k], 1e-9, k)
			}
		})
	}
}

func TestClinicalVerifier_CustomWeightsDefineComponents(t *testing.T) {
	cfg := models.NewVerifierConfig(map[string]float64{ComponentRiskImprovement: 1}, nil)
	v := NewClinicalVerifier(cfg, nil)

	assert.Equal(t, []string{ComponentRiskImprovement}, v.ComponentNames())
	result, err := v.Evaluate(models.State{0.8}, "treat", models.State{0.6}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{ComponentRiskImprovement}, SortedKeys(result.Breakdown))
	assert.InDelta(t, 0.6, result.Reward, 1e-9)
}

func TestOperationalVerifier(t *testing.T) {
	v := NewOperationalVerifier(nil, nil)

	result, err := v.Evaluate(
		models.State{0, 0, 0.5, 0.6},
		"admit",
		models.State{0, 0, 0.85, 0.4},
		&models.StepContext{PathwayStep: models.Int(10)},
	)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.Breakdown[ComponentResourceUtilization], 1e-9)
	assert.InDelta(t, 0.6, result.Breakdown[ComponentWaitTimeReduction], 1e-9)
	assert.InDelta(t, 0.5, result.Breakdown[ComponentPathwayEfficiency], 1e-9)
	assert.InDelta(t, 0.4+0.3*0.6+0.3*0.5, result.Reward, 1e-9)

	neutralResult, err := v.Evaluate(nil, "admit", nil, &models.StepContext{Extra: map[string]interface{}{"utilization": 0.85}})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, neutralResult.Breakdown[ComponentResourceUtilization], 1e-9)
	assert.InDelta(t, 0.5, neutralResult.Breakdown[ComponentWaitTimeReduction], 1e-9)
	assert.InDelta(t, 0.5, neutralResult.Breakdown[ComponentPathwayEfficiency], 1e-9)
}

func TestFinancialVerifier(t *testing.T) {
	v := NewFinancialVerifier(nil, nil)

	tests := []struct {
		name string
		sctx *models.StepContext
		want map[string]float64
	}{
		{
			name: "cheap step well inside budget",
			sctx: &models.StepContext{StepCost: models.Float(100), CostToDate: models.Float(2000)},
			want: map[string]float64{
				ComponentCostEfficiency:  0.9,
				ComponentBudgetAdherence: 1,
				ComponentValuePerCost:    0.7,
			},
		},
		{
			name: "near budget",
			sctx: &models.StepContext{StepCost: models.Float(500), CostToDate: models.Float(9000)},
			want: map[string]float64{
				ComponentCostEfficiency:  0.5,
				ComponentBudgetAdherence: 0.5,
				ComponentValuePerCost:    0.54,
			},
		},
		{
			name: "no cost information",
			sctx: nil,
			want: map[string]float64{
				ComponentCostEfficiency:  0.5,
				ComponentBudgetAdherence: 0.5,
				ComponentValuePerCost:    0.5,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := v.Evaluate(models.State{0.5}, "treat", models.State{0.3}, tt.sctx)
			require.NoError(t, err)
			for k, want := range tt.want {
				assert.InDelta(t, want, result.Breakdown[k], 1e-9, k)
			}
		})
	}
}

type stubRules struct {
	violations []models.ComplianceViolation
}

func (s stubRules) Validate(models.State, models.Action, *models.StepContext) (bool, []models.ComplianceViolation) {
	return len(s.violations) == 0, s.violations
}

func TestComplianceVerifier(t *testing.T) {
	rules := stubRules{violations: []models.ComplianceViolation{
		{RuleName: "a", Severity: models.SeverityWarning},
		{RuleName: "b", Severity: models.SeverityWarning},
		{RuleName: "c", Severity: models.SeverityCritical},
	}}
	v := NewComplianceVerifier(nil, rules, nil)

	result, err := v.Evaluate(nil, "discharge", nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, -1.2, result.Reward, 1e-9)
	assert.Equal(t, map[string]float64{"warning": 2, "error": 0, "critical": 1}, result.Breakdown)

	clean := NewComplianceVerifier(nil, nil, nil)
	result, err = clean.Evaluate(nil, "discharge", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Reward)
	assert.Equal(t, []string{"critical", "error", "warning"}, clean.ComponentNames())
}

func TestDisabledVerifierReturnsZero(t *testing.T) {
	v := NewClinicalVerifier(nil, nil)
	v.Disable()

	result, err := v.Evaluate(models.State{0.9}, "treat", models.State{0.1}, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Reward)
	assert.Empty(t, result.Breakdown)
	assert.Empty(t, v.History())
}

func TestVerifierReturnsErrorOnlyFromCustomImplementations(t *testing.T) {
	f := newFixed("Broken", 0, nil)
	f.err = errors.New("boom")
	_, err := f.Evaluate(nil, "a", nil, nil)
	assert.Error(t, err)
}
