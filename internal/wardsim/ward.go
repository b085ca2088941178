// Package wardsim is a small hospital ward simulation used to exercise the
// governance layer end to end from the CLI and tests.
//
// State layout: [risk, vital, utilization, wait].
package wardsim

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/services/rollout"
)

// Actions understood by the ward
const (
	ActionTreat             models.Action = "treat"
	ActionOrderImaging      models.Action = "order_imaging"
	ActionMonitoring        models.Action = "monitoring"
	ActionContinueTreatment models.Action = "continue_treatment"
	ActionRoutineFollowup   models.Action = "routine_followup"
	ActionDischarge         models.Action = "discharge"
)

// State indices
const (
	FieldRisk = iota
	FieldVital
	FieldUtilization
	FieldWait
)

var stepCosts = map[models.Action]float64{
	ActionTreat:             400,
	ActionContinueTreatment: 300,
	ActionOrderImaging:      250,
	ActionMonitoring:        50,
	ActionRoutineFollowup:   80,
	ActionDischarge:         20,
}

// Config holds configuration for the ward
type Config struct {
	Name           string
	Seed           int64
	InitialRiskMin float64
	InitialRiskMax float64
	Noise          float64 // standard deviation of the risk drift
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Name:           "ward",
		Seed:           1,
		InitialRiskMin: 0.5,
		InitialRiskMax: 0.9,
		Noise:          0.02,
	}
}

// Ward implements rollout.Environment. A Ward runs one episode at a time.
type Ward struct {
	config Config

	mu         sync.Mutex
	rng        *rand.Rand
	state      models.State
	step       int
	cost       float64
	treatments []string
}

// New creates a ward
func New(cfg Config) *Ward {
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}
	if cfg.InitialRiskMax < cfg.InitialRiskMin {
		cfg.InitialRiskMax = cfg.InitialRiskMin
	}
	return &Ward{config: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Name returns the environment name
func (w *Ward) Name() string {
	return w.config.Name
}

// Reset admits a new patient
func (w *Ward) Reset(ctx context.Context) (models.State, *models.StepContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	span := w.config.InitialRiskMax - w.config.InitialRiskMin
	risk := w.config.InitialRiskMin + w.rng.Float64()*span
	w.state = models.State{risk, 0.3 + 0.4*w.rng.Float64(), 0.6 + 0.3*w.rng.Float64(), 0.5}
	w.step = 0
	w.cost = 0
	w.treatments = nil
	return w.state.Clone(), w.context(), nil
}

// Step applies action to the current patient
func (w *Ward) Step(ctx context.Context, action models.Action) (*rollout.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	next := w.state.Clone()
	drift := w.rng.NormFloat64() * w.config.Noise
	done := false

	switch action {
	case ActionTreat, ActionContinueTreatment:
		next[FieldRisk] -= 0.08
		next[FieldVital] += (0.5 - next[FieldVital]) * 0.3
		next[FieldWait] -= 0.05
		w.treatments = append(w.treatments, string(action))
	case ActionOrderImaging:
		next[FieldRisk] -= 0.02
		next[FieldWait] += 0.05
	case ActionMonitoring, ActionRoutineFollowup:
		next[FieldRisk] += 0.01
		next[FieldVital] += (0.5 - next[FieldVital]) * 0.1
	case ActionDischarge:
		next[FieldUtilization] -= 0.1
		done = true
	default:
		next[FieldRisk] += 0.03
	}
	next[FieldRisk] = clamp(next[FieldRisk] + drift)
	next[FieldVital] = clamp(next[FieldVital])
	next[FieldUtilization] = clamp(next[FieldUtilization])
	next[FieldWait] = clamp(next[FieldWait])

	stepCost, ok := stepCosts[action]
	if !ok {
		stepCost = 100
	}
	w.cost += stepCost
	w.step++
	w.state = next

	sctx := w.context()
	sctx.StepCost = models.Float(stepCost)
	return &rollout.StepResult{
		NextState: next.Clone(),
		Context:   sctx,
		Done:      done,
		Info:      map[string]interface{}{"step_cost": stepCost, "length_of_stay": w.step},
	}, nil
}

// context must be called with mu held. The pathway step is left to the
// runner, which numbers steps from 1.
func (w *Ward) context() *models.StepContext {
	return &models.StepContext{
		RiskScore:        models.Float(w.state[FieldRisk]),
		TreatmentHistory: append([]string(nil), w.treatments...),
		CostToDate:       models.Float(w.cost),
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
