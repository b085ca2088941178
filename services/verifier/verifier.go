// Package verifier turns transitions into scalar training rewards. Concrete
// verifiers score one concern each; an Ensemble composes them and a Registry
// builds them by kind.
package verifier

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/internal/observability"
	"github.com/upb/reward-governance/models"
)

// HistoryLimit caps the evaluation history kept by every verifier
const HistoryLimit = 1000

// Result is the outcome of a single evaluation
type Result struct {
	Reward    float64            `json:"reward"`
	Breakdown map[string]float64 `json:"breakdown"`

	// MemberRewards holds the unweighted reward of every member that
	// contributed to a composite result, keyed by member name
	MemberRewards map[string]float64 `json:"member_rewards,omitempty"`
}

// Verifier scores a transition. Implementations never fail on missing
// optional context; they substitute a neutral default instead.
type Verifier interface {
	Name() string
	Evaluate(state models.State, action models.Action, nextState models.State, sctx *models.StepContext) (*Result, error)

	// Breakdown returns the breakdown of the last evaluation
	Breakdown() map[string]float64
	History() []Evaluation
	ComponentNames() []string
	Config() *models.VerifierConfig

	IsEnabled() bool
	Enable()
	Disable()
}

// Evaluation is one entry of a verifier's history
type Evaluation struct {
	EpisodeID string             `json:"episode_id,omitempty"`
	StepID    int                `json:"step_id"`
	Action    models.Action      `json:"action"`
	Reward    float64            `json:"reward"`
	Breakdown map[string]float64 `json:"breakdown"`
	Timestamp time.Time          `json:"timestamp"`
}

// Base carries the bookkeeping shared by all verifiers: name, config,
// enabled flag, last breakdown and the bounded history ring.
type Base struct {
	name   string
	config *models.VerifierConfig
	logger *zap.Logger

	mu      sync.RWMutex
	enabled bool
	last    map[string]float64
	history []Evaluation
	next    int // ring write position once history is full
}

// NewBase creates the shared state for a verifier
func NewBase(name string, cfg *models.VerifierConfig, logger *zap.Logger) *Base {
	if cfg == nil {
		cfg = models.NewVerifierConfig(nil, nil)
	}
	name = cfg.MetadataString("name", name)
	return &Base{
		name:    name,
		config:  cfg,
		logger:  observability.OrNop(logger).With(zap.String("verifier", name)),
		enabled: cfg.IsEnabled(),
	}
}

// Name returns the verifier's identity, used to namespace ensemble keys
func (b *Base) Name() string {
	return b.name
}

// Config returns a copy of the verifier configuration
func (b *Base) Config() *models.VerifierConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cfg := b.config.Clone()
	cfg.Enabled = models.Bool(b.enabled)
	return cfg
}

// ComponentNames returns the sorted breakdown keys this verifier emits
func (b *Base) ComponentNames() []string {
	return b.config.ComponentNames()
}

// IsEnabled reports whether the verifier takes part in evaluation
func (b *Base) IsEnabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// Enable turns the verifier on
func (b *Base) Enable() {
	b.setEnabled(true)
}

// Disable turns the verifier off
func (b *Base) Disable() {
	b.setEnabled(false)
}

func (b *Base) setEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enabled != enabled {
		b.logger.Debug("verifier toggled", zap.Bool("enabled", enabled))
	}
	b.enabled = enabled
}

// Breakdown returns a copy of the last evaluation's breakdown
func (b *Base) Breakdown() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return models.CloneFloatMap(b.last)
}

// History returns the retained evaluations, oldest first
func (b *Base) History() []Evaluation {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Evaluation, 0, len(b.history))
	if len(b.history) < HistoryLimit {
		out = append(out, b.history...)
	} else {
		out = append(out, b.history[b.next:]...)
		out = append(out, b.history[:b.next]...)
	}
	for i := range out {
		out[i].Breakdown = models.CloneFloatMap(out[i].Breakdown)
	}
	return out
}

// Record stores result as the last breakdown and appends it to the history
func (b *Base) Record(action models.Action, sctx *models.StepContext, result *Result) {
	entry := Evaluation{
		EpisodeID: sctx.Episode(),
		StepID:    sctx.Step(),
		Action:    action,
		Reward:    result.Reward,
		Breakdown: models.CloneFloatMap(result.Breakdown),
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.last = models.CloneFloatMap(result.Breakdown)
	if len(b.history) < HistoryLimit {
		b.history = append(b.history, entry)
		return
	}
	b.history[b.next] = entry
	b.next = (b.next + 1) % HistoryLimit
}

// disabledResult is returned by a disabled verifier
func disabledResult() *Result {
	return &Result{Reward: 0, Breakdown: map[string]float64{}}
}

// combine applies the configured weights to the raw sub-metrics. Only
// configured components are reported and contribute to the reward.
func (b *Base) combine(components map[string]float64) *Result {
	result := &Result{Breakdown: make(map[string]float64, len(b.config.Weights))}
	for name, weight := range b.config.Weights {
		value, ok := components[name]
		if !ok {
			continue
		}
		result.Breakdown[name] = value
		result.Reward += weight * value
	}
	return result
}

// SortedKeys returns the keys of a breakdown in lexical order
func SortedKeys(m map[string]float64) []string {
	return sortedKeys(m)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return neutral
	}
	return math.Max(0, math.Min(1, v))
}

// neutral is the score used when an input is missing
const neutral = 0.5

// fieldOr reads state[index], falling back to def when the index is absent
func fieldOr(state models.State, index int, def float64) (float64, bool) {
	if v, ok := state.At(index); ok {
		return v, true
	}
	return def, false
}
