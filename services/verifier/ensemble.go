package verifier

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/internal/observability"
	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/services"
	"github.com/upb/reward-governance/utils"
)

// Ensemble breakdown keys
const (
	KeyTotalReward   = "total_reward"
	KeyNumVerifiers  = "num_verifiers"
	KeyFailedMembers = "failed_members"

	suffixWeighted = "_weighted"
	suffixFailed   = "_failed"
)

// EnsembleName is the identity of an ensemble built without a name override
const EnsembleName = "EnsembleVerifier"

// Ensemble composes member verifiers into one weighted reward:
//
//	reward = sum(w[i] * member[i].reward) over enabled members
//
// Without explicit weights every enabled member weighs 1/N, N being the
// number of enabled members. Each member key k is reported as "<Name>_k"
// plus "<Name>_k_weighted". A member that errors or panics is left out of
// the sum for that step and flagged with "<Name>_failed".
type Ensemble struct {
	*Base
	metrics observability.Metrics

	membersMu sync.RWMutex
	members   []Verifier
	weights   map[string]float64 // nil means uniform
}

// NewEnsemble creates an ensemble. weights may be nil for uniform weighting;
// otherwise it must name existing members only.
func NewEnsemble(members []Verifier, weights map[string]float64, logger *zap.Logger, metrics observability.Metrics) (*Ensemble, error) {
	e := &Ensemble{
		Base:    NewBase(EnsembleName, models.NewVerifierConfig(nil, nil), logger),
		metrics: observability.MetricsOrNop(metrics),
	}
	for _, m := range members {
		if err := e.addMember(m); err != nil {
			return nil, err
		}
	}
	if err := e.SetWeights(weights); err != nil {
		return nil, err
	}
	return e, nil
}

// Evaluate runs every enabled member and merges their results
func (e *Ensemble) Evaluate(state models.State, action models.Action, nextState models.State, sctx *models.StepContext) (*Result, error) {
	if !e.IsEnabled() {
		return disabledResult(), nil
	}

	members, weights := e.snapshot()
	result := &Result{
		Breakdown:     make(map[string]float64, len(members)*8+2),
		MemberRewards: make(map[string]float64, len(members)),
	}
	evaluated, failed := 0, 0

	for _, member := range members {
		name := member.Name()
		memberResult, err := evaluateMember(member, state, action, nextState, sctx)
		if err != nil {
			failed++
			result.Breakdown[name+suffixFailed] = 1
			e.metrics.RecordMemberFailure(name)
			e.logger.Warn("ensemble member failed, excluded from reward",
				zap.String("member", name),
				zap.String("episode_id", sctx.Episode()),
				zap.Int("step_id", sctx.Step()),
				zap.Error(err))
			continue
		}

		evaluated++
		result.MemberRewards[name] = memberResult.Reward
		w := weights[name]
		e.metrics.ObserveReward(name, memberResult.Reward)
		result.Reward += w * memberResult.Reward
		for key, value := range memberResult.Breakdown {
			namespaced := name + "_" + key
			result.Breakdown[namespaced] = value
			result.Breakdown[namespaced+suffixWeighted] = w * value
		}
	}

	result.Breakdown[KeyTotalReward] = result.Reward
	result.Breakdown[KeyNumVerifiers] = float64(evaluated)
	if failed > 0 {
		result.Breakdown[KeyFailedMembers] = float64(failed)
	}

	e.metrics.ObserveReward(e.Name(), result.Reward)
	e.Record(action, sctx, result)
	return result, nil
}

// evaluateMember shields the ensemble from a misbehaving member
func evaluateMember(v Verifier, state models.State, action models.Action, nextState models.State, sctx *models.StepContext) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = services.ErrEvaluationFailed.WithDetail("panic", fmt.Sprint(r))
		}
	}()

	result, err = v.Evaluate(state, action, nextState, sctx)
	switch {
	case err != nil:
		return nil, services.ErrEvaluationFailed.Wrap(err)
	case result == nil:
		return nil, services.ErrEvaluationFailed.WithDetail("reason", "nil result")
	case math.IsNaN(result.Reward) || math.IsInf(result.Reward, 0):
		return nil, services.ErrEvaluationFailed.WithDetail("reason", "non-finite reward")
	}
	return result, nil
}

// snapshot returns the enabled members with their effective weights
func (e *Ensemble) snapshot() ([]Verifier, map[string]float64) {
	e.membersMu.RLock()
	defer e.membersMu.RUnlock()

	enabled := make([]Verifier, 0, len(e.members))
	for _, m := range e.members {
		if m.IsEnabled() {
			enabled = append(enabled, m)
		}
	}

	weights := make(map[string]float64, len(enabled))
	for _, m := range enabled {
		if e.weights != nil {
			weights[m.Name()] = e.weights[m.Name()]
		} else {
			weights[m.Name()] = 1 / float64(len(enabled))
		}
	}
	return enabled, weights
}

// Weights returns the effective weight of every enabled member
func (e *Ensemble) Weights() map[string]float64 {
	_, weights := e.snapshot()
	return weights
}

// HasExplicitWeights reports whether weights were configured rather than uniform
func (e *Ensemble) HasExplicitWeights() bool {
	e.membersMu.RLock()
	defer e.membersMu.RUnlock()
	return e.weights != nil
}

// SetWeights configures explicit per-member weights. An empty map restores
// uniform weighting.
func (e *Ensemble) SetWeights(weights map[string]float64) error {
	e.membersMu.Lock()
	defer e.membersMu.Unlock()

	if len(weights) == 0 {
		e.weights = nil
		return nil
	}
	if err := utils.ValidateWeights(weights, "weights", false); err != nil {
		return services.ErrInvalidEnsemble.Wrap(err)
	}
	for name := range weights {
		if e.indexOf(name) < 0 {
			return services.ErrInvalidEnsemble.WithDetail("unknown_member", name)
		}
	}
	e.weights = models.CloneFloatMap(weights)
	return nil
}

// AddMember adds a verifier. weight is used only when explicit weights are
// configured; with uniform weighting every member is re-normalized to 1/N.
func (e *Ensemble) AddMember(v Verifier, weight float64) error {
	if e.HasExplicitWeights() && weight < 0 {
		return services.ErrInvalidEnsemble.WithDetail("weight", weight)
	}
	if err := e.addMember(v); err != nil {
		return err
	}

	e.membersMu.Lock()
	if e.weights != nil {
		e.weights[v.Name()] = weight
	}
	e.membersMu.Unlock()

	e.logger.Info("ensemble member added", zap.String("member", v.Name()))
	return nil
}

func (e *Ensemble) addMember(v Verifier) error {
	if v == nil {
		return services.ErrInvalidEnsemble.WithDetail("reason", "nil member")
	}

	e.membersMu.Lock()
	defer e.membersMu.Unlock()

	if e.indexOf(v.Name()) >= 0 {
		return services.ErrDuplicateVerifier.WithDetail("name", v.Name())
	}
	e.members = append(e.members, v)
	return nil
}

// RemoveMember removes a verifier by name and reports whether it existed
func (e *Ensemble) RemoveMember(name string) bool {
	e.membersMu.Lock()
	defer e.membersMu.Unlock()

	i := e.indexOf(name)
	if i < 0 {
		return false
	}
	e.members = append(e.members[:i], e.members[i+1:]...)
	if e.weights != nil {
		delete(e.weights, name)
	}
	e.logger.Info("ensemble member removed", zap.String("member", name))
	return true
}

// Member returns a member by name
func (e *Ensemble) Member(name string) (Verifier, bool) {
	e.membersMu.RLock()
	defer e.membersMu.RUnlock()

	if i := e.indexOf(name); i >= 0 {
		return e.members[i], true
	}
	return nil, false
}

// Members returns all members in insertion order
func (e *Ensemble) Members() []Verifier {
	e.membersMu.RLock()
	defer e.membersMu.RUnlock()
	return append([]Verifier(nil), e.members...)
}

// EnableMember turns a member on
func (e *Ensemble) EnableMember(name string) error {
	m, ok := e.Member(name)
	if !ok {
		return services.ErrVerifierNotFound.WithDetail("name", name)
	}
	m.Enable()
	return nil
}

// DisableMember turns a member off; its keys disappear from the breakdown
func (e *Ensemble) DisableMember(name string) error {
	m, ok := e.Member(name)
	if !ok {
		return services.ErrVerifierNotFound.WithDetail("name", name)
	}
	m.Disable()
	return nil
}

// ComponentNames returns the namespaced keys the enabled members can emit
func (e *Ensemble) ComponentNames() []string {
	members, _ := e.snapshot()
	names := []string{KeyTotalReward, KeyNumVerifiers}
	for _, m := range members {
		for _, component := range m.ComponentNames() {
			namespaced := m.Name() + "_" + component
			names = append(names, namespaced, namespaced+suffixWeighted)
		}
	}
	sort.Strings(names)
	return names
}

// Config returns the ensemble configuration with the effective weights
func (e *Ensemble) Config() *models.VerifierConfig {
	cfg := e.Base.Config()
	cfg.Weights = e.Weights()
	return cfg
}

// indexOf must be called with membersMu held
func (e *Ensemble) indexOf(name string) int {
	for i, m := range e.members {
		if m.Name() == name {
			return i
		}
	}
	return -1
}
